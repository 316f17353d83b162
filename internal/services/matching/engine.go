package matching

import (
	"math"
	"strings"

	"tiss-claims-backend/internal/models"
)

// MinSuggestionScore is the similarity (0-100) a near miss needs before it
// is offered to billing staff as a likely typo.
const MinSuggestionScore = 75.0

// Index resolves guide numbers from an operator file to the guides of one
// batch. Matching is exact on the normalized number; similarity is only
// ever used to suggest, never to match.
type Index struct {
	byNumber map[string]*models.Guide
	numbers  []string
}

func NewIndex(guides []*models.Guide) *Index {
	idx := &Index{byNumber: make(map[string]*models.Guide, len(guides))}
	for _, g := range guides {
		n := NormalizeGuideNumber(g.GuideNumber)
		if _, dup := idx.byNumber[n]; dup {
			continue
		}
		idx.byNumber[n] = g
		idx.numbers = append(idx.numbers, n)
	}
	return idx
}

// Suggestion is the closest guide number for an orphan line.
type Suggestion struct {
	GuideID     string  `json:"guide_id"`
	GuideNumber string  `json:"guide_number"`
	Score       float64 `json:"score"`
}

// Lookup returns the guide with exactly this number. When there is none it
// may return the closest candidate instead.
func (idx *Index) Lookup(number string) (*models.Guide, *Suggestion) {
	n := NormalizeGuideNumber(number)
	if g, ok := idx.byNumber[n]; ok {
		return g, nil
	}
	if n == "" {
		return nil, nil
	}

	var (
		best      string
		bestScore float64
	)
	for _, candidate := range idx.numbers {
		score := similarity(n, candidate)
		if score > bestScore {
			best, bestScore = candidate, score
		}
	}
	if bestScore < MinSuggestionScore {
		return nil, nil
	}
	g := idx.byNumber[best]
	return nil, &Suggestion{
		GuideID:     g.ID.String(),
		GuideNumber: g.GuideNumber,
		Score:       math.Round(bestScore*10) / 10,
	}
}

func (idx *Index) Len() int { return len(idx.numbers) }

// NormalizeGuideNumber makes "g-000123 " and "G-000123" the same key.
func NormalizeGuideNumber(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, " ", "")
	return s
}

// suggestionKey drops the separators operators add or omit freely, so
// "G-000123" and "G000123" are not penalized against each other.
func suggestionKey(n string) []rune {
	return []rune(strings.Map(func(r rune) rune {
		switch r {
		case '-', '/', '.', '_':
			return -1
		}
		return r
	}, n))
}

func similarity(a, b string) float64 {
	ka, kb := suggestionKey(a), suggestionKey(b)
	maxLen := math.Max(float64(len(ka)), float64(len(kb)))
	if maxLen == 0 {
		return 100
	}
	return (1 - float64(editDistance(ka, kb))/maxLen) * 100
}

// editDistance counts inserted, dropped and mistyped characters, plus two
// adjacent digits typed in the wrong order as a single slip.
func editDistance(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	// Three rolling rows: i-2, i-1 and i.
	before := make([]int, len(b)+1)
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
			if i > 1 && j > 1 && a[i-1] == b[j-2] && a[i-2] == b[j-1] {
				cur[j] = min(cur[j], before[j-2]+1)
			}
		}
		before, prev, cur = prev, cur, before
	}
	return prev[len(b)]
}
