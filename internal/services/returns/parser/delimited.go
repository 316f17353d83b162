package parser

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var delimiters = []rune{';', ',', '|', '\t'}

// columnAliases maps normalized header names to the field they carry.
var columnAliases = map[string]fieldKind{
	"numero_guia":           fieldGuideNumber,
	"numero_guia_prestador": fieldGuideNumber,
	"nr_guia":               fieldGuideNumber,
	"guia":                  fieldGuideNumber,
	"guide_number":          fieldGuideNumber,
	"status":                fieldStatus,
	"situacao":              fieldStatus,
	"situacao_guia":         fieldStatus,
	"resultado":             fieldStatus,
	"valor_aprovado":        fieldValue,
	"valor_liberado":        fieldValue,
	"valor_pago":            fieldValue,
	"approved_value":        fieldValue,
	"codigo_glosa":          fieldDenialCode,
	"cod_glosa":             fieldDenialCode,
	"motivo_glosa":          fieldDenialReason,
	"descricao_glosa":       fieldDenialReason,
	"motivo":                fieldDenialReason,
}

func parseDelimited(data []byte) ([]Item, error) {
	if !utf8.Valid(data) {
		decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
		if err != nil {
			return nil, fmt.Errorf("decode latin-1: %w", err)
		}
		data = decoded
	}

	reader := csv.NewReader(bytes.NewReader(data))
	reader.Comma = sniffDelimiter(data)
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var (
		rows  [][]string
		lines []int
	)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read delimited row: %w", err)
		}
		line, _ := reader.FieldPos(0)
		rows = append(rows, record)
		lines = append(lines, line)
	}
	return itemsFromRows(rows, lines)
}

// sniffDelimiter picks the candidate that occurs most often on the first
// non-blank line.
func sniffDelimiter(data []byte) rune {
	var first string
	for _, l := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(l) != "" {
			first = l
			break
		}
	}
	best, bestCount := ';', 0
	for _, d := range delimiters {
		if c := strings.Count(first, string(d)); c > bestCount {
			best, bestCount = d, c
		}
	}
	return best
}

var stripAccents = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// normalizeHeader folds "Número da Guia", "NUMERO-GUIA" and "numero guia"
// into "numero_guia". "da", "de" and "do" are dropped.
func normalizeHeader(h string) string {
	s, _, err := transform.String(stripAccents, strings.TrimSpace(h))
	if err != nil {
		s = h
	}
	s = strings.ToLower(s)
	words := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	kept := words[:0]
	for _, w := range words {
		if w == "da" || w == "de" || w == "do" {
			continue
		}
		kept = append(kept, w)
	}
	return strings.Join(kept, "_")
}

func blankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// itemsFromRows treats the first non-blank row as the header. lines holds
// the source line of each row.
func itemsFromRows(rows [][]string, lines []int) ([]Item, error) {
	start := 0
	for start < len(rows) && blankRow(rows[start]) {
		start++
	}
	if start == len(rows) {
		return nil, ErrEmptyFile
	}

	colIdx := map[fieldKind]int{}
	for i, h := range rows[start] {
		if i == 0 {
			h = strings.TrimPrefix(h, "\ufeff")
		}
		if kind, ok := columnAliases[normalizeHeader(h)]; ok {
			if _, seen := colIdx[kind]; !seen {
				colIdx[kind] = i
			}
		}
	}
	var missing []string
	if _, ok := colIdx[fieldGuideNumber]; !ok {
		missing = append(missing, "numero_guia")
	}
	if _, ok := colIdx[fieldStatus]; !ok {
		missing = append(missing, "status")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumns, strings.Join(missing, ", "))
	}

	cell := func(row []string, kind fieldKind) string {
		i, ok := colIdx[kind]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var items []Item
	for i := start + 1; i < len(rows); i++ {
		row := rows[i]
		if blankRow(row) {
			continue
		}
		it := Item{
			Line:         lines[i],
			GuideNumber:  cell(row, fieldGuideNumber),
			Status:       cell(row, fieldStatus),
			DenialCode:   cell(row, fieldDenialCode),
			DenialReason: cell(row, fieldDenialReason),
		}
		it.setValue(cell(row, fieldValue))
		items = append(items, it)
	}
	return items, nil
}
