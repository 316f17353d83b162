package parser

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/htmlindex"
)

type fieldKind int

const (
	fieldGuideNumber fieldKind = iota
	fieldStatus
	fieldValue
	fieldDenialCode
	fieldDenialReason
)

// Elements that open one guide verdict in TISS demonstrativo and protocol
// responses. Nested containers belong to the outermost one.
var guideContainers = map[string]bool{
	"dadosGuia":    true,
	"guia":         true,
	"relacaoGuias": true,
	"guiaResposta": true,
}

type xmlField struct {
	kind fieldKind
	rank int
}

// Lower rank wins when a guide carries the same information twice, e.g. a
// guide-level released value next to per-procedure ones.
var xmlFields = map[string]xmlField{
	"numeroguiaprestador": {fieldGuideNumber, 0},
	"numeroguia":          {fieldGuideNumber, 1},
	"situacaoguia":        {fieldStatus, 0},
	"statusguia":          {fieldStatus, 1},
	"situacao":            {fieldStatus, 2},
	"status":              {fieldStatus, 3},
	"valorliberadoguia":   {fieldValue, 0},
	"valorliberado":       {fieldValue, 1},
	"valoraprovado":       {fieldValue, 2},
	"valorpago":           {fieldValue, 3},
	"codigoglosa":         {fieldDenialCode, 0},
	"codigoglosaguia":     {fieldDenialCode, 1},
	"tipoglosa":           {fieldDenialCode, 2},
	"descricaoglosa":      {fieldDenialReason, 0},
	"motivoglosa":         {fieldDenialReason, 1},
}

type xmlItem struct {
	line   int
	values map[fieldKind]string
	ranks  map[fieldKind]int
}

func (x *xmlItem) set(f xmlField, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if r, ok := x.ranks[f.kind]; ok && r <= f.rank {
		return
	}
	x.ranks[f.kind] = f.rank
	x.values[f.kind] = text
}

func (x *xmlItem) item() Item {
	it := Item{
		Line:         x.line,
		GuideNumber:  x.values[fieldGuideNumber],
		Status:       x.values[fieldStatus],
		DenialCode:   x.values[fieldDenialCode],
		DenialReason: x.values[fieldDenialReason],
	}
	it.setValue(x.values[fieldValue])
	return it
}

// parseXML walks the token stream and matches elements by local name only,
// so both prefixed (ans:) and unprefixed documents are read the same way.
func parseXML(data []byte) ([]Item, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.CharsetReader = charsetReader

	var (
		items      []Item
		cur        *xmlItem
		level      int
		openLevel  int
		field      *xmlField
		fieldLevel int
		text       strings.Builder
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read xml: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			level++
			name := t.Name.Local
			if cur == nil {
				if guideContainers[name] {
					line, _ := dec.InputPos()
					cur = &xmlItem{line: line, values: map[fieldKind]string{}, ranks: map[fieldKind]int{}}
					openLevel = level
				}
				continue
			}
			if f, ok := xmlFields[strings.ToLower(name)]; ok && field == nil {
				field = &f
				fieldLevel = level
				text.Reset()
			}
		case xml.CharData:
			if field != nil {
				text.Write(t)
			}
		case xml.EndElement:
			if field != nil && level == fieldLevel {
				cur.set(*field, text.String())
				field = nil
			}
			if cur != nil && level == openLevel {
				items = append(items, cur.item())
				cur = nil
			}
			level--
		}
	}
	return items, nil
}

func charsetReader(label string, input io.Reader) (io.Reader, error) {
	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, fmt.Errorf("unsupported charset %q", label)
	}
	return enc.NewDecoder().Reader(input), nil
}
