// Package parser reads operator return files into per-guide items.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"tiss-claims-backend/internal/models"

	"github.com/shopspring/decimal"
)

var (
	ErrEmptyFile       = errors.New("return file is empty")
	ErrContentMismatch = errors.New("file content does not match declared type")
	ErrMissingColumns  = errors.New("required columns not found")
	ErrNoRecords       = errors.New("no guide records found")
)

// Item is the operator's verdict on one guide, as read from the file.
// Status is kept raw; deciding whether it is usable belongs to the caller.
type Item struct {
	Line          int              `json:"line"`
	GuideNumber   string           `json:"guide_number"`
	Status        string           `json:"status"`
	ApprovedValue *decimal.Decimal `json:"approved_value,omitempty"`
	DenialCode    string           `json:"denial_code,omitempty"`
	DenialReason  string           `json:"denial_reason,omitempty"`
	// Err is set when a field of the record could not be read.
	Err error `json:"-"`
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Parse dispatches on the declared file type after checking that the
// content looks like that type.
func Parse(ft models.ReturnFileType, data []byte) ([]Item, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyFile
	}
	if err := checkContent(ft, data); err != nil {
		return nil, err
	}

	var (
		items []Item
		err   error
	)
	switch ft {
	case models.ReturnFileXML:
		items, err = parseXML(data)
	case models.ReturnFileCSV, models.ReturnFileTXT:
		items, err = parseDelimited(data)
	case models.ReturnFileXLSX:
		items, err = parseXLSX(data)
	default:
		return nil, fmt.Errorf("unsupported return file type %q", ft)
	}
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNoRecords
	}
	return items, nil
}

func checkContent(ft models.ReturnFileType, data []byte) error {
	head := bytes.TrimSpace(data)
	isZip := bytes.HasPrefix(data, []byte("PK\x03\x04"))
	isMarkup := len(head) > 0 && head[0] == '<'

	switch ft {
	case models.ReturnFileXML:
		if !isMarkup {
			return fmt.Errorf("%w: expected XML", ErrContentMismatch)
		}
	case models.ReturnFileXLSX:
		if !isZip {
			return fmt.Errorf("%w: expected an XLSX workbook", ErrContentMismatch)
		}
	default:
		if isZip || isMarkup || bytes.IndexByte(data, 0) >= 0 {
			return fmt.Errorf("%w: expected delimited text", ErrContentMismatch)
		}
	}
	return nil
}

// ParseMoney reads values written either the Brazilian way ("R$ 1.234,56")
// or with a dot decimal separator ("1234.56").
func ParseMoney(s string) (decimal.Decimal, error) {
	v := strings.NewReplacer("R$", "", " ", "", "\u00a0", "").Replace(strings.TrimSpace(s))
	if v == "" {
		return decimal.Zero, errors.New("empty value")
	}
	lastComma := strings.LastIndexByte(v, ',')
	lastDot := strings.LastIndexByte(v, '.')
	switch {
	case lastComma >= 0 && lastDot >= 0:
		if lastComma > lastDot {
			v = strings.ReplaceAll(v, ".", "")
			v = strings.Replace(v, ",", ".", 1)
		} else {
			v = strings.ReplaceAll(v, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(v, ",") > 1 {
			return decimal.Zero, fmt.Errorf("invalid value %q", s)
		}
		v = strings.Replace(v, ",", ".", 1)
	case strings.Count(v, ".") > 1:
		v = strings.ReplaceAll(v, ".", "")
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid value %q", s)
	}
	return d, nil
}

// setValue fills the approved value of an item from raw text. Blank text
// leaves it unset.
func (it *Item) setValue(raw string) {
	if strings.TrimSpace(raw) == "" {
		return
	}
	d, err := ParseMoney(raw)
	if err != nil {
		if it.Err == nil {
			it.Err = fmt.Errorf("approved value: %w", err)
		}
		return
	}
	it.ApprovedValue = &d
}
