package parser

import (
	"bytes"
	"fmt"

	"github.com/xuri/excelize/v2"
)

// parseXLSX reads the first sheet with the same header rules as delimited
// files. Row numbers are the spreadsheet's own.
func parseXLSX(data []byte) ([]Item, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, ErrEmptyFile
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheets[0], err)
	}
	lines := make([]int, len(rows))
	for i := range rows {
		lines[i] = i + 1
	}
	return itemsFromRows(rows, lines)
}
