package pipeline

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"pimsync/internal"
	"pimsync/internal/util"
)

// ReadKeysFromXLSX collects item keys from the first sheet that has any. The
// key column is found by its header; without a recognised header the first
// column is used and every row counts.
func ReadKeysFromXLSX(content []byte) ([]internal.ItemKey, error) {
	f, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil || len(rows) == 0 {
			continue
		}

		keyIdx, start := 0, 0
		if idx := inferKeyColumn(normalizeCells(rows[0])); idx >= 0 {
			keyIdx, start = idx, 1
		}

		var keys []internal.ItemKey
		for _, row := range rows[start:] {
			cells := normalizeCells(row)
			if keyIdx >= len(cells) || cells[keyIdx] == "" || strings.HasPrefix(cells[keyIdx], "#") {
				continue
			}
			keys = append(keys, internal.ItemKey(cells[keyIdx]))
		}
		if len(keys) > 0 {
			return keys, nil
		}
	}
	return nil, nil
}

func inferKeyColumn(headers []string) int {
	for i, h := range headers {
		switch strings.ToLower(h) {
		case "key", "sku", "identifier", "isbn", "ean", "item", "item_key":
			return i
		}
	}
	return -1
}

func normalizeCells(row []string) []string {
	out := make([]string, 0, len(row))
	for _, c := range row {
		out = append(out, util.CollapseSpaces(c))
	}
	return out
}
