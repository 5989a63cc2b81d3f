package universe

import (
	"encoding/csv"
	"fmt"
	"os"
	"strings"
)

// Load merges the inline symbol list with an optional CSV file (first
// column, header row tolerated) into one deduplicated, uppercased
// universe in stable order.
func Load(inline []string, csvPath string) ([]string, error) {
	seen := map[string]struct{}{}
	var out []string
	add := func(s string) {
		u := strings.ToUpper(strings.TrimSpace(s))
		if u == "" {
			return
		}
		if _, ok := seen[u]; ok {
			return
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}

	for _, s := range inline {
		add(s)
	}

	if csvPath != "" {
		f, err := os.Open(csvPath)
		if err != nil {
			return nil, fmt.Errorf("open universe file: %w", err)
		}
		defer f.Close()

		r := csv.NewReader(f)
		r.FieldsPerRecord = -1
		rows, err := r.ReadAll()
		if err != nil {
			return nil, fmt.Errorf("parse universe file: %w", err)
		}
		for i, row := range rows {
			if len(row) == 0 {
				continue
			}
			cell := strings.TrimSpace(row[0])
			if i == 0 && isHeader(cell) {
				continue
			}
			add(cell)
		}
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("universe is empty")
	}
	return out, nil
}

func isHeader(cell string) bool {
	switch strings.ToLower(cell) {
	case "symbol", "tradingsymbol", "ticker":
		return true
	}
	return false
}
