package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/unclebandit/mailleopard-backend/internal/service"
)

// readRows reads a CSV dataset. The header row names the fields; data rows
// are numbered from 1.
func readRows(r io.Reader) ([]service.Row, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, service.ErrEmptyDataset
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	for i := range header {
		header[i] = strings.ToLower(strings.TrimSpace(header[i]))
	}

	var rows []service.Row
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", len(rows)+1, err)
		}
		row := service.Row{ID: int64(len(rows) + 1)}
		for i, key := range header {
			if key == "" {
				continue
			}
			var v string
			if i < len(rec) {
				v = rec[i]
			}
			row.Fields = append(row.Fields, service.Field{Key: key, Value: v})
		}
		rows = append(rows, row)
	}
	return rows, nil
}
