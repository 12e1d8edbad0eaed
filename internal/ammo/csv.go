package ammo

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
)

// CSVSource serves rows of a CSV file as Record payloads. The first row is
// the header. When MarkerColumn is set, the column value becomes the marker.
type CSVSource struct {
	records []Record
	markers []string
	loop    int
	index   int
	pass    int
}

// NewCSVSource loads path. A fixed marker is used when markerColumn is empty.
func NewCSVSource(path, marker, markerColumn string, loop int) (*CSVSource, error) {
	file, err := openFile(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.TrimLeadingSpace = true

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read CSV: %w", err)
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("CSV file must have at least one header row and one data row")
	}

	header := rows[0]
	if markerColumn != "" && !contains(header, markerColumn) {
		return nil, fmt.Errorf("CSV marker column %q not in header", markerColumn)
	}

	src := &CSVSource{loop: loop}
	for i, row := range rows[1:] {
		if len(row) != len(header) {
			return nil, fmt.Errorf("row %d has %d fields, expected %d", i+2, len(row), len(header))
		}
		record := make(Record, len(header))
		for j, field := range header {
			record[field] = row[j]
		}
		m := marker
		if markerColumn != "" {
			m = record[markerColumn]
		}
		src.records = append(src.records, record)
		src.markers = append(src.markers, m)
	}
	return src, nil
}

// Next implements Source.
func (s *CSVSource) Next(ctx context.Context) (Missile, error) {
	if err := checkContext(ctx); err != nil {
		return Missile{}, err
	}
	if s.index >= len(s.records) {
		s.pass++
		if s.loop > 0 && s.pass >= s.loop {
			return Missile{}, io.EOF
		}
		s.index = 0
	}
	i := s.index
	s.index++
	return Missile{Marker: s.markers[i], Payload: s.records[i]}, nil
}

// Len returns the number of rows.
func (s *CSVSource) Len() int { return len(s.records) }

// Close implements Source.
func (s *CSVSource) Close() error { return nil }

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
