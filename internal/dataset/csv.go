package dataset

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// FileSource resolves dataset references to row data by reading CSV files
// from the upload directory shared with the storage service.
type FileSource struct {
	baseDir string
}

// NewFileSource creates a file-backed dataset source. baseDir may be empty
// when dataset references are absolute paths.
func NewFileSource(baseDir string) *FileSource {
	return &FileSource{baseDir: baseDir}
}

// Rows loads the referenced CSV and returns one map per data row, keyed by
// header name. Numeric-looking cells are coerced to float64 so the compute
// workers receive typed columns.
func (s *FileSource) Rows(ref string) ([]map[string]any, error) {
	path := ref
	if s.baseDir != "" && !strings.HasPrefix(ref, "/") {
		path = s.baseDir + "/" + ref
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset %s: %w", ref, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse dataset %s: %w", ref, err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("dataset %s has no data rows", ref)
	}

	headers := make([]string, len(records[0]))
	for i, h := range records[0] {
		headers[i] = strings.TrimSpace(h)
	}

	rows := make([]map[string]any, 0, len(records)-1)
	for _, record := range records[1:] {
		if isBlank(record) {
			continue
		}
		row := make(map[string]any, len(headers))
		for i, header := range headers {
			if i >= len(record) {
				break
			}
			row[header] = coerce(strings.TrimSpace(record[i]))
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func isBlank(record []string) bool {
	for _, cell := range record {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// coerce turns numeric-looking cells into float64 and leaves everything
// else as a string.
func coerce(cell string) any {
	if cell == "" {
		return cell
	}
	if num, err := strconv.ParseFloat(cell, 64); err == nil {
		return num
	}
	return cell
}
