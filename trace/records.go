package trace

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// ConvertFile reads a row-format trace file back and writes the record-array
// artifact: a JSON array with one object per data row, keyed by the header
// columns. The CSV file remains the authoritative artifact; callers treat
// conversion failures as best-effort.
func ConvertFile(csvPath, jsonPath string) error {
	f, err := os.Open(csvPath)
	if err != nil {
		return fmt.Errorf("failed to open trace file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err == io.EOF {
		return os.WriteFile(jsonPath, []byte("[]"), 0644)
	}
	if err != nil {
		return fmt.Errorf("failed to read trace header: %w", err)
	}

	records := make([]map[string]string, 0)
	for {
		cols, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read trace row: %w", err)
		}
		if len(cols) == 0 {
			continue
		}

		rec := make(map[string]string, len(header))
		for i := 0; i < len(header) && i < len(cols); i++ {
			rec[header[i]] = cols[i]
		}
		records = append(records, rec)
	}

	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to marshal records: %w", err)
	}
	if err := os.WriteFile(jsonPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write record file: %w", err)
	}
	return nil
}
