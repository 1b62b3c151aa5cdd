package analysis

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// IntervalMonths maps the binned test-retest interval codes of the study's
// interval table to months
var IntervalMonths = map[int]float64{
	2: 1.5, 3: 3, 4: 4, 5: 5, 6: 6, 7: 7, 8: 9, 11: 11,
}

// MeanRetestInterval reads the binned interval table (a header row, then
// subject and bin code columns) and returns the mean time between sessions
// in months.
func MeanRetestInterval(r io.Reader) (float64, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	if _, err := reader.Read(); err != nil {
		return 0, fmt.Errorf("failed to read interval header: %w", err)
	}

	total, n := 0.0, 0
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("failed to read interval row: %w", err)
		}
		if len(row) < 2 {
			return 0, fmt.Errorf("interval row %d has %d columns", n+1, len(row))
		}
		code, err := strconv.Atoi(strings.TrimSpace(row[1]))
		if err != nil {
			return 0, fmt.Errorf("interval row %d: %w", n+1, err)
		}
		months, ok := IntervalMonths[code]
		if !ok {
			return 0, fmt.Errorf("interval row %d: unknown bin %d", n+1, code)
		}
		total += months
		n++
	}

	if n == 0 {
		return 0, fmt.Errorf("interval table has no rows")
	}
	return total / float64(n), nil
}
