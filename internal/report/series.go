package report

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"strconv"
	"strings"

	berrors "github.com/psantana5/effbench/internal/errors"
	"github.com/psantana5/effbench/internal/sampler"
)

// Series is the parsed content of one telemetry CSV: one float per required
// column per valid row.
type Series struct {
	Path    string
	Columns []string
	Rows    [][]float64
	Skipped int
}

// Column returns the values of a required column.
func (s *Series) Column(name string) []float64 {
	idx := -1
	for i, c := range s.Columns {
		if c == name {
			idx = i
		}
	}
	if idx < 0 {
		return nil
	}
	out := make([]float64, len(s.Rows))
	for i, row := range s.Rows {
		out[i] = row[idx]
	}
	return out
}

func parseValue(s string) (float64, error) {
	s = strings.TrimSpace(s)
	var v float64
	var err error
	if strings.HasSuffix(s, "%") {
		v, err = sampler.ParsePercentage(s)
	} else {
		v, err = strconv.ParseFloat(s, 64)
	}
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("non-finite value %q", s)
	}
	return v, nil
}

// ReadSeries loads the named columns from a sampler CSV. Rows that do not
// parse are skipped and reported as warnings. A file without data rows is
// valid and yields an empty series.
func ReadSeries(path string, columns []string, warnings *berrors.Warnings) (*Series, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, berrors.New(berrors.ErrTelemetryFileMissing, berrors.PhaseAggregation,
				fmt.Sprintf("telemetry file %s not found", path), err)
		}
		return nil, berrors.New(berrors.ErrTelemetryFileMissing, berrors.PhaseAggregation,
			fmt.Sprintf("open telemetry file %s", path), err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err == io.EOF {
		return &Series{Path: path, Columns: columns}, nil
	}
	if err != nil {
		return nil, berrors.New(berrors.ErrTelemetryFileMissing, berrors.PhaseAggregation,
			fmt.Sprintf("read header of %s", path), err)
	}

	index := make([]int, len(columns))
	for i, col := range columns {
		index[i] = -1
		for j, h := range header {
			if strings.TrimSpace(h) == col {
				index[i] = j
				break
			}
		}
		if index[i] < 0 {
			return nil, berrors.New(berrors.ErrTelemetryFileMissing, berrors.PhaseAggregation,
				fmt.Sprintf("%s: missing column %q", path, col), nil)
		}
	}

	s := &Series{Path: path, Columns: columns}
	line := 1
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			s.Skipped++
			warnRow(warnings, path, line, err.Error())
			continue
		}
		row := make([]float64, len(columns))
		ok := true
		for i, idx := range index {
			if idx >= len(record) {
				ok = false
				warnRow(warnings, path, line, fmt.Sprintf("missing %s", columns[i]))
				break
			}
			v, err := parseValue(record[idx])
			if err != nil {
				ok = false
				warnRow(warnings, path, line, fmt.Sprintf("%s=%q", columns[i], record[idx]))
				break
			}
			row[i] = v
		}
		if !ok {
			s.Skipped++
			continue
		}
		s.Rows = append(s.Rows, row)
	}

	if len(s.Rows) == 0 && s.Skipped > 0 {
		return nil, berrors.New(berrors.ErrTelemetryFileMissing, berrors.PhaseAggregation,
			fmt.Sprintf("%s: none of %d rows could be parsed", path, s.Skipped), nil)
	}
	return s, nil
}

func warnRow(warnings *berrors.Warnings, path string, line int, detail string) {
	if warnings == nil {
		return
	}
	warnings.Add(berrors.ErrMalformedTelemetryRow, berrors.PhaseAggregation, "aggregator",
		fmt.Sprintf("%s line %d skipped: %s", path, line, detail))
}
