package sampler

import (
	"encoding/csv"
	"fmt"
	"os"
	"time"
)

// Writer appends telemetry rows to a CSV file, flushing every row so a
// reader sees complete rows even if the sampler is killed.
type Writer struct {
	f *os.File
	w *csv.Writer
}

// Create truncates path and writes the header.
func Create(path string, columns []string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create telemetry file: %w", err)
	}
	w := &Writer{f: f, w: csv.NewWriter(f)}
	if err := w.write(append([]string{ColTimestamp}, columns...)); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// Append writes one row stamped with ts.
func (w *Writer) Append(ts time.Time, values []string) error {
	return w.write(append([]string{ts.UTC().Format(time.RFC3339Nano)}, values...))
}

func (w *Writer) write(record []string) error {
	if err := w.w.Write(record); err != nil {
		return err
	}
	w.w.Flush()
	return w.w.Error()
}

// Close flushes and closes the file.
func (w *Writer) Close() error {
	w.w.Flush()
	if err := w.w.Error(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}
