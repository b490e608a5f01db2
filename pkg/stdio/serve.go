// Package stdio is the workload side of the effbench line protocol. A
// workload reads one JSON array per line on stdin and answers each with one
// JSON array of the same length on stdout.
package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// Predictor turns a batch of inputs into the same number of outputs.
type Predictor interface {
	Predict(ctx context.Context, inputs []json.RawMessage) ([]json.RawMessage, error)
}

// PredictorFunc adapts a function to Predictor.
type PredictorFunc func(ctx context.Context, inputs []json.RawMessage) ([]json.RawMessage, error)

// Predict calls f.
func (f PredictorFunc) Predict(ctx context.Context, inputs []json.RawMessage) ([]json.RawMessage, error) {
	return f(ctx, inputs)
}

// OfflineRequest is the single element sent in offline mode. Inputs holds one
// JSON value per line; the workload writes one output per line to Outputs in
// the same order. Only an object with "effbench_offline": true is taken as a
// descriptor; any other single-item request is an ordinary batch.
type OfflineRequest struct {
	Offline    bool   `json:"effbench_offline"`
	OfflineDir string `json:"offline_dir"`
	Inputs     string `json:"inputs"`
	Outputs    string `json:"outputs"`
	Count      int    `json:"count"`
}

// Echo answers every batch with its inputs after sleeping delay per item.
func Echo(delay time.Duration) Predictor {
	return PredictorFunc(func(ctx context.Context, inputs []json.RawMessage) ([]json.RawMessage, error) {
		if delay > 0 {
			timer := time.NewTimer(delay * time.Duration(len(inputs)))
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return inputs, nil
	})
}

// OfflineBatchSize is the batch size Serve uses when draining an offline file.
var OfflineBatchSize = 64

type flusher interface {
	Flush() error
}

// Serve answers requests from r on w until r is exhausted or ctx is done.
// Each response is flushed before the next request is read.
func Serve(ctx context.Context, r io.Reader, w io.Writer, p Predictor) error {
	br := bufio.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, readErr := br.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			if err := handle(ctx, line, w, p); err != nil {
				return err
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return readErr
		}
	}
}

func handle(ctx context.Context, line []byte, w io.Writer, p Predictor) error {
	var inputs []json.RawMessage
	if err := json.Unmarshal(line, &inputs); err != nil {
		return fmt.Errorf("request is not a JSON array: %w", err)
	}

	var outputs []json.RawMessage
	if req, ok := asOffline(inputs); ok {
		if err := serveOffline(ctx, req, p); err != nil {
			return err
		}
		path, _ := json.Marshal(req.Outputs)
		outputs = []json.RawMessage{path}
	} else {
		var err error
		outputs, err = predict(ctx, p, inputs)
		if err != nil {
			return err
		}
	}

	resp, err := json.Marshal(outputs)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	if _, err := w.Write(append(resp, '\n')); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	if f, ok := w.(flusher); ok {
		return f.Flush()
	}
	if f, ok := w.(*os.File); ok {
		// sync fails on pipes, which are unbuffered anyway
		_ = f.Sync()
	}
	return nil
}

func predict(ctx context.Context, p Predictor, inputs []json.RawMessage) ([]json.RawMessage, error) {
	outputs, err := p.Predict(ctx, inputs)
	if err != nil {
		return nil, fmt.Errorf("predict: %w", err)
	}
	if len(outputs) != len(inputs) {
		return nil, fmt.Errorf("predictor returned %d outputs for %d inputs", len(outputs), len(inputs))
	}
	return outputs, nil
}

func asOffline(inputs []json.RawMessage) (OfflineRequest, bool) {
	if len(inputs) != 1 || !bytes.HasPrefix(bytes.TrimSpace(inputs[0]), []byte("{")) {
		return OfflineRequest{}, false
	}
	var req OfflineRequest
	if err := json.Unmarshal(inputs[0], &req); err != nil || !req.Offline {
		return OfflineRequest{}, false
	}
	return req, true
}

func serveOffline(ctx context.Context, req OfflineRequest, p Predictor) error {
	in, err := os.Open(req.Inputs)
	if err != nil {
		return fmt.Errorf("offline inputs: %w", err)
	}
	defer in.Close()

	out, err := os.Create(req.Outputs)
	if err != nil {
		return fmt.Errorf("offline outputs: %w", err)
	}
	bw := bufio.NewWriter(out)

	flushBatch := func(batch []json.RawMessage) error {
		if len(batch) == 0 {
			return nil
		}
		outputs, err := predict(ctx, p, batch)
		if err != nil {
			return err
		}
		var buf bytes.Buffer
		for _, o := range outputs {
			buf.Reset()
			if err := json.Compact(&buf, o); err != nil {
				return fmt.Errorf("offline output is not JSON: %w", err)
			}
			buf.WriteByte('\n')
			if _, err := bw.Write(buf.Bytes()); err != nil {
				return err
			}
		}
		return nil
	}

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	batch := make([]json.RawMessage, 0, OfflineBatchSize)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		batch = append(batch, append(json.RawMessage(nil), line...))
		if len(batch) == OfflineBatchSize {
			if err := flushBatch(batch); err != nil {
				out.Close()
				return err
			}
			batch = batch[:0]
		}
	}
	if err := sc.Err(); err != nil {
		out.Close()
		return fmt.Errorf("offline inputs: %w", err)
	}
	if err := flushBatch(batch); err != nil {
		out.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
