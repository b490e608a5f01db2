package task

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const maxLine = 16 * 1024 * 1024

// JSONLTask reads instances from JSON lines. Path is either a single file
// used for every split or a directory holding <split>.jsonl files.
//
// A line that is an object with an "input" key is an Instance; any other
// JSON value is taken as a bare input without a target.
type JSONLTask struct {
	name string
	path string

	mu    sync.Mutex
	cache map[string][]Instance
}

// NewJSONLTask creates a task over path. Nothing is read until Inputs.
func NewJSONLTask(name, path string) *JSONLTask {
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return &JSONLTask{name: name, path: path, cache: make(map[string][]Instance)}
}

func (t *JSONLTask) Name() string {
	return t.name
}

func (t *JSONLTask) file(split string) (string, error) {
	info, err := os.Stat(t.path)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return t.path, nil
	}
	return filepath.Join(t.path, split+".jsonl"), nil
}

// Instances loads and caches the rows of a split.
func (t *JSONLTask) Instances(split string) ([]Instance, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cached, ok := t.cache[split]; ok {
		return cached, nil
	}
	path, err := t.file(split)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", t.name, err)
	}
	instances, err := ReadJSONL(path)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", t.name, err)
	}
	t.cache[split] = instances
	return instances, nil
}

func (t *JSONLTask) Inputs(split string) ([]json.RawMessage, error) {
	instances, err := t.Instances(split)
	if err != nil {
		return nil, err
	}
	inputs := make([]json.RawMessage, len(instances))
	for i, inst := range instances {
		inputs[i] = inst.Input
	}
	return inputs, nil
}

func (t *JSONLTask) Score(split string, outputs []json.RawMessage) (Accuracy, error) {
	instances, err := t.Instances(split)
	if err != nil {
		return Accuracy{}, err
	}
	return ExactMatch(t.name, split, instances, outputs)
}

// ReadJSONL parses a JSON lines file. Blank lines are skipped.
func ReadJSONL(path string) ([]Instance, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var instances []Instance
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		inst, err := parseInstance(raw)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		instances = append(instances, inst)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return instances, nil
}

func parseInstance(raw []byte) (Instance, error) {
	if !json.Valid(raw) {
		return Instance{}, fmt.Errorf("invalid JSON")
	}
	var obj map[string]json.RawMessage
	if raw[0] == '{' && json.Unmarshal(raw, &obj) == nil {
		if input, ok := obj["input"]; ok {
			return Instance{Input: input, Target: obj["target"]}, nil
		}
	}
	return Instance{Input: append(json.RawMessage(nil), raw...)}, nil
}
