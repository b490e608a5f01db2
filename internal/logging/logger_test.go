package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", DEBUG},
		{"INFO", INFO},
		{"warning", WARN},
		{"Error", ERROR},
		{"fatal", FATAL},
		{"bogus", INFO},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, WARN, false)

	l.Info("hidden")
	l.Warn("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "WARN: shown")
}

func TestJSONEntryCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, DEBUG, true).Component("monitor").WithField("kind", "gpu")

	l.Info("sampler started", map[string]interface{}{"pid": 42})

	var entry LogEntry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "INFO", entry.Level)
	assert.Equal(t, "sampler started", entry.Message)
	assert.Equal(t, "monitor", entry.Fields["component"])
	assert.Equal(t, "gpu", entry.Fields["kind"])
	assert.EqualValues(t, 42, entry.Fields["pid"])
}

func TestWithFieldDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := New(&buf, DEBUG, false)
	_ = parent.WithField("child", true)

	parent.Info("plain")
	assert.NotContains(t, buf.String(), "child")
}

func TestLineWriter(t *testing.T) {
	buf := &syncBuffer{}
	l := New(buf, DEBUG, false).Component("workload")

	w := l.LineWriter(INFO)
	_, err := w.Write([]byte("loading model\r\npartial"))
	require.NoError(t, err)
	_, err = w.Write([]byte(" line\n\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	assert.Eventually(t, func() bool {
		out := buf.String()
		return strings.Contains(out, "loading model {component=workload}") &&
			strings.Contains(out, "partial line")
	}, time.Second, 10*time.Millisecond)
}

func TestAttachFile(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	l := New(&buf, INFO, false)

	path, err := l.AttachFile(dir)
	require.NoError(t, err)
	l.Info("to both")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(filepath.Join(dir, "effbench.log"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "effbench.log"), path)
	assert.Contains(t, string(data), "to both")
	assert.Contains(t, buf.String(), "to both")
}
