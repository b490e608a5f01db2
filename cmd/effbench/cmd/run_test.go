package cmd

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/effbench/internal/config"
	"github.com/psantana5/effbench/internal/ipc"
	"github.com/psantana5/effbench/internal/logging"
	"github.com/psantana5/effbench/internal/wrapper"
)

func TestNewLauncherBuiltinEcho(t *testing.T) {
	cfg := config.Config{Workload: config.Workload{Builtin: config.BuiltinEcho, Mode: config.ModeStdio}}
	l, err := newLauncher(cfg, logging.Discard())
	require.NoError(t, err)
	fl, ok := l.(*wrapper.FuncLauncher)
	require.True(t, ok)
	assert.Equal(t, os.Getpid(), fl.PID)

	w, err := wrapper.Launch(context.Background(), l, wrapper.Spec{Name: "builtin", Interactive: true, TeardownGrace: time.Second})
	require.NoError(t, err)
	defer w.Teardown(context.Background())
	assert.Equal(t, os.Getpid(), w.PID())

	ch := ipc.NewChannel(w.Stdin, w.Stdout)
	defer ch.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	in := []json.RawMessage{json.RawMessage(`"a"`), json.RawMessage(`{"b":2}`)}
	out, err := ch.Exchange(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestNewLauncherLocalProcess(t *testing.T) {
	l, err := newLauncher(config.Config{Workload: config.Workload{Command: []string{"true"}}}, logging.Discard())
	require.NoError(t, err)
	assert.IsType(t, &wrapper.ProcessLauncher{}, l)
}
