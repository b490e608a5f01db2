package wrapper

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func upper(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	sc := bufio.NewScanner(stdin)
	for sc.Scan() {
		if _, err := fmt.Fprintf(stdout, "%s!\n", sc.Text()); err != nil {
			return err
		}
	}
	return nil
}

func TestFuncLauncher(t *testing.T) {
	l := NewFuncLauncher(upper)
	w, err := Launch(context.Background(), l, Spec{Name: "inproc"})
	require.NoError(t, err)
	assert.Equal(t, 1, l.Launches())
	assert.Zero(t, w.PID())
	assert.True(t, w.Started())

	_, err = io.WriteString(w.Stdin, "hi\n")
	require.NoError(t, err)
	line, err := bufio.NewReader(w.Stdout).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "hi!\n", line)

	require.NoError(t, w.Teardown(context.Background()))
	assert.False(t, w.Alive())
	assert.Equal(t, ExitReasonSuccess, w.ExitReason())
}

func TestFuncLauncherStuckWorkload(t *testing.T) {
	l := NewFuncLauncher(func(ctx context.Context, _ io.Reader, _ io.Writer) error {
		<-ctx.Done()
		return ctx.Err()
	})
	w, err := Launch(context.Background(), l, Spec{Name: "stuck", TeardownGrace: 50 * time.Millisecond})
	require.NoError(t, err)

	require.NoError(t, w.Teardown(context.Background()))
	assert.Equal(t, ExitReasonError, w.ExitReason())
	assert.Equal(t, 1, w.ExitCode())
}

func TestFuncLauncherReportsPID(t *testing.T) {
	l := NewFuncLauncher(upper)
	l.PID = 77
	w, err := l.Prepare(context.Background(), Spec{Name: "inproc"})
	require.NoError(t, err)
	assert.Zero(t, l.Launches())
	assert.Zero(t, w.PID())

	require.NoError(t, w.Start(context.Background()))
	assert.Equal(t, 1, l.Launches())
	assert.Equal(t, 77, w.PID())
	require.NoError(t, w.Teardown(context.Background()))
}
