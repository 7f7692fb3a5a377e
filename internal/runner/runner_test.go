package runner

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	verrors "github.com/valetd/valet/internal/errors"
)

func shPath(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	require.NoError(t, err)
	return sh
}

func shSpec(t *testing.T, script string) Spec {
	return Spec{
		Program:        shPath(t),
		Args:           []string{"-c", script},
		Dir:            t.TempDir(),
		Env:            nil,
		Timeout:        10 * time.Second,
		MaxOutputBytes: 64 * 1024,
	}
}

func TestRunCapturesOutput(t *testing.T) {
	res, err := Run(context.Background(), shSpec(t, `echo hi; echo oops >&2`))
	require.NoError(t, err)

	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hi\n", string(res.Stdout))
	assert.Equal(t, "oops\n", string(res.Stderr))
	assert.False(t, res.Truncated)
	assert.False(t, res.TimedOut)
	assert.GreaterOrEqual(t, res.DurationMS, int64(0))
}

func TestRunExitCode(t *testing.T) {
	res, err := Run(context.Background(), shSpec(t, `exit 3`))
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
}

func TestRunSpawnFailure(t *testing.T) {
	spec := Spec{
		Program:        "/nonexistent/binary",
		Dir:            t.TempDir(),
		Timeout:        time.Second,
		MaxOutputBytes: 1024,
	}
	_, err := Run(context.Background(), spec)
	require.Error(t, err)
	assert.Equal(t, verrors.KindIo, verrors.KindOf(err))
}

func TestRunTruncatesAtCap(t *testing.T) {
	spec := shSpec(t, `head -c 10000 /dev/zero`)
	spec.MaxOutputBytes = 1024

	res, err := Run(context.Background(), spec)
	require.NoError(t, err)

	assert.True(t, res.Truncated)
	assert.Len(t, res.Stdout, 1024, "captured equals cap exactly")
	assert.False(t, res.TimedOut)
}

func TestRunChildNeverBlocksPastCap(t *testing.T) {
	// Writes far more than the cap; without continued draining the child
	// would stall on a full pipe and this test would time out.
	spec := shSpec(t, `head -c 4000000 /dev/zero`)
	spec.MaxOutputBytes = 512

	startAt := time.Now()
	res, err := Run(context.Background(), spec)
	require.NoError(t, err)

	assert.True(t, res.Truncated)
	assert.Len(t, res.Stdout, 512)
	assert.Less(t, time.Since(startAt), 8*time.Second)
}

func TestRunTimeoutKillsChild(t *testing.T) {
	spec := shSpec(t, `sleep 60`)
	spec.Timeout = 300 * time.Millisecond

	startAt := time.Now()
	res, err := Run(context.Background(), spec)
	elapsed := time.Since(startAt)

	require.Error(t, err)
	assert.Equal(t, verrors.KindExecTimeout, verrors.KindOf(err))
	require.NotNil(t, res)
	assert.True(t, res.TimedOut)
	assert.GreaterOrEqual(t, res.DurationMS, int64(300))
	assert.Less(t, elapsed, 3*time.Second, "SIGTERM must end the wait promptly")
}

func TestRunOrphanedPipeHolderDoesNotPinReap(t *testing.T) {
	// The child exits immediately but leaves a backgrounded descendant
	// holding the stdout/stderr write ends, so the drains never see EOF.
	// The run must still end within the timeout plus both grace windows.
	spec := shSpec(t, `sleep 8 & exit 0`)
	spec.Timeout = 1 * time.Second

	startAt := time.Now()
	res, err := Run(context.Background(), spec)
	elapsed := time.Since(startAt)

	require.Error(t, err)
	assert.Equal(t, verrors.KindExecTimeout, verrors.KindOf(err))
	require.NotNil(t, res)
	assert.True(t, res.TimedOut)
	assert.Less(t, elapsed, 4*time.Second, "inherited pipe ends must not block the reap")
}

func TestRunContextCancelAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	spec := shSpec(t, `sleep 60`)
	startAt := time.Now()
	res, err := Run(ctx, spec)

	require.Error(t, err)
	assert.Equal(t, verrors.KindIo, verrors.KindOf(err))
	require.NotNil(t, res)
	assert.False(t, res.TimedOut)
	assert.Less(t, time.Since(startAt), 3*time.Second)
}

func TestRunRestrictedEnv(t *testing.T) {
	spec := shSpec(t, `printf '%s|%s' "$KEEP_ME" "$DROP_ME"`)
	spec.Env = []string{"KEEP_ME=yes"}

	res, err := Run(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, "yes|", string(res.Stdout))
}

func TestRunWorkingDirectory(t *testing.T) {
	spec := shSpec(t, `pwd`)
	res, err := Run(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, spec.Dir, strings.TrimSpace(string(res.Stdout)))
}

func TestBuildEnv(t *testing.T) {
	t.Setenv("VALET_TEST_A", "1")
	t.Setenv("VALET_TEST_B", "2")

	env := BuildEnv([]string{"VALET_TEST_A", "VALET_TEST_MISSING"})
	assert.Equal(t, []string{"VALET_TEST_A=1"}, env)

	assert.Empty(t, BuildEnv(nil))
}

func TestRunStreamDeliversChunksInOrder(t *testing.T) {
	var mu sync.Mutex
	var stdout, stderr []byte
	emit := func(stream string, chunk []byte) {
		mu.Lock()
		defer mu.Unlock()
		if stream == "stdout" {
			stdout = append(stdout, chunk...)
		} else {
			stderr = append(stderr, chunk...)
		}
	}

	res, err := RunStream(context.Background(), shSpec(t, `echo one; echo two; echo err >&2; echo three`), emit)
	require.NoError(t, err)

	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "one\ntwo\nthree\n", string(stdout), "per-stream byte order preserved")
	assert.Equal(t, "err\n", string(stderr))
	assert.Empty(t, res.Stdout, "streaming runs do not buffer bodies")
}

func TestRunStreamStopsEmittingAtCap(t *testing.T) {
	var mu sync.Mutex
	total := 0
	emit := func(stream string, chunk []byte) {
		mu.Lock()
		defer mu.Unlock()
		total += len(chunk)
	}

	spec := shSpec(t, `head -c 100000 /dev/zero`)
	spec.MaxOutputBytes = 2048

	res, err := RunStream(context.Background(), spec, emit)
	require.NoError(t, err)

	assert.True(t, res.Truncated)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2048, total, "bytes beyond the cap are never emitted")
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "/bin/echo", Describe("/bin/echo", nil))
	assert.Equal(t, "/bin/echo (+2 args)", Describe("/bin/echo", []string{"a", "b"}))
}
