// Package runner spawns allow-listed children with a restricted environment,
// a wall-clock timeout, capped output capture, and a guaranteed reap on
// every exit path.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	verrors "github.com/valetd/valet/internal/errors"
)

// killGrace is how long a child gets between SIGTERM and SIGKILL.
const killGrace = 1 * time.Second

// Spec describes one child invocation. Program must already be an absolute
// path from the allow-list; Env must already be the fully constructed
// restricted environment.
type Spec struct {
	Program        string
	Args           []string
	Dir            string
	Env            []string
	Timeout        time.Duration
	MaxOutputBytes int
}

// Result is the outcome of a completed invocation. Truncated and TimedOut
// are independent; both may be set.
type Result struct {
	ExitCode   int
	Stdout     []byte
	Stderr     []byte
	DurationMS int64
	Truncated  bool
	TimedOut   bool
}

// ChunkFunc receives child output in arrival order during a streaming run.
// stream is "stdout" or "stderr". The callback may be invoked from two
// goroutines, one per stream; implementations must serialize internally.
type ChunkFunc func(stream string, chunk []byte)

// BuildEnv constructs the child environment from the pass_env allow-list.
// Every variable not named there is stripped; nothing from the parent leaks.
func BuildEnv(passEnv []string) []string {
	env := make([]string, 0, len(passEnv))
	for _, name := range passEnv {
		if value, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+value)
		}
	}
	return env
}

// Run executes spec to completion and captures output. On timeout the child
// is terminated and the error kind is ExecTimeout; the partial Result is
// still returned so callers can audit duration and flags.
func Run(ctx context.Context, spec Spec) (*Result, error) {
	return run(ctx, spec, nil)
}

// RunStream executes spec, delivering output chunks through emit instead of
// buffering bodies. Counting and truncation behave exactly as in Run; bytes
// beyond the cap are discarded without being emitted.
func RunStream(ctx context.Context, spec Spec, emit ChunkFunc) (*Result, error) {
	return run(ctx, spec, emit)
}

func run(ctx context.Context, spec Spec, emit ChunkFunc) (*Result, error) {
	const op = "exec_run"

	cmd := exec.Command(spec.Program, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdin = nil // /dev/null

	var truncated atomic.Bool
	outSink := newCapSink(spec.MaxOutputBytes, &truncated, emit, "stdout")
	errSink := newCapSink(spec.MaxOutputBytes, &truncated, emit, "stderr")

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, verrors.E(verrors.KindIo, op, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, verrors.E(verrors.KindIo, op, err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, verrors.E(verrors.KindIo, op, err)
	}

	// The sinks keep consuming past the cap, so the child can never block
	// on a full pipe. Drains must finish before Wait closes the pipes.
	var drains errgroup.Group
	drains.Go(func() error {
		_, copyErr := io.Copy(outSink, stdout)
		return copyErr
	})
	drains.Go(func() error {
		_, copyErr := io.Copy(errSink, stderr)
		return copyErr
	})

	// done carries the reap. This is the only Wait call on any path.
	done := make(chan error, 1)
	go func() {
		_ = drains.Wait()
		done <- cmd.Wait()
	}()

	timer := time.NewTimer(spec.Timeout)
	defer timer.Stop()

	var waitErr error
	var timedOut, aborted bool

	select {
	case waitErr = <-done:
	case <-timer.C:
		timedOut = true
		waitErr = terminate(cmd, done, stdout, stderr)
	case <-ctx.Done():
		aborted = true
		waitErr = terminate(cmd, done, stdout, stderr)
	}

	result := &Result{
		ExitCode:   exitCode(waitErr),
		Stdout:     outSink.bytes(),
		Stderr:     errSink.bytes(),
		DurationMS: time.Since(start).Milliseconds(),
		Truncated:  truncated.Load(),
		TimedOut:   timedOut,
	}

	switch {
	case aborted:
		return result, verrors.E(verrors.KindIo, "exec_aborted", ctx.Err())
	case timedOut:
		return result, verrors.Ef(verrors.KindExecTimeout, op, "killed after %s", spec.Timeout)
	default:
		return result, nil
	}
}

// terminate sends SIGTERM, escalates to SIGKILL after the grace window, and
// always waits for the reap before returning. Every wait here is bounded: a
// descendant that inherited the pipe write ends (so the drains never see
// EOF) must not pin the run, so after the kill grace the read ends are
// closed to force the drains out, and the reap follows immediately.
func terminate(cmd *exec.Cmd, done <-chan error, pipes ...io.Closer) error {
	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case err := <-done:
		return err
	case <-time.After(killGrace):
	}

	_ = cmd.Process.Kill()
	select {
	case err := <-done:
		return err
	case <-time.After(killGrace):
	}

	for _, p := range pipes {
		_ = p.Close()
	}
	return <-done
}

func exitCode(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// capSink is an io.Writer that keeps the first limit bytes and silently
// drains the rest, so the child can never block on a full pipe. A shared
// flag records that any stream hit its cap.
type capSink struct {
	mu        sync.Mutex
	limit     int
	buf       []byte
	written   int
	truncated *atomic.Bool
	emit      ChunkFunc
	stream    string
}

func newCapSink(limit int, truncated *atomic.Bool, emit ChunkFunc, stream string) *capSink {
	return &capSink{limit: limit, truncated: truncated, emit: emit, stream: stream}
}

func (s *capSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	remain := s.limit - s.written
	var kept []byte
	if remain > 0 {
		n := len(p)
		if n > remain {
			n = remain
		}
		kept = append([]byte(nil), p[:n]...)
		if s.emit == nil {
			s.buf = append(s.buf, kept...)
		}
		s.written += n
	}
	if len(p) > remain {
		s.truncated.Store(true)
	}
	s.mu.Unlock()

	if s.emit != nil && len(kept) > 0 {
		s.emit(s.stream, kept)
	}
	return len(p), nil
}

func (s *capSink) bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf
}

// Describe renders an invocation for audit purposes: the program path and
// the argument count only, never argument contents.
func Describe(program string, args []string) string {
	if len(args) == 0 {
		return program
	}
	return fmt.Sprintf("%s (+%d args)", program, len(args))
}
