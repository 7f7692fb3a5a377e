package tools

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/valetd/valet/internal/allowlist"
	"github.com/valetd/valet/internal/config"
	verrors "github.com/valetd/valet/internal/errors"
	"github.com/valetd/valet/internal/metrics"
	"github.com/valetd/valet/internal/runner"
	"github.com/valetd/valet/internal/security"
	"github.com/valetd/valet/pkg/audit"
)

// Executor owns the tool registry and the shared machinery every tool
// handler needs. It is built once at startup and is safe for concurrent use.
type Executor struct {
	cfg      *config.Config
	resolver *security.Resolver
	allowed  *allowlist.List
	registry *Registry
}

// NewExecutor wires the three tools into a fresh registry.
func NewExecutor(cfg *config.Config, resolver *security.Resolver, allowed *allowlist.List) *Executor {
	e := &Executor{
		cfg:      cfg,
		resolver: resolver,
		allowed:  allowed,
		registry: NewRegistry(),
	}

	e.registry.Register(RegisteredTool{
		Definition: Tool{
			Name:        "fs_read",
			Description: "Read a file under the configured root directory",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]PropertySchema{
					"path": {Type: "string", Description: "File path, absolute or relative to the root"},
				},
				Required: []string{"path"},
			},
		},
		Handler: e.fsRead,
	})

	e.registry.Register(RegisteredTool{
		Definition: Tool{
			Name:        "fs_write",
			Description: "Write a file under the configured root directory atomically",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]PropertySchema{
					"path":        {Type: "string", Description: "File path, absolute or relative to the root"},
					"content_b64": {Type: "string", Description: "File contents, base64-encoded"},
					"mode":        {Type: "string", Description: "Octal permission bits, e.g. \"0644\""},
				},
				Required: []string{"path", "content_b64"},
			},
		},
		Handler: e.fsWrite,
	})

	e.registry.Register(RegisteredTool{
		Definition: Tool{
			Name:        "exec",
			Description: "Run an allow-listed command inside the root directory",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]PropertySchema{
					"cmd":       {Type: "string", Description: "Command name or absolute path from the allow-list"},
					"args":      {Type: "array", Description: "Command arguments", Items: &PropertySchema{Type: "string"}},
					"timeout_s": {Type: "integer", Description: "Caller timeout in seconds; capped by the configured limit"},
					"stream":    {Type: "boolean", Description: "Stream output as NDJSON events instead of buffering"},
				},
				Required: []string{"cmd", "args"},
			},
		},
		Handler:       e.execBuffered,
		Streaming:     true,
		StreamHandler: e.execStream,
	})

	return e
}

// Registry exposes the registered tools for listing and dispatch.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Call validates args against the named tool's schema and runs it buffered.
func (e *Executor) Call(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	tool, err := e.lookup(name, args)
	if err != nil {
		return nil, err
	}
	return tool.Handler(ctx, args)
}

// CallStream validates args and runs the named tool in streaming mode.
func (e *Executor) CallStream(ctx context.Context, name string, args map[string]interface{}, emit runner.ChunkFunc) (interface{}, error) {
	tool, err := e.lookup(name, args)
	if err != nil {
		return nil, err
	}
	if !tool.Streaming {
		return nil, verrors.Ef(verrors.KindInvalidParams, "tools_call", "tool %q does not support streaming", name)
	}
	return tool.StreamHandler(ctx, args, emit)
}

func (e *Executor) lookup(name string, args map[string]interface{}) (RegisteredTool, error) {
	tool, ok := e.registry.Get(name)
	if !ok {
		return RegisteredTool{}, verrors.Ef(verrors.KindToolNotFound, "tools_call", "unknown tool %q", name)
	}
	if err := ValidateArgs(tool.Definition.InputSchema, args); err != nil {
		return RegisteredTool{}, err
	}
	return tool, nil
}

// FSReadResult is the fs_read payload. Contents are always base64 so binary
// files survive the JSON envelope.
type FSReadResult struct {
	Path       string `json:"path"`
	SizeBytes  int64  `json:"size_bytes"`
	ContentB64 string `json:"content_b64"`
	Encoding   string `json:"encoding"`
}

func (e *Executor) fsRead(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	const op = "fs_read"

	resolved, err := e.resolver.ResolveRead(args["path"].(string))
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, verrors.E(verrors.KindIo, op, err)
	}
	if info.IsDir() {
		return nil, verrors.Ef(verrors.KindInvalidParams, op, "path is a directory")
	}
	if info.Size() > int64(e.cfg.MaxOutputBytes()) {
		return nil, verrors.Ef(verrors.KindResponseTooLarge, op,
			"file is %d bytes, cap is %d", info.Size(), e.cfg.MaxOutputBytes())
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, verrors.E(verrors.KindIo, op, err)
	}
	// The file may have grown between stat and read.
	if len(data) > e.cfg.MaxOutputBytes() {
		return nil, verrors.Ef(verrors.KindResponseTooLarge, op,
			"file is %d bytes, cap is %d", len(data), e.cfg.MaxOutputBytes())
	}

	return &FSReadResult{
		Path:       resolved,
		SizeBytes:  int64(len(data)),
		ContentB64: base64.StdEncoding.EncodeToString(data),
		Encoding:   "base64",
	}, nil
}

// FSWriteResult is the fs_write payload.
type FSWriteResult struct {
	Path         string `json:"path"`
	BytesWritten int    `json:"bytes_written"`
}

func (e *Executor) fsWrite(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	const op = "fs_write"

	content, err := base64.StdEncoding.DecodeString(args["content_b64"].(string))
	if err != nil {
		return nil, verrors.Ef(verrors.KindParse, op, "content_b64 is not valid base64")
	}

	mode := os.FileMode(0o644)
	if raw, ok := args["mode"]; ok {
		parsed, err := strconv.ParseUint(raw.(string), 8, 32)
		if err != nil || parsed > 0o777 {
			return nil, verrors.Ef(verrors.KindInvalidParams, op, "mode must be an octal string like \"0644\"")
		}
		mode = os.FileMode(parsed)
	}

	resolved, err := e.resolver.ResolveWrite(args["path"].(string))
	if err != nil {
		return nil, err
	}

	if err := atomicWrite(resolved, content, mode); err != nil {
		return nil, verrors.E(verrors.KindIo, op, err)
	}

	return &FSWriteResult{Path: resolved, BytesWritten: len(content)}, nil
}

// atomicWrite lands content at path via a temp file in the same directory
// and a rename, so readers never observe a half-written file. The temp file
// is removed on any failure.
func atomicWrite(path string, content []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".valet-write-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	cleanup := func(err error) error {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}

	if _, err := tmp.Write(content); err != nil {
		return cleanup(err)
	}
	if err := tmp.Chmod(mode); err != nil {
		return cleanup(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// ExecResult is the buffered exec payload with both bodies base64-encoded.
type ExecResult struct {
	ExitCode   int    `json:"exit_code"`
	StdoutB64  string `json:"stdout_b64"`
	StderrB64  string `json:"stderr_b64"`
	DurationMS int64  `json:"duration_ms"`
	Truncated  bool   `json:"truncated"`
	TimedOut   bool   `json:"timed_out"`
}

// ExecStreamResult is the terminal payload of a streaming exec. Bodies were
// already delivered as chunk events and are not repeated here.
type ExecStreamResult struct {
	ExitCode   int   `json:"exit_code"`
	DurationMS int64 `json:"duration_ms"`
	Truncated  bool  `json:"truncated"`
	TimedOut   bool  `json:"timed_out"`
}

func (e *Executor) execBuffered(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	result, err := e.runExec(ctx, args, nil)
	if err != nil {
		return nil, err
	}
	return &ExecResult{
		ExitCode:   result.ExitCode,
		StdoutB64:  base64.StdEncoding.EncodeToString(result.Stdout),
		StderrB64:  base64.StdEncoding.EncodeToString(result.Stderr),
		DurationMS: result.DurationMS,
		Truncated:  result.Truncated,
		TimedOut:   result.TimedOut,
	}, nil
}

func (e *Executor) execStream(ctx context.Context, args map[string]interface{}, emit runner.ChunkFunc) (interface{}, error) {
	result, err := e.runExec(ctx, args, emit)
	if err != nil {
		return nil, err
	}
	return &ExecStreamResult{
		ExitCode:   result.ExitCode,
		DurationMS: result.DurationMS,
		Truncated:  result.Truncated,
		TimedOut:   result.TimedOut,
	}, nil
}

// runExec is the shared exec path. The effective timeout is the smaller of
// the caller's timeout_s and the configured exec_timeout_s.
func (e *Executor) runExec(ctx context.Context, args map[string]interface{}, emit runner.ChunkFunc) (*runner.Result, error) {
	program, err := e.allowed.Lookup(args["cmd"].(string))
	if err != nil {
		return nil, err
	}

	var cmdArgs []string
	for _, item := range args["args"].([]interface{}) {
		cmdArgs = append(cmdArgs, item.(string))
	}

	timeout := time.Duration(e.cfg.Limits.ExecTimeoutS) * time.Second
	if raw, ok := args["timeout_s"]; ok {
		if caller := time.Duration(raw.(float64)) * time.Second; caller > 0 && caller < timeout {
			timeout = caller
		}
	}

	if rec := auditFrom(ctx); rec != nil {
		rec.ExecProgram = runner.Describe(program, cmdArgs)
	}

	spec := runner.Spec{
		Program:        program,
		Args:           cmdArgs,
		Dir:            e.resolver.Root(),
		Env:            runner.BuildEnv(e.cfg.Exec.PassEnv),
		Timeout:        timeout,
		MaxOutputBytes: e.cfg.MaxOutputBytes(),
	}

	var result *runner.Result
	if emit != nil {
		result, err = runner.RunStream(ctx, spec, emit)
	} else {
		result, err = runner.Run(ctx, spec)
	}
	if result != nil {
		metrics.Get().ObserveExecDuration(float64(result.DurationMS) / 1000)
		if rec := auditFrom(ctx); rec != nil {
			rec.ExecDurationMS = result.DurationMS
		}
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// auditKey carries the in-flight audit record so handlers can attach
// tool-specific fields without the transport layer knowing about them.
type auditKey struct{}

// WithAudit attaches the request's audit record to ctx.
func WithAudit(ctx context.Context, rec *audit.Record) context.Context {
	return context.WithValue(ctx, auditKey{}, rec)
}

func auditFrom(ctx context.Context) *audit.Record {
	rec, _ := ctx.Value(auditKey{}).(*audit.Record)
	return rec
}
