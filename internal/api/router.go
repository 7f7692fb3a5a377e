// Package api implements the HTTP surface: the request gate, the JSON-RPC
// envelope, and the NDJSON streaming path. Every request leaves exactly one
// audit record, written after the response is fully sent or aborted.
package api

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/valetd/valet/internal/config"
	verrors "github.com/valetd/valet/internal/errors"
	"github.com/valetd/valet/internal/metrics"
	"github.com/valetd/valet/internal/ratelimit"
	"github.com/valetd/valet/internal/stream"
	"github.com/valetd/valet/internal/tools"
	"github.com/valetd/valet/pkg/audit"
)

// deadlineSlack is added to the exec timeout to form the whole-request
// deadline, catching requests stuck after the child itself was reaped.
const deadlineSlack = 5 * time.Second

// Router is the top-level HTTP handler.
type Router struct {
	cfg      *config.Config
	executor *tools.Executor
	limiter  *ratelimit.Limiter
	mux      *http.ServeMux

	// tokenSum is the digest the presented token is compared against.
	// Comparing digests keeps the check constant-time regardless of length.
	tokenSum  [sha256.Size]byte
	tokenHash string
}

// NewRouter builds the router and registers all routes.
func NewRouter(cfg *config.Config, executor *tools.Executor, limiter *ratelimit.Limiter) *Router {
	sum := sha256.Sum256([]byte(cfg.Auth.BearerToken))
	rt := &Router{
		cfg:       cfg,
		executor:  executor,
		limiter:   limiter,
		mux:       http.NewServeMux(),
		tokenSum:  sum,
		tokenHash: hex.EncodeToString(sum[:])[:12],
	}

	rt.mux.HandleFunc("GET /healthz", rt.handleHealth)
	rt.mux.HandleFunc("GET /metrics", rt.handleMetrics)
	rt.mux.HandleFunc("POST "+cfg.Server.BasePath+"/{token}", rt.handleRPC)

	return rt
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt.mux.ServeHTTP(w, r)
}

// checkOrigin enforces the exact-string origin allow-list. An absent header
// fails the same way as an unlisted one.
func (rt *Router) checkOrigin(r *http.Request) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return verrors.Ef(verrors.KindOriginDenied, "gate", "missing Origin header")
	}
	for _, allowed := range rt.cfg.Auth.AllowedOrigins {
		if origin == allowed {
			return nil
		}
	}
	return verrors.Ef(verrors.KindOriginDenied, "gate", "origin not allowed")
}

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := rt.checkOrigin(r); err != nil {
		writeGateError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}` + "\n"))
}

func (rt *Router) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if err := rt.checkOrigin(r); err != nil {
		writeGateError(w, err)
		return
	}
	metrics.Get().Handler().ServeHTTP(w, r)
}

// handleRPC is the request gate. Check order is normative: origin, token,
// body cap, rate limit, then parse and dispatch. Earlier failures suppress
// later checks and never reach a tool handler.
func (rt *Router) handleRPC(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &audit.Record{
		RequestID: uuid.NewString(),
		BytesIn:   max(r.ContentLength, 0),
	}

	fail := func(err error) {
		kind := verrors.KindOf(err)
		if kind == verrors.KindRateLimited {
			metrics.Get().RecordRateLimited()
		}
		writeGateError(w, err)
		rt.finish(rec, start, string(kind))
	}

	if err := rt.checkOrigin(r); err != nil {
		fail(err)
		return
	}

	presented := sha256.Sum256([]byte(r.PathValue("token")))
	if subtle.ConstantTimeCompare(presented[:], rt.tokenSum[:]) != 1 {
		fail(verrors.Ef(verrors.KindUnauthorized, "gate", "token mismatch"))
		return
	}
	rec.TokenHash = rt.tokenHash

	if r.ContentLength > rt.cfg.MaxRequestBytes() {
		fail(verrors.Ef(verrors.KindRequestTooLarge, "gate",
			"body exceeds %d bytes", rt.cfg.MaxRequestBytes()))
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, rt.cfg.MaxRequestBytes()))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			fail(verrors.Ef(verrors.KindRequestTooLarge, "gate",
				"body exceeds %d bytes", rt.cfg.MaxRequestBytes()))
			return
		}
		fail(verrors.E(verrors.KindIo, "gate", err))
		return
	}
	rec.BytesIn = int64(len(body))

	if err := rt.limiter.Allow(rt.tokenHash); err != nil {
		fail(err)
		return
	}

	rt.dispatch(w, r, rec, start, body)
}

// dispatch parses the JSON-RPC envelope and routes the method. From here on
// failures are JSON-RPC error objects, not plain HTTP errors. The audit
// record is written exactly once, after the response bytes are counted.
func (rt *Router) dispatch(w http.ResponseWriter, r *http.Request, rec *audit.Record, start time.Time, body []byte) {
	cw := &countingWriter{w: w}

	outcome := rt.route(cw, r, rec, body)

	rec.BytesOut = cw.n
	rt.finish(rec, start, outcome)
}

func (rt *Router) route(cw *countingWriter, r *http.Request, rec *audit.Record, body []byte) string {
	var req tools.Request
	if err := json.Unmarshal(body, &req); err != nil {
		rt.writeRPCError(cw, nil, verrors.Ef(verrors.KindParse, "dispatch", "invalid JSON-RPC request"))
		return string(verrors.KindParse)
	}
	if req.JSONRPC != "2.0" {
		writeJSON(cw, http.StatusOK, tools.Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error: &tools.Error{
				Code:    verrors.CodeInvalidRequest,
				Message: "jsonrpc must be \"2.0\"",
				Data:    tools.ErrorData{Kind: string(verrors.KindParse)},
			},
		})
		return string(verrors.KindParse)
	}
	rec.Method = req.Method

	switch req.Method {
	case "initialize":
		rt.writeResult(cw, req.ID, tools.InitializeResult{
			ProtocolVersion: tools.ProtocolVersion,
			Capabilities:    tools.Capabilities{Tools: map[string]interface{}{}},
			ServerInfo:      tools.ServerInfo{Name: "valet", Version: tools.ServerVersion},
		})
		return "ok"

	case "initialized", "notifications/initialized":
		// Notification, no response body.
		cw.WriteHeader(http.StatusAccepted)
		return "ok"

	case "tools/list":
		rt.writeResult(cw, req.ID, tools.ListToolsResult{Tools: rt.executor.Registry().List()})
		return "ok"

	case "tools/call":
		return rt.handleToolsCall(cw, r, rec, req)

	default:
		rt.writeRPCError(cw, req.ID, verrors.Ef(verrors.KindToolNotFound, "dispatch",
			"method %q not found", req.Method))
		return string(verrors.KindToolNotFound)
	}
}

func (rt *Router) handleToolsCall(cw *countingWriter, r *http.Request, rec *audit.Record, req tools.Request) string {
	var params tools.CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		rt.writeRPCError(cw, req.ID, verrors.Ef(verrors.KindInvalidParams, "tools_call",
			"params must carry a tool name and arguments"))
		return string(verrors.KindInvalidParams)
	}
	rec.Tool = params.Name
	if params.Arguments == nil {
		params.Arguments = map[string]interface{}{}
	}

	// The whole-request deadline backstops the exec timeout so a stuck
	// pipe drain cannot pin the handler forever.
	deadline := time.Duration(rt.cfg.Limits.ExecTimeoutS)*time.Second + deadlineSlack
	ctx, cancel := context.WithTimeout(r.Context(), deadline)
	defer cancel()
	ctx = tools.WithAudit(ctx, rec)

	if wantStream, _ := params.Arguments["stream"].(bool); wantStream {
		return rt.streamCall(ctx, cw, rec, req.ID, params)
	}

	result, err := rt.executor.Call(ctx, params.Name, params.Arguments)
	if err != nil {
		rt.writeRPCError(cw, req.ID, err)
		return string(verrors.KindOf(err))
	}
	rt.writeResult(cw, req.ID, result)
	return "ok"
}

// streamCall runs a streaming tool invocation over NDJSON. The encoder goes
// dead on the first failed write, and the request context is canceled when
// the client disconnects, which terminates the child.
func (rt *Router) streamCall(ctx context.Context, cw *countingWriter, rec *audit.Record, id interface{}, params tools.CallToolParams) string {
	rec.Streamed = true

	cw.Header().Set("Content-Type", stream.ContentType)
	cw.WriteHeader(http.StatusOK)

	enc := stream.NewEncoder(cw)
	if err := enc.Start(id, params.Name); err != nil {
		metrics.Get().RecordStreamAbort()
		return string(verrors.KindIo)
	}

	emit := func(streamName string, chunk []byte) {
		_ = enc.Chunk(streamName, chunk)
	}

	result, err := rt.executor.CallStream(ctx, params.Name, params.Arguments, emit)
	if err != nil {
		if writeErr := enc.Fail(err); writeErr != nil {
			metrics.Get().RecordStreamAbort()
		}
		return string(verrors.KindOf(err))
	}
	if writeErr := enc.End(result); writeErr != nil {
		metrics.Get().RecordStreamAbort()
		return string(verrors.KindIo)
	}
	return "ok"
}

// finish stamps timing and outcome, records metrics, and writes the audit
// record. It is the single exit point for every RPC request.
func (rt *Router) finish(rec *audit.Record, start time.Time, outcome string) {
	rec.DurationMS = time.Since(start).Milliseconds()
	rec.Outcome = outcome
	metrics.Get().RecordRequest(outcome, rec.Tool)
	audit.Log(*rec)
}

func (rt *Router) writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	writeJSON(w, http.StatusOK, tools.Response{JSONRPC: "2.0", ID: id, Result: result})
}

func (rt *Router) writeRPCError(w http.ResponseWriter, id interface{}, err error) {
	kind := verrors.KindOf(err)
	writeJSON(w, http.StatusOK, tools.Response{
		JSONRPC: "2.0",
		ID:      id,
		Error: &tools.Error{
			Code:    kind.RPCCode(),
			Message: verrors.Message(err),
			Data:    tools.ErrorData{Kind: string(kind)},
		},
	})
}

// writeGateError renders a gate-level failure as a plain HTTP error with the
// taxonomy kind in the body. No JSON-RPC envelope exists at this point.
func writeGateError(w http.ResponseWriter, err error) {
	kind := verrors.KindOf(err)
	writeJSON(w, kind.HTTPStatus(), map[string]string{
		"error":   string(kind),
		"message": verrors.Message(err),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

// countingWriter tracks bytes written for the audit record and forwards
// Flush so streaming keeps working through the wrapper.
type countingWriter struct {
	w http.ResponseWriter
	n int64
}

func (c *countingWriter) Header() http.Header {
	return c.w.Header()
}

func (c *countingWriter) WriteHeader(status int) {
	c.w.WriteHeader(status)
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func (c *countingWriter) Flush() {
	if f, ok := c.w.(http.Flusher); ok {
		f.Flush()
	}
}
