// Package stream frames live exec output as newline-delimited JSON events.
// Each event is marshaled in full and written with a single Write call, so a
// partial JSON line can never reach the wire, and the writer is flushed
// after every event so the consumer sees progress.
package stream

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"sync"

	verrors "github.com/valetd/valet/internal/errors"
)

// ContentType is the media type of the event stream.
const ContentType = "application/x-ndjson"

// ErrorObj is the payload of a terminal error event.
type ErrorObj struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type event struct {
	Event    string      `json:"event"`
	ID       interface{} `json:"id,omitempty"`
	Tool     string      `json:"tool,omitempty"`
	ChunkB64 string      `json:"chunk_b64,omitempty"`
	Result   interface{} `json:"result,omitempty"`
	Error    *ErrorObj   `json:"error,omitempty"`
}

// Encoder serializes events onto one writer. Methods may be called from
// multiple goroutines; emission order is the lock acquisition order. After
// the first write failure the encoder goes dead: the client is gone and
// producing further events would be wasted work.
type Encoder struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	dead    bool
}

// NewEncoder wraps w. If w is an http.ResponseWriter that supports
// flushing, every event is flushed to the client as it is written.
func NewEncoder(w io.Writer) *Encoder {
	e := &Encoder{w: w}
	if f, ok := w.(http.Flusher); ok {
		e.flusher = f
	}
	return e
}

// Start emits the stream-opening event.
func (e *Encoder) Start(id interface{}, tool string) error {
	return e.write(event{Event: "start", ID: id, Tool: tool})
}

// Chunk emits one output event. stream must be "stdout" or "stderr"; data
// is base64-encoded on the wire. Empty chunks are dropped.
func (e *Encoder) Chunk(stream string, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return e.write(event{
		Event:    stream,
		ChunkB64: base64.StdEncoding.EncodeToString(data),
	})
}

// End emits the terminal event of a successful stream.
func (e *Encoder) End(result interface{}) error {
	return e.write(event{Event: "end", Result: result})
}

// Fail emits the terminal event of a failed stream, derived from err's kind.
func (e *Encoder) Fail(err error) error {
	return e.write(event{Event: "error", Error: &ErrorObj{
		Code:    string(verrors.KindOf(err)),
		Message: verrors.Message(err),
	}})
}

func (e *Encoder) write(ev event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.dead {
		return io.ErrClosedPipe
	}
	if _, err := e.w.Write(line); err != nil {
		e.dead = true
		return err
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}
