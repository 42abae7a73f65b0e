// Package enginetest provides fake direct-to-engine servers for tests.
//
// Server wraps any handler and records every request it receives. The
// writer helpers produce batch (application/json) and event-stream
// responses in the engine's wire format. EchoBot is a complete scripted
// engine that greets, echoes messages with streamed typing deltas, splits
// batch replies across "continue" round trips, and pushes replies to
// subscribe streams.
package enginetest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
)

// Request is a request recorded by Server.
type Request struct {
	Method string
	Path   string
	Header http.Header
	Body   map[string]any
}

// Server is an httptest.Server that records requests before handing them
// to the wrapped handler.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	requests []Request
}

// NewServer starts a recording server in front of h.
func NewServer(h http.Handler) *Server {
	s := &Server{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewReader(raw))

		var body map[string]any
		_ = json.Unmarshal(raw, &body)

		s.mu.Lock()
		s.requests = append(s.requests, Request{
			Method: r.Method,
			Path:   r.URL.Path,
			Header: r.Header.Clone(),
			Body:   body,
		})
		s.mu.Unlock()

		h.ServeHTTP(w, r)
	}))
	return s
}

// NewServerFunc is NewServer for a handler function.
func NewServerFunc(fn http.HandlerFunc) *Server {
	return NewServer(fn)
}

// Requests returns a copy of the recorded requests in arrival order.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Paths returns the recorded request paths in arrival order.
func (s *Server) Paths() []string {
	reqs := s.Requests()
	paths := make([]string, len(reqs))
	for i, r := range reqs {
		paths[i] = r.Path
	}
	return paths
}

// Batch is the engine's application/json response body.
type Batch struct {
	Activities     []any  `json:"activities"`
	Action         string `json:"action"`
	ConversationID string `json:"conversationId,omitempty"`
}

// WriteBatch writes b as an application/json response. A non-empty
// conversationID is also sent in the x-ms-conversationid header.
func WriteBatch(w http.ResponseWriter, conversationID string, b Batch) {
	if conversationID != "" {
		w.Header().Set("x-ms-conversationid", conversationID)
	}
	if b.Activities == nil {
		b.Activities = []any{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(b)
}

// SSEWriter writes an event-stream response.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter sets event-stream headers (and the conversation id header
// when non-empty) and flushes them.
func NewSSEWriter(w http.ResponseWriter, conversationID string) *SSEWriter {
	if conversationID != "" {
		w.Header().Set("x-ms-conversationid", conversationID)
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	s := &SSEWriter{w: w, flusher: flusher}
	s.flush()
	return s
}

// Activity writes an "activity" event carrying v as JSON.
func (s *SSEWriter) Activity(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Event("activity", string(data))
}

// Event writes a raw event.
func (s *SSEWriter) Event(name, data string) error {
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	s.flush()
	return nil
}

// End writes the terminating "end" event.
func (s *SSEWriter) End() error {
	return s.Event("end", "end")
}

func (s *SSEWriter) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

// Message builds a message activity.
func Message(text string) map[string]any {
	return map[string]any{"type": "message", "text": text}
}

// TypingDelta builds a streamed typing chunk for streamID.
func TypingDelta(streamID, text string) map[string]any {
	return map[string]any{
		"type":        "typing",
		"text":        text,
		"channelData": map[string]any{"streamId": streamID, "chunkType": "delta"},
	}
}

// TypingFull builds a non-incremental typing chunk for streamID.
func TypingFull(streamID, text string) map[string]any {
	return map[string]any{
		"type":        "typing",
		"text":        text,
		"channelData": map[string]any{"streamId": streamID, "chunkType": "full"},
	}
}
