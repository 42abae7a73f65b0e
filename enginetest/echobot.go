package enginetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// DefaultGreeting is sent when a conversation starts with
// emitStartConversationEvent set.
const DefaultGreeting = "Hello, World!"

// EchoBot is a scripted engine. It serves:
//
//	POST /conversations                 start, replies with Greeting
//	POST /conversations/{id}            execute, replies "Echo: <text>"
//	POST /conversations/{id}/continue   rest of a split batch reply
//	POST /conversations/{id}/subscribe  event stream of pushed replies
//
// Clients that accept text/event-stream get streamed typing deltas before
// each echo. JSON clients get the typing chunk and the echo in two batches
// joined by a continue round trip. While a conversation has an open
// subscribe stream, execute replies are pushed there instead and the
// execute response is empty.
type EchoBot struct {
	// Greeting overrides DefaultGreeting when non-empty.
	Greeting string
	// NewID overrides the conversation id generator.
	NewID func() string

	router chi.Router

	mu            sync.Mutex
	conversations map[string]*echoConversation
}

type echoConversation struct {
	pending     []any
	subscribers map[chan any]struct{}
	turns       int
}

// NewEchoBot returns an EchoBot ready to serve.
func NewEchoBot() *EchoBot {
	b := &EchoBot{conversations: make(map[string]*echoConversation)}

	r := chi.NewRouter()
	r.Post("/conversations", b.handleStart)
	r.Route("/conversations/{id}", func(r chi.Router) {
		r.Post("/", b.handleExecute)
		r.Post("/continue", b.handleContinue)
		r.Post("/subscribe", b.handleSubscribe)
	})
	b.router = r
	return b
}

func (b *EchoBot) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.router.ServeHTTP(w, r)
}

// Subscribers returns the number of open subscribe streams for id.
func (b *EchoBot) Subscribers(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.conversations[id]; ok {
		return len(c.subscribers)
	}
	return 0
}

// WaitSubscribed polls until id has at least one open subscribe stream or
// timeout passes.
func (b *EchoBot) WaitSubscribed(id string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if b.Subscribers(id) > 0 {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return b.Subscribers(id) > 0
}

// Push sends activities to every subscribe stream of id. It reports
// whether any stream received them.
func (b *EchoBot) Push(id string, activities ...any) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.conversations[id]
	if !ok || len(c.subscribers) == 0 {
		return false
	}
	for ch := range c.subscribers {
		for _, a := range activities {
			ch <- a
		}
	}
	return true
}

func (b *EchoBot) handleStart(w http.ResponseWriter, r *http.Request) {
	var body struct {
		EmitStartConversationEvent bool   `json:"emitStartConversationEvent"`
		Locale                     string `json:"locale"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	id := b.newID()
	b.mu.Lock()
	b.conversations[id] = &echoConversation{subscribers: make(map[chan any]struct{})}
	b.mu.Unlock()

	var activities []any
	if body.EmitStartConversationEvent {
		greeting := b.Greeting
		if greeting == "" {
			greeting = DefaultGreeting
		}
		msg := Message(greeting)
		if body.Locale != "" {
			msg["locale"] = body.Locale
		}
		activities = append(activities, msg)
	}

	if acceptsStream(r) {
		sse := NewSSEWriter(w, id)
		for _, a := range activities {
			_ = sse.Activity(a)
		}
		_ = sse.End()
		return
	}
	WriteBatch(w, id, Batch{Activities: activities, Action: "waiting"})
}

func (b *EchoBot) handleExecute(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body struct {
		Activity struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"activity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	c, ok := b.conversations[id]
	if !ok {
		b.mu.Unlock()
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	}
	c.turns++
	streamID := fmt.Sprintf("%s-%d", id, c.turns)
	reply := Message("Echo: " + body.Activity.Text)
	typing := typingChunks(streamID, reply["text"].(string))

	if len(c.subscribers) > 0 {
		for ch := range c.subscribers {
			for _, t := range typing {
				ch <- t
			}
			ch <- reply
		}
		b.mu.Unlock()
		if acceptsStream(r) {
			_ = NewSSEWriter(w, "").End()
			return
		}
		WriteBatch(w, "", Batch{Action: "waiting"})
		return
	}

	if acceptsStream(r) {
		b.mu.Unlock()
		sse := NewSSEWriter(w, "")
		for _, t := range typing {
			_ = sse.Activity(t)
		}
		_ = sse.Activity(reply)
		_ = sse.End()
		return
	}

	c.pending = []any{reply}
	b.mu.Unlock()
	WriteBatch(w, "", Batch{Activities: []any{TypingFull(streamID, "...")}, Action: "continue"})
}

func (b *EchoBot) handleContinue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	b.mu.Lock()
	c, ok := b.conversations[id]
	if !ok {
		b.mu.Unlock()
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	}
	pending := c.pending
	c.pending = nil
	b.mu.Unlock()

	WriteBatch(w, "", Batch{Activities: pending, Action: "waiting"})
}

func (b *EchoBot) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	ch := make(chan any, 64)
	b.mu.Lock()
	c, ok := b.conversations[id]
	if !ok {
		c = &echoConversation{subscribers: make(map[chan any]struct{})}
		b.conversations[id] = c
	}
	c.subscribers[ch] = struct{}{}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(c.subscribers, ch)
		b.mu.Unlock()
	}()

	sse := NewSSEWriter(w, id)
	for {
		select {
		case <-r.Context().Done():
			return
		case a := <-ch:
			if err := sse.Activity(a); err != nil {
				return
			}
		}
	}
}

func (b *EchoBot) newID() string {
	if b.NewID != nil {
		return b.NewID()
	}
	return uuid.NewString()
}

// typingChunks splits text on spaces into delta chunks that concatenate
// back to text.
func typingChunks(streamID, text string) []any {
	words := strings.SplitAfter(text, " ")
	chunks := make([]any, 0, len(words))
	for _, w := range words {
		if w == "" {
			continue
		}
		chunks = append(chunks, TypingDelta(streamID, w))
	}
	return chunks
}

func acceptsStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}
