package d2e

import (
	"context"
	"errors"
	"iter"
	"net/http"
	"sync"
	"testing"
	"time"
)

// stubStrategy returns fixed request details for every call.
type stubStrategy struct {
	baseURL   string
	transport Transport
	headers   http.Header
	body      map[string]any
	err       error

	mu    sync.Mutex
	calls []string
}

func (s *stubStrategy) request(call string) (TurnRequest, error) {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()
	if s.err != nil {
		return TurnRequest{}, s.err
	}
	return TurnRequest{
		BaseURL:   s.baseURL,
		Transport: s.transport,
		Headers:   s.headers,
		Body:      s.body,
	}, nil
}

func (s *stubStrategy) PrepareStartNewConversation(context.Context) (TurnRequest, error) {
	return s.request("start")
}

func (s *stubStrategy) PrepareExecuteTurn(context.Context) (TurnRequest, error) {
	return s.request("execute")
}

func (s *stubStrategy) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// subscribeStrategy adds a dedicated subscribe request that always
// accepts an event stream.
type subscribeStrategy struct {
	*stubStrategy
	subscribeErr error
}

func (s *subscribeStrategy) PrepareSubscribeActivities(context.Context) (TurnRequest, error) {
	req, err := s.request("subscribe")
	if err != nil {
		return req, err
	}
	if s.subscribeErr != nil {
		return TurnRequest{}, s.subscribeErr
	}
	req.Transport = TransportAuto
	return req, nil
}

var (
	_ Strategy          = (*stubStrategy)(nil)
	_ SubscribeStrategy = (*subscribeStrategy)(nil)
)

type trackedException struct {
	err  error
	meta map[string]any
}

// recordingTelemetry keeps every tracked exception.
type recordingTelemetry struct {
	mu         sync.Mutex
	exceptions []trackedException
	correlate  string
}

func (r *recordingTelemetry) TrackException(_ context.Context, err error, meta map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exceptions = append(r.exceptions, trackedException{err: err, meta: meta})
}

func (r *recordingTelemetry) CorrelationID() string { return r.correlate }

func (r *recordingTelemetry) all() []trackedException {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]trackedException(nil), r.exceptions...)
}

// find returns the first exception matching target with meta[key] set.
func (r *recordingTelemetry) find(target error, key string) (trackedException, bool) {
	for _, e := range r.all() {
		if !errors.Is(e.err, target) {
			continue
		}
		if _, ok := e.meta[key]; ok || key == "" {
			return e, true
		}
	}
	return trackedException{}, false
}

// recordingTracer keeps the names of span events.
type recordingTracer struct {
	mu    sync.Mutex
	names []string
}

func (r *recordingTracer) Start(ctx context.Context, _ string, _ ...SpanAttr) (context.Context, Span) {
	return ctx, &recordingSpan{tracer: r}
}

func (r *recordingTracer) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

type recordingSpan struct {
	nopSpan
	tracer *recordingTracer
}

func (s *recordingSpan) Event(name string, _ ...SpanAttr) {
	s.tracer.mu.Lock()
	defer s.tracer.mu.Unlock()
	s.tracer.names = append(s.tracer.names, name)
}

// fastRetry keeps the default shape with millisecond delays.
func fastRetry() RetryConfig {
	return RetryConfig{
		Factor:     2,
		MinTimeout: time.Millisecond,
		MaxTimeout: 5 * time.Millisecond,
		Retries:    4,
	}
}

// collect drains seq, stopping at the first error.
func collect(seq iter.Seq2[*Activity, error]) ([]*Activity, error) {
	var acts []*Activity
	for act, err := range seq {
		if err != nil {
			return acts, err
		}
		acts = append(acts, act)
	}
	return acts, nil
}

func texts(acts []*Activity) []string {
	out := make([]string, len(acts))
	for i, a := range acts {
		out[i] = a.Text()
	}
	return out
}

func mustActivity(t *testing.T, raw string) *Activity {
	t.Helper()
	act, err := NewActivity([]byte(raw))
	if err != nil {
		t.Fatalf("NewActivity(%s): %v", raw, err)
	}
	return act
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
