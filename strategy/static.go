// Package strategy provides d2e.Strategy implementations.
package strategy

import (
	"context"
	"fmt"
	"maps"
	"net/http"
	"strings"

	"github.com/nevindra/d2e"
)

// TokenSource returns a bearer token for the next call. It is invoked once
// per logical call, so it may refresh expiring tokens.
type TokenSource func(ctx context.Context) (string, error)

// Static targets a fixed engine endpoint. It implements
// d2e.SubscribeStrategy; subscribe requests always accept an event stream.
type Static struct {
	baseURL   string
	transport d2e.Transport
	headers   http.Header
	body      map[string]any
	token     TokenSource
}

// Option configures a Static strategy.
type Option func(*Static)

// WithTransport sets the transport preference for start and execute calls.
func WithTransport(t d2e.Transport) Option {
	return func(s *Static) { s.transport = t }
}

// WithHeader adds a header sent with every request.
func WithHeader(key, value string) Option {
	return func(s *Static) { s.headers.Add(key, value) }
}

// WithBody merges fields into every request body.
func WithBody(body map[string]any) Option {
	return func(s *Static) { maps.Copy(s.body, body) }
}

// WithToken sends a fixed bearer token.
func WithToken(token string) Option {
	return func(s *Static) {
		s.token = func(context.Context) (string, error) { return token, nil }
	}
}

// WithTokenSource asks fn for a bearer token on every call.
func WithTokenSource(fn TokenSource) Option {
	return func(s *Static) { s.token = fn }
}

// NewStatic creates a strategy for the engine at baseURL.
func NewStatic(baseURL string, opts ...Option) (*Static, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, fmt.Errorf("strategy: base url is required")
	}
	s := &Static{
		baseURL:   baseURL,
		transport: d2e.TransportAuto,
		headers:   make(http.Header),
		body:      make(map[string]any),
	}
	for _, opt := range opts {
		opt(s)
	}
	switch s.transport {
	case d2e.TransportAuto, d2e.TransportREST, d2e.TransportServerSentEvents:
	default:
		return nil, fmt.Errorf("strategy: unknown transport %q", s.transport)
	}
	return s, nil
}

func (s *Static) PrepareStartNewConversation(ctx context.Context) (d2e.TurnRequest, error) {
	return s.request(ctx, s.transport)
}

func (s *Static) PrepareExecuteTurn(ctx context.Context) (d2e.TurnRequest, error) {
	return s.request(ctx, s.transport)
}

func (s *Static) PrepareSubscribeActivities(ctx context.Context) (d2e.TurnRequest, error) {
	return s.request(ctx, d2e.TransportAuto)
}

func (s *Static) request(ctx context.Context, transport d2e.Transport) (d2e.TurnRequest, error) {
	headers := s.headers.Clone()
	if s.token != nil {
		token, err := s.token(ctx)
		if err != nil {
			return d2e.TurnRequest{}, fmt.Errorf("get token: %w", err)
		}
		if token != "" {
			headers.Set("Authorization", "Bearer "+token)
		}
	}
	return d2e.TurnRequest{
		BaseURL:   s.baseURL,
		Body:      maps.Clone(s.body),
		Headers:   headers,
		Transport: transport,
	}, nil
}

var _ d2e.SubscribeStrategy = (*Static)(nil)
