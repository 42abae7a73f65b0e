package d2e

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"maps"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// maxContinuations caps "continue" round trips within one logical call.
const maxContinuations = 999

// maxErrorBody bounds how much of a failed response body is kept in ErrHTTP.
const maxErrorBody = 64 * 1024

const (
	acceptJSON   = "application/json"
	acceptStream = "text/event-stream,application/json;q=0.9"
)

// PostOptions describes one logical call on a Session.
type PostOptions struct {
	// InitialBody is merged over TurnRequest.Body on the first request only.
	InitialBody map[string]any
	// SubPath is appended after the conversation id (e.g. "subscribe").
	SubPath string
	// HandledAt names the call site in telemetry (default "Session.Post").
	HandledAt string

	// typing replaces the per-call typing accumulator.
	typing *typingAccumulator
}

// Session owns a conversation id and performs the HTTP exchange for one
// logical call at a time: the first POST, any "continue" round trips the
// engine asks for, and retries of failed attempts.
//
// The conversation id is bound exactly once, from the first successful
// response (or WithConversationID), and never changes afterwards.
type Session struct {
	opts    options
	retrier *retrier

	mu             sync.RWMutex
	conversationID string
}

// NewSession creates a Session. Pass WithConversationID to continue an
// existing conversation.
func NewSession(opts ...Option) *Session {
	o := buildOptions(opts)
	return &Session{
		opts:           o,
		retrier:        &retrier{cfg: o.retry, telemetry: o.telemetry, logger: o.logger},
		conversationID: o.conversationID,
	}
}

// ConversationID returns the bound conversation id, or "" before binding.
func (s *Session) ConversationID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conversationID
}

// bind sets the conversation id unless one is already bound.
func (s *Session) bind(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conversationID != "" || id == "" {
		return false
	}
	s.conversationID = id
	return true
}

// Post performs one logical call and returns its activities as a lazy
// sequence. Nothing is sent until the sequence is iterated. Transport
// errors are yielded after retries are exhausted; cancellation of ctx ends
// the sequence without an error. Breaking out of the loop releases the
// in-flight response.
func (s *Session) Post(ctx context.Context, req TurnRequest, po PostOptions) iter.Seq2[*Activity, error] {
	if po.HandledAt == "" {
		po.HandledAt = "Session.Post"
	}
	return func(yield func(*Activity, error) bool) {
		typing := po.typing
		if typing == nil {
			typing = newTypingAccumulator()
		}
		for round := range maxContinuations {
			term, stopped, err := s.round(ctx, req, po, round, typing, yield)
			if stopped {
				return
			}
			if err != nil {
				if ctx.Err() != nil && errors.Is(err, context.Canceled) {
					s.opts.logger.Debug("engine call aborted", "handled_at", po.HandledAt)
					return
				}
				yield(nil, err)
				return
			}
			if term == terminalEnd {
				return
			}
		}
		s.opts.telemetry.TrackException(ctx, ErrTooManyContinuations, map[string]any{
			"handledAt": po.HandledAt,
		})
		yield(nil, ErrTooManyContinuations)
	}
}

// round performs one request (with retries) and forwards its activities.
// stopped reports that the consumer stopped iterating.
//
// The target and headers are fixed before the first attempt: an id seen on
// a failed attempt must not turn a retried start into an execute call.
func (s *Session) round(
	ctx context.Context,
	req TurnRequest,
	po PostOptions,
	round int,
	typing *typingAccumulator,
	yield func(*Activity, error) bool,
) (term terminal, stopped bool, err error) {
	target, err := s.url(req.BaseURL, po.SubPath, round)
	if err != nil {
		return terminalEnd, false, err
	}
	header := s.headers(req)

	err = s.retrier.do(ctx, po.HandledAt, func(ctx context.Context, attempt int) error {
		ctx, span := startSpan(ctx, s.opts.tracer, "d2e.session.attempt",
			StringAttr("d2e.url", target),
			StringAttr("d2e.handled_at", po.HandledAt),
			IntAttr("d2e.round", round),
			IntAttr("d2e.attempt", attempt))
		defer span.End()

		resp, err := s.send(ctx, target, header.Clone(), req, po, round)
		if err != nil {
			span.Error(err)
			return err
		}
		defer resp.Body.Close()
		span.SetAttr(IntAttr("http.status_code", resp.StatusCode))

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			err := httpErr(resp)
			span.Error(err)
			return err
		}

		dec, err := newDecoder(resp, req.Transport, typing, s.opts.logger)
		if err != nil {
			span.Error(err)
			return err
		}
		if s.ConversationID() == "" && dec.conversationID == "" {
			span.Error(ErrMissingConversationID)
			return ErrMissingConversationID
		}

		yielded := 0
		for act, err := range dec.activities() {
			if err != nil {
				span.Error(err)
				if yielded > 0 {
					return &yieldedError{err: err}
				}
				return err
			}
			if yielded == 0 {
				s.bindFrom(dec, span)
			}
			yielded++
			if !yield(act, nil) {
				stopped = true
				return nil
			}
		}
		s.bindFrom(dec, span)
		span.SetAttr(IntAttr("d2e.activities", yielded))
		term = dec.term
		return nil
	})
	return term, stopped, err
}

// bindFrom binds the conversation id carried by the first response that
// reaches the caller. Ids on later responses are ignored.
func (s *Session) bindFrom(dec *decoder, span Span) {
	if s.bind(dec.conversationID) {
		s.opts.logger.Debug("conversation bound", "conversation_id", dec.conversationID)
		span.Event("d2e.conversation.bound", StringAttr("d2e.conversation_id", dec.conversationID))
	}
}

// url builds {base}/conversations[/{id}][/{subPath}][/continue], keeping
// any query string on base.
func (s *Session) url(base, subPath string, round int) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	p := strings.TrimRight(u.Path, "/") + "/conversations"
	rp := strings.TrimRight(u.EscapedPath(), "/") + "/conversations"
	if id := s.ConversationID(); id != "" {
		p += "/" + id
		rp += "/" + url.PathEscape(id)
	}
	if subPath = strings.Trim(subPath, "/"); subPath != "" {
		p += "/" + subPath
		rp += "/" + subPath
	}
	if round > 0 {
		p += "/continue"
		rp += "/continue"
	}
	u.Path, u.RawPath = p, rp
	return u.String(), nil
}

func (s *Session) send(ctx context.Context, target string, header http.Header, req TurnRequest, po PostOptions, round int) (*http.Response, error) {
	body := make(map[string]any, len(req.Body)+len(po.InitialBody))
	maps.Copy(body, req.Body)
	if round == 0 {
		maps.Copy(body, po.InitialBody)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header = header

	s.opts.logger.Debug("engine request",
		"url", target,
		"round", round,
		"handled_at", po.HandledAt)
	return s.opts.client.Do(httpReq)
}

// headers builds the request headers. Caller keys are canonicalized first
// so a raw "content-type" entry is not sent twice.
func (s *Session) headers(req TurnRequest) http.Header {
	h := make(http.Header, len(req.Headers)+4)
	for k, vs := range req.Headers {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	if req.Transport == TransportREST {
		h.Set("Accept", acceptJSON)
	} else {
		h.Set("Accept", acceptStream)
	}
	if h.Get("Content-Type") == "" {
		h.Set("Content-Type", mediaTypeJSON)
	}
	if id := s.ConversationID(); id != "" {
		h.Set(HeaderConversationID, id)
	}
	h.Set(HeaderChatAdapter, "version="+Version)
	if c, ok := s.opts.telemetry.(CorrelationIDer); ok {
		if id := c.CorrelationID(); id != "" {
			h.Set(HeaderCorrelationID, id)
		}
	}
	return h
}

// httpErr reads the response body and returns an ErrHTTP for the retry policy.
func httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}
