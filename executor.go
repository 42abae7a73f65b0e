package d2e

import (
	"context"
	"fmt"
	"iter"
	"sync/atomic"

	"golang.org/x/text/language"
)

// TurnExecutor drives a half-duplex conversation: one StartNewConversation,
// then ExecuteTurn calls, each returning a Turn whose activities are read
// lazily. Exactly one call may be in flight; a second one fails fast with
// ErrBusy instead of queuing.
//
// A TurnExecutor is bound to a single conversation.
type TurnExecutor struct {
	strategy Strategy
	session  *Session
	opts     options

	busy  atomic.Bool
	turns turnTracker
}

// NewTurnExecutor creates an executor that asks strategy for request
// details. Pass WithConversationID to execute turns on an existing
// conversation without starting it.
func NewTurnExecutor(strategy Strategy, opts ...Option) *TurnExecutor {
	o := buildOptions(opts)
	return &TurnExecutor{
		strategy: strategy,
		session:  NewSession(opts...),
		opts:     o,
		turns:    turnTracker{telemetry: o.telemetry},
	}
}

// ConversationID returns the bound conversation id, or "" before the first
// response of StartNewConversation.
func (e *TurnExecutor) ConversationID() string {
	return e.session.ConversationID()
}

// StartNewConversation starts the conversation. The engine is contacted when
// the returned Turn's activities are iterated.
func (e *TurnExecutor) StartNewConversation(ctx context.Context, so StartOptions) (*Turn, error) {
	seq, err := e.start(ctx, so)
	if err != nil {
		return nil, err
	}
	return newTurn(&e.turns, seq, e.ExecuteTurn), nil
}

// ExecuteTurn sends activity and returns the engine's reply as a Turn.
func (e *TurnExecutor) ExecuteTurn(ctx context.Context, activity *Activity) (*Turn, error) {
	seq, err := e.execute(ctx, activity)
	if err != nil {
		return nil, err
	}
	return newTurn(&e.turns, seq, e.ExecuteTurn), nil
}

func (e *TurnExecutor) start(ctx context.Context, so StartOptions) (iter.Seq2[*Activity, error], error) {
	const handledAt = "TurnExecutor.StartNewConversation"

	locale, err := canonicalLocale(so.Locale)
	if err != nil {
		e.track(ctx, err, handledAt)
		return nil, err
	}
	if err := e.acquire(ctx, handledAt, func() error {
		if e.session.ConversationID() != "" {
			return ErrAlreadyStarted
		}
		return nil
	}); err != nil {
		return nil, err
	}

	initial := map[string]any{"emitStartConversationEvent": so.EmitStartConversationEvent}
	if locale != "" {
		initial["locale"] = locale
	}
	return e.release(func(yield func(*Activity, error) bool) {
		req, err := e.strategy.PrepareStartNewConversation(ctx)
		if err != nil {
			err = fmt.Errorf("prepare start conversation: %w", err)
			e.track(ctx, err, handledAt)
			yield(nil, err)
			return
		}
		for act, err := range e.session.Post(ctx, req, PostOptions{InitialBody: initial, HandledAt: handledAt}) {
			if !yield(act, err) {
				return
			}
		}
	}), nil
}

func (e *TurnExecutor) execute(ctx context.Context, activity *Activity) (iter.Seq2[*Activity, error], error) {
	const handledAt = "TurnExecutor.ExecuteTurn"

	if activity == nil {
		e.track(ctx, ErrNilActivity, handledAt)
		return nil, ErrNilActivity
	}
	if err := e.acquire(ctx, handledAt, e.requireStarted); err != nil {
		return nil, err
	}

	return e.release(func(yield func(*Activity, error) bool) {
		for act, err := range e.post(ctx, activity, handledAt) {
			if !yield(act, err) {
				return
			}
		}
	}), nil
}

// post asks the strategy for an execute request and sends activity.
func (e *TurnExecutor) post(ctx context.Context, activity *Activity, handledAt string) iter.Seq2[*Activity, error] {
	return func(yield func(*Activity, error) bool) {
		req, err := e.strategy.PrepareExecuteTurn(ctx)
		if err != nil {
			err = fmt.Errorf("prepare execute turn: %w", err)
			e.track(ctx, err, handledAt)
			yield(nil, err)
			return
		}
		initial := map[string]any{"activity": activity}
		for act, err := range e.session.Post(ctx, req, PostOptions{InitialBody: initial, HandledAt: handledAt}) {
			if !yield(act, err) {
				return
			}
		}
	}
}

func (e *TurnExecutor) requireStarted() error {
	if e.session.ConversationID() == "" {
		return ErrNotStarted
	}
	return nil
}

// acquire marks the executor busy, then runs check. Failures are reported
// to telemetry and leave the executor idle.
func (e *TurnExecutor) acquire(ctx context.Context, handledAt string, check func() error) error {
	if !e.busy.CompareAndSwap(false, true) {
		e.track(ctx, ErrBusy, handledAt)
		return ErrBusy
	}
	if err := check(); err != nil {
		e.busy.Store(false)
		e.track(ctx, err, handledAt)
		return err
	}
	return nil
}

// release clears the busy flag once seq finishes, however it finishes.
func (e *TurnExecutor) release(seq iter.Seq2[*Activity, error]) iter.Seq2[*Activity, error] {
	return func(yield func(*Activity, error) bool) {
		defer e.busy.Store(false)
		seq(yield)
	}
}

func (e *TurnExecutor) track(ctx context.Context, err error, handledAt string) {
	e.opts.telemetry.TrackException(ctx, err, map[string]any{"handledAt": handledAt})
}

// canonicalLocale validates a BCP 47 tag and returns its canonical form.
func canonicalLocale(locale string) (string, error) {
	if locale == "" {
		return "", nil
	}
	tag, err := language.Parse(locale)
	if err != nil {
		return "", fmt.Errorf("d2e: invalid locale %q: %w", locale, err)
	}
	return tag.String(), nil
}
