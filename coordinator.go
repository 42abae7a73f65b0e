package d2e

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"
)

// maxSilenceTimeout bounds WithSilenceTimeout.
const maxSilenceTimeout = time.Minute

const subscribeSubPath = "subscribe"

// Coordinator is a TurnExecutor that also keeps a long-lived subscribe
// stream open, so activities the engine pushes outside a request/response
// cycle reach the caller.
//
// After the conversation starts (or is resumed) a background goroutine
// reads the subscribe stream into a queue. Each ExecuteTurn sends its
// activity with a separate execute call whose own response is discarded,
// and drains the queue until the stream has been silent for the silence
// timeout with no execute call outstanding.
type Coordinator struct {
	exec     *TurnExecutor
	silence  time.Duration
	observer func(*Activity)
	queue    *activityQueue
	typing   *typingAccumulator

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	subscribed atomic.Bool
}

// NewCoordinator creates a Coordinator. If WithConversationID is given, the
// subscribe stream opens immediately and turns can be executed right away.
func NewCoordinator(strategy Strategy, opts ...Option) (*Coordinator, error) {
	o := buildOptions(opts)
	if o.silence < 0 || o.silence > maxSilenceTimeout {
		return nil, fmt.Errorf("d2e: silence timeout %v out of range [0, %v]", o.silence, maxSilenceTimeout)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		exec:     NewTurnExecutor(strategy, opts...),
		silence:  o.silence,
		observer: o.observer,
		queue:    newActivityQueue(),
		typing:   newTypingAccumulator(),
		ctx:      ctx,
		cancel:   cancel,
	}
	if o.conversationID != "" {
		c.subscribe()
	}
	return c, nil
}

// ConversationID returns the bound conversation id, or "".
func (c *Coordinator) ConversationID() string {
	return c.exec.ConversationID()
}

// StartNewConversation starts the conversation like TurnExecutor does. Once
// the returned Turn's activities have been consumed without error, the
// subscribe stream is opened.
func (c *Coordinator) StartNewConversation(ctx context.Context, so StartOptions) (*Turn, error) {
	if err := c.ctx.Err(); err != nil {
		return nil, ErrClosed
	}
	seq, err := c.exec.start(ctx, so)
	if err != nil {
		return nil, err
	}
	return newTurn(&c.exec.turns, func(yield func(*Activity, error) bool) {
		failed := false
		for act, err := range seq {
			if err != nil {
				failed = true
			}
			if !yield(act, err) {
				break
			}
		}
		if !failed && c.exec.ConversationID() != "" {
			c.subscribe()
		}
	}, c.ExecuteTurn), nil
}

// Resume binds an existing conversation id and opens the subscribe stream
// without calling start.
func (c *Coordinator) Resume(ctx context.Context, conversationID string) error {
	const handledAt = "Coordinator.Resume"

	if conversationID == "" {
		err := errors.New("d2e: conversation id is required")
		c.exec.track(ctx, err, handledAt)
		return err
	}
	if err := c.exec.acquire(ctx, handledAt, func() error {
		if c.ctx.Err() != nil {
			return ErrClosed
		}
		if c.exec.ConversationID() != "" {
			return ErrAlreadyStarted
		}
		return nil
	}); err != nil {
		return err
	}
	defer c.exec.busy.Store(false)

	c.exec.session.bind(conversationID)
	c.subscribe()
	return nil
}

// ExecuteTurn sends activity (if non-nil) and returns a Turn whose
// activities come from the subscribe stream. A nil activity gives up the
// turn: pending pushed activities are drained until silence.
//
// Cancelling ctx or closing the Coordinator completes the turn without
// error. A failure of the subscribe stream fails this and every later turn.
func (c *Coordinator) ExecuteTurn(ctx context.Context, activity *Activity) (*Turn, error) {
	const handledAt = "Coordinator.ExecuteTurn"

	if err := c.exec.acquire(ctx, handledAt, func() error {
		if c.ctx.Err() != nil {
			return ErrClosed
		}
		if !c.subscribed.Load() || c.exec.ConversationID() == "" {
			return ErrNotStarted
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return newTurn(&c.exec.turns, c.exec.release(c.drain(ctx, activity)), c.ExecuteTurn), nil
}

// Close stops the subscribe stream and any running turn, and waits for the
// subscribe goroutine to exit.
func (c *Coordinator) Close() error {
	c.cancel()
	c.wg.Wait()
	return nil
}

func (c *Coordinator) drain(ctx context.Context, activity *Activity) iter.Seq2[*Activity, error] {
	return func(yield func(*Activity, error) bool) {
		// Typing deltas accumulate per turn, like a non-subscribed call.
		c.typing.reset()
		c.exec.opts.logger.Debug("draining turn",
			"conversation_id", c.exec.ConversationID(),
			"buffered", c.queue.buffered(),
			"execute", activity != nil)

		scope, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(c.ctx, cancel)
		defer stop()

		// executed is nil once no execute call is outstanding.
		var executed chan error
		if activity != nil {
			executed = make(chan error, 1)
			go func() { executed <- c.execute(scope, activity) }()
		}

		silence := time.NewTimer(c.silence)
		defer silence.Stop()

		for {
			for {
				act, err, ok := c.queue.pop()
				if !ok {
					break
				}
				if err != nil {
					yield(nil, fmt.Errorf("subscribe stream: %w", err))
					return
				}
				if !yield(act, nil) {
					return
				}
				silence.Reset(c.silence)
			}

			select {
			case <-scope.Done():
				return
			case <-c.queue.ready():
			case err := <-executed:
				executed = nil
				if err != nil {
					yield(nil, err)
					return
				}
				silence.Reset(c.silence)
			case <-silence.C:
				if executed == nil {
					return
				}
				// The execute call is still running; the timer restarts
				// when it completes.
			}
		}
	}
}

// execute sends activity and discards the response's activities; only
// completion matters.
func (c *Coordinator) execute(ctx context.Context, activity *Activity) error {
	for _, err := range c.exec.post(ctx, activity, "Coordinator.ExecuteTurn") {
		if err != nil {
			return err
		}
	}
	return nil
}

// subscribe starts the background reader once.
func (c *Coordinator) subscribe() {
	if !c.subscribed.CompareAndSwap(false, true) {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		const handledAt = "Coordinator.subscribe"
		logger := c.exec.opts.logger

		req, err := c.prepareSubscribe(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil {
				err = fmt.Errorf("prepare subscribe: %w", err)
				c.exec.track(c.ctx, err, handledAt)
				c.queue.fail(err)
			}
			return
		}

		for act, err := range c.exec.session.Post(c.ctx, req, PostOptions{
			SubPath:   subscribeSubPath,
			HandledAt: handledAt,
			typing:    c.typing,
		}) {
			if err != nil {
				logger.Error("subscribe stream failed", "error", err)
				c.queue.fail(err)
				return
			}
			c.queue.push(act)
			if c.observer != nil {
				c.observer(act)
			}
		}
		logger.Debug("subscribe stream ended", "conversation_id", c.exec.ConversationID())
	}()
}

func (c *Coordinator) prepareSubscribe(ctx context.Context) (TurnRequest, error) {
	if s, ok := c.exec.strategy.(SubscribeStrategy); ok {
		return s.PrepareSubscribeActivities(ctx)
	}
	return c.exec.strategy.PrepareExecuteTurn(ctx)
}
