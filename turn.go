package d2e

import (
	"context"
	"iter"
	"sync/atomic"
)

// TurnFunc sends the next outgoing activity and returns the resulting turn.
type TurnFunc func(ctx context.Context, activity *Activity) (*Turn, error)

// turnTracker numbers turns of one executor as they start iterating, so
// stale continuations can be detected.
type turnTracker struct {
	generation atomic.Uint64
	telemetry  Telemetry
}

// Turn is one half-duplex exchange: the activities the engine sends back,
// and the continuation for the next turn.
//
// Activities may be iterated once. Next becomes obsolete as soon as any
// newer turn of the same executor starts iterating, and may be used once.
type Turn struct {
	tracker *turnTracker
	seq     iter.Seq2[*Activity, error]
	next    TurnFunc

	consumed atomic.Bool
	gen      atomic.Uint64
	nextUsed atomic.Bool
}

func newTurn(tracker *turnTracker, seq iter.Seq2[*Activity, error], next TurnFunc) *Turn {
	return &Turn{tracker: tracker, seq: seq, next: next}
}

// Activities returns the lazy activity sequence of this turn. Requests are
// sent as iteration proceeds; errors are yielded with a nil activity and end
// the sequence. A second iteration yields ErrTurnConsumed.
func (t *Turn) Activities() iter.Seq2[*Activity, error] {
	return func(yield func(*Activity, error) bool) {
		if !t.consumed.CompareAndSwap(false, true) {
			yield(nil, ErrTurnConsumed)
			return
		}
		t.gen.Store(t.tracker.generation.Add(1))
		t.seq(yield)
	}
}

// Next executes the following turn. It fails with ErrObsoletedTurn when a
// newer turn has started iterating or Next was already used, and with
// ErrBusy while this turn's activities are still being consumed.
func (t *Turn) Next(ctx context.Context, activity *Activity) (*Turn, error) {
	gen := t.gen.Load()
	if (gen != 0 && gen != t.tracker.generation.Load()) || !t.nextUsed.CompareAndSwap(false, true) {
		t.tracker.telemetry.TrackException(ctx, ErrObsoletedTurn, map[string]any{
			"handledAt": "Turn.Next",
		})
		return nil, ErrObsoletedTurn
	}
	next, err := t.next(ctx, activity)
	if err != nil {
		// Usage errors such as ErrBusy leave the continuation usable.
		t.nextUsed.Store(false)
		return nil, err
	}
	return next, nil
}
