package d2e

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrBusy is returned when a start or execute call is made while a
	// previous turn sequence is still being consumed.
	ErrBusy = errors.New("d2e: another operation is in progress")

	// ErrAlreadyStarted is returned when starting or resuming a conversation
	// on an executor that already has a conversation id bound.
	ErrAlreadyStarted = errors.New("d2e: conversation already started")

	// ErrNotStarted is returned when executing a turn before a conversation
	// has been started or resumed.
	ErrNotStarted = errors.New("d2e: conversation not started")

	// ErrObsoletedTurn is returned when a Turn's Next is called after a newer
	// turn began, or a second time.
	ErrObsoletedTurn = errors.New("d2e: turn function is obsoleted")

	// ErrTurnConsumed is yielded when a Turn's activities are iterated twice.
	ErrTurnConsumed = errors.New("d2e: turn activities already consumed")

	// ErrMissingConversationID is returned when the first response of a
	// conversation carries no conversation id.
	ErrMissingConversationID = errors.New("d2e: response must carry conversation id")

	// ErrNilActivity is returned when TurnExecutor.ExecuteTurn is called
	// without an activity.
	ErrNilActivity = errors.New("d2e: activity is required")

	// ErrClosed is returned by a Coordinator after Close.
	ErrClosed = errors.New("d2e: coordinator closed")

	// ErrTooManyContinuations is yielded when the engine keeps asking for
	// continuation beyond the session's hard cap.
	ErrTooManyContinuations = errors.New("d2e: too many continue round trips")
)

// ErrHTTP is a non-2xx response from the engine.
type ErrHTTP struct {
	Status int
	Body   string
	// RetryAfter is the parsed Retry-After header, zero when absent.
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrProtocolMismatch is returned when the response stream type does not
// match the transport the request was forced to use.
type ErrProtocolMismatch struct {
	ContentType string
	Transport   Transport
}

func (e *ErrProtocolMismatch) Error() string {
	return fmt.Sprintf("protocol mismatch: got %q with transport %q", e.ContentType, e.Transport)
}

// ErrUnsupportedContentType is returned for responses that are neither JSON
// nor an event stream.
type ErrUnsupportedContentType struct {
	ContentType string
}

func (e *ErrUnsupportedContentType) Error() string {
	return fmt.Sprintf("unsupported content type %q", e.ContentType)
}

// isFatalProtocolError reports whether err is a protocol violation that no
// retry can fix.
func isFatalProtocolError(err error) bool {
	var (
		mismatch *ErrProtocolMismatch
		ct       *ErrUnsupportedContentType
	)
	return errors.As(err, &mismatch) ||
		errors.As(err, &ct) ||
		errors.Is(err, ErrMissingConversationID)
}
