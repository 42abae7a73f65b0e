package d2e

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"
)

const (
	mediaTypeJSON        = "application/json"
	mediaTypeEventStream = "text/event-stream"
)

// terminal tells the session whether the engine wants another round trip.
type terminal int

const (
	terminalEnd terminal = iota
	terminalContinue
)

// decoder turns one engine response into activities.
type decoder struct {
	batch  *BotResponse
	sse    *sseReader
	typing *typingAccumulator
	logger *slog.Logger

	conversationID string
	term           terminal
}

// newDecoder inspects the response headers and, for batch responses, reads
// the whole body. Errors returned here happen before any activity is
// yielded, so the attempt can be retried unless the error is a protocol
// violation.
func newDecoder(resp *http.Response, transport Transport, typing *typingAccumulator, logger *slog.Logger) (*decoder, error) {
	d := &decoder{typing: typing, logger: logger}
	d.conversationID = strings.TrimSpace(resp.Header.Get(HeaderConversationID))

	contentType := resp.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, &ErrUnsupportedContentType{ContentType: contentType}
	}

	switch mediaType {
	case mediaTypeJSON:
		var br BotResponse
		if err := json.NewDecoder(resp.Body).Decode(&br); err != nil {
			return nil, fmt.Errorf("decode bot response: %w", err)
		}
		d.batch = &br
		if d.conversationID == "" {
			d.conversationID = br.ConversationID
		}
		if br.Action == ActionContinue {
			d.term = terminalContinue
		}
	case mediaTypeEventStream:
		if transport == TransportREST {
			return nil, &ErrProtocolMismatch{ContentType: mediaType, Transport: transport}
		}
		d.sse = newSSEReader(resp.Body)
	default:
		return nil, &ErrUnsupportedContentType{ContentType: contentType}
	}
	return d, nil
}

// activities yields decoded activities in response order. After the
// sequence finishes without error, d.term holds the terminal tag.
func (d *decoder) activities() iter.Seq2[*Activity, error] {
	return func(yield func(*Activity, error) bool) {
		if d.batch != nil {
			for _, act := range d.batch.Activities {
				if act == nil {
					continue
				}
				act, err := d.typing.apply(act)
				if !yield(act, err) || err != nil {
					return
				}
			}
			return
		}

		for {
			ev, err := d.sse.next()
			if errors.Is(err, io.EOF) {
				d.logger.Debug("event stream closed without end event")
				return
			}
			if err != nil {
				yield(nil, fmt.Errorf("read event stream: %w", err))
				return
			}

			switch ev.Event {
			case "end":
				return
			case "activity":
				act, err := NewActivity([]byte(ev.Data))
				if err != nil {
					yield(nil, fmt.Errorf("decode activity event: %w", err))
					return
				}
				act, err = d.typing.apply(act)
				if !yield(act, err) || err != nil {
					return
				}
			default:
				d.logger.Debug("skipping unknown event", "event", ev.Event)
			}
		}
	}
}

// typingAccumulator concatenates streamed typing deltas per stream id so
// callers always see the full text so far. It is scoped to one turn; the
// Coordinator shares one across its subscribe stream and resets it per turn.
type typingAccumulator struct {
	mu    sync.Mutex
	texts map[string]string
}

func newTypingAccumulator() *typingAccumulator {
	return &typingAccumulator{texts: make(map[string]string)}
}

func (t *typingAccumulator) apply(act *Activity) (*Activity, error) {
	if act.Type() != ActivityTypeTyping || act.ChunkType() != ChunkTypeDelta {
		return act, nil
	}
	streamID := act.StreamID()
	if streamID == "" {
		return act, nil
	}
	t.mu.Lock()
	text := t.texts[streamID] + act.Text()
	t.texts[streamID] = text
	t.mu.Unlock()
	return act.WithText(text)
}

// reset forgets every accumulated stream.
func (t *typingAccumulator) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.texts)
}
