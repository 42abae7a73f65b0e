package d2e

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Activity types recognized by the engine client. Other types pass through.
const (
	ActivityTypeMessage = "message"
	ActivityTypeTyping  = "typing"
	ActivityTypeEvent   = "event"
)

// Chunk types carried by streamed typing activities in channelData.chunkType.
const (
	ChunkTypeDelta = "delta"
	ChunkTypeFull  = "full"
)

// Activity is a single conversation activity. The payload is kept as the raw
// JSON object received from (or sent to) the engine; only a handful of fields
// are interpreted. Activities are treated as immutable: WithText returns a
// modified copy.
type Activity struct {
	raw []byte
}

// NewActivity wraps raw JSON. It fails unless raw is a JSON object.
func NewActivity(raw []byte) (*Activity, error) {
	raw = bytes.TrimSpace(raw)
	if !gjson.ValidBytes(raw) || !gjson.ParseBytes(raw).IsObject() {
		return nil, errors.New("activity must be a JSON object")
	}
	return &Activity{raw: bytes.Clone(raw)}, nil
}

// NewMessageActivity builds a plain text message activity.
func NewMessageActivity(text string) *Activity {
	raw, _ := sjson.SetBytes([]byte(`{"type":"message"}`), "text", text)
	return &Activity{raw: raw}
}

// ID returns the activity id, or "" when absent.
func (a *Activity) ID() string { return a.Get("id").String() }

// Type returns the activity type, e.g. "message" or "typing".
func (a *Activity) Type() string { return a.Get("type").String() }

// Text returns the activity text.
func (a *Activity) Text() string { return a.Get("text").String() }

// StreamID returns channelData.streamId, falling back to the activity id.
func (a *Activity) StreamID() string {
	if id := a.Get("channelData.streamId").String(); id != "" {
		return id
	}
	return a.ID()
}

// ChunkType returns channelData.chunkType ("delta", "full" or "").
func (a *Activity) ChunkType() string { return a.Get("channelData.chunkType").String() }

// Get reads a field using gjson path syntax (e.g. "from.role").
func (a *Activity) Get(path string) gjson.Result {
	if a == nil || len(a.raw) == 0 {
		return gjson.Result{}
	}
	return gjson.GetBytes(a.raw, path)
}

// WithText returns a copy of a with its text replaced.
func (a *Activity) WithText(text string) (*Activity, error) {
	raw, err := sjson.SetBytes(bytes.Clone(a.bytes()), "text", text)
	if err != nil {
		return nil, fmt.Errorf("set activity text: %w", err)
	}
	return &Activity{raw: raw}, nil
}

// Raw returns a copy of the underlying JSON.
func (a *Activity) Raw() json.RawMessage { return bytes.Clone(a.bytes()) }

func (a *Activity) String() string { return string(a.bytes()) }

func (a *Activity) bytes() []byte {
	if a == nil || len(a.raw) == 0 {
		return []byte("{}")
	}
	return a.raw
}

// MarshalJSON implements json.Marshaler.
func (a *Activity) MarshalJSON() ([]byte, error) {
	return a.bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *Activity) UnmarshalJSON(data []byte) error {
	parsed, err := NewActivity(data)
	if err != nil {
		return err
	}
	a.raw = parsed.raw
	return nil
}

var (
	_ json.Marshaler   = (*Activity)(nil)
	_ json.Unmarshaler = (*Activity)(nil)
)
