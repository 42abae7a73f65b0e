package d2e

import "net/http"

// Transport advises how the engine should answer. The response
// content-type, not the transport, decides how a response is decoded.
type Transport string

const (
	// TransportAuto lets the engine choose; event streams are preferred.
	TransportAuto Transport = "auto"
	// TransportREST forces batch JSON responses.
	TransportREST Transport = "rest"
	// TransportServerSentEvents is the legacy name for an SSE-preferring
	// request. It behaves like TransportAuto.
	TransportServerSentEvents Transport = "server-sent-events"
)

// TurnRequest describes where and how to send one logical call. It is
// produced by a Strategy for every start, execute, or subscribe call.
type TurnRequest struct {
	// BaseURL is the engine endpoint; "/conversations" is appended.
	BaseURL string
	// Body is merged into every request body of the call.
	Body map[string]any
	// Headers are sent with every request of the call (auth, etc.).
	Headers http.Header
	// Transport advises batch vs. stream responses. Empty means auto.
	Transport Transport
}

// Action tells the client what the engine expects next after a batch.
type Action string

const (
	ActionContinue  Action = "continue"
	ActionWaiting   Action = "waiting"
	ActionListening Action = "listening"
)

// BotResponse is the batch (application/json) response body.
type BotResponse struct {
	Activities     []*Activity `json:"activities"`
	Action         Action      `json:"action"`
	ConversationID string      `json:"conversationId,omitempty"`
}

// StartOptions configures StartNewConversation.
type StartOptions struct {
	// Locale is a BCP 47 tag sent to the engine; it is canonicalized
	// ("en-us" becomes "en-US"). Empty omits it.
	Locale string
	// EmitStartConversationEvent asks the engine to run its greeting.
	EmitStartConversationEvent bool
}

// Wire header names.
const (
	HeaderConversationID = "x-ms-conversationid"
	HeaderCorrelationID  = "x-ms-correlation-id"
	HeaderChatAdapter    = "x-ms-chat-adapter"
)

// Version is reported to the engine in the x-ms-chat-adapter header.
const Version = "0.1.0"
