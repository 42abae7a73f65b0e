package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for conversation spans and metrics.
var (
	AttrHandledAt     = attribute.Key("d2e.handled_at")
	AttrAttempt       = attribute.Key("d2e.attempt")
	AttrRetriesLeft   = attribute.Key("d2e.retries_left")
	AttrRetryCount    = attribute.Key("d2e.retry_count")
	AttrHTTPStatus    = attribute.Key("http.status_code")
	AttrErrorKind     = attribute.Key("d2e.error.kind")
	AttrCorrelationID = attribute.Key("d2e.correlation_id")

	AttrConversationID = attribute.Key("d2e.conversation_id")
	AttrTurnName       = attribute.Key("d2e.turn")
	AttrTurnStatus     = attribute.Key("d2e.turn.status")
	AttrActivityType   = attribute.Key("d2e.activity.type")
	AttrActivityCount  = attribute.Key("d2e.activity.count")
)
