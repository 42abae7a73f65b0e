package d2e

import "context"

// Strategy supplies the request details for each logical call: the engine
// base URL, auth headers, and transport preference. It is the only way the
// client learns where the engine lives. Each method is invoked once per call.
type Strategy interface {
	PrepareStartNewConversation(ctx context.Context) (TurnRequest, error)
	PrepareExecuteTurn(ctx context.Context) (TurnRequest, error)
}

// SubscribeStrategy is implemented by strategies that prepare a dedicated
// request for the subscribe stream. Coordinators fall back to
// PrepareExecuteTurn otherwise.
type SubscribeStrategy interface {
	Strategy
	PrepareSubscribeActivities(ctx context.Context) (TurnRequest, error)
}

// Telemetry receives every error the client handles or surfaces. meta always
// carries "handledAt", naming the call site.
type Telemetry interface {
	TrackException(ctx context.Context, err error, meta map[string]any)
}

// CorrelationIDer is optionally implemented by a Telemetry. When present,
// its value is sent as the x-ms-correlation-id header.
type CorrelationIDer interface {
	CorrelationID() string
}

type nopTelemetry struct{}

func (nopTelemetry) TrackException(context.Context, error, map[string]any) {}
