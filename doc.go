// Package d2e is a client for direct-to-engine conversations: half-duplex,
// turn-based exchanges with a bot engine over plain HTTP.
//
// A caller starts a conversation, then alternates sending one activity and
// receiving the activities the engine answers with. Each turn returns a lazy
// sequence. Answers arrive either as one JSON batch, as a chain of batches
// joined by continue round trips, or as a Server-Sent-Events stream; the
// response content type decides which. Streamed typing deltas are
// accumulated before they reach the caller.
//
// # Quick Start
//
//	strat, _ := strategy.NewStatic("https://engine.example/bot")
//	exec := d2e.NewTurnExecutor(strat, d2e.WithLogger(logger))
//
//	turn, err := exec.StartNewConversation(ctx, d2e.StartOptions{EmitStartConversationEvent: true})
//	for act, err := range turn.Activities() {
//		...
//	}
//	turn, err = turn.Next(ctx, d2e.NewMessageActivity("hi"))
//
// # Components
//
//   - [Session] performs the HTTP round trips of one conversation, follows
//     continue actions and retries failed attempts under a [RetryConfig].
//   - [TurnExecutor] is the turn state machine: it gates start and execute
//     calls and owns the conversation id.
//   - [Coordinator] adds a long-lived subscribe stream for activities the
//     engine pushes outside the request cycle. Each turn drains that stream
//     until it has been silent for the configured timeout.
//   - [Strategy] is the caller-supplied boundary that decides where the
//     engine lives and how requests are authenticated.
//
// # Included Implementations
//
// Strategies: strategy (fixed base URL, headers, bearer token).
// Telemetry and tracing: observer (OpenTelemetry).
// Testing: enginetest (scripted fake engine).
//
// See cmd/d2e for a terminal client and cmd/d2e-mock for a local engine.
package d2e
