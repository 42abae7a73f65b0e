package d2e

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/nevindra/d2e/enginetest"
)

// newEchoEngine starts an EchoBot that hands out c-00001, c-00002, ...
func newEchoEngine(t *testing.T) (*enginetest.EchoBot, *enginetest.Server) {
	t.Helper()
	var n atomic.Int32
	bot := enginetest.NewEchoBot()
	bot.NewID = func() string { return fmt.Sprintf("c-%05d", n.Add(1)) }
	srv := enginetest.NewServer(bot)
	t.Cleanup(srv.Close)
	return bot, srv
}

func TestTurnExecutorEndToEnd(t *testing.T) {
	for _, transport := range []Transport{TransportREST, TransportAuto} {
		t.Run(string(transport), func(t *testing.T) {
			_, srv := newEchoEngine(t)
			exec := NewTurnExecutor(&stubStrategy{baseURL: srv.URL, transport: transport}, WithRetryConfig(fastRetry()))
			ctx := context.Background()

			turn, err := exec.StartNewConversation(ctx, StartOptions{EmitStartConversationEvent: true})
			if err != nil {
				t.Fatalf("StartNewConversation: %v", err)
			}
			if exec.ConversationID() != "" {
				t.Error("nothing should be sent before iteration")
			}
			acts, err := collect(turn.Activities())
			if err != nil {
				t.Fatalf("start activities: %v", err)
			}
			if got := texts(acts); !equalStrings(got, []string{"Hello, World!"}) {
				t.Errorf("greeting = %v", got)
			}
			if exec.ConversationID() != "c-00001" {
				t.Errorf("conversation id = %q", exec.ConversationID())
			}

			next, err := turn.Next(ctx, NewMessageActivity("hi"))
			if err != nil {
				t.Fatalf("Next: %v", err)
			}
			acts, err = collect(next.Activities())
			if err != nil {
				t.Fatalf("execute activities: %v", err)
			}

			want := []string{"...", "Echo: hi"}
			if transport == TransportAuto {
				want = []string{"Echo: ", "Echo: hi", "Echo: hi"}
			}
			if got := texts(acts); !equalStrings(got, want) {
				t.Errorf("reply = %v, want %v", got, want)
			}

			reqs := srv.Requests()
			last := reqs[len(reqs)-1]
			if transport == TransportREST && last.Path != "/conversations/c-00001/continue" {
				t.Errorf("last path = %q", last.Path)
			}
			activity, _ := reqs[1].Body["activity"].(map[string]any)
			if activity["text"] != "hi" || activity["type"] != "message" {
				t.Errorf("execute body = %v", reqs[1].Body)
			}
		})
	}
}

func TestTurnExecutorStartBody(t *testing.T) {
	_, srv := newEchoEngine(t)
	exec := NewTurnExecutor(&stubStrategy{baseURL: srv.URL, body: map[string]any{"dtmf": false}})

	turn, err := exec.StartNewConversation(context.Background(), StartOptions{Locale: "en-us"})
	if err != nil {
		t.Fatalf("StartNewConversation: %v", err)
	}
	acts, err := collect(turn.Activities())
	if err != nil {
		t.Fatalf("activities: %v", err)
	}
	if len(acts) != 0 {
		t.Errorf("no greeting expected without emitStartConversationEvent, got %v", texts(acts))
	}

	body := srv.Requests()[0].Body
	if body["locale"] != "en-US" || body["emitStartConversationEvent"] != false || body["dtmf"] != false {
		t.Errorf("start body = %v", body)
	}
}

func TestTurnExecutorInvalidLocale(t *testing.T) {
	tel := &recordingTelemetry{}
	exec := NewTurnExecutor(&stubStrategy{}, WithTelemetry(tel))
	if _, err := exec.StartNewConversation(context.Background(), StartOptions{Locale: "!!"}); err == nil {
		t.Fatal("expected locale error")
	}
	if len(tel.all()) != 1 {
		t.Errorf("tracked %d, want 1", len(tel.all()))
	}
}

func TestTurnExecutorOrdering(t *testing.T) {
	_, srv := newEchoEngine(t)
	tel := &recordingTelemetry{}
	exec := NewTurnExecutor(&stubStrategy{baseURL: srv.URL}, WithTelemetry(tel))
	ctx := context.Background()

	if _, err := exec.ExecuteTurn(ctx, NewMessageActivity("x")); !errors.Is(err, ErrNotStarted) {
		t.Errorf("execute before start: %v", err)
	}
	e, ok := tel.find(ErrNotStarted, "handledAt")
	if !ok || e.meta["handledAt"] != "TurnExecutor.ExecuteTurn" {
		t.Errorf("ErrNotStarted telemetry = %+v", e)
	}

	turn, err := exec.StartNewConversation(ctx, StartOptions{})
	if err != nil {
		t.Fatalf("StartNewConversation: %v", err)
	}
	if _, err := exec.StartNewConversation(ctx, StartOptions{}); !errors.Is(err, ErrBusy) {
		t.Errorf("start while busy: %v", err)
	}
	if _, err := collect(turn.Activities()); err != nil {
		t.Fatalf("activities: %v", err)
	}
	if _, err := exec.StartNewConversation(ctx, StartOptions{}); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second start: %v", err)
	}
	if _, err := exec.ExecuteTurn(ctx, nil); !errors.Is(err, ErrNilActivity) {
		t.Errorf("nil activity: %v", err)
	}

	next, err := exec.ExecuteTurn(ctx, NewMessageActivity("x"))
	if err != nil {
		t.Fatalf("ExecuteTurn: %v", err)
	}
	if _, err := exec.ExecuteTurn(ctx, NewMessageActivity("y")); !errors.Is(err, ErrBusy) {
		t.Errorf("execute while busy: %v", err)
	}
	if _, err := collect(next.Activities()); err != nil {
		t.Fatalf("activities: %v", err)
	}
	if _, err := collect(next.Activities()); !errors.Is(err, ErrTurnConsumed) {
		t.Errorf("second iteration: %v", err)
	}
}

func TestTurnNextObsoleted(t *testing.T) {
	_, srv := newEchoEngine(t)
	tel := &recordingTelemetry{}
	exec := NewTurnExecutor(&stubStrategy{baseURL: srv.URL}, WithTelemetry(tel))
	ctx := context.Background()

	first, _ := exec.StartNewConversation(ctx, StartOptions{})

	// Before first is consumed the executor is busy; the continuation
	// stays usable.
	if _, err := first.Next(ctx, NewMessageActivity("early")); !errors.Is(err, ErrBusy) {
		t.Fatalf("Next while busy: %v", err)
	}
	collect(first.Activities())

	second, err := first.Next(ctx, NewMessageActivity("a"))
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if _, err := first.Next(ctx, NewMessageActivity("again")); !errors.Is(err, ErrObsoletedTurn) {
		t.Errorf("reused Next: %v", err)
	}
	collect(second.Activities())

	third, err := exec.ExecuteTurn(ctx, NewMessageActivity("b"))
	if err != nil {
		t.Fatalf("ExecuteTurn: %v", err)
	}
	collect(third.Activities())

	if _, err := second.Next(ctx, NewMessageActivity("stale")); !errors.Is(err, ErrObsoletedTurn) {
		t.Errorf("stale Next: %v", err)
	}
	e, ok := tel.find(ErrObsoletedTurn, "handledAt")
	if !ok || e.meta["handledAt"] != "Turn.Next" {
		t.Errorf("obsoleted telemetry = %+v", e)
	}
	if _, err := third.Next(ctx, NewMessageActivity("fresh")); err != nil {
		t.Errorf("latest Next: %v", err)
	}
}

func TestTurnExecutorStrategyError(t *testing.T) {
	tel := &recordingTelemetry{}
	boom := errors.New("token expired")
	exec := NewTurnExecutor(&stubStrategy{err: boom}, WithTelemetry(tel))

	turn, err := exec.StartNewConversation(context.Background(), StartOptions{})
	if err != nil {
		t.Fatalf("strategy must be called lazily: %v", err)
	}
	if _, err := collect(turn.Activities()); !errors.Is(err, boom) {
		t.Errorf("err = %v", err)
	}
	if _, ok := tel.find(boom, "handledAt"); !ok {
		t.Error("strategy failure should be tracked")
	}

	// The failed call released the executor.
	if _, err := exec.StartNewConversation(context.Background(), StartOptions{}); err != nil {
		t.Errorf("retry start: %v", err)
	}
}

func TestTurnExecutorBreakReleases(t *testing.T) {
	_, srv := newEchoEngine(t)
	exec := NewTurnExecutor(&stubStrategy{baseURL: srv.URL})
	ctx := context.Background()

	turn, _ := exec.StartNewConversation(ctx, StartOptions{EmitStartConversationEvent: true})
	for range turn.Activities() {
		break
	}
	if _, err := exec.ExecuteTurn(ctx, NewMessageActivity("x")); err != nil {
		t.Errorf("executor should be idle after break: %v", err)
	}
}

func TestTurnExecutorWithConversationID(t *testing.T) {
	_, srv := newEchoEngine(t)
	ctx := context.Background()

	// Create c-00001 on the engine first.
	starter := NewTurnExecutor(&stubStrategy{baseURL: srv.URL})
	turn, _ := starter.StartNewConversation(ctx, StartOptions{})
	collect(turn.Activities())

	exec := NewTurnExecutor(&stubStrategy{baseURL: srv.URL, transport: TransportREST}, WithConversationID("c-00001"))
	if _, err := exec.StartNewConversation(ctx, StartOptions{}); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("start on resumed executor: %v", err)
	}
	next, err := exec.ExecuteTurn(ctx, NewMessageActivity("back"))
	if err != nil {
		t.Fatalf("ExecuteTurn: %v", err)
	}
	acts, err := collect(next.Activities())
	if err != nil {
		t.Fatalf("activities: %v", err)
	}
	if got := texts(acts); !equalStrings(got, []string{"...", "Echo: back"}) {
		t.Errorf("reply = %v", got)
	}
}
