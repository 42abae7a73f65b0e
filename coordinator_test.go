package d2e

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nevindra/d2e/enginetest"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestCoordinator(t *testing.T, strategy Strategy, opts ...Option) *Coordinator {
	t.Helper()
	opts = append([]Option{WithRetryConfig(fastRetry()), WithSilenceTimeout(150 * time.Millisecond)}, opts...)
	c, err := NewCoordinator(strategy, opts...)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// startCoordinator starts a conversation and waits for the subscribe
// stream to reach the engine.
func startCoordinator(t *testing.T, c *Coordinator, bot *enginetest.EchoBot) {
	t.Helper()
	turn, err := c.StartNewConversation(context.Background(), StartOptions{EmitStartConversationEvent: true})
	if err != nil {
		t.Fatalf("StartNewConversation: %v", err)
	}
	acts, err := collect(turn.Activities())
	if err != nil {
		t.Fatalf("start activities: %v", err)
	}
	if got := texts(acts); !equalStrings(got, []string{enginetest.DefaultGreeting}) {
		t.Fatalf("greeting = %v", got)
	}
	if !bot.WaitSubscribed(c.ConversationID(), 3*time.Second) {
		t.Fatal("subscribe stream never opened")
	}
}

func TestCoordinatorSilenceTimeoutRange(t *testing.T) {
	for _, d := range []time.Duration{-time.Millisecond, time.Minute + time.Millisecond} {
		if _, err := NewCoordinator(&stubStrategy{}, WithSilenceTimeout(d)); err == nil {
			t.Errorf("silence %v should be rejected", d)
		}
	}
	for _, d := range []time.Duration{0, time.Minute} {
		c, err := NewCoordinator(&stubStrategy{}, WithSilenceTimeout(d))
		if err != nil {
			t.Errorf("silence %v: %v", d, err)
			continue
		}
		c.Close()
	}
}

func TestCoordinatorExecuteTurn(t *testing.T) {
	for _, transport := range []Transport{TransportREST, TransportAuto} {
		t.Run(string(transport), func(t *testing.T) {
			bot, srv := newEchoEngine(t)
			strategy := &subscribeStrategy{stubStrategy: &stubStrategy{baseURL: srv.URL, transport: transport}}
			c := newTestCoordinator(t, strategy)
			startCoordinator(t, c, bot)

			turn, err := c.ExecuteTurn(context.Background(), NewMessageActivity("hi"))
			if err != nil {
				t.Fatalf("ExecuteTurn: %v", err)
			}
			acts, err := collect(turn.Activities())
			if err != nil {
				t.Fatalf("activities: %v", err)
			}
			if got := texts(acts); !equalStrings(got, []string{"Echo: ", "Echo: hi", "Echo: hi"}) {
				t.Errorf("reply = %v", got)
			}

			calls := strategy.Calls()
			if !equalStrings(calls, []string{"start", "subscribe", "execute"}) {
				t.Errorf("strategy calls = %v", calls)
			}
			var subscribePaths int
			for _, p := range srv.Paths() {
				if p == "/conversations/c-00001/subscribe" {
					subscribePaths++
				}
			}
			if subscribePaths != 1 {
				t.Errorf("subscribe requests = %d, want 1", subscribePaths)
			}
		})
	}
}

func TestCoordinatorGiveUpTurnDrainsPushed(t *testing.T) {
	bot, srv := newEchoEngine(t)

	var (
		mu       sync.Mutex
		observed []string
	)
	c := newTestCoordinator(t, &stubStrategy{baseURL: srv.URL}, WithActivityObserver(func(a *Activity) {
		mu.Lock()
		observed = append(observed, a.Text())
		mu.Unlock()
	}))
	startCoordinator(t, c, bot)

	if !bot.Push(c.ConversationID(), enginetest.Message("a"), enginetest.Message("b")) {
		t.Fatal("push found no subscriber")
	}
	waitFor(t, "observer", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(observed) == 2
	})

	turn, err := c.ExecuteTurn(context.Background(), nil)
	if err != nil {
		t.Fatalf("ExecuteTurn: %v", err)
	}
	start := time.Now()
	acts, err := collect(turn.Activities())
	if err != nil {
		t.Fatalf("activities: %v", err)
	}
	if got := texts(acts); !equalStrings(got, []string{"a", "b"}) {
		t.Errorf("drained = %v", got)
	}
	if time.Since(start) < 100*time.Millisecond {
		t.Error("turn should end only after the silence timeout")
	}

	// Nothing buffered: the next give-up turn is empty.
	turn, _ = c.ExecuteTurn(context.Background(), nil)
	acts, err = collect(turn.Activities())
	if err != nil || len(acts) != 0 {
		t.Errorf("empty turn: %v, %v", texts(acts), err)
	}
}

func TestCoordinatorExecuteTurnDeliversBufferedFirst(t *testing.T) {
	bot, srv := newEchoEngine(t)
	c := newTestCoordinator(t, &stubStrategy{baseURL: srv.URL})
	startCoordinator(t, c, bot)

	if !bot.Push(c.ConversationID(), enginetest.Message("a"), enginetest.Message("b")) {
		t.Fatal("push found no subscriber")
	}
	waitFor(t, "buffered activities", func() bool { return c.queue.buffered() == 2 })

	turn, err := c.ExecuteTurn(context.Background(), NewMessageActivity("hi"))
	if err != nil {
		t.Fatalf("ExecuteTurn: %v", err)
	}
	start := time.Now()
	acts, err := collect(turn.Activities())
	if err != nil {
		t.Fatalf("activities: %v", err)
	}
	want := []string{"a", "b", "Echo: ", "Echo: hi", "Echo: hi"}
	if got := texts(acts); !equalStrings(got, want) {
		t.Errorf("turn = %v, want %v", got, want)
	}
	if time.Since(start) < 100*time.Millisecond {
		t.Error("turn should end only after the silence timeout")
	}
}

func TestCoordinatorTypingResetsPerTurn(t *testing.T) {
	bot, srv := newEchoEngine(t)
	c := newTestCoordinator(t, &stubStrategy{baseURL: srv.URL})
	startCoordinator(t, c, bot)
	id := c.ConversationID()

	bot.Push(id, enginetest.TypingDelta("s", "He"))
	turn, _ := c.ExecuteTurn(context.Background(), nil)
	acts, err := collect(turn.Activities())
	if err != nil {
		t.Fatalf("first turn: %v", err)
	}
	if got := texts(acts); !equalStrings(got, []string{"He"}) {
		t.Errorf("first turn = %v", got)
	}

	turn, _ = c.ExecuteTurn(context.Background(), nil)
	go func() {
		time.Sleep(20 * time.Millisecond)
		bot.Push(id, enginetest.TypingDelta("s", "llo"))
	}()
	acts, err = collect(turn.Activities())
	if err != nil {
		t.Fatalf("second turn: %v", err)
	}
	if got := texts(acts); !equalStrings(got, []string{"llo"}) {
		t.Errorf("second turn = %v, deltas must not carry over from the previous turn", got)
	}
}

func TestCoordinatorOrdering(t *testing.T) {
	bot, srv := newEchoEngine(t)
	c := newTestCoordinator(t, &stubStrategy{baseURL: srv.URL})
	ctx := context.Background()

	if _, err := c.ExecuteTurn(ctx, NewMessageActivity("x")); !errors.Is(err, ErrNotStarted) {
		t.Errorf("execute before start: %v", err)
	}
	startCoordinator(t, c, bot)

	if _, err := c.StartNewConversation(ctx, StartOptions{}); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second start: %v", err)
	}
	turn, err := c.ExecuteTurn(ctx, nil)
	if err != nil {
		t.Fatalf("ExecuteTurn: %v", err)
	}
	if _, err := c.ExecuteTurn(ctx, nil); !errors.Is(err, ErrBusy) {
		t.Errorf("execute while busy: %v", err)
	}
	if err := c.Resume(ctx, "other"); !errors.Is(err, ErrBusy) {
		t.Errorf("resume while busy: %v", err)
	}
	collect(turn.Activities())

	if _, err := turn.Next(ctx, nil); err != nil {
		t.Errorf("Next: %v", err)
	}
}

func TestCoordinatorResume(t *testing.T) {
	bot, srv := newEchoEngine(t)
	ctx := context.Background()

	starter := NewTurnExecutor(&stubStrategy{baseURL: srv.URL})
	turn, _ := starter.StartNewConversation(ctx, StartOptions{})
	collect(turn.Activities())

	c := newTestCoordinator(t, &stubStrategy{baseURL: srv.URL})
	if err := c.Resume(ctx, ""); err == nil {
		t.Error("empty id should be rejected")
	}
	if err := c.Resume(ctx, "c-00001"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := c.Resume(ctx, "c-00001"); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second resume: %v", err)
	}
	if _, err := c.StartNewConversation(ctx, StartOptions{}); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("start after resume: %v", err)
	}
	if !bot.WaitSubscribed("c-00001", 3*time.Second) {
		t.Fatal("subscribe stream never opened")
	}

	next, err := c.ExecuteTurn(ctx, NewMessageActivity("again"))
	if err != nil {
		t.Fatalf("ExecuteTurn: %v", err)
	}
	acts, err := collect(next.Activities())
	if err != nil {
		t.Fatalf("activities: %v", err)
	}
	if len(acts) == 0 || acts[len(acts)-1].Text() != "Echo: again" {
		t.Errorf("reply = %v", texts(acts))
	}
}

func TestCoordinatorWithConversationIDSubscribesImmediately(t *testing.T) {
	bot, srv := newEchoEngine(t)
	ctx := context.Background()

	starter := NewTurnExecutor(&stubStrategy{baseURL: srv.URL})
	turn, _ := starter.StartNewConversation(ctx, StartOptions{})
	collect(turn.Activities())

	newTestCoordinator(t, &stubStrategy{baseURL: srv.URL}, WithConversationID("c-00001"))
	if !bot.WaitSubscribed("c-00001", 3*time.Second) {
		t.Fatal("subscribe stream never opened")
	}
}

// subscribeFailEngine accepts start and execute but rejects subscribe.
func subscribeFailEngine(t *testing.T, subscribeStatus, executeStatus int) *enginetest.Server {
	t.Helper()
	srv := enginetest.NewServerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/conversations":
			enginetest.WriteBatch(w, "c-1", enginetest.Batch{Action: "waiting"})
		case strings.HasSuffix(r.URL.Path, "/subscribe"):
			if subscribeStatus != http.StatusOK {
				http.Error(w, "no subscribe", subscribeStatus)
				return
			}
			enginetest.NewSSEWriter(w, "c-1")
			<-r.Context().Done()
		default:
			if executeStatus != http.StatusOK {
				http.Error(w, "no execute", executeStatus)
				return
			}
			enginetest.WriteBatch(w, "", enginetest.Batch{Action: "waiting"})
		}
	})
	t.Cleanup(srv.Close)
	return srv
}

func TestCoordinatorSubscribeFailureIsSticky(t *testing.T) {
	srv := subscribeFailEngine(t, http.StatusBadRequest, http.StatusOK)
	c := newTestCoordinator(t, &stubStrategy{baseURL: srv.URL, transport: TransportREST})
	ctx := context.Background()

	turn, _ := c.StartNewConversation(ctx, StartOptions{})
	if _, err := collect(turn.Activities()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "subscribe failure", func() bool {
		c.queue.mu.Lock()
		defer c.queue.mu.Unlock()
		return c.queue.err != nil
	})

	for i := range 2 {
		turn, err := c.ExecuteTurn(ctx, nil)
		if err != nil {
			t.Fatalf("ExecuteTurn %d: %v", i, err)
		}
		_, err = collect(turn.Activities())
		var httpErr *ErrHTTP
		if !errors.As(err, &httpErr) || httpErr.Status != http.StatusBadRequest {
			t.Errorf("turn %d err = %v, want subscribe failure", i, err)
		}
	}
}

func TestCoordinatorExecuteFailureFailsTurn(t *testing.T) {
	srv := subscribeFailEngine(t, http.StatusOK, http.StatusForbidden)
	c := newTestCoordinator(t, &stubStrategy{baseURL: srv.URL})
	ctx := context.Background()

	turn, _ := c.StartNewConversation(ctx, StartOptions{})
	collect(turn.Activities())

	next, err := c.ExecuteTurn(ctx, NewMessageActivity("x"))
	if err != nil {
		t.Fatalf("ExecuteTurn: %v", err)
	}
	_, err = collect(next.Activities())
	var httpErr *ErrHTTP
	if !errors.As(err, &httpErr) || httpErr.Status != http.StatusForbidden {
		t.Errorf("err = %v", err)
	}

	// The subscribe stream is still healthy.
	next, _ = c.ExecuteTurn(ctx, nil)
	if _, err := collect(next.Activities()); err != nil {
		t.Errorf("give-up turn: %v", err)
	}
}

func TestCoordinatorCancelAndClose(t *testing.T) {
	srv := subscribeFailEngine(t, http.StatusOK, http.StatusOK)
	c := newTestCoordinator(t, &stubStrategy{baseURL: srv.URL}, WithSilenceTimeout(time.Minute))

	turn, _ := c.StartNewConversation(context.Background(), StartOptions{})
	collect(turn.Activities())

	// Turn context cancellation ends the turn without error.
	ctx, cancel := context.WithCancel(context.Background())
	next, err := c.ExecuteTurn(ctx, nil)
	if err != nil {
		t.Fatalf("ExecuteTurn: %v", err)
	}
	time.AfterFunc(20*time.Millisecond, cancel)
	if _, err := collect(next.Activities()); err != nil {
		t.Errorf("cancelled turn: %v", err)
	}

	// Close ends a running turn without error.
	next, err = c.ExecuteTurn(context.Background(), nil)
	if err != nil {
		t.Fatalf("ExecuteTurn: %v", err)
	}
	var closed atomic.Bool
	time.AfterFunc(20*time.Millisecond, func() {
		closed.Store(true)
		c.Close()
	})
	if _, err := collect(next.Activities()); err != nil {
		t.Errorf("closed turn: %v", err)
	}
	if !closed.Load() {
		t.Error("turn ended before Close")
	}

	if _, err := c.ExecuteTurn(context.Background(), nil); !errors.Is(err, ErrClosed) {
		t.Errorf("execute after close: %v", err)
	}
	if _, err := c.StartNewConversation(context.Background(), StartOptions{}); !errors.Is(err, ErrClosed) {
		t.Errorf("start after close: %v", err)
	}
}

func TestCoordinatorStartFailureDoesNotSubscribe(t *testing.T) {
	srv := enginetest.NewServerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	})
	defer srv.Close()

	c := newTestCoordinator(t, &stubStrategy{baseURL: srv.URL})
	turn, _ := c.StartNewConversation(context.Background(), StartOptions{})
	if _, err := collect(turn.Activities()); err == nil {
		t.Fatal("expected start failure")
	}
	if _, err := c.ExecuteTurn(context.Background(), nil); !errors.Is(err, ErrNotStarted) {
		t.Errorf("execute after failed start: %v", err)
	}
	if len(srv.Requests()) != 1 {
		t.Errorf("requests = %v", srv.Paths())
	}
}
