package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/fatih/color"

	"github.com/nevindra/d2e"
	"github.com/nevindra/d2e/internal/config"
	"github.com/nevindra/d2e/internal/transcript"
	"github.com/nevindra/d2e/observer"
	"github.com/nevindra/d2e/strategy"
)

// conversation is implemented by d2e.TurnExecutor and d2e.Coordinator.
type conversation interface {
	StartNewConversation(ctx context.Context, so d2e.StartOptions) (*d2e.Turn, error)
	ExecuteTurn(ctx context.Context, activity *d2e.Activity) (*d2e.Turn, error)
	ConversationID() string
}

type chat struct {
	client  conversation
	store   *transcript.Store
	print   *printer
	inst    *observer.Instruments
	logger  *slog.Logger
	baseURL string
	saved   bool
}

func runChat(ctx context.Context, cfg config.Config, args []string, in io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	baseURL := fs.String("url", cfg.Engine.BaseURL, "engine base URL")
	transport := fs.String("transport", cfg.Engine.Transport, "auto, rest or server-sent-events")
	subscribe := fs.Bool("subscribe", cfg.Coordinator.Subscribe, "receive replies over a subscribe stream")
	resume := fs.String("resume", "", `resume a conversation: "last" or a conversation id`)
	locale := fs.String("locale", cfg.Engine.Locale, "BCP 47 locale sent when starting")
	noColor := fs.Bool("no-color", color.NoColor, "disable colored output")
	verbose := fs.Bool("v", false, "debug logging to stderr")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg.Engine.BaseURL = *baseURL
	cfg.Engine.Transport = *transport
	cfg.Engine.Locale = *locale
	cfg.Coordinator.Subscribe = *subscribe
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := newLogger(*verbose)
	c := &chat{
		print:   newPrinter(out, !*noColor),
		logger:  logger,
		baseURL: cfg.Engine.BaseURL,
	}

	if cfg.Transcript.Path != "" {
		store, err := openTranscript(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()
		c.store = store
	}

	conversationID := *resume
	if conversationID == "last" {
		if c.store == nil {
			return errors.New("-resume last needs a transcript path")
		}
		last, err := c.store.LastConversation(ctx, cfg.Engine.BaseURL)
		if errors.Is(err, transcript.ErrNotFound) {
			return fmt.Errorf("no recorded conversation with %s", cfg.Engine.BaseURL)
		}
		if err != nil {
			return err
		}
		conversationID = last.ID
	}

	strat, err := newStrategy(cfg)
	if err != nil {
		return err
	}
	opts := []d2e.Option{
		d2e.WithRetryConfig(cfg.RetryConfig()),
		d2e.WithLogger(logger),
	}
	if cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(ctx, cfg.Observer.ServiceName)
		if err != nil {
			return fmt.Errorf("init observer: %w", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Warn("observer shutdown failed", "error", err)
			}
		}()
		c.inst = inst
		tel := observer.NewTelemetry(inst)
		opts = append(opts,
			d2e.WithTelemetry(tel),
			d2e.WithTracer(observer.NewTracer(observer.WithCorrelation(tel))),
			d2e.WithHTTPClient(observer.HTTPClient()),
		)
	}
	if conversationID != "" {
		opts = append(opts, d2e.WithConversationID(conversationID))
	}

	client, closeClient, err := newConversation(strat, cfg, opts, logger)
	if err != nil {
		return err
	}
	defer closeClient()
	c.client = client

	if conversationID == "" {
		turn, err := client.StartNewConversation(ctx, d2e.StartOptions{
			Locale:                     cfg.Engine.Locale,
			EmitStartConversationEvent: cfg.Engine.Greet,
		})
		if err != nil {
			return err
		}
		if err := c.play(ctx, "start", turn); err != nil {
			return fmt.Errorf("start conversation: %w", err)
		}
	} else {
		c.replay(ctx, conversationID)
	}
	c.save(ctx)

	hint := "/quit to leave"
	if cfg.Coordinator.Subscribe {
		hint += ", empty line to wait for replies"
	}
	c.print.info("conversation %s (%s)", client.ConversationID(), hint)

	lines := readLines(ctx, in)
	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}

		switch {
		case line == "/quit" || line == "/exit":
			return nil
		case line == "" && !cfg.Coordinator.Subscribe:
			continue
		}

		var activity *d2e.Activity
		if line != "" {
			activity = d2e.NewMessageActivity(line)
			c.record(ctx, transcript.Outgoing, activity)
		}
		turn, err := client.ExecuteTurn(ctx, activity)
		if err != nil {
			c.print.error(err)
			continue
		}
		if err := c.play(ctx, "execute", turn); err != nil {
			c.print.error(err)
		}
	}
}

// play prints and records the activities of turn.
func (c *chat) play(ctx context.Context, name string, turn *d2e.Turn) error {
	defer c.print.clearTyping()

	seq := turn.Activities()
	if c.inst != nil {
		seq = observer.ObserveTurn(ctx, c.inst, name, c.client.ConversationID(), seq)
	}
	for act, err := range seq {
		if err != nil {
			return err
		}
		c.print.activity(act)
		if act.Type() != d2e.ActivityTypeTyping {
			c.record(ctx, transcript.Incoming, act)
		}
	}
	return nil
}

// replay prints the tail of a resumed conversation.
func (c *chat) replay(ctx context.Context, conversationID string) {
	if c.store == nil {
		return
	}
	entries, err := c.store.Entries(ctx, conversationID, 10)
	if err != nil {
		c.logger.Warn("read transcript failed", "error", err)
		return
	}
	for _, e := range entries {
		printEntry(c.print, e)
	}
}

func (c *chat) save(ctx context.Context) {
	id := c.client.ConversationID()
	if c.store == nil || c.saved || id == "" {
		return
	}
	if err := c.store.SaveConversation(ctx, id, c.baseURL); err != nil {
		c.logger.Warn("save conversation failed", "error", err)
		return
	}
	c.saved = true
}

func (c *chat) record(ctx context.Context, dir transcript.Direction, act *d2e.Activity) {
	if c.store == nil || c.client.ConversationID() == "" {
		return
	}
	c.save(ctx)
	if err := c.store.Append(ctx, c.client.ConversationID(), dir, act); err != nil {
		c.logger.Warn("record activity failed", "error", err)
	}
}

func printEntry(p *printer, e transcript.Entry) {
	if e.Direction == transcript.Outgoing {
		p.said(e.Text)
		return
	}
	act, err := d2e.NewActivity(e.Raw)
	if err != nil {
		p.error(err)
		return
	}
	p.activity(act)
}

func newStrategy(cfg config.Config) (*strategy.Static, error) {
	opts := []strategy.Option{strategy.WithTransport(d2e.Transport(cfg.Engine.Transport))}
	if cfg.Engine.Token != "" {
		opts = append(opts, strategy.WithToken(cfg.Engine.Token))
	}
	for k, v := range cfg.Engine.Headers {
		opts = append(opts, strategy.WithHeader(k, v))
	}
	return strategy.NewStatic(cfg.Engine.BaseURL, opts...)
}

func newConversation(strat d2e.Strategy, cfg config.Config, opts []d2e.Option, logger *slog.Logger) (conversation, func(), error) {
	if !cfg.Coordinator.Subscribe {
		return d2e.NewTurnExecutor(strat, opts...), func() {}, nil
	}
	opts = append(opts,
		d2e.WithSilenceTimeout(cfg.Coordinator.SilenceTimeout.Duration),
		d2e.WithActivityObserver(func(act *d2e.Activity) {
			logger.Debug("pushed activity", "type", act.Type(), "id", act.ID())
		}),
	)
	coord, err := d2e.NewCoordinator(strat, opts...)
	if err != nil {
		return nil, nil, err
	}
	return coord, func() { _ = coord.Close() }, nil
}

func openTranscript(ctx context.Context, cfg config.Config, logger *slog.Logger) (*transcript.Store, error) {
	if cfg.Transcript.Path == "" {
		return nil, errors.New("transcript path is not configured")
	}
	store, err := transcript.New(cfg.Transcript.Path, transcript.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func readLines(ctx context.Context, in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}
