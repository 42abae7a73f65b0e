package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/nevindra/d2e/internal/config"
	"github.com/nevindra/d2e/internal/transcript"
)

func runHistory(ctx context.Context, cfg config.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	n := fs.Int("n", 20, "number of conversations or activities to show")
	baseURL := fs.String("url", cfg.Engine.BaseURL, `engine base URL used to resolve "last"`)
	noColor := fs.Bool("no-color", color.NoColor, "disable colored output")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := openTranscript(ctx, cfg, newLogger(false))
	if err != nil {
		return err
	}
	defer store.Close()

	if fs.NArg() == 0 {
		convs, err := store.Conversations(ctx, *n)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tENGINE\tLAST USED")
		for _, c := range convs {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", c.ID, c.BaseURL, time.UnixMilli(c.UpdatedAt).Format(time.DateTime))
		}
		return tw.Flush()
	}

	id := fs.Arg(0)
	if id == "last" {
		last, err := store.LastConversation(ctx, *baseURL)
		if errors.Is(err, transcript.ErrNotFound) {
			return fmt.Errorf("no recorded conversation with %s", *baseURL)
		}
		if err != nil {
			return err
		}
		id = last.ID
	}

	entries, err := store.Entries(ctx, id, *n)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("no activities recorded for %s", id)
	}
	p := newPrinter(out, !*noColor)
	for _, e := range entries {
		printEntry(p, e)
	}
	return nil
}
