// Command d2e-mock serves a scripted echo engine for trying the d2e client
// without a real bot.
//
// Every message is answered with "Echo: <text>", preceded by streamed
// typing updates for clients that accept text/event-stream. Activities can
// be pushed to open subscribe streams with:
//
//	curl -d 'hello' localhost:8080/admin/conversations/<id>/push
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/nevindra/d2e/enginetest"
	"github.com/nevindra/d2e/internal/config"
)

const maxPushBytes = 64 << 10

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmsgprefix)
	log.SetPrefix("[d2e-mock] ")

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("warning: failed to load .env file: %v", err)
	}
	cfg := config.Load(os.Getenv("D2E_CONFIG"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bot := enginetest.NewEchoBot()
	bot.Greeting = cfg.Mock.Greeting

	srv := &http.Server{
		Addr:              cfg.Mock.Addr,
		Handler:           newRouter(bot),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       30 * time.Second,
		// Subscribe streams end when the server context is cancelled.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		log.Printf("listening on %s", cfg.Mock.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down...")

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	log.Println("stopped")
}

func newRouter(bot *enginetest.EchoBot) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"status":"ok"}`)
	})
	r.Post("/admin/conversations/{id}/push", func(w http.ResponseWriter, r *http.Request) {
		handlePush(bot, w, r)
	})
	r.Mount("/", bot)
	return r
}

// handlePush sends the request body as a message to the subscribe streams
// of a conversation.
func handlePush(bot *enginetest.EchoBot, w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPushBytes))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	text := strings.TrimSpace(string(body))
	if text == "" {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}
	if !bot.Push(id, enginetest.Message(text)) {
		http.Error(w, fmt.Sprintf("conversation %s has no subscribers", id), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
