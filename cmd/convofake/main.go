package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/matheus3301/convo/internal/fakebackend"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	addr := flag.String("addr", "127.0.0.1:8090", "listen address")
	secret := flag.String("secret", envOr("CONVO_FAKE_SECRET", "convo-dev-secret"), "token signing secret")
	users := flag.String("users", "u1:Ana,u2:Bruno,u3:Carla", "comma-separated id:name users to seed")
	convs := flag.String("conversations", "c1:u1:u2,c2:u1:u3", "comma-separated id:userA:userB conversations to seed")
	ttl := flag.Duration("token-ttl", 24*time.Hour, "lifetime of printed tokens")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	b := fakebackend.New(*secret, fakebackend.WithLogger(logger))
	ids, err := seed(b, *users, *convs)
	if err != nil {
		logger.Fatal("seed failed", zap.Error(err))
	}
	for _, id := range ids {
		tok, err := b.IssueToken(id, *ttl)
		if err != nil {
			logger.Fatal("issue token", zap.String("user_id", id), zap.Error(err))
		}
		fmt.Printf("%s\t%s\n", id, tok)
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Mount("/api", b)
	r.Handle("/ws", b)

	srv := &http.Server{Addr: *addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Info("fake backend listening",
			zap.String("rest", "http://"+*addr+"/api"),
			zap.String("ws", "ws://"+*addr+"/ws"),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdown)
}

func seed(b *fakebackend.Backend, users, convs string) ([]string, error) {
	var ids []string
	for _, u := range split(users) {
		id, name, ok := strings.Cut(u, ":")
		if !ok || id == "" {
			return nil, fmt.Errorf("bad user %q, want id:name", u)
		}
		b.AddUser(id, name)
		ids = append(ids, id)
	}
	for _, c := range split(convs) {
		parts := strings.Split(c, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("bad conversation %q, want id:userA:userB", c)
		}
		if err := b.CreateConversation(parts[0], parts[1], parts[2]); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func split(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
