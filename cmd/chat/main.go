package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/parley/chat-client/internal/controller"
	"github.com/parley/chat-client/internal/identity"
	"github.com/parley/chat-client/internal/metrics"
	"github.com/parley/chat-client/internal/platform"
	"github.com/parley/chat-client/internal/platform/natsbus"
	"github.com/parley/chat-client/internal/platform/postgres"
	"github.com/parley/chat-client/internal/platform/realtimews"
)

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	_ = godotenv.Load()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}
	roomID := getenv("ROOM_ID", "lobby")
	transport := getenv("REALTIME_TRANSPORT", "nats")
	token := os.Getenv("ACCESS_TOKEN")
	secret := os.Getenv("TOKEN_SECRET")

	// --- Postgres ---
	store, err := postgres.NewStore(dsn)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	if os.Getenv("MIGRATE") == "1" {
		if err := store.Migrate(); err != nil {
			log.Fatalf("migration failed: %v", err)
		}
	}

	// --- Realtime transport ---
	var (
		stream      platform.MessageStream
		presenceCh  platform.PresenceChannel
		broadcastCh platform.BroadcastChannel
		closeBus    func()
	)
	switch transport {
	case "nats":
		config := natsbus.DefaultConfig()
		if url := os.Getenv("NATS_URL"); url != "" {
			config.URL = url
		}
		bus, err := natsbus.Connect(config)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		stream, presenceCh, broadcastCh = bus, bus, bus
		closeBus = bus.Close

	case "websocket":
		config := realtimews.DefaultConfig()
		if url := os.Getenv("REALTIME_URL"); url != "" {
			config.URL = url
		}
		client, err := realtimews.Dial(config)
		if err != nil {
			log.Fatalf("failed to connect to realtime gateway: %v", err)
		}
		stream, presenceCh, broadcastCh = client, client, client
		closeBus = func() { client.Close() }

	default:
		log.Fatalf("unknown REALTIME_TRANSPORT %q (want nats or websocket)", transport)
	}

	// --- Identity ---
	var resolver identity.Resolver = identity.NewTokenResolver(token, []byte(secret))
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		resolver = identity.NewCachedResolver(resolver, rdb, token)
	}

	// --- Metrics ---
	if addr := os.Getenv("METRICS_ADDR"); addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			log.Printf("[metrics] listening on %s", addr)
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Printf("[metrics] server error: %v", err)
			}
		}()
	}

	log.Printf("Parley chat client starting")
	log.Printf("  room:      %s", roomID)
	log.Printf("  transport: %s", transport)

	ctrl := controller.New(controller.Platform{
		Repo:     store,
		Rooms:    store,
		Stream:   stream,
		Presence: presenceCh,
		Typing:   broadcastCh,
	}, resolver, roomID, controller.Config{
		OnScroll: func(msg platform.Message) {
			fmt.Printf("%s %s: %s\n", msg.CreatedAt.Format("15:04:05"), msg.AuthorHandle, msg.Body)
		},
		OnNotice: func(notice string) {
			fmt.Printf("! %s\n", notice)
		},
	})

	if err := ctrl.Start(context.Background()); err != nil {
		if errors.Is(err, controller.ErrRedirectLogin) {
			log.Fatalf("not signed in: %v", err)
		}
		log.Fatalf("start failed: %v", err)
	}

	if room := ctrl.Room(); room != nil {
		fmt.Printf("=== %s ===\n", room.Name)
	}
	for _, msg := range ctrl.Messages() {
		fmt.Printf("%s %s: %s\n", msg.CreatedAt.Format("15:04:05"), msg.AuthorHandle, msg.Body)
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, shutting down", sig)
		ctrl.Close()
		closeBus()
		store.Close()
		os.Exit(0)
	}()

	fmt.Println("commands: /who /templates /room <id> /quit — anything else is sent")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		switch {
		case line == "/quit":
			ctrl.Close()
			closeBus()
			store.Close()
			return

		case line == "/who":
			for _, entry := range ctrl.Online() {
				fmt.Printf("  %s (online)\n", entry.Handle)
			}
			for _, handle := range ctrl.TypingUsers() {
				fmt.Printf("  %s is typing…\n", handle)
			}

		case line == "/templates":
			for i, tpl := range ctrl.Templates() {
				fmt.Printf("  %d: %s\n", i+1, tpl.Content)
			}

		case strings.HasPrefix(line, "/room "):
			target := strings.TrimSpace(strings.TrimPrefix(line, "/room "))
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := ctrl.SwitchRoom(ctx, target); err != nil {
				fmt.Printf("! switch failed: %v\n", err)
			}
			cancel()

		default:
			// Line-buffered stdin only surfaces typing at submit time.
			ctrl.Keystroke()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := ctrl.Send(ctx, line); err != nil {
				if errors.Is(err, controller.ErrEmptyMessage) {
					fmt.Println("! nothing to send")
				}
				// WriteError already surfaced via the notice callback; the
				// draft stays in the terminal scrollback for retry.
			}
			cancel()
		}
	}

	ctrl.Close()
	closeBus()
	store.Close()
}
