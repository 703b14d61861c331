package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chatlink/internal/config"
	"chatlink/internal/core/contracts"
	"chatlink/internal/core/coordinator"
	"chatlink/internal/platform/logger"
	"chatlink/internal/platform/telemetry"
	"chatlink/internal/plugins/authjwt"
	"chatlink/internal/plugins/memory"
	"chatlink/internal/plugins/postgres"
	redisPlugin "chatlink/internal/plugins/redis"
)

func main() {
	// Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Config
	cfg := config.Load()

	// Logger
	log := logger.NewLogger(*cfg)
	log.Info("starting application", "backend", cfg.Backend.Kind)

	otelShutdown, err := telemetry.InitTelemetry(ctx, *cfg)
	if err != nil {
		log.Error("failed to initialize telemetry", "err", err)
	}
	defer func() {
		if otelShutdown == nil {
			return
		}
		log.Info("flushing telemetry...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			log.Error("telemetry shutdown failed", "err", err)
		}
	}()

	// Remote data service
	var (
		identity contracts.Identity
		docs     contracts.DocumentStore
		blobs    contracts.BlobStore
	)
	switch cfg.Backend.Kind {
	case "postgres":
		pdb, err := postgres.New(ctx, *cfg.Postgres)
		if err != nil {
			log.Error("postgres connection failed", "DSN", cfg.Postgres.DSN, "err", err)
			return
		}
		log.Info("postgres connected")
		if err := postgres.EnsureSchema(ctx, pdb); err != nil {
			log.Error("schema setup failed", "err", err)
			return
		}
		rdb, err := redisPlugin.NewRedisClient(ctx, *cfg.Redis)
		if err != nil {
			log.Error("redis connection failed", "url", cfg.Redis.URL, "err", err)
			return
		}
		log.Info("redis connected")
		feed := redisPlugin.NewChangeFeed(log, rdb)
		store := postgres.NewDocumentStore(log, pdb, feed)
		docs = store
		blobs = postgres.NewBlobStore(pdb, cfg.Blob.PublicBaseURL)
		identity = authjwt.New(log, store, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	default:
		store := memory.New(cfg.Blob.PublicBaseURL)
		identity, docs, blobs = store, store, store
	}

	// Coordinator
	c := coordinator.New(ctx, log, identity, docs, blobs)

	repl(ctx, c)
}

// repl is a minimal line-driven front end for poking the coordinator.
// It is a debugging aid, not the product's presentation layer.
func repl(ctx context.Context, c *coordinator.Coordinator) {
	fmt.Println("commands: signup <name> <number> <email> <password> | login <email> <password>")
	fmt.Println("          addchat <number> | open <chatId> | send <chatId> <text...> | close")
	fmt.Println("          state | logout | quit")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			continue
		}
		switch parts[0] {
		case "signup":
			if len(parts) != 5 {
				fmt.Println("usage: signup <name> <number> <email> <password>")
				continue
			}
			_ = c.SignUp(ctx, parts[1], parts[2], parts[3], parts[4])
		case "login":
			if len(parts) != 3 {
				fmt.Println("usage: login <email> <password>")
				continue
			}
			_ = c.SignIn(ctx, parts[1], parts[2])
		case "addchat":
			if len(parts) != 2 {
				fmt.Println("usage: addchat <number>")
				continue
			}
			_ = c.StartChat(ctx, parts[1])
		case "open":
			if len(parts) != 2 {
				fmt.Println("usage: open <chatId>")
				continue
			}
			_ = c.OpenChat(ctx, parts[1])
		case "send":
			if len(parts) < 3 {
				fmt.Println("usage: send <chatId> <text...>")
				continue
			}
			_ = c.SendMessage(ctx, parts[1], strings.Join(parts[2:], " "))
		case "close":
			c.CloseChat()
		case "logout":
			_ = c.SignOut(ctx)
		case "state":
			printState(c.State())
		case "quit":
			return
		default:
			fmt.Println("unknown command")
		}
		if msg, ok := c.NextEvent(); ok {
			fmt.Println("!", msg)
		}
	}
}

func printState(s coordinator.State) {
	fmt.Printf("signed in: %v, busy: %v\n", s.SignedIn, s.InProgress)
	if s.Profile != nil {
		fmt.Printf("profile: %s (%s)\n", s.Profile.Name, s.Profile.Number)
	}
	for _, chat := range s.Chats {
		var other string
		if s.Profile != nil {
			other = chat.Other(s.Profile.UserID).Name
		}
		fmt.Printf("chat %s with %s\n", chat.ChatID, other)
	}
	for _, m := range s.Messages {
		fmt.Printf("  [%d] %s: %s\n", m.SentAt, m.SentBy, m.Text)
	}
}
