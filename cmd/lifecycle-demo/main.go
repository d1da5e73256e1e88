// Package main runs a small HTTP service under a lifecycle Controller: configuration in setup, a
// listener, an optional Postgres pool, and a router in boot, and an orderly teardown on SIGINT or
// SIGTERM.
//
// Environment:
//
//	DEMO_ADDR     address to listen on (default ":8080")
//	DATABASE_URL  Postgres connection string; the database is skipped if unset
//	LIFECYCLE_*   controller configuration, see internal/config
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sharnoff/lifecycle"
)

type settings struct {
	Addr        string
	DatabaseURL string
}

func main() {
	c, err := lifecycle.NewFromEnv()
	if err != nil {
		log.Fatalf("Failed to initialize controller: %v", err)
	}

	register(c)

	c.SetFallback(func(ctx context.Context, fault any, _ lifecycle.Values, ch lifecycle.Channel) {
		lifecycle.LoggerFrom(ctx).Warn("received fault", "channel", string(ch), "fault", fmt.Sprint(fault))
	})

	if err := c.RunUp(context.Background(), serve(c)); err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	<-c.Done()
}

func register(c *lifecycle.Controller) {
	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}

	must(c.Register(lifecycle.Setup, lifecycle.Group{
		"settings": func(context.Context, lifecycle.Values) (any, error) {
			s := settings{Addr: os.Getenv("DEMO_ADDR"), DatabaseURL: os.Getenv("DATABASE_URL")}
			if s.Addr == "" {
				s.Addr = ":8080"
			}
			return s, nil
		},
	}))

	must(c.Register(lifecycle.Boot, lifecycle.Group{"db": connectDatabase}))
	// The listener is only opened once the pool is up: a failed sibling's result is dropped, so
	// a listener opened alongside a failing db would never be closed. If the listener fails
	// instead, shutdown still closes the pool. The server can't fail, so it's safe next to it.
	must(c.Register(lifecycle.Boot, lifecycle.Sequence{lifecycle.Group{
		"listener": func(_ context.Context, v lifecycle.Values) (any, error) {
			s, err := lifecycle.ValueAs[settings](v, "settings")
			if err != nil {
				return nil, err
			}
			return net.Listen("tcp", s.Addr)
		},
		"server": func(_ context.Context, v lifecycle.Values) (any, error) {
			pool, _ := v.Get("db").(*pgxpool.Pool)
			return &http.Server{
				Handler:           router(c, pool),
				ReadHeaderTimeout: 10 * time.Second,
			}, nil
		},
	}}))

	must(c.Register(lifecycle.Shutdown, lifecycle.Group{
		"server": func(ctx context.Context, v lifecycle.Values) (any, error) {
			server, ok := v.Get("server").(*http.Server)
			if !ok {
				return nil, nil
			}
			ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return nil, server.Shutdown(ctx)
		},
	}))
	// close the pool only once nothing is serving requests with it
	must(c.Register(lifecycle.Shutdown, lifecycle.Sequence{lifecycle.Group{
		"db": func(ctx context.Context, v lifecycle.Values) (any, error) {
			if pool, ok := v.Get("db").(*pgxpool.Pool); ok && pool != nil {
				pool.Close()
				lifecycle.LoggerFrom(ctx).Info("database pool closed")
			}
			return nil, nil
		},
	}}))
}

func connectDatabase(ctx context.Context, v lifecycle.Values) (any, error) {
	s, err := lifecycle.ValueAs[settings](v, "settings")
	if err != nil {
		return nil, err
	}
	if s.DatabaseURL == "" {
		lifecycle.LoggerFrom(ctx).Info("DATABASE_URL not set; running without a database")
		return (*pgxpool.Pool)(nil), nil
	}

	pool, err := pgxpool.New(ctx, s.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	lifecycle.LoggerFrom(ctx).Info("database connection established")
	return pool, nil
}

func router(c *lifecycle.Controller, pool *pgxpool.Pool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if pool != nil {
			if err := pool.Ping(r.Context()); err != nil {
				http.Error(w, "database unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/debug/tasks", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			ID      string             `json:"id"`
			State   string             `json:"state"`
			Running lifecycle.TaskTree `json:"running"`
		}{c.ID(), c.State().String(), c.Running()})
	})
	return r
}

func serve(c *lifecycle.Controller) lifecycle.UpEntrypoint {
	return func(ctx context.Context, v lifecycle.Values) error {
		server, err := lifecycle.ValueAs[*http.Server](v, "server")
		if err != nil {
			return err
		}
		listener, err := lifecycle.ValueAs[net.Listener](v, "listener")
		if err != nil {
			return err
		}

		lifecycle.LoggerFrom(ctx).Info("serving", slog.String("addr", listener.Addr().String()))
		c.Go(ctx, "http", func(context.Context) error {
			if err := server.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		return nil
	}
}
