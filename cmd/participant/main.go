// Command participant is a headless simulated subject. It observes a
// running taskswitch server, decides with the participant model, and
// responds through the public response endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/talgya/taskswitch/internal/config"
	"github.com/talgya/taskswitch/internal/engine"
	"github.com/talgya/taskswitch/internal/entropy"
	"github.com/talgya/taskswitch/internal/participant"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Configuration from environment; model parameters from the shared config file.
	apiURL := envOrDefault("TASKSWITCH_API_URL", "http://localhost:8080")
	controlKey := os.Getenv("TASKSWITCH_CONTROL_KEY")
	trials := envIntOrDefault("PARTICIPANT_TRIALS", 200)
	startSession := os.Getenv("PARTICIPANT_START") == "1"

	cfg, err := config.Load(envOrDefault("TASKSWITCH_CONFIG", "taskswitch.yaml"))
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	slog.Info("participant starting",
		"api_url", apiURL,
		"trials", trials,
		"lapse", cfg.Participant.Lapse,
		"slope", cfg.Participant.Slope,
	)

	observer := participant.NewObserver(apiURL)
	actor := participant.NewActor(apiURL, controlKey)
	pt := participant.New(cfg.Participant, entropy.New(cfg.Seed), time.Now().UnixNano())

	slog.Info("waiting for taskswitch API...")
	waitForAPI(apiURL)

	if startSession {
		id, err := actor.Start(sessionFromEnv(cfg.Session))
		if err != nil {
			slog.Error("failed to start session", "error", err)
			os.Exit(1)
		}
		slog.Info("session started", "session", id)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	remote := &participant.Remote{
		Observer:    observer,
		Actor:       actor,
		Participant: pt,
		Poll:        25 * time.Millisecond,
	}
	n, err := remote.Run(ctx, trials)
	switch {
	case errors.Is(err, context.Canceled):
		slog.Info("received signal, shutting down")
	case err != nil:
		slog.Error("participant failed", "error", err, "accepted", n)
		os.Exit(1)
	}

	fmt.Printf("Participant finished: %d responses accepted.\n", n)
}

// sessionFromEnv overrides the configured session mode with PARTICIPANT_MODE.
func sessionFromEnv(s engine.Config) engine.Config {
	if v := os.Getenv("PARTICIPANT_MODE"); v != "" {
		s.Mode = engine.Mode(v)
	}
	return s
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// waitForAPI polls the status endpoint with exponential backoff until it
// responds. Exits after 2 minutes if the API never becomes ready.
func waitForAPI(apiURL string) {
	backoff := 500 * time.Millisecond
	maxBackoff := 10 * time.Second
	deadline := time.Now().Add(2 * time.Minute)

	for {
		resp, err := http.Get(apiURL + "/api/v1/status")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				slog.Info("taskswitch API is ready")
				return
			}
		}
		if time.Now().After(deadline) {
			slog.Error("taskswitch API did not become ready within 2 minutes")
			os.Exit(1)
		}
		slog.Info("taskswitch not ready, retrying...", "backoff", backoff)
		time.Sleep(backoff)
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
