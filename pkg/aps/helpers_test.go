package aps

import (
	"context"
	"log/slog"
	"os"
)

// staticTokens hands out a fixed bearer token without touching the network.
type staticTokens struct{}

func (staticTokens) Token(context.Context) (string, error) {
	return "test-token", nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}
