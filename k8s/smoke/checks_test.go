package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRunChecksCountsFailures(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var ran []string
	failed := runChecks(context.Background(), 50*time.Millisecond, logger, []check{
		{"ok", func(ctx context.Context) error { ran = append(ran, "ok"); return nil }},
		{"broken", func(ctx context.Context) error { ran = append(ran, "broken"); return errors.New("down") }},
		{"slow", func(ctx context.Context) error {
			ran = append(ran, "slow")
			<-ctx.Done()
			return ctx.Err()
		}},
	})
	assert.Equal(t, 2, failed)
	assert.Equal(t, []string{"ok", "broken", "slow"}, ran)
}
