package main

import (
	"context"
	"log/slog"
	"time"
)

type check struct {
	name string
	run  func(ctx context.Context) error
}

// runChecks runs every check with its own timeout and returns how many failed.
func runChecks(ctx context.Context, timeout time.Duration, logger *slog.Logger, checks []check) int {
	failed := 0
	for _, c := range checks {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		err := c.run(cctx)
		cancel()
		if err != nil {
			failed++
			logger.Error("Check failed", "check", c.name, "error", err, "took", time.Since(start))
			continue
		}
		logger.Info("Check passed", "check", c.name, "took", time.Since(start))
	}
	return failed
}
