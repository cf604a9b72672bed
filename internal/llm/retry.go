package llm

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	maxRetries     = 10
	initialBackoff = 2 * time.Second
	maxBackoff     = 60 * time.Second
	jitterCeiling  = 1000 // milliseconds
)

// Retryable reports whether an error indicates rate limiting, quota
// exhaustion, or temporary unavailability. Anything else is fatal to the
// current stage.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"429", "503", "504", "quota", "exhausted", "too many requests"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// backoffDelay computes the wait before retry attempt n (1-based):
// exponential from initialBackoff, capped at maxBackoff, plus jitter to
// desynchronize retries.
func backoffDelay(attempt int) time.Duration {
	delay := initialBackoff << (attempt - 1)
	if delay > maxBackoff || delay <= 0 {
		delay = maxBackoff
	}
	return delay + time.Duration(rand.Intn(jitterCeiling))*time.Millisecond
}

// CallWithRetry executes op, retrying transient failures with exponential
// backoff. Non-retryable errors propagate immediately; exhausting the retry
// budget converts to a terminal error. Each retry emits a structured log
// entry for operator visibility.
func CallWithRetry(ctx context.Context, logger *zap.Logger, label string, op func(context.Context) (*Result, error)) (*Result, error) {
	attempt := 0
	for {
		res, err := op(ctx)
		if err == nil {
			return res, nil
		}
		if !Retryable(err) {
			return nil, err
		}
		attempt++
		if attempt > maxRetries {
			return nil, fmt.Errorf("%s: all %d retries exhausted: %w", label, maxRetries, err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		delay := backoffDelay(attempt)
		if logger != nil {
			logger.Warn("transient model failure, backing off",
				zap.String("stage", label),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", maxRetries),
				zap.Duration("delay", delay),
				zap.String("error", err.Error()))
		}
		time.Sleep(delay)
	}
}
