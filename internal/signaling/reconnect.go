package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/postalsys/deskline/internal/logging"
)

// ReconnectPolicy is a bounded exponential backoff for re-dialing the relay.
// A disabled policy surfaces the first failure to the caller.
type ReconnectPolicy struct {
	Enabled      bool
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64
	MaxAttempts  int
}

// DefaultReconnectPolicy is the agent host's policy.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Enabled:      true,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
		MaxAttempts:  10,
	}
}

// Delay returns the un-jittered delay before retry number attempt (0-indexed).
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return p.InitialDelay
	}

	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

// jittered spreads d by up to ±Jitter of its value.
func (p ReconnectPolicy) jittered(d time.Duration) time.Duration {
	if p.Jitter <= 0 {
		return d
	}
	spread := float64(d) * p.Jitter
	result := time.Duration(float64(d) + (rand.Float64()*2-1)*spread)
	if result < 0 {
		return d
	}
	return result
}

// Run keeps a relay connection alive until ctx is cancelled, re-dialing
// under cfg.Reconnect. Events.OnOpen and Events.OnClosed run once per
// connection. Run returns nil when a connection is closed deliberately,
// ctx.Err() on cancellation, and the last error when retries are exhausted.
func Run(ctx context.Context, cfg Config, events Events, logger *slog.Logger) error {
	policy := cfg.Reconnect
	if cfg.SenderID == "" {
		cfg.SenderID = uuid.NewString()
	}
	logger = logging.Component(logger, "signaling")

	attempt := 0
	for {
		c, err := Dial(ctx, cfg, events, logger)
		if err == nil {
			attempt = 0
			select {
			case <-ctx.Done():
				c.Close()
				<-c.Done()
				return ctx.Err()
			case <-c.Done():
			}
			if err = c.Err(); err == nil {
				return nil
			}
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !policy.Enabled {
			return err
		}
		if attempt >= policy.MaxAttempts {
			return fmt.Errorf("signaling relay unreachable after %d attempts: %w", attempt, err)
		}

		delay := policy.jittered(policy.Delay(attempt))
		attempt++
		if cfg.Metrics != nil {
			cfg.Metrics.SignalingReconnect.Inc()
		}
		logger.Info("reconnecting to relay",
			logging.KeyAttempt, attempt,
			logging.KeyDuration, delay,
			logging.KeyError, err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
