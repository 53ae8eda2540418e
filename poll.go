package credits

import (
	"context"
	"fmt"
	"time"

	"github.com/inspect360/credits/checkout"
)

// PollConfig bounds AwaitSession. Zero fields use the defaults.
type PollConfig struct {
	Attempts int           `json:"attempts" mapstructure:"attempts" yaml:"attempts"`
	Interval time.Duration `json:"interval" mapstructure:"interval" yaml:"interval"`
}

// DefaultPollConfig is ten attempts two seconds apart.
func DefaultPollConfig() PollConfig {
	return PollConfig{Attempts: 10, Interval: 2 * time.Second}
}

func (c PollConfig) withDefaults() PollConfig {
	d := DefaultPollConfig()
	if c.Attempts <= 0 {
		c.Attempts = d.Attempts
	}
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	return c
}

// AwaitSession reconciles sessionID at a fixed interval until it reaches a
// terminal state, the attempts run out or ctx is done. Provider outages are
// retried; an unknown session is not. When the attempts run out the last
// result is returned together with ErrStillProcessing so the caller can
// show a "still processing" state instead of an error.
func (e *Engine) AwaitSession(ctx context.Context, sessionID string, cfg PollConfig) (*checkout.Result, error) {
	if cfg.Attempts <= 0 && cfg.Interval <= 0 {
		cfg = e.poll
	}
	cfg = cfg.withDefaults()

	last := &checkout.Result{SessionID: sessionID, Status: checkout.StatusProcessing}
	var lastErr error

	for attempt := 1; ; attempt++ {
		res, err := e.Reconcile(ctx, sessionID)
		switch {
		case err == nil:
			if res.Processed || res.Status.Terminal() {
				return res, nil
			}
			last, lastErr = res, nil
		case IsRetryable(err):
			lastErr = err
		default:
			return nil, err
		}

		if attempt >= cfg.Attempts {
			break
		}

		timer := time.NewTimer(cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return last, ctx.Err()
		case <-timer.C:
		}
	}

	e.logger.Info("checkout session still processing",
		"session_id", sessionID,
		"attempts", cfg.Attempts,
		"last_error", lastErr,
	)
	return last, fmt.Errorf("%w: %d attempts", ErrStillProcessing, cfg.Attempts)
}
