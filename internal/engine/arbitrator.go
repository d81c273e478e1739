package engine

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/Martin-Hayot/auction-engine/internal/metrics"
	"github.com/Martin-Hayot/auction-engine/internal/ratelimit"
	"github.com/Martin-Hayot/auction-engine/pkg/errors"
	"github.com/Martin-Hayot/auction-engine/pkg/types"
)

// arbitrator admits bids: argument checks and rate limiting happen here, price and status
// checks happen serialized on the session machine.
type arbitrator struct {
	reg     *registry
	limiter ratelimit.Limiter
	cfg     Config
	metrics *metrics.Metrics
}

func (a *arbitrator) submit(ctx context.Context, sessionID, userID string, amount int64) (accepted types.BidAccepted, err error) {
	started := time.Now()
	defer func() {
		result := "accepted"
		if err != nil {
			result = strings.ToLower(errors.Reason(errors.CodeOf(err)))
		}
		a.metrics.ObserveBid(result, started)
	}()

	if sessionID == "" || userID == "" {
		return types.BidAccepted{}, errors.New(errors.ErrInvalidArgument, "Session and user are required")
	}
	if amount <= 0 {
		return types.BidAccepted{}, errors.New(errors.ErrInvalidArgument, "Bid amount must be positive").
			WithMeta("amount", amount)
	}
	if err := a.admit(ctx, "bid", userID, sessionID, a.cfg.BidLimit, a.cfg.BidWindow); err != nil {
		return types.BidAccepted{}, err
	}

	for attempt := 0; ; attempt++ {
		m, err := a.reg.getOrCreate(ctx, sessionID)
		if err != nil {
			return types.BidAccepted{}, err
		}

		var bidErr error
		err = m.do(ctx, func() {
			accepted, bidErr = m.placeBid(userID, amount)
		})
		switch {
		case err == errMachineStopped && attempt == 0:
			continue
		case err == errMachineStopped:
			return types.BidAccepted{}, errors.Retryable(errors.ErrStoreUnavailable, "Session is reloading, retry", err)
		case err != nil:
			return types.BidAccepted{}, err
		}
		return accepted, bidErr
	}
}

// admit consumes one unit of the action's allowance. Limiter failures let the request through.
func (a *arbitrator) admit(ctx context.Context, action, userID, sessionID string, limit int, window time.Duration) error {
	res, err := a.limiter.CheckAndConsume(ctx, ratelimit.Key(action, userID, sessionID), limit, window)
	if err != nil {
		log.Warn("Rate limiter unavailable, allowing request", "action", action, "user", userID, "err", err)
		return nil
	}
	if res.Allowed {
		return nil
	}

	a.metrics.IncRateLimited(action)
	return errors.New(errors.ErrRateLimited, "Too many requests, slow down").
		WithMeta("remaining", res.Remaining).
		WithMeta("retryAfterMs", res.ResetAfter.Milliseconds())
}
