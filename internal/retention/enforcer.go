package retention

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// DefaultLimit bounds one purge run when the trigger supplies no limit.
const DefaultLimit = 500

var errMissingPurger = errors.New("retention: submission purger is required")

// Purger is the slice of the submission store the enforcer drives.
type Purger interface {
	PurgeExpired(ctx context.Context, limit int) (int, error)
}

// Enforcer runs retention purges on demand. It holds no schedule of its own;
// the HTTP trigger or the loop runner decides when a run happens.
type Enforcer struct {
	purger Purger
	logger *zap.Logger
}

// NewEnforcer constructs an Enforcer.
func NewEnforcer(purger Purger, logger *zap.Logger) (*Enforcer, error) {
	if purger == nil {
		return nil, errMissingPurger
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enforcer{purger: purger, logger: logger}, nil
}

// RunOnce purges up to limit expired submissions and returns the number
// deleted. A non-positive limit selects DefaultLimit.
func (e *Enforcer) RunOnce(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	deleted, err := e.purger.PurgeExpired(ctx, limit)
	if err != nil {
		e.logger.Error("retention run failed", zap.Int("limit", limit), zap.Error(err))
		return 0, err
	}
	if deleted > 0 {
		e.logger.Info("retention run completed", zap.Int("deleted", deleted), zap.Int("limit", limit))
	}
	return deleted, nil
}
