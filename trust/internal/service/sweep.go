package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ssdp-platform/trust/common/logging"
	"github.com/ssdp-platform/trust/trust/internal/models"
)

// DefaultVerifyInterval is used when no sweep interval is configured.
const DefaultVerifyInterval = time.Hour

// RunIntegritySweep verifies the whole audit log on start and then every
// interval until ctx is cancelled. Failures are alerted by VerifyAll itself.
func (r *Runtime) RunIntegritySweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultVerifyInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("integrity sweep started", slog.Duration("interval", interval))
	r.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("integrity sweep stopped")
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Runtime) sweep(ctx context.Context) {
	start := time.Now()
	index, ok, err := r.Service.VerifyAll(ctx)

	var ierr *models.IntegrityError
	switch {
	case errors.As(err, &ierr):
		r.logger.Error("audit log integrity violated",
			logging.EntryID(ierr.EntryID),
			slog.Int("index", index),
		)
	case err != nil:
		if ctx.Err() == nil {
			r.logger.Warn("integrity sweep failed", logging.Error(err))
		}
	case ok:
		r.logger.Debug("integrity sweep passed",
			slog.Duration("took", time.Since(start)),
			slog.Int("spooled", r.Writer.SpoolLen()),
		)
	}
}
