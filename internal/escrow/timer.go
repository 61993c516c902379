package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically scans for transactions whose review window has expired
// and auto-releases them to the seller.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new auto-release timer.
func NewTimer(service *Service, store Store, logger *slog.Logger) *Timer {
	return &Timer{
		service:  service,
		store:    store,
		interval: 30 * time.Second,
		logger:   logger,
		// Buffered so a Stop during a sweep is not dropped.
		stop: make(chan struct{}, 1),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the auto-release loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeReleaseExpired(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeReleaseExpired(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in auto-release timer", "panic", fmt.Sprint(r))
		}
	}()
	t.releaseExpired(ctx)
}

func (t *Timer) releaseExpired(ctx context.Context) {
	expired, err := t.store.ListReviewExpired(ctx, time.Now(), 100)
	if err != nil {
		t.logger.Warn("failed to list expired review windows", "error", err)
		return
	}

	for _, txn := range expired {
		_, err := t.service.AutoRelease(ctx, txn.ID)
		if err != nil {
			// A buyer review or a second timer pass can win the race;
			// the re-read under lock turns that into ErrInvalidState.
			if errors.Is(err, ErrInvalidState) {
				continue
			}
			t.logger.Warn("failed to auto-release transaction",
				"transactionId", txn.ID,
				"error", err,
			)
			continue
		}
		t.logger.Info("auto-released transaction",
			"transactionId", txn.ID,
			"buyer", txn.BuyerID,
			"seller", txn.SellerID,
			"totalCents", txn.TotalCents,
		)
	}
}
