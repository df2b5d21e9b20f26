package main

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type uploadExpirer interface {
	ExpireStale() int
}

type sweepTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) sweepTicker

func startExpirySweeper(ctx context.Context, logger *slog.Logger, uploads uploadExpirer, interval time.Duration) func() {
	return startExpirySweeperWithTicker(ctx, logger, uploads, interval, func(d time.Duration) sweepTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startExpirySweeperWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	uploads uploadExpirer,
	interval time.Duration,
	newTicker tickerFactory,
) func() {
	if uploads == nil || interval <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				if count := uploads.ExpireStale(); count > 0 && logger != nil {
					logger.Debug("upload sweep finished", "expired", count)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
