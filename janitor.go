package filecache

import (
	"context"
	"sync"
	"time"
)

// janitor runs Prune on a fixed interval until stopped.
type janitor struct {
	ticker *time.Ticker
	stopCh chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func startJanitor(s *store, every time.Duration) *janitor {
	ctx, cancel := context.WithCancel(context.Background())
	j := &janitor{
		ticker: time.NewTicker(every),
		stopCh: make(chan struct{}),
		cancel: cancel,
	}
	j.wg.Add(1)
	go j.loop(ctx, s)
	return j
}

func (j *janitor) loop(ctx context.Context, s *store) {
	defer j.wg.Done()
	for {
		select {
		case <-j.ticker.C:
			if !s.Prune(ctx) {
				s.log.Warn("scheduled prune incomplete", Fields{"root": s.root})
			}
		case <-j.stopCh:
			return
		}
	}
}

// stop interrupts a running Prune and waits for the loop to exit.
func (j *janitor) stop() {
	close(j.stopCh)
	j.ticker.Stop() // stop ticker before waiting
	j.cancel()
	j.wg.Wait()
}
