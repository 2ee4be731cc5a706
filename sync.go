package regtest

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

// RetryPolicy bounds a polling loop: at most Attempts checks, Interval apart.
type RetryPolicy struct {
	Attempts int
	Interval time.Duration
}

// Poll calls cond until it returns true or the attempts are used up, in which
// case ErrNotConverged is returned. A policy with no attempts checks once.
func (p RetryPolicy) Poll(cond func() bool) error {
	return p.poll(time.Sleep, cond)
}

// poll is Poll with the wait between attempts done by sleep.
func (p RetryPolicy) poll(sleep func(time.Duration), cond func() bool) error {
	retries := 0
	if p.Attempts > 1 {
		retries = p.Attempts - 1
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Interval), uint64(retries))

	return backoff.RetryNotifyWithTimer(func() error {
		if cond() {
			return nil
		}
		return ErrNotConverged
	}, b, nil, newSleepTimer(sleep))
}

// sleepTimer is a backoff.Timer that blocks in Start instead of arming a
// runtime timer, so the waits go through an injectable sleeper.
type sleepTimer struct {
	sleep func(time.Duration)
	c     chan time.Time
}

func newSleepTimer(sleep func(time.Duration)) *sleepTimer {
	return &sleepTimer{sleep: sleep, c: make(chan time.Time, 1)}
}

func (t *sleepTimer) Start(d time.Duration) {
	t.sleep(d)
	t.c <- time.Now()
}

func (t *sleepTimer) Stop() {}

func (t *sleepTimer) C() <-chan time.Time {
	return t.c
}

// Sync waits for w to catch up with the chain tip. The wallet counts as
// synced once it has a positive spendable balance and, when the node reports
// it, its last processed block is at or above the chain height.
//
// Polling waits go through the sleeper set by WithSleeper. When the polling
// budget from Config.Sync runs out a warning is logged, a
// rescan is forced and Sync waits Config.RescanDelay. A failed rescan is only
// logged.
//
// Returns:
//   - bool: true if the wallet converged while polling
func (rt *Regtest) Sync(w *Wallet) bool {
	policy := rt.cfg.Sync
	err := policy.poll(rt.wait, func() bool {
		return rt.walletCaughtUp(w)
	})
	if err == nil {
		return true
	}

	logger := log.WithField("wallet", w.Name())
	logger.WithError(&SyncTimeoutError{
		Wallet:   w.Name(),
		Attempts: policy.Attempts,
		Err:      err,
	}).Warn("wallet sync timed out, forcing rescan")

	if _, err := w.Rescan(); err != nil {
		logger.WithError(err).Warn("rescan failed")
	}
	rt.wait(rt.cfg.RescanDelay)
	return false
}

// walletCaughtUp treats query errors as not converged.
func (rt *Regtest) walletCaughtUp(w *Wallet) bool {
	balance, err := w.Balance()
	if err != nil || !balance.IsPositive() {
		return false
	}

	info, err := w.Info()
	if err != nil {
		return false
	}
	if info.LastProcessedBlock == nil {
		return true
	}

	chain, err := rt.BlockchainInfo()
	if err != nil {
		return false
	}
	return info.LastProcessedBlock.Height >= chain.Blocks
}
