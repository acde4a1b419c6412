// Package worker drives the ingestion scheduler: a single cooperative loop
// which claims queue entries from the shared store, dispatches them to the
// per-source processors, and applies the fault-tolerance policies (weighted
// fair sharing, stale-lock reaping, and the adaptive pause on upstream
// instability). All durable state lives in the store, so any number of
// worker processes may run the same loop concurrently.
package worker

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"

	"github.com/HaggiTlahuisca/jurisprudencia/go/fetch"
	"github.com/HaggiTlahuisca/jurisprudencia/go/queue"
	"github.com/HaggiTlahuisca/jurisprudencia/go/store"
)

const (
	// reapEvery is the loop period, in iterations, of stale-lock reaping.
	reapEvery = 200
	// throughputWindow is the number of recent successful dispatches kept
	// for throughput logging.
	throughputWindow = 20
	// processedCacheSize bounds the cache of keys known to be ingested.
	processedCacheSize = 8192
)

// Store is the store surface the worker consumes.
type Store interface {
	ClaimNext(ctx context.Context, q queue.Name) (*queue.Entry, error)
	MarkCompleted(ctx context.Context, q queue.Name, registro string) error
	MarkError(ctx context.Context, q queue.Name, registro, msg string) error
	MarkDeferredOrUnavailable(ctx context.Context, q queue.Name, registro, msg string) error
	ReapStaleLocks(ctx context.Context, q queue.Name, olderThan time.Duration) (int64, error)
	UpsertArtifact(ctx context.Context, collection string, a *store.Artifact) error
	IsProcessed(ctx context.Context, collection, registro string) (bool, error)
}

var _ Store = (*store.Store)(nil)

// Fetcher fetches one upstream URL under the retry policy.
type Fetcher interface {
	FetchWithRetry(ctx context.Context, url string, policy fetch.RetryPolicy) (int, []byte, error)
}

// Embedder vectorizes one text, reporting ok=false on exhaustion.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, bool)
}

// Config of a Worker.
type Config struct {
	// PrimaryURLBase is the thesis endpoint prefix (trailing slash).
	PrimaryURLBase string
	// Retry policy applied to upstream fetches.
	Retry fetch.RetryPolicy
	// WeightPrimary and WeightSecondary shape the round-robin schedule.
	WeightPrimary   int
	WeightSecondary int
	// NormalPace is the sleep after each successful dispatch.
	NormalPace time.Duration
	// IdleSleep is the sleep when a claim returns nothing.
	IdleSleep time.Duration
	// LockStale is the claimed_at age beyond which a processing entry is
	// considered abandoned and reaped back to pending.
	LockStale time.Duration
	// MaxConsecErrors primary-upstream transients trip the global pause.
	MaxConsecErrors int
	// GlobalPause is the whole-loop sleep when the pause trips.
	GlobalPause time.Duration
	// VectorRangeOnly gates embedding of primary items on their year.
	VectorRangeOnly     bool
	YearMin             int
	YearMax             int
	VectorIfYearUnknown bool
}

// Worker owns the store handle, the configuration, the rolling throughput
// window, and the consecutive-upstream-error counter.
type Worker struct {
	store    Store
	fetcher  Fetcher
	embedder Embedder
	cfg      Config

	schedule  []queue.Name
	consec    int         // Consecutive primary upstream transients.
	window    []time.Time // Timestamps of recent successful dispatches.
	processed *lru.Cache[string, struct{}]

	// Injected for tests.
	sleep func(context.Context, time.Duration)
	now   func() time.Time
}

// New returns a Worker over |s|, |f| and |e|.
func New(s Store, f Fetcher, e Embedder, cfg Config) *Worker {
	if cfg.WeightPrimary <= 0 {
		cfg.WeightPrimary = 6
	}
	if cfg.WeightSecondary < 0 {
		cfg.WeightSecondary = 0
	}
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = time.Second
	}

	var schedule []queue.Name
	for i := 0; i < cfg.WeightPrimary; i++ {
		schedule = append(schedule, queue.Primary)
	}
	for i := 0; i < cfg.WeightSecondary; i++ {
		schedule = append(schedule, queue.Secondary)
	}

	var cache, _ = lru.New[string, struct{}](processedCacheSize)

	return &Worker{
		store:     s,
		fetcher:   f,
		embedder:  e,
		cfg:       cfg,
		schedule:  schedule,
		processed: cache,
		sleep:     sleepCtx,
		now:       time.Now,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

// Run drives the scheduler loop until |ctx| is cancelled. An in-flight
// dispatch always completes before cancellation is honored, so entries are
// not left in processing by a clean shutdown.
func (w *Worker) Run(ctx context.Context) error {
	log.WithFields(log.Fields{
		"schedule":  len(w.schedule),
		"wPrimary":  w.cfg.WeightPrimary,
		"wSecond":   w.cfg.WeightSecondary,
		"lockStale": w.cfg.LockStale,
	}).Info("starting worker loop")

	for i := 0; ; i++ {
		if ctx.Err() != nil {
			log.Info("worker loop stopped")
			return nil
		}
		if i%reapEvery == 0 {
			w.reapStaleLocks(ctx)
		}

		var q = w.schedule[i%len(w.schedule)]

		entry, err := w.store.ClaimNext(ctx, q)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.WithFields(log.Fields{"queue": q, "err": err}).Warn("claim failed")
			w.sleep(ctx, w.cfg.IdleSleep)
			continue
		}
		if entry == nil {
			w.sleep(ctx, w.cfg.IdleSleep)
			continue
		}
		claimsTotal.WithLabelValues(string(q)).Inc()

		var ok, transient bool
		switch q {
		case queue.Primary:
			ok, transient = w.processPrimary(ctx, entry)
		default:
			ok, transient = w.processSecondary(ctx, entry)
		}
		dispatchesTotal.WithLabelValues(string(q), outcomeLabel(ok, transient)).Inc()

		// The adaptive pause watches the rate-limited primary upstream only.
		if q == queue.Primary {
			if transient {
				w.consec++
			} else if ok {
				w.consec = 0
			}
		}
		if ok {
			w.observeDispatch()
		}

		if w.cfg.MaxConsecErrors > 0 && w.consec >= w.cfg.MaxConsecErrors {
			pausesTotal.Inc()
			log.WithFields(log.Fields{
				"consecutive": w.consec,
				"pause":       w.cfg.GlobalPause,
			}).Warn("upstream unstable, pausing worker loop")
			w.sleep(ctx, w.cfg.GlobalPause)
			w.consec = 0
		}

		w.sleep(ctx, w.cfg.NormalPace)
	}
}

func outcomeLabel(ok, transient bool) string {
	switch {
	case ok:
		return "ok"
	case transient:
		return "transient"
	default:
		return "failed"
	}
}

func (w *Worker) reapStaleLocks(ctx context.Context) {
	if w.cfg.LockStale <= 0 {
		return
	}
	for _, q := range []queue.Name{queue.Primary, queue.Secondary} {
		n, err := w.store.ReapStaleLocks(ctx, q, w.cfg.LockStale)
		if err != nil {
			log.WithFields(log.Fields{"queue": q, "err": err}).Warn("stale-lock reap failed")
			continue
		}
		if n > 0 {
			reapedTotal.WithLabelValues(string(q)).Add(float64(n))
			log.WithFields(log.Fields{"queue": q, "reclaimed": n}).Info("reaped stale locks")
		}
	}
}

// observeDispatch records a successful dispatch and logs throughput once
// the window holds enough samples.
func (w *Worker) observeDispatch() {
	w.window = append(w.window, w.now())
	if len(w.window) > throughputWindow {
		w.window = w.window[1:]
	}
	if len(w.window) >= 10 {
		var elapsed = w.window[len(w.window)-1].Sub(w.window[0]).Seconds()
		if elapsed > 0 {
			log.WithField("itemsPerSec", float64(len(w.window))/elapsed).
				Info("worker throughput")
		}
	}
}

// drain applies both the error diagnosis and the completion mark, removing
// the entry from the work set while keeping it counted as diagnosed.
func (w *Worker) drain(ctx context.Context, q queue.Name, registro, msg string) {
	if err := w.store.MarkError(ctx, q, registro, msg); err != nil {
		log.WithFields(log.Fields{"queue": q, "registro": registro, "err": err}).
			Warn("drain: mark error failed")
		return
	}
	if err := w.store.MarkCompleted(ctx, q, registro); err != nil {
		log.WithFields(log.Fields{"queue": q, "registro": registro, "err": err}).
			Warn("drain: mark completed failed")
	}
}
