package frpauth

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// DefaultDebounce is the minimum time between two applied reloads.
const DefaultDebounce = 500 * time.Millisecond

// Reload triggers, used for logging and metrics labels.
const (
	TriggerStartup = "startup"
	TriggerFile    = "file"
	TriggerSignal  = "signal"
	TriggerAdmin   = "admin"
)

// ReloadResult describes what a call to Reload did.
type ReloadResult int

const (
	// ReloadApplied means a new Configuration was installed.
	ReloadApplied ReloadResult = iota

	// ReloadSkippedBusy means another reload was in progress.
	ReloadSkippedBusy

	// ReloadSkippedDebounce means the previous reload finished too recently.
	ReloadSkippedDebounce

	// ReloadFailed means the document could not be loaded; the active
	// Configuration is unchanged.
	ReloadFailed
)

func (r ReloadResult) String() string {
	switch r {
	case ReloadApplied:
		return "applied"
	case ReloadSkippedBusy:
		return "skipped_busy"
	case ReloadSkippedDebounce:
		return "skipped_debounce"
	case ReloadFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Reloader is the single reload path shared by the file watcher, SIGHUP and
// the admin API. At most one reload runs at a time; a request that arrives
// while one is running is dropped rather than queued.
type Reloader struct {
	// Path is the policy document to load.
	Path string

	// Store receives each successfully loaded Configuration.
	Store *Store

	// Debounce suppresses reloads that start less than this long after the
	// previous applied reload finished. Zero disables it.
	Debounce time.Duration

	// Logger for reload events.
	Logger *slog.Logger

	// Metrics, if set, records every attempt.
	Metrics *Metrics

	// OnReload is called after a Configuration has been installed.
	OnReload func(cfg *Configuration)

	// NowFunc returns the current time. Defaults to time.Now.
	// Exposed for testing.
	NowFunc func() time.Time

	mu   sync.Mutex
	last time.Time
}

// NewReloader creates a Reloader for the policy document at path.
func NewReloader(path string, store *Store) *Reloader {
	return &Reloader{
		Path:     path,
		Store:    store,
		Debounce: DefaultDebounce,
		Logger:   slog.Default(),
	}
}

func (r *Reloader) now() time.Time {
	if r.NowFunc != nil {
		return r.NowFunc()
	}
	return time.Now()
}

// Reload loads the policy document and installs it. Failure leaves the
// active Configuration in place and is reported through the returned error.
func (r *Reloader) Reload(trigger string) (ReloadResult, error) {
	if !r.mu.TryLock() {
		r.Logger.Debug("reload already in progress, skipping", "trigger", trigger)
		r.record(trigger, ReloadSkippedBusy)
		return ReloadSkippedBusy, nil
	}
	defer r.mu.Unlock()

	start := r.now()
	if !r.last.IsZero() && r.Debounce > 0 && start.Sub(r.last) < r.Debounce {
		r.Logger.Debug("reload debounced", "trigger", trigger, "since_last", start.Sub(r.last))
		r.record(trigger, ReloadSkippedDebounce)
		return ReloadSkippedDebounce, nil
	}

	cfg, err := r.Store.Load(r.Path)
	if err != nil {
		r.Logger.Error("reload failed", "trigger", trigger, "path", r.Path, "error", err)
		r.record(trigger, ReloadFailed)
		return ReloadFailed, err
	}

	r.Store.Replace(cfg)
	r.last = r.now()

	r.Logger.Info("config reloaded",
		"trigger", trigger,
		"path", r.Path,
		"users", cfg.UserIDs(),
		"generation", r.Store.Generation(),
		"duration", r.last.Sub(start),
	)
	r.record(trigger, ReloadApplied)
	if r.Metrics != nil {
		r.Metrics.SetConfigInfo(cfg.Len(), r.Store.Generation())
	}
	if r.OnReload != nil {
		r.OnReload(cfg)
	}
	return ReloadApplied, nil
}

func (r *Reloader) record(trigger string, result ReloadResult) {
	if r.Metrics != nil {
		r.Metrics.RecordReload(trigger, result)
	}
}

// SIGHUPReloader watches for SIGHUP signals and reloads the policy.
// Call Cancel to stop watching.
type SIGHUPReloader struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops the SIGHUP watcher.
func (s *SIGHUPReloader) Cancel() {
	s.cancel()
	<-s.done
}

// WatchSIGHUP starts a goroutine that calls r.Reload on every SIGHUP.
func WatchSIGHUP(r *Reloader, logger *slog.Logger) *SIGHUPReloader {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)

	go func() {
		defer close(done)
		defer signal.Stop(sigCh)

		for {
			select {
			case <-ctx.Done():
				return
			case <-sigCh:
				logger.Info("received SIGHUP, reloading...")
				// Reload logs its own outcome.
				_, _ = r.Reload(TriggerSignal)
			}
		}
	}()

	return &SIGHUPReloader{cancel: cancel, done: done}
}
