package catalog

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/zulandar/signalbox/internal/logging"
)

// DefaultWatchSchedule checks moderation status every five minutes.
const DefaultWatchSchedule = "*/5 * * * *"

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateSchedule reports whether expr is a usable 5-field cron expression.
func ValidateSchedule(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("catalog: invalid watch schedule %q: %w", expr, err)
	}
	return nil
}

// StatusChange is a moderation status transition for one template language.
// From is empty for a template first seen after the baseline.
type StatusChange struct {
	Name     string
	Language string
	ID       string
	From     Status
	To       Status
	Reason   string // rejected_reason, when the Platform gives one
}

// Lister is the part of Manager the watcher needs.
type Lister interface {
	List(ctx context.Context) ([]Template, error)
}

type templateKey struct {
	name     string
	language string
}

// Watcher periodically lists templates and reports status transitions.
// The first check establishes a baseline and reports nothing.
type Watcher struct {
	lister   Lister
	schedule string
	onChange func(StatusChange)
	logger   *zap.Logger

	mu       sync.Mutex
	snapshot map[templateKey]Status
	seeded   bool
	cron     *cron.Cron
}

// WatcherOpts holds parameters for creating a Watcher.
type WatcherOpts struct {
	Lister   Lister
	Schedule string              // defaults to DefaultWatchSchedule
	OnChange func(StatusChange) // called once per transition, from the cron goroutine
	Logger   *zap.Logger
}

// NewWatcher creates a Watcher.
func NewWatcher(opts WatcherOpts) (*Watcher, error) {
	if opts.Lister == nil {
		return nil, fmt.Errorf("catalog: watcher: lister is required")
	}
	schedule := opts.Schedule
	if schedule == "" {
		schedule = DefaultWatchSchedule
	}
	if err := ValidateSchedule(schedule); err != nil {
		return nil, err
	}
	onChange := opts.OnChange
	if onChange == nil {
		onChange = func(StatusChange) {}
	}
	return &Watcher{
		lister:   opts.Lister,
		schedule: schedule,
		onChange: onChange,
		logger:   logging.OrNop(opts.Logger).Named("catalog.watcher"),
		snapshot: make(map[templateKey]Status),
	}, nil
}

// Check lists templates once and returns the transitions since the previous
// check. It does not call OnChange.
func (w *Watcher) Check(ctx context.Context) ([]StatusChange, error) {
	templates, err := w.lister.List(ctx)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	current := make(map[templateKey]Status, len(templates))
	var changes []StatusChange
	for _, t := range templates {
		k := templateKey{name: t.Name, language: t.Language}
		current[k] = t.Status
		prev, known := w.snapshot[k]
		if !w.seeded || (known && prev == t.Status) {
			continue
		}
		changes = append(changes, StatusChange{
			Name:     t.Name,
			Language: t.Language,
			ID:       t.ID,
			From:     prev,
			To:       t.Status,
			Reason:   t.RejectedReason,
		})
	}
	// Deleted templates drop out of the snapshot silently.
	w.snapshot = current
	w.seeded = true
	return changes, nil
}

// Seeded reports whether the baseline has been established.
func (w *Watcher) Seeded() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seeded
}

// Start seeds the baseline, then runs Check on the schedule until ctx is
// cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if _, err := w.Check(ctx); err != nil {
		w.logger.Warn("initial template check failed", zap.Error(err))
	}

	c := cron.New(cron.WithParser(cronParser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(w.schedule, func() { w.tick(ctx) }); err != nil {
		return fmt.Errorf("catalog: watcher: schedule: %w", err)
	}
	w.mu.Lock()
	w.cron = c
	w.mu.Unlock()
	c.Start()

	go func() {
		<-ctx.Done()
		w.Stop()
	}()
	w.logger.Info("template watcher started", zap.String("schedule", w.schedule))
	return nil
}

// Stop halts the schedule and waits for a running check to finish.
func (w *Watcher) Stop() {
	w.mu.Lock()
	c := w.cron
	w.cron = nil
	w.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

func (w *Watcher) tick(ctx context.Context) {
	changes, err := w.Check(ctx)
	if err != nil {
		w.logger.Warn("template check failed", zap.Error(err))
		return
	}
	for _, ch := range changes {
		w.logger.Info("template status changed",
			zap.String("template", ch.Name), zap.String("language", ch.Language),
			zap.String("from", string(ch.From)), zap.String("status", string(ch.To)))
		w.onChange(ch)
	}
}
