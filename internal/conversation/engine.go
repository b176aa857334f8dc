package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zulandar/signalbox/internal/logging"
)

// DefaultPollInterval is how often a subscription polls its Source.
const DefaultPollInterval = 3 * time.Second

// ErrStopped is returned by operations on a stopped Subscription.
var ErrStopped = errors.New("conversation: subscription stopped")

// Source delivers the conversation feed of a business number and accepts
// response-mode changes. The Source is the single source of truth for modes.
type Source interface {
	Fetch(ctx context.Context, businessNumber string) ([]Chat, error)
	SetResponseMode(ctx context.Context, businessNumber, conversationID string, mode ResponseMode) error
}

// Update is published when a poll changes the snapshot. The first successful
// poll of a subscription is always published.
type Update struct {
	Snapshot        Snapshot
	UsersChanged    bool
	MessagesChanged bool
	ModesChanged    bool
}

// Stream is what consumers depend on. Polling Subscriptions implement it; a
// push-based transport could too.
type Stream interface {
	Updates() <-chan Update
	Snapshot() Snapshot
	SetResponseMode(ctx context.Context, conversationID string, mode ResponseMode) error
	Stop()
}

var _ Stream = (*Subscription)(nil)

// Engine starts and tracks subscriptions against one Source.
type Engine struct {
	source   Source
	interval time.Duration
	onChange func(prev, next Snapshot)
	logger   *zap.Logger

	mu   sync.Mutex
	subs map[string]*Subscription
}

// EngineOpts holds parameters for creating an Engine.
type EngineOpts struct {
	Source   Source
	Interval time.Duration // defaults to DefaultPollInterval
	// OnChange, when set, runs after every published update with the
	// replaced and the new snapshot.
	OnChange func(prev, next Snapshot)
	Logger   *zap.Logger
}

// NewEngine creates an Engine.
func NewEngine(opts EngineOpts) (*Engine, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("conversation: source is required")
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Engine{
		source:   opts.Source,
		interval: interval,
		onChange: opts.OnChange,
		logger:   logging.OrNop(opts.Logger).Named("conversation"),
		subs:     make(map[string]*Subscription),
	}, nil
}

// Subscribe validates businessNumber and starts polling it. The first poll
// runs immediately. The subscription ends when ctx is cancelled or Stop is
// called. Subscriptions are independent, even for the same number.
func (e *Engine) Subscribe(ctx context.Context, businessNumber string) (*Subscription, error) {
	if err := ValidateBusinessNumber(businessNumber); err != nil {
		return nil, err
	}
	subCtx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		ID:      uuid.NewString(),
		number:  businessNumber,
		engine:  e,
		ctx:     subCtx,
		cancel:  cancel,
		updates: make(chan Update, 1),
		done:    make(chan struct{}),
		snap:    Derive(businessNumber, nil),
	}
	s.logger = e.logger.With(zap.String("business_number", businessNumber), zap.String("subscription", s.ID))

	e.mu.Lock()
	e.subs[s.ID] = s
	e.mu.Unlock()

	go s.run(e.interval)
	s.logger.Info("subscription started", zap.Duration("interval", e.interval))
	return s, nil
}

// Poll fetches and derives one snapshot without a subscription.
func (e *Engine) Poll(ctx context.Context, businessNumber string) (Snapshot, error) {
	if err := ValidateBusinessNumber(businessNumber); err != nil {
		return Snapshot{}, err
	}
	chats, err := e.source.Fetch(ctx, businessNumber)
	if err != nil {
		return Snapshot{}, fmt.Errorf("conversation: fetch %s: %w", businessNumber, err)
	}
	snap := Derive(businessNumber, chats)
	snap.PolledAt = time.Now().UTC()
	return snap, nil
}

// SetResponseMode asks the Source to change a conversation's mode. Local
// snapshots are not touched; the next poll reflects the Source's state.
func (e *Engine) SetResponseMode(ctx context.Context, businessNumber, conversationID string, mode ResponseMode) error {
	if err := ValidateBusinessNumber(businessNumber); err != nil {
		return err
	}
	if strings.TrimSpace(conversationID) == "" {
		return fmt.Errorf("conversation: conversation id is required")
	}
	if _, err := ParseMode(string(mode)); err != nil {
		return err
	}
	if err := e.source.SetResponseMode(ctx, businessNumber, conversationID, mode); err != nil {
		return fmt.Errorf("conversation: set response mode %s/%s: %w", businessNumber, conversationID, err)
	}
	e.logger.Info("response mode changed",
		zap.String("business_number", businessNumber), zap.String("conversation", conversationID), zap.String("mode", string(mode)))
	return nil
}

// Subscriptions returns the number of active subscriptions.
func (e *Engine) Subscriptions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

// Close stops every subscription.
func (e *Engine) Close() {
	e.mu.Lock()
	subs := make([]*Subscription, 0, len(e.subs))
	for _, s := range e.subs {
		subs = append(subs, s)
	}
	e.mu.Unlock()
	for _, s := range subs {
		s.Stop()
	}
}

func (e *Engine) forget(id string) {
	e.mu.Lock()
	delete(e.subs, id)
	e.mu.Unlock()
}

// Subscription polls one business number. Its cycles never overlap.
type Subscription struct {
	ID string

	number string
	engine *Engine
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	cycleMu sync.Mutex // serializes poll cycles

	mu      sync.Mutex
	snap    Snapshot
	seeded  bool
	stopped bool
	closed  bool
	updates chan Update
}

// BusinessNumber returns the subscribed number.
func (s *Subscription) BusinessNumber() string { return s.number }

// Updates delivers changes. It holds at most one pending update; a slow
// reader sees the latest state, not every intermediate one. The channel is
// closed once the subscription stops.
func (s *Subscription) Updates() <-chan Update { return s.updates }

// Done is closed when the polling goroutine has exited.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Snapshot returns a copy of the current state.
func (s *Subscription) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Clone()
}

// SetResponseMode changes a conversation's mode through the engine.
func (s *Subscription) SetResponseMode(ctx context.Context, conversationID string, mode ResponseMode) error {
	if s.ctx.Err() != nil {
		return ErrStopped
	}
	return s.engine.SetResponseMode(ctx, s.number, conversationID, mode)
}

// PollNow runs one cycle synchronously, waiting for any running cycle first.
func (s *Subscription) PollNow(ctx context.Context) error {
	if s.ctx.Err() != nil {
		return ErrStopped
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()
	return s.cycle(ctx)
}

// Stop cancels polling. A fetch already in flight is abandoned and its
// result discarded; once Stop returns no further update is published.
// Stop is safe to call more than once.
func (s *Subscription) Stop() {
	s.cancel()
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

func (s *Subscription) run(interval time.Duration) {
	defer close(s.done)
	defer s.engine.forget(s.ID)
	defer s.closeUpdates()

	s.cycle(s.ctx)

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			s.logger.Info("subscription stopped")
			return
		case <-t.C:
			s.cycle(s.ctx)
		}
	}
}

func (s *Subscription) cycle(ctx context.Context) error {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	chats, err := s.engine.source.Fetch(ctx, s.number)

	s.mu.Lock()
	if s.stopped || s.closed || s.ctx.Err() != nil {
		s.mu.Unlock()
		return ErrStopped
	}
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn("poll failed", zap.Error(err))
		return fmt.Errorf("conversation: fetch %s: %w", s.number, err)
	}
	next := Derive(s.number, chats)
	next.PolledAt = time.Now().UTC()
	prev := s.snap
	diff := Compare(prev, next)
	if s.seeded && !diff.Changed() {
		s.mu.Unlock()
		return nil
	}
	s.snap = next
	s.seeded = true
	s.publish(Update{
		Snapshot:        next.Clone(),
		UsersChanged:    diff.Users,
		MessagesChanged: diff.Messages,
		ModesChanged:    diff.Modes,
	})
	s.mu.Unlock()

	s.logger.Debug("snapshot updated",
		zap.Int("conversations", len(next.Conversations)),
		zap.Bool("users_changed", diff.Users), zap.Bool("messages_changed", diff.Messages), zap.Bool("modes_changed", diff.Modes))
	if s.engine.onChange != nil && s.ctx.Err() == nil {
		s.engine.onChange(prev.Clone(), next.Clone())
	}
	return nil
}

// publish replaces any unread update with u. Callers hold s.mu.
func (s *Subscription) publish(u Update) {
	select {
	case <-s.updates:
	default:
	}
	s.updates <- u
}

func (s *Subscription) closeUpdates() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	close(s.updates)
}
