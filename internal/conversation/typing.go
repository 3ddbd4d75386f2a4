package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"classchat/internal/bus"
	"classchat/internal/domain"
)

const (
	defaultTypingThrottle = 2 * time.Second
	defaultTypingExpiry   = 4 * time.Second
)

// TrackerConfig configures a typing Tracker.
type TrackerConfig struct {
	Backend      domain.Backend
	Bus          *bus.Bus
	Conversation string
	Identity     domain.Identity

	// Throttle is the minimum interval between outbound typing signals.
	// Zero means 2s.
	Throttle time.Duration

	// Expiry is how long a peer counts as typing after their last signal.
	// Zero means 4s.
	Expiry time.Duration

	Logger *slog.Logger
}

type peerTyping struct {
	name string
	last time.Time
}

// Tracker throttles outbound typing signals and aggregates inbound ones.
// Peers expire by elapsed time since their last signal; there is no explicit
// "stopped typing" event. The active set is derived on read, so it is always
// current even between bus updates.
type Tracker struct {
	backend      domain.Backend
	bus          *bus.Bus
	conversation string
	identity     domain.Identity
	expiry       time.Duration
	limiter      *rate.Limiter
	logger       *slog.Logger

	mu         sync.Mutex
	peers      map[string]peerTyping
	sweep      *time.Timer
	lastPhrase string
}

// NewTracker creates a Tracker.
func NewTracker(cfg TrackerConfig) *Tracker {
	throttle := cfg.Throttle
	if throttle <= 0 {
		throttle = defaultTypingThrottle
	}
	expiry := cfg.Expiry
	if expiry <= 0 {
		expiry = defaultTypingExpiry
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		backend:      cfg.Backend,
		bus:          cfg.Bus,
		conversation: cfg.Conversation,
		identity:     cfg.Identity,
		expiry:       expiry,
		limiter:      rate.NewLimiter(rate.Every(throttle), 1),
		logger:       logger,
		peers:        make(map[string]peerTyping),
	}
}

// Signal reports local typing activity. At most one signal per throttle
// interval goes out; the rest are dropped here. Delivery is best effort and
// failures are only logged.
func (tr *Tracker) Signal(ctx context.Context) {
	if !tr.limiter.Allow() {
		return
	}
	go func() {
		if err := tr.backend.Typing(ctx, tr.conversation); err != nil {
			tr.logger.Debug("typing signal failed", "conversation", tr.conversation, "error", err)
		}
	}()
}

// Observe records a peer's typing signal. The user's own echo is ignored. A
// bus.TypingUpdated update goes out whenever the rendered phrase changes,
// including later, when the peer expires without a further signal.
func (tr *Tracker) Observe(ev domain.TypingEvent) {
	if ev.UserID == "" || ev.UserID == tr.identity.UserID {
		return
	}
	name := ev.UserName
	if name == "" {
		name = ev.UserID
	}
	tr.mu.Lock()
	tr.peers[ev.UserID] = peerTyping{name: name, last: time.Now()}
	tr.scheduleSweepLocked()
	changed := tr.publishLocked()
	tr.mu.Unlock()
	if changed {
		tr.emitTyping()
	}
}

// Active returns the display names of peers currently typing, sorted.
func (tr *Tracker) Active() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.activeLocked(time.Now())
}

// Phrase renders the aggregate typing line: singular for one peer, paired
// for two, a count for more, empty when nobody is typing.
func (tr *Tracker) Phrase() string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return typingPhrase(tr.activeLocked(time.Now()))
}

// Stop cancels the expiry sweep. The tracker remains usable for reads.
func (tr *Tracker) Stop() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.sweep != nil {
		tr.sweep.Stop()
		tr.sweep = nil
	}
}

// sweepExpired drops peers past the expiry window and notifies if the
// rendered phrase changed because of it.
func (tr *Tracker) sweepExpired() {
	tr.mu.Lock()
	now := time.Now()
	for id, p := range tr.peers {
		if now.Sub(p.last) >= tr.expiry {
			delete(tr.peers, id)
		}
	}
	if tr.sweep != nil {
		tr.sweep = nil
		tr.scheduleSweepLocked()
	}
	changed := tr.publishLocked()
	tr.mu.Unlock()
	if changed {
		tr.emitTyping()
	}
}

// scheduleSweepLocked arms the sweep timer for the next upcoming expiry.
func (tr *Tracker) scheduleSweepLocked() {
	var next time.Time
	for _, p := range tr.peers {
		exp := p.last.Add(tr.expiry)
		if next.IsZero() || exp.Before(next) {
			next = exp
		}
	}
	if next.IsZero() {
		return
	}
	d := time.Until(next)
	if d < 0 {
		d = 0
	}
	if tr.sweep == nil {
		tr.sweep = time.AfterFunc(d, tr.sweepExpired)
	} else {
		tr.sweep.Reset(d)
	}
}

// publishLocked tracks the last rendered phrase and reports whether it
// changed, so refresh signals from the same peer do not cause churn.
func (tr *Tracker) publishLocked() bool {
	phrase := typingPhrase(tr.activeLocked(time.Now()))
	if phrase == tr.lastPhrase {
		return false
	}
	tr.lastPhrase = phrase
	return true
}

func (tr *Tracker) activeLocked(now time.Time) []string {
	var names []string
	for _, p := range tr.peers {
		if now.Sub(p.last) < tr.expiry {
			names = append(names, p.name)
		}
	}
	sort.Strings(names)
	return names
}

func (tr *Tracker) emitTyping() {
	tr.bus.Emit(bus.Update{Type: bus.TypingUpdated, Conversation: tr.conversation})
}

func typingPhrase(names []string) string {
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0] + " is typing..."
	case 2:
		return names[0] + " and " + names[1] + " are typing..."
	default:
		return fmt.Sprintf("%d people are typing...", len(names))
	}
}
