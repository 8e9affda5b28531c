// Package notify implements the notification channel: an ordered set of
// dismissible notices with an auto-expiring countdown that pauses while the
// pointer hovers a notice. Failures raised by the request pipeline are pushed
// here so callers do not have to await or render them.
//
// A Channel is an explicit object created once per process (or per test) and
// injected into the components that raise notices. Reset clears it between
// test cases.
package notify

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tansive/console/internal/common/uuid"
)

// DefaultDuration is the nominal lifetime of a notice.
const DefaultDuration = 4500 * time.Millisecond

// Handle identifies a pushed notice.
type Handle = uuid.UUID

// Notice is a snapshot of one active notice.
type Notice struct {
	ID        Handle        `json:"id"`
	Message   string        `json:"message"`
	Duration  time.Duration `json:"duration"`  // nominal lifetime
	Remaining time.Duration `json:"remaining"` // countdown left at snapshot time
	Paused    bool          `json:"paused"`
	CreatedAt time.Time     `json:"created_at"`
}

type entry struct {
	notice    Notice
	timer     *time.Timer
	startedAt time.Time     // when the current countdown leg started
	remaining time.Duration // countdown left when the current leg started
	paused    bool
	gen       uint64 // invalidates timers from earlier legs
}

// Channel holds the active notices and their countdowns. It is safe for
// concurrent use.
type Channel struct {
	mu       sync.Mutex
	entries  map[Handle]*entry
	order    []Handle
	duration time.Duration
	logger   zerolog.Logger
	active   prometheus.Gauge

	subscribers map[uint64]*subscriber
	subCounter  uint64
}

// Option configures a Channel.
type Option func(*Channel)

// WithDuration sets the nominal lifetime of every notice.
func WithDuration(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.duration = d
		}
	}
}

// WithLogger sets the logger used for notice lifecycle events.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Channel) {
		c.logger = l
	}
}

// WithRegisterer exports the number of active notices as the gauge
// console_notices_active on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Channel) {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "console_notices_active",
			Help: "Number of notices currently displayed.",
		})
		if err := reg.Register(g); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
					g = existing
				}
			}
		}
		c.active = g
	}
}

// New creates an empty Channel.
func New(opts ...Option) *Channel {
	c := &Channel{
		entries:     make(map[Handle]*entry),
		duration:    DefaultDuration,
		logger:      log.Logger,
		subscribers: make(map[uint64]*subscriber),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Push adds a notice and starts its countdown. Concurrent pushes from
// unrelated callers each get a distinct handle.
func (c *Channel) Push(message string) Handle {
	id := uuid.New()
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e := &entry{
		notice: Notice{
			ID:        id,
			Message:   message,
			Duration:  c.duration,
			CreatedAt: now,
		},
		startedAt: now,
		remaining: c.duration,
	}
	c.entries[id] = e
	c.order = append(c.order, id)
	c.arm(id, e)
	c.updateGauge()

	c.logger.Debug().Str("notice_id", id.String()).Str("message", message).Msg("notice pushed")
	c.publish(EventPushed, c.snapshot(e, now))
	return id
}

// Dismiss removes a notice immediately, whatever its countdown state.
// Dismissing an unknown or already removed handle is a no-op.
func (c *Channel) Dismiss(h Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remove(h, EventDismissed)
}

// Hover pauses the countdown of a notice.
func (c *Channel) Hover(h Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[h]
	if !ok || e.paused {
		return
	}
	now := time.Now()
	e.gen++
	e.timer.Stop()
	e.remaining -= now.Sub(e.startedAt)
	if e.remaining < 0 {
		e.remaining = 0
	}
	e.paused = true
	c.publish(EventPaused, c.snapshot(e, now))
}

// Leave resumes a paused countdown with the time that was left.
func (c *Channel) Leave(h Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[h]
	if !ok || !e.paused {
		return
	}
	now := time.Now()
	e.paused = false
	e.startedAt = now
	c.arm(h, e)
	c.publish(EventResumed, c.snapshot(e, now))
}

// Active returns the active notices in push order.
func (c *Channel) Active() []Notice {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	out := make([]Notice, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.snapshot(c.entries[id], now))
	}
	return out
}

// Len returns the number of active notices.
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

// Reset removes every notice and stops every countdown without publishing
// events. Subscriptions stay open.
func (c *Channel) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.entries {
		e.gen++
		e.timer.Stop()
	}
	c.entries = make(map[Handle]*entry)
	c.order = nil
	c.updateGauge()
}

// Close resets the channel and closes all subscriptions.
func (c *Channel) Close() {
	c.Reset()

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, s := range c.subscribers {
		s.close()
		delete(c.subscribers, id)
	}
}

// arm starts a countdown leg for e. Must be called with c.mu held.
func (c *Channel) arm(h Handle, e *entry) {
	e.gen++
	gen := e.gen
	e.timer = time.AfterFunc(e.remaining, func() {
		c.expire(h, gen)
	})
}

func (c *Channel) expire(h Handle, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[h]
	if !ok || e.paused || e.gen != gen {
		return
	}
	c.remove(h, EventExpired)
}

// remove must be called with c.mu held.
func (c *Channel) remove(h Handle, kind EventKind) {
	e, ok := c.entries[h]
	if !ok {
		return
	}
	e.gen++
	e.timer.Stop()
	delete(c.entries, h)
	for i, id := range c.order {
		if id == h {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.updateGauge()
	c.publish(kind, c.snapshot(e, time.Now()))
}

func (c *Channel) snapshot(e *entry, now time.Time) Notice {
	n := e.notice
	n.Paused = e.paused
	n.Remaining = e.remaining
	if !e.paused {
		n.Remaining -= now.Sub(e.startedAt)
	}
	if n.Remaining < 0 {
		n.Remaining = 0
	}
	return n
}

func (c *Channel) updateGauge() {
	if c.active != nil {
		c.active.Set(float64(len(c.order)))
	}
}
