// Package network tracks connectivity and turns raw online/offline signals
// into debounced notifications.
package network

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/kimhsiao/scanqueue/internal/logging"
)

const (
	// DefaultChangeDebounce collapses connectivity flapping.
	DefaultChangeDebounce = time.Second

	// DefaultReconnectDebounce delays the reconnect callback so a link that
	// drops again right away does not trigger work.
	DefaultReconnectDebounce = 2 * time.Second
)

// Status is a point-in-time view of connectivity.
type Status struct {
	IsOnline      bool       `json:"isOnline"`
	WasOffline    bool       `json:"wasOffline"`
	LastOnlineAt  *time.Time `json:"lastOnlineAt,omitempty"`
	LastOfflineAt *time.Time `json:"lastOfflineAt,omitempty"`
}

// Options configures a Monitor.
type Options struct {
	Clock         clockwork.Clock
	InitialOnline bool
}

// ReconnectOptions configures OnReconnect.
type ReconnectOptions struct {
	Debounce time.Duration
	Enabled  bool
}

// listener receives every connectivity change.
type listener interface {
	signal(online bool)
	stop()
}

// Monitor holds the current connectivity state and its subscribers.
type Monitor struct {
	clock clockwork.Clock

	mu        sync.Mutex
	status    Status
	listeners map[uint64]listener
	nextID    uint64
	closed    bool
}

// New creates a Monitor. Starting online counts as being online now;
// WasOffline only latches on an observed transition.
func New(opts Options) *Monitor {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	m := &Monitor{
		clock:     clock,
		listeners: make(map[uint64]listener),
	}
	m.status.IsOnline = opts.InitialOnline
	if opts.InitialOnline {
		now := clock.Now()
		m.status.LastOnlineAt = &now
	}
	return m
}

// SetOnline ingests a platform connectivity signal. Repeating the current
// state is ignored.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.status.IsOnline == online {
		m.mu.Unlock()
		return
	}

	now := m.clock.Now()
	m.status.IsOnline = online
	if online {
		m.status.LastOnlineAt = &now
	} else {
		m.status.WasOffline = true
		m.status.LastOfflineAt = &now
	}

	targets := make([]listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		targets = append(targets, l)
	}
	m.mu.Unlock()

	logging.Info("Connectivity changed", map[string]interface{}{"online": online})

	for _, l := range targets {
		l.signal(online)
	}
}

// IsOnline reports the latest raw connectivity state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.IsOnline
}

// Status returns a copy of the connectivity status.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.status
	if s.LastOnlineAt != nil {
		t := *s.LastOnlineAt
		s.LastOnlineAt = &t
	}
	if s.LastOfflineAt != nil {
		t := *s.LastOfflineAt
		s.LastOfflineAt = &t
	}
	return s
}

// OnNetworkChange calls onOnline or onOffline once connectivity has held a
// new state for debounce. A flap that ends in the state already reported
// fires nothing, and nothing fires on subscription. Either callback may be
// nil. The returned func cancels the subscription and any pending call.
func (m *Monitor) OnNetworkChange(onOnline, onOffline func(), debounce time.Duration) func() {
	if debounce <= 0 {
		debounce = DefaultChangeDebounce
	}

	m.mu.Lock()
	sub := &changeListener{
		clock:     m.clock,
		debounce:  debounce,
		stable:    m.status.IsOnline,
		onOnline:  onOnline,
		onOffline: onOffline,
	}
	m.mu.Unlock()

	return m.add(sub)
}

// OnReconnect calls cb once per offline to online cycle, after the link
// has stayed up for opts.Debounce. Going offline again cancels the pending
// call. A disabled subscription never fires.
func (m *Monitor) OnReconnect(cb func(), opts ReconnectOptions) func() {
	if !opts.Enabled || cb == nil {
		return func() {}
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultReconnectDebounce
	}

	m.mu.Lock()
	sub := &reconnectListener{
		clock:      m.clock,
		debounce:   opts.Debounce,
		sawOffline: !m.status.IsOnline,
		cb:         cb,
	}
	m.mu.Unlock()

	return m.add(sub)
}

func (m *Monitor) add(l listener) func() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		l.stop()
		return func() {}
	}
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
			l.stop()
		})
	}
}

// Close cancels every subscription and pending timer, so no debounced
// callback fires afterwards.
func (m *Monitor) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	listeners := m.listeners
	m.listeners = make(map[uint64]listener)
	m.mu.Unlock()

	for _, l := range listeners {
		l.stop()
	}
}

// changeListener is a two-state debouncer: stable is the last reported
// state and pending the state waiting for its timer.
type changeListener struct {
	clock     clockwork.Clock
	debounce  time.Duration
	onOnline  func()
	onOffline func()

	mu         sync.Mutex
	stable     bool
	hasPending bool
	pending    bool
	timer      clockwork.Timer
	gen        uint64
	stopped    bool
}

func (c *changeListener) signal(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}
	c.cancelLocked()
	if online == c.stable {
		return
	}

	c.hasPending = true
	c.pending = online
	gen := c.gen
	c.timer = c.clock.AfterFunc(c.debounce, func() { c.fire(gen) })
}

func (c *changeListener) fire(gen uint64) {
	c.mu.Lock()
	if c.stopped || gen != c.gen || !c.hasPending {
		c.mu.Unlock()
		return
	}
	c.stable = c.pending
	c.hasPending = false
	c.timer = nil
	cb := c.onOffline
	if c.stable {
		cb = c.onOnline
	}
	c.mu.Unlock()

	if cb != nil {
		cb()
	}
}

// cancelLocked drops the pending state. Bumping gen also invalidates a
// timer that already fired but has not taken the lock yet.
func (c *changeListener) cancelLocked() {
	c.gen++
	c.hasPending = false
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *changeListener) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	c.cancelLocked()
}

type reconnectListener struct {
	clock    clockwork.Clock
	debounce time.Duration
	cb       func()

	mu         sync.Mutex
	sawOffline bool
	timer      clockwork.Timer
	gen        uint64
	stopped    bool
}

func (r *reconnectListener) signal(online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return
	}
	if !online {
		r.sawOffline = true
		r.cancelLocked()
		return
	}
	if !r.sawOffline {
		return
	}

	r.sawOffline = false
	r.cancelLocked()
	gen := r.gen
	r.timer = r.clock.AfterFunc(r.debounce, func() { r.fire(gen) })
}

func (r *reconnectListener) fire(gen uint64) {
	r.mu.Lock()
	if r.stopped || gen != r.gen {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	r.mu.Unlock()

	logging.Debug("Reconnect callback firing", nil)
	r.cb()
}

func (r *reconnectListener) cancelLocked() {
	r.gen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *reconnectListener) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	r.cancelLocked()
}
