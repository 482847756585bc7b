package ble

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/battery-hawk/battery-hawk/internal/protocol"
)

// ErrPoolClosed is returned for operations after Shutdown.
var ErrPoolClosed = errors.New("connection pool closed")

// Config tunes the connection pool.
type Config struct {
	MaxConcurrent   int
	ConnectTimeout  time.Duration
	CleanupInterval time.Duration
	// MaxSessionAge closes sessions older than this during cleanup.
	// Zero disables age-based closure.
	MaxSessionAge time.Duration

	ReconnectDelay       time.Duration
	MaxReconnectDelay    time.Duration
	MaxReconnectAttempts int
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:        3,
		ConnectTimeout:       30 * time.Second,
		CleanupInterval:      5 * time.Second,
		ReconnectDelay:       5 * time.Second,
		MaxReconnectDelay:    300 * time.Second,
		MaxReconnectAttempts: 3,
	}
}

// StateListener observes per-device connection state transitions. The engine
// uses it to emit device events.
type StateListener func(mac string, state State, err error)

// Health is a point-in-time connection health snapshot for one device.
type Health struct {
	MAC        string
	State      State
	Active     bool
	SessionAge time.Duration
	LastError  error
	History    []Transition
}

type pendingConn struct {
	done chan struct{}
	sess *Conn
	err  error
}

// Pool coordinates all concurrent BLE activity: it caps simultaneous
// connections, queues further connect calls FIFO, deduplicates concurrent
// connects per device, and owns cleanup and background reconnection.
type Pool struct {
	transport Transport
	cfg       Config
	log       *logrus.Entry

	mu           sync.Mutex
	active       map[string]*Conn
	pending      map[string]*pendingConn
	states       map[string]*stateMachine
	reconnecting map[string]bool
	waitq        []chan struct{}
	slots        int
	closed       bool

	reconnectEnabled atomic.Bool
	listenerMu       sync.RWMutex
	listener         StateListener
}

// NewPool builds a pool over the given transport.
func NewPool(transport Transport, cfg Config) *Pool {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.MaxReconnectDelay < cfg.ReconnectDelay {
		cfg.MaxReconnectDelay = cfg.ReconnectDelay
	}
	if cfg.MaxReconnectAttempts < 1 {
		cfg.MaxReconnectAttempts = 3
	}
	return &Pool{
		transport:    transport,
		cfg:          cfg,
		log:          logrus.WithField("component", "pool"),
		active:       map[string]*Conn{},
		pending:      map[string]*pendingConn{},
		states:       map[string]*stateMachine{},
		reconnecting: map[string]bool{},
	}
}

// SetStateListener installs the transition observer.
func (p *Pool) SetStateListener(fn StateListener) {
	p.listenerMu.Lock()
	p.listener = fn
	p.listenerMu.Unlock()
}

// SetReconnectEnabled toggles background reconnection at runtime.
func (p *Pool) SetReconnectEnabled(enabled bool) {
	p.reconnectEnabled.Store(enabled)
}

// Connect returns a live session for mac, reusing an existing one, joining a
// connect already in flight, or dialing under the concurrency cap. Callers
// beyond the cap queue FIFO.
func (p *Pool) Connect(ctx context.Context, mac string) (protocol.Session, error) {
	if mac == "" {
		return nil, protocol.NewError(protocol.KindState, "", "empty mac address", nil, nil)
	}
	if norm := protocol.NormalizeMAC(mac); norm != "" {
		mac = norm
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if conn, ok := p.active[mac]; ok {
		if conn.Connected() {
			p.mu.Unlock()
			return conn, nil
		}
		// Stale session: drop it and dial fresh.
		delete(p.active, mac)
		p.mu.Unlock()
		conn.close()
		p.releaseSlot()
		p.mu.Lock()
	}
	if pend, ok := p.pending[mac]; ok {
		p.mu.Unlock()
		select {
		case <-pend.done:
			if pend.err != nil {
				return nil, pend.err
			}
			return pend.sess, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	pend := &pendingConn{done: make(chan struct{})}
	p.pending[mac] = pend
	p.mu.Unlock()

	sess, err := p.dial(ctx, mac)

	p.mu.Lock()
	delete(p.pending, mac)
	p.mu.Unlock()
	pend.sess, pend.err = sess, err
	close(pend.done)

	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (p *Pool) dial(ctx context.Context, mac string) (*Conn, error) {
	if err := p.acquireSlot(ctx); err != nil {
		return nil, err
	}

	sm := p.stateFor(mac)
	sm.transition(StateConnecting, nil)
	p.notify(mac, StateConnecting, nil)

	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	client, err := p.transport.Dial(dialCtx, mac)
	cancel()
	if err != nil {
		p.releaseSlot()
		kind := protocol.KindConnection
		if errors.Is(err, context.DeadlineExceeded) {
			kind = protocol.KindTimeout
		}
		perr := protocol.NewError(kind, mac, "connect failed", nil, err)
		sm.transition(StateError, perr)
		p.notify(mac, StateError, perr)
		return nil, perr
	}

	conn := newConn(mac, p, client)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		conn.close()
		p.releaseSlot()
		return nil, ErrPoolClosed
	}
	p.active[mac] = conn
	p.mu.Unlock()

	sm.transition(StateConnected, nil)
	p.notify(mac, StateConnected, nil)
	p.log.WithField("mac", mac).Debug("connected")
	return conn, nil
}

// Disconnect closes the session for mac, releases its concurrency slot, and
// hands the slot to the oldest queued waiter. Unknown macs are a no-op.
func (p *Pool) Disconnect(ctx context.Context, mac string) error {
	if norm := protocol.NormalizeMAC(mac); norm != "" {
		mac = norm
	}

	p.mu.Lock()
	conn, ok := p.active[mac]
	if ok {
		delete(p.active, mac)
	}
	delete(p.reconnecting, mac)
	p.mu.Unlock()
	if !ok {
		return nil
	}

	sm := p.stateFor(mac)
	sm.transition(StateDisconnecting, nil)
	p.notify(mac, StateDisconnecting, nil)
	conn.close()
	sm.transition(StateDisconnected, nil)
	p.notify(mac, StateDisconnected, nil)
	p.releaseSlot()
	p.log.WithField("mac", mac).Debug("disconnected")
	return nil
}

// IsConnected reports whether a live session exists for mac.
func (p *Pool) IsConnected(mac string) bool {
	if norm := protocol.NormalizeMAC(mac); norm != "" {
		mac = norm
	}
	p.mu.Lock()
	conn, ok := p.active[mac]
	p.mu.Unlock()
	return ok && conn.Connected()
}

// HealthOf returns a connection health snapshot for mac.
func (p *Pool) HealthOf(mac string) Health {
	if norm := protocol.NormalizeMAC(mac); norm != "" {
		mac = norm
	}
	p.mu.Lock()
	conn := p.active[mac]
	p.mu.Unlock()

	h := Health{MAC: mac}
	state, lastErr, hist := p.stateFor(mac).snapshot()
	h.State = state
	h.LastError = lastErr
	h.History = hist
	if conn != nil {
		h.Active = true
		h.SessionAge = conn.Age()
	}
	return h
}

// ActiveCount returns the number of sessions holding a concurrency slot.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// Reconnect redials mac with exponential backoff, replacing the client
// inside the existing session so holders keep working. Delay n is
// base*2^n with ±10% jitter, capped at the configured maximum.
func (p *Pool) Reconnect(ctx context.Context, mac string, maxAttempts int) error {
	if norm := protocol.NormalizeMAC(mac); norm != "" {
		mac = norm
	}
	if maxAttempts <= 0 {
		maxAttempts = p.cfg.MaxReconnectAttempts
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.ReconnectDelay
	bo.RandomizationFactor = 0.1
	bo.Multiplier = 2
	bo.MaxInterval = p.cfg.MaxReconnectDelay
	bo.MaxElapsedTime = 0
	bo.Reset()

	sm := p.stateFor(mac)
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			return ctx.Err()
		}

		sm.transition(StateConnecting, nil)
		p.notify(mac, StateConnecting, nil)

		dialCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
		client, err := p.transport.Dial(dialCtx, mac)
		cancel()
		if err != nil {
			lastErr = protocol.NewError(protocol.KindConnection, mac, "reconnect attempt failed",
				map[string]interface{}{"attempt": attempt}, err)
			sm.transition(StateError, lastErr)
			p.notify(mac, StateError, lastErr)
			p.log.WithFields(logrus.Fields{"mac": mac, "attempt": attempt}).WithError(err).Warn("reconnect attempt failed")
			continue
		}

		p.mu.Lock()
		conn, ok := p.active[mac]
		p.mu.Unlock()
		if !ok {
			// Session was disconnected while we were redialing.
			_ = client.Close()
			return protocol.NewError(protocol.KindState, mac, "session removed during reconnect", nil, nil)
		}
		if err := conn.swapClient(client); err != nil {
			lastErr = err
			sm.transition(StateError, err)
			p.notify(mac, StateError, err)
			continue
		}
		sm.transition(StateConnected, nil)
		p.notify(mac, StateConnected, nil)
		p.log.WithFields(logrus.Fields{"mac": mac, "attempt": attempt}).Info("reconnected")
		return nil
	}
	return lastErr
}

// Run drives the periodic cleanup task until ctx is done.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.cleanup(ctx)
		}
	}
}

func (p *Pool) cleanup(ctx context.Context) {
	type entry struct {
		mac  string
		conn *Conn
	}
	p.mu.Lock()
	snapshot := make([]entry, 0, len(p.active))
	for mac, conn := range p.active {
		if p.reconnecting[mac] {
			continue
		}
		snapshot = append(snapshot, entry{mac, conn})
	}
	p.mu.Unlock()

	for _, e := range snapshot {
		switch {
		case !e.conn.Connected():
			if p.reconnectEnabled.Load() {
				p.startReconnect(e.mac)
			} else {
				p.log.WithField("mac", e.mac).Info("cleanup closing dead session")
				_ = p.Disconnect(ctx, e.mac)
			}
		case p.cfg.MaxSessionAge > 0 && e.conn.Age() > p.cfg.MaxSessionAge:
			p.log.WithFields(logrus.Fields{"mac": e.mac, "age": e.conn.Age()}).Info("cleanup closing aged session")
			_ = p.Disconnect(ctx, e.mac)
		}
	}
}

// observeFailure is called by sessions when a write or subscribe surfaces a
// connection failure.
func (p *Pool) observeFailure(mac string, err error) {
	sm := p.stateFor(mac)
	perr := protocol.NewError(protocol.KindConnection, mac, "operation failed on live session", nil, err)
	sm.transition(StateError, perr)
	p.notify(mac, StateError, perr)
	if p.reconnectEnabled.Load() {
		p.startReconnect(mac)
	}
}

func (p *Pool) startReconnect(mac string) {
	p.mu.Lock()
	if p.closed || p.reconnecting[mac] {
		p.mu.Unlock()
		return
	}
	if _, ok := p.active[mac]; !ok {
		p.mu.Unlock()
		return
	}
	p.reconnecting[mac] = true
	p.mu.Unlock()

	go func() {
		defer func() {
			p.mu.Lock()
			delete(p.reconnecting, mac)
			p.mu.Unlock()
		}()
		if err := p.Reconnect(context.Background(), mac, p.cfg.MaxReconnectAttempts); err != nil {
			p.log.WithField("mac", mac).WithError(err).Warn("background reconnect gave up")
			_ = p.Disconnect(context.Background(), mac)
		}
	}()
}

// Shutdown closes every session and fails queued waiters.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	macs := make([]string, 0, len(p.active))
	for mac := range p.active {
		macs = append(macs, mac)
	}
	waiters := p.waitq
	p.waitq = nil
	p.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
	for _, mac := range macs {
		_ = p.Disconnect(ctx, mac)
	}
}

func (p *Pool) stateFor(mac string) *stateMachine {
	p.mu.Lock()
	defer p.mu.Unlock()
	sm, ok := p.states[mac]
	if !ok {
		sm = newStateMachine()
		p.states[mac] = sm
	}
	return sm
}

func (p *Pool) notify(mac string, state State, err error) {
	p.listenerMu.RLock()
	fn := p.listener
	p.listenerMu.RUnlock()
	if fn != nil {
		fn(mac, state, err)
	}
}

func (p *Pool) acquireSlot(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if p.slots < p.cfg.MaxConcurrent && len(p.waitq) == 0 {
		p.slots++
		p.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	p.waitq = append(p.waitq, ch)
	p.mu.Unlock()

	select {
	case <-ch:
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return ErrPoolClosed
		}
		return nil
	case <-ctx.Done():
		p.mu.Lock()
		for i, c := range p.waitq {
			if c == ch {
				p.waitq = append(p.waitq[:i], p.waitq[i+1:]...)
				p.mu.Unlock()
				return ctx.Err()
			}
		}
		p.mu.Unlock()
		// The slot was handed over concurrently with cancellation.
		p.releaseSlot()
		return ctx.Err()
	}
}

// releaseSlot transfers the slot to the oldest waiter or frees it.
func (p *Pool) releaseSlot() {
	p.mu.Lock()
	if len(p.waitq) > 0 && !p.closed {
		ch := p.waitq[0]
		p.waitq = p.waitq[1:]
		p.mu.Unlock()
		close(ch)
		return
	}
	if p.slots > 0 {
		p.slots--
	}
	p.mu.Unlock()
}
