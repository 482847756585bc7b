package ble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// fakeClient is an in-memory GATT client.
type fakeClient struct {
	mu        sync.Mutex
	connected bool
	writes    [][]byte
	handlers  map[string]func([]byte)
}

func newFakeClient() *fakeClient {
	return &fakeClient{connected: true, handlers: map[string]func([]byte){}}
}

func (c *fakeClient) Write(ctx context.Context, characteristic string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return errors.New("not connected")
	}
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

func (c *fakeClient) Subscribe(characteristic string, handler func(data []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return errors.New("not connected")
	}
	c.handlers[characteristic] = handler
	return nil
}

func (c *fakeClient) Unsubscribe(characteristic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, characteristic)
	return nil
}

func (c *fakeClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	return nil
}

func (c *fakeClient) drop() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

// fakeTransport dials fakeClients, optionally slowly or with scripted
// failures.
type fakeTransport struct {
	mu        sync.Mutex
	dialDelay time.Duration
	dialCount atomic.Int64
	failures  map[string]int
	clients   map[string][]*fakeClient
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		failures: map[string]int{},
		clients:  map[string][]*fakeClient{},
	}
}

func (t *fakeTransport) Scan(ctx context.Context, duration time.Duration, handler func(Sighting)) error {
	return nil
}

func (t *fakeTransport) Dial(ctx context.Context, mac string) (Client, error) {
	t.dialCount.Add(1)
	if t.dialDelay > 0 {
		select {
		case <-time.After(t.dialDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if n := t.failures[mac]; n > 0 {
		t.failures[mac] = n - 1
		return nil, fmt.Errorf("dial %s refused", mac)
	}
	client := newFakeClient()
	t.clients[mac] = append(t.clients[mac], client)
	return client, nil
}

func (t *fakeTransport) failNext(mac string, times int) {
	t.mu.Lock()
	t.failures[mac] = times
	t.mu.Unlock()
}

func mac(i int) string {
	return fmt.Sprintf("AA:BB:CC:DD:EE:%02X", i)
}

type PoolTestSuite struct {
	suite.Suite
	transport *fakeTransport
	pool      *Pool
}

func (s *PoolTestSuite) SetupTest() {
	s.transport = newFakeTransport()
	cfg := DefaultConfig()
	cfg.ReconnectDelay = 10 * time.Millisecond
	cfg.MaxReconnectDelay = 100 * time.Millisecond
	s.pool = NewPool(s.transport, cfg)
}

func (s *PoolTestSuite) TearDownTest() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.pool.Shutdown(ctx)
}

func TestPoolTestSuite(t *testing.T) {
	suite.Run(t, new(PoolTestSuite))
}

func (s *PoolTestSuite) TestConnectReusesSession() {
	ctx := context.Background()

	sess1, err := s.pool.Connect(ctx, mac(1))
	s.Require().NoError(err)
	sess2, err := s.pool.Connect(ctx, mac(1))
	s.Require().NoError(err)

	s.Same(sess1, sess2)
	s.Equal(int64(1), s.transport.dialCount.Load())
	s.Equal(1, s.pool.ActiveCount())
}

func (s *PoolTestSuite) TestConcurrencyCapNeverExceeded() {
	ctx := context.Background()
	s.transport.dialDelay = 20 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.pool.Connect(ctx, mac(i))
			if s.NoError(err) {
				s.NoError(s.pool.Disconnect(ctx, mac(i)))
			}
		}(i)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	for {
		select {
		case <-done:
			s.Equal(0, s.pool.ActiveCount())
			return
		default:
			s.LessOrEqual(s.pool.ActiveCount(), 3, "active sessions exceeded the cap")
			time.Sleep(time.Millisecond)
		}
	}
}

func (s *PoolTestSuite) TestQueuedConnectProceedsAfterDisconnect() {
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.pool.Connect(ctx, mac(i))
		s.Require().NoError(err)
	}

	got := make(chan error, 1)
	go func() {
		_, err := s.pool.Connect(ctx, mac(9))
		got <- err
	}()

	// The fourth connect must queue, not proceed.
	select {
	case err := <-got:
		s.FailNow("connect did not queue", "err: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	s.Require().NoError(s.pool.Disconnect(ctx, mac(0)))
	select {
	case err := <-got:
		s.Require().NoError(err)
	case <-time.After(time.Second):
		s.FailNow("queued connect never proceeded")
	}
	s.Equal(3, s.pool.ActiveCount())
}

func (s *PoolTestSuite) TestConcurrentConnectsShareOneDial() {
	ctx := context.Background()
	s.transport.dialDelay = 30 * time.Millisecond

	const callers = 5
	sessions := make([]interface{}, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sessions[i], errs[i] = s.pool.Connect(ctx, mac(7))
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		s.Require().NoError(errs[i])
		s.Same(sessions[0], sessions[i])
	}
	s.Equal(int64(1), s.transport.dialCount.Load())
	s.Equal(1, s.pool.ActiveCount())
}

func (s *PoolTestSuite) TestConnectTimeoutClassified() {
	s.transport.dialDelay = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.pool.Connect(ctx, mac(1))
	s.Require().Error(err)
	s.Equal(0, s.pool.ActiveCount())
}

func (s *PoolTestSuite) TestReconnectBackoffShape() {
	ctx := context.Background()

	_, err := s.pool.Connect(ctx, mac(1))
	s.Require().NoError(err)

	// Two failures then success: with base 10ms the delays are roughly
	// 10ms, 20ms, 40ms with 10% jitter.
	s.transport.failNext(mac(1), 2)

	start := time.Now()
	err = s.pool.Reconnect(ctx, mac(1), 3)
	elapsed := time.Since(start)

	s.Require().NoError(err)
	s.GreaterOrEqual(elapsed, 60*time.Millisecond)
	s.Less(elapsed, 300*time.Millisecond)
	// 2 failed redials + 1 success on top of the initial dial.
	s.Equal(int64(4), s.transport.dialCount.Load())
}

func (s *PoolTestSuite) TestReconnectKeepsSessionValid() {
	ctx := context.Background()

	sess, err := s.pool.Connect(ctx, mac(1))
	s.Require().NoError(err)

	s.transport.mu.Lock()
	first := s.transport.clients[mac(1)][0]
	s.transport.mu.Unlock()
	first.drop()
	s.False(sess.Connected())

	s.Require().NoError(s.pool.Reconnect(ctx, mac(1), 1))
	s.True(sess.Connected())

	// The old session handle keeps working against the new client.
	s.Require().NoError(sess.Write(ctx, "fff3", []byte{0x01}))
	s.transport.mu.Lock()
	second := s.transport.clients[mac(1)][1]
	s.transport.mu.Unlock()
	s.Len(second.writes, 1)
}

func (s *PoolTestSuite) TestShutdownFailsWaiters() {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := s.pool.Connect(ctx, mac(i))
		s.Require().NoError(err)
	}

	got := make(chan error, 1)
	go func() {
		_, err := s.pool.Connect(ctx, mac(9))
		got <- err
	}()
	time.Sleep(20 * time.Millisecond)

	s.pool.Shutdown(ctx)

	select {
	case err := <-got:
		s.Require().ErrorIs(err, ErrPoolClosed)
	case <-time.After(time.Second):
		s.FailNow("waiter never failed after shutdown")
	}

	_, err := s.pool.Connect(ctx, mac(5))
	s.Require().ErrorIs(err, ErrPoolClosed)
}

func TestStateMachineHistoryBounded(t *testing.T) {
	sm := newStateMachine()
	for i := 0; i < 3*historyLimit; i++ {
		sm.transition(StateConnecting, nil)
		sm.transition(StateConnected, nil)
	}
	_, _, hist := sm.snapshot()
	require.Len(t, hist, historyLimit)
	require.Equal(t, StateConnected, hist[len(hist)-1].To)
}
