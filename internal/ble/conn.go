package ble

import (
	"context"
	"sync"
	"time"

	"github.com/battery-hawk/battery-hawk/internal/protocol"
)

// Conn is one pooled connection. It implements protocol.Session and survives
// background reconnects: the underlying client is swapped and subscriptions
// replayed, so protocol adapters can hold it across drops.
type Conn struct {
	mac  string
	pool *Pool

	mu      sync.Mutex
	client  Client
	created time.Time
	subs    map[string]func([]byte)
}

func newConn(mac string, pool *Pool, client Client) *Conn {
	return &Conn{
		mac:     mac,
		pool:    pool,
		client:  client,
		created: time.Now(),
		subs:    map[string]func([]byte){},
	}
}

// Write sends data to a characteristic. Validation happens before any I/O.
func (c *Conn) Write(ctx context.Context, characteristic string, data []byte) error {
	if characteristic == "" {
		return protocol.NewError(protocol.KindState, c.mac, "empty characteristic", nil, nil)
	}
	if len(data) == 0 {
		return protocol.NewError(protocol.KindState, c.mac, "empty write payload",
			map[string]interface{}{"characteristic": characteristic}, nil)
	}
	client, err := c.liveClient()
	if err != nil {
		return err
	}
	if err := client.Write(ctx, characteristic, data); err != nil {
		c.pool.observeFailure(c.mac, err)
		return protocol.NewError(protocol.KindConnection, c.mac, "write failed",
			map[string]interface{}{"characteristic": characteristic}, err)
	}
	return nil
}

// Subscribe registers handler for notifications and remembers it so a
// background reconnect can replay the subscription.
func (c *Conn) Subscribe(ctx context.Context, characteristic string, handler func(data []byte)) error {
	if characteristic == "" {
		return protocol.NewError(protocol.KindState, c.mac, "empty characteristic", nil, nil)
	}
	if handler == nil {
		return protocol.NewError(protocol.KindState, c.mac, "nil subscription handler",
			map[string]interface{}{"characteristic": characteristic}, nil)
	}
	client, err := c.liveClient()
	if err != nil {
		return err
	}
	if err := client.Subscribe(characteristic, handler); err != nil {
		c.pool.observeFailure(c.mac, err)
		return protocol.NewError(protocol.KindNotification, c.mac, "subscribe failed",
			map[string]interface{}{"characteristic": characteristic}, err)
	}
	c.mu.Lock()
	c.subs[characteristic] = handler
	c.mu.Unlock()
	return nil
}

// Unsubscribe removes a notification subscription.
func (c *Conn) Unsubscribe(ctx context.Context, characteristic string) error {
	if characteristic == "" {
		return protocol.NewError(protocol.KindState, c.mac, "empty characteristic", nil, nil)
	}
	c.mu.Lock()
	delete(c.subs, characteristic)
	client := c.client
	c.mu.Unlock()
	if client == nil || !client.Connected() {
		return nil
	}
	if err := client.Unsubscribe(characteristic); err != nil {
		return protocol.NewError(protocol.KindNotification, c.mac, "unsubscribe failed",
			map[string]interface{}{"characteristic": characteristic}, err)
	}
	return nil
}

// Connected reports liveness of the underlying client.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil && c.client.Connected()
}

// Age returns how long the session has been open.
func (c *Conn) Age() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.created)
}

func (c *Conn) liveClient() (Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil || !c.client.Connected() {
		return nil, protocol.NewError(protocol.KindConnection, c.mac, "session not connected", nil, nil)
	}
	return c.client, nil
}

// swapClient installs a fresh client after a reconnect and replays
// subscriptions.
func (c *Conn) swapClient(client Client) error {
	c.mu.Lock()
	old := c.client
	c.client = client
	c.created = time.Now()
	subs := make(map[string]func([]byte), len(c.subs))
	for k, v := range c.subs {
		subs[k] = v
	}
	c.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	for characteristic, handler := range subs {
		if err := client.Subscribe(characteristic, handler); err != nil {
			return protocol.NewError(protocol.KindNotification, c.mac, "resubscribe failed after reconnect",
				map[string]interface{}{"characteristic": characteristic}, err)
		}
	}
	return nil
}

func (c *Conn) close() {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()
	if client != nil {
		_ = client.Close()
	}
}
