// Package memory is an in-process broadcast bus. Every Client attached to
// one Bus sees what the others publish, which makes it the transport for
// tests and for several engines living in one process.
package memory

import (
	"context"
	"errors"
	"sync"
)

// AnyEvent matches every event of a channel.
const AnyEvent = "*"

var ErrClosed = errors.New("memory transport: closed")

type sub struct {
	client  *Client
	channel string
	event   string
	handler func([]byte)
}

// Bus routes payloads between clients. Delivery is synchronous: Publish
// returns after every matching handler ran.
type Bus struct {
	mu   sync.RWMutex
	subs []*sub
}

func NewBus() *Bus { return &Bus{} }

// Client returns a new connection to b.
func (b *Bus) Client() *Client { return &Client{bus: b} }

func (b *Bus) matching(channel, event string) []*sub {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*sub
	for _, s := range b.subs {
		if s.channel == channel && (s.event == AnyEvent || s.event == event) {
			out = append(out, s)
		}
	}
	return out
}

// Client is one connection to a Bus. It satisfies mutacache.Transport.
type Client struct {
	bus    *Bus
	mu     sync.Mutex
	closed bool
}

func (c *Client) Subscribe(channel, event string, handler func(payload []byte)) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	c.bus.mu.Lock()
	c.bus.subs = append(c.bus.subs, &sub{client: c, channel: channel, event: event, handler: handler})
	c.bus.mu.Unlock()
	return nil
}

// Unsubscribe drops this client's subscriptions on channel only.
func (c *Client) Unsubscribe(channel string) error {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	kept := c.bus.subs[:0]
	for _, s := range c.bus.subs {
		if s.client != c || s.channel != channel {
			kept = append(kept, s)
		}
	}
	for i := len(kept); i < len(c.bus.subs); i++ {
		c.bus.subs[i] = nil
	}
	c.bus.subs = kept
	return nil
}

// Publish hands every matching handler its own copy of payload.
func (c *Client) Publish(ctx context.Context, channel, event string, payload []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, s := range c.bus.matching(channel, event) {
		s.handler(append([]byte(nil), payload...))
	}
	return nil
}

// Close drops every subscription of c; later calls fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	kept := c.bus.subs[:0]
	for _, s := range c.bus.subs {
		if s.client != c {
			kept = append(kept, s)
		}
	}
	c.bus.subs = kept
	return nil
}
