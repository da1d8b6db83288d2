// Package redis carries broadcasts over redis pub/sub. Each (channel, event)
// pair is the redis channel <prefix><channel>:<event>; AnyEvent uses a
// pattern subscription.
package redis

import (
	"context"
	"errors"
	"strings"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/mutacache"
)

// AnyEvent matches every event of a channel.
const AnyEvent = mutacache.AnyEvent

var (
	ErrNilClient = errors.New("redis transport: nil client")
	ErrClosed    = errors.New("redis transport: closed")
)

type Config struct {
	Client goredis.UniversalClient
	// Prefix is prepended to every redis channel, e.g. "app:prod:".
	Prefix string
}

// Transport satisfies mutacache.Transport. It never closes Client.
type Transport struct {
	rdb    goredis.UniversalClient
	prefix string

	mu     sync.Mutex
	subs   map[string][]*goredis.PubSub
	closed bool
	wg     sync.WaitGroup
}

var _ mutacache.Transport = (*Transport)(nil)

func New(cfg Config) (*Transport, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	return &Transport{rdb: cfg.Client, prefix: cfg.Prefix, subs: make(map[string][]*goredis.PubSub)}, nil
}

// Subscribe waits for redis to confirm the subscription, then delivers
// messages from a dedicated goroutine.
func (t *Transport) Subscribe(channel, event string, handler func(payload []byte)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	ctx := context.Background()
	var ps *goredis.PubSub
	if event == AnyEvent {
		ps = t.rdb.PSubscribe(ctx, escapeGlob(t.prefix+channel+":")+"*")
	} else {
		ps = t.rdb.Subscribe(ctx, t.name(channel, event))
	}
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return err
	}
	t.subs[channel] = append(t.subs[channel], ps)

	msgs := ps.Channel()
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for m := range msgs {
			handler([]byte(m.Payload))
		}
	}()
	return nil
}

func (t *Transport) Unsubscribe(channel string) error {
	t.mu.Lock()
	subs := t.subs[channel]
	delete(t.subs, channel)
	t.mu.Unlock()

	var errs []error
	for _, ps := range subs {
		if err := ps.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *Transport) Publish(ctx context.Context, channel, event string, payload []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return t.rdb.Publish(ctx, t.name(channel, event), payload).Err()
}

// Close drops every subscription and waits for the delivery goroutines.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	channels := make([]string, 0, len(t.subs))
	for ch := range t.subs {
		channels = append(channels, ch)
	}
	t.mu.Unlock()

	var errs []error
	for _, ch := range channels {
		if err := t.Unsubscribe(ch); err != nil {
			errs = append(errs, err)
		}
	}
	t.wg.Wait()
	return errors.Join(errs...)
}

func (t *Transport) name(channel, event string) string {
	return t.prefix + channel + ":" + event
}

var globEscaper = strings.NewReplacer(
	`\`, `\\`,
	"*", `\*`,
	"?", `\?`,
	"[", `\[`,
	"]", `\]`,
)

// escapeGlob quotes redis PSUBSCRIBE pattern metacharacters.
func escapeGlob(s string) string { return globEscaper.Replace(s) }
