// Package nats carries broadcasts over core NATS subjects of the form
// <prefix>.<channel>.<event>. Subject tokens are percent-escaped so channel
// names with dots or wildcards cannot address other channels.
package nats

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/unkn0wn-root/mutacache"
)

// AnyEvent matches every event of a channel.
const AnyEvent = mutacache.AnyEvent

const defaultPrefix = "mutacache"

var (
	ErrNilConn = errors.New("nats transport: nil connection")
	ErrClosed  = errors.New("nats transport: closed")
)

type Config struct {
	Conn *nats.Conn
	// Prefix is the first subject token. "" => "mutacache".
	Prefix string
}

// Transport satisfies mutacache.Transport. It never closes Conn.
type Transport struct {
	nc     *nats.Conn
	prefix string

	mu     sync.Mutex
	subs   map[string][]*nats.Subscription
	closed bool
}

var _ mutacache.Transport = (*Transport)(nil)

func New(cfg Config) (*Transport, error) {
	if cfg.Conn == nil {
		return nil, ErrNilConn
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Transport{nc: cfg.Conn, prefix: prefix, subs: make(map[string][]*nats.Subscription)}, nil
}

func (t *Transport) Subscribe(channel, event string, handler func(payload []byte)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	sub, err := t.nc.Subscribe(t.subject(channel, event), func(m *nats.Msg) { handler(m.Data) })
	if err != nil {
		return err
	}
	t.subs[channel] = append(t.subs[channel], sub)
	return nil
}

func (t *Transport) Unsubscribe(channel string) error {
	t.mu.Lock()
	subs := t.subs[channel]
	delete(t.subs, channel)
	t.mu.Unlock()

	var errs []error
	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *Transport) Publish(ctx context.Context, channel, event string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return t.nc.Publish(t.subject(channel, event), payload)
}

// Close drops every subscription made through t.
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
	return errors.Join(errs...)
}

func (t *Transport) subject(channel, event string) string {
	ev := "*"
	if event != AnyEvent {
		ev = token(event)
	}
	return t.prefix + "." + token(channel) + "." + ev
}

var tokenEscaper = strings.NewReplacer(
	"%", "%25",
	".", "%2E",
	"*", "%2A",
	">", "%3E",
	" ", "%20",
	"\t", "%09",
	"\r", "%0D",
	"\n", "%0A",
)

// token makes s a single subject token.
func token(s string) string {
	if s == "" {
		return "%"
	}
	return tokenEscaper.Replace(s)
}
