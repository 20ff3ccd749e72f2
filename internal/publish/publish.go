// internal/publish/publish.go
//
// Publish events: the authoritative invalidation signal.
//
// Context
// -------
// When editors publish, the content system announces which resources and
// templates changed.  Every cache node subscribes to one redis channel and
// applies each event to its own core.System, so a cluster converges within
// one publish cycle.  The same payload can be POSTed to /admin/publish on a
// single node.
//
// Wire format (JSON):
//
//	{"resources": ["/content/news/1"], "templates": ["article"]}
//
// Notes
// -----
//   - Malformed payloads are logged and skipped; the subscriber keeps
//     running.
//   - Oxford commas, two spaces after periods.
package publish

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/yanizio/flexcache/internal/core"
	"github.com/yanizio/flexcache/internal/metrics"
)

// Event lists what changed in one publish.
type Event struct {
	Resources []string `json:"resources,omitempty"`
	Templates []string `json:"templates,omitempty"`
}

// Empty reports whether the event changes nothing.
func (e Event) Empty() bool { return len(e.Resources) == 0 && len(e.Templates) == 0 }

// Invalidator applies publish events.  *core.System implements it.
type Invalidator interface {
	Invalidate(changed []string) core.Report
	InvalidateByTemplate(templates []string) core.Report
}

// Apply runs ev against inv and returns the combined report.
func Apply(inv Invalidator, ev Event, source string) core.Report {
	metrics.PublishEventsTotal.WithLabelValues(source).Inc()
	var rep core.Report
	if len(ev.Resources) > 0 {
		rep = inv.Invalidate(ev.Resources)
	}
	if len(ev.Templates) > 0 {
		t := inv.InvalidateByTemplate(ev.Templates)
		rep.Elements += t.Elements
		rep.URIs += t.URIs
	}
	return rep
}

// Decode parses a JSON payload.
func Decode(payload []byte) (Event, error) {
	var ev Event
	if err := sonic.Unmarshal(payload, &ev); err != nil {
		return Event{}, fmt.Errorf("decode publish event: %w", err)
	}
	return ev, nil
}

// Encode renders ev as JSON.
func Encode(ev Event) ([]byte, error) {
	return sonic.Marshal(ev)
}

// Handle decodes payload and applies it.
func Handle(inv Invalidator, source string, payload []byte) (core.Report, error) {
	ev, err := Decode(payload)
	if err != nil {
		return core.Report{}, err
	}
	return Apply(inv, ev, source), nil
}

//
// redis transport
//

// Options configure the redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// Dial connects to redis and verifies the connection with PING.
func Dial(ctx context.Context, opts Options) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return client, nil
}

// Publish sends ev on channel.
func Publish(ctx context.Context, client *redis.Client, channel string, ev Event) error {
	data, err := Encode(ev)
	if err != nil {
		return err
	}
	return client.Publish(ctx, channel, data).Err()
}

// Subscriber applies events from one redis channel.
type Subscriber struct {
	client  *redis.Client
	channel string
	inv     Invalidator
}

// NewSubscriber wires a subscriber.  Call Run to start receiving.
func NewSubscriber(client *redis.Client, channel string, inv Invalidator) *Subscriber {
	return &Subscriber{client: client, channel: channel, inv: inv}
}

// Run receives until ctx is cancelled.  It returns nil on cancellation.
func (s *Subscriber) Run(ctx context.Context) error {
	ps := s.client.Subscribe(ctx, s.channel)
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", s.channel, err)
	}
	zap.L().Info("publish subscriber started", zap.String("channel", s.channel))

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("publish channel closed")
			}
			rep, err := Handle(s.inv, "redis", []byte(msg.Payload))
			if err != nil {
				zap.L().Warn("publish event skipped", zap.Error(err))
				continue
			}
			zap.L().Debug("publish event applied",
				zap.Int("variants", rep.Variants),
				zap.Int("elements", rep.Elements),
				zap.Int("uris", rep.URIs))
		}
	}
}
