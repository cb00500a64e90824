// Package events publishes instance state changes for downstream
// consumers such as the dashboard and billing.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v3"
	"github.com/nats-io/nats.go"
)

const DefaultSubjectPrefix = "silo.instances"

// Event types.
const (
	InstanceQueued     = "queued"
	InstanceStep       = "step"
	InstanceRunning    = "running"
	InstanceFailed     = "failed"
	InstanceStopped    = "stopped"
	InstanceStarted    = "started"
	InstanceDestroyed  = "destroyed"
	InstanceRolledBack = "rolled_back"
	CredentialsPushed  = "credentials_pushed"
)

type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	InstanceID string    `json:"instance_id,omitempty"`
	AgentID    string    `json:"agent_id,omitempty"`
	UserID     string    `json:"user_id,omitempty"`
	Status     string    `json:"status,omitempty"`
	Step       string    `json:"step,omitempty"`
	Message    string    `json:"message,omitempty"`
	Time       time.Time `json:"time"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close()
}

type Config struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
	Name          string `mapstructure:"name"`
}

// New returns a NATS publisher, or a no-op publisher when no URL is set.
func New(cfg Config) (Publisher, error) {
	if cfg.URL == "" {
		return Nop{}, nil
	}
	return NewNATSPublisher(cfg)
}

type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
}

func NewNATSPublisher(cfg Config) (*NATSPublisher, error) {
	name := cfg.Name
	if name == "" {
		name = "silo-orchestrator"
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSPublisher{nc: nc, prefix: prefix}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	if p.nc == nil || p.nc.IsClosed() {
		return fmt.Errorf("nats not connected")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(Subject(p.prefix, ev))
	msg.Data = data
	if ev.ID != "" {
		// JetStream streams drop duplicates carrying the same message ID.
		msg.Header.Set(nats.MsgIdHdr, ev.ID)
	}
	return p.nc.PublishMsg(msg)
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}

// Subject is the NATS subject an event is published on.
func Subject(prefix string, ev Event) string {
	return prefix + "." + ev.Type
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() {}

// Emit publishes ev and logs instead of failing when the broker is
// unavailable. State changes never depend on event delivery.
func Emit(ctx context.Context, p Publisher, ev Event) {
	if p == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = shortuuid.New()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	if err := p.Publish(ctx, ev); err != nil {
		slog.Warn("Failed to publish event", "type", ev.Type, "instance_id", ev.InstanceID, "error", err)
	}
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Close() {}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the recorded event types in publish order.
func (r *Recorder) Types() []string {
	events := r.Events()
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}
