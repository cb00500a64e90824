package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithoutURLIsNop(t *testing.T) {
	p, err := New(Config{})
	require.NoError(t, err)
	assert.IsType(t, Nop{}, p)
	assert.NoError(t, p.Publish(context.Background(), Event{Type: InstanceQueued}))
	p.Close()
}

func TestNewNATSPublisherUnreachable(t *testing.T) {
	_, err := NewNATSPublisher(Config{URL: "nats://127.0.0.1:1"})
	assert.Error(t, err)
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "silo.instances.running", Subject(DefaultSubjectPrefix, Event{Type: InstanceRunning}))
}

type failingPublisher struct{ Nop }

func (failingPublisher) Publish(context.Context, Event) error { return errors.New("broker down") }

func TestEmit(t *testing.T) {
	rec := &Recorder{}
	Emit(context.Background(), rec, Event{Type: InstanceFailed, InstanceID: "i-1"})

	events := rec.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "i-1", events[0].InstanceID)
	assert.Len(t, events[0].ID, 22)
	assert.WithinDuration(t, time.Now(), events[0].Time, time.Minute)
	assert.Equal(t, []string{InstanceFailed}, rec.Types())

	assert.NotPanics(t, func() {
		Emit(context.Background(), failingPublisher{}, Event{Type: InstanceFailed})
		Emit(context.Background(), nil, Event{Type: InstanceFailed})
	})
}
