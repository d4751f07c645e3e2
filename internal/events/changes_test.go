package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariana-dot-dev/ariana-sub006/internal/common/logger"
	"github.com/ariana-dot-dev/ariana-sub006/internal/events/bus"
)

type fakeVersions struct {
	mu       sync.Mutex
	versions map[string]int64
	err      error
}

func (f *fakeVersions) BumpEventsVersion(ctx context.Context, agentID string) (int64, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, "", f.err
	}
	f.versions[agentID]++
	return f.versions[agentID], "owner-" + agentID, nil
}

func TestEmitter_EmitStampsVersion(t *testing.T) {
	log := logger.NewNop()
	b := bus.NewMemoryEventBus(log)
	defer b.Close()
	store := &fakeVersions{versions: map[string]int64{}}
	em := NewEmitter(store, b, "test", log)

	got := make(chan ChangeSet, 4)
	_, err := b.Subscribe(AllAgentChanges, func(ctx context.Context, ev *bus.Event) error {
		cs, err := DecodeChangeSet(ev)
		assert.NoError(t, err)
		got <- cs
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, em.Emit(ctx, ChangeSet{AgentID: "a1", Entity: EntityPrompt, Added: []string{"p1"}}))
	require.NoError(t, em.EmitBulk(ctx, "a1", EntityPrompt))

	var versions []int64
	for i := 0; i < 2; i++ {
		select {
		case cs := <-got:
			assert.Equal(t, "owner-a1", cs.OwnerID)
			versions = append(versions, cs.EventsVersion)
			if i == 1 {
				assert.True(t, cs.Bulk)
				assert.Empty(t, cs.Added)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for change")
		}
	}
	assert.Equal(t, []int64{1, 2}, versions)
}

func TestEmitter_StoreFailure(t *testing.T) {
	log := logger.NewNop()
	b := bus.NewMemoryEventBus(log)
	defer b.Close()
	em := NewEmitter(&fakeVersions{err: errors.New("db down")}, b, "test", log)

	err := em.Emit(context.Background(), ChangeSet{AgentID: "a1", Entity: EntityAgent})
	assert.Error(t, err)
}

func TestSubjects(t *testing.T) {
	id, ok := AgentIDFromSubject(AgentSubject("abc"))
	assert.True(t, ok)
	assert.Equal(t, "abc", id)

	_, ok = AgentIDFromSubject("machine.x.changed")
	assert.False(t, ok)
	assert.True(t, bus.MatchSubject(AllAgentChanges, AgentSubject("abc")))
	assert.True(t, bus.MatchSubject(AllAgentInterrupts, InterruptSubject("abc")))
	assert.False(t, bus.MatchSubject(AllAgentChanges, InterruptSubject("abc")))
}
