package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndGet(t *testing.T) {
	r := NewRegistry()
	s := r.Create("10.0.0.1")
	require.NotEmpty(t, s.ID)
	assert.Equal(t, "10.0.0.1", s.RemoteAddr)

	got, ok := r.Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, s.ID, got.ID)

	_, ok = r.Get("nope")
	assert.False(t, ok)
}

func TestIDsAreUnique(t *testing.T) {
	r := NewRegistry()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		s := r.Create("x")
		require.False(t, seen[s.ID])
		seen[s.ID] = true
	}
}

func TestAttachChannel_RejectsSecond(t *testing.T) {
	r := NewRegistry()
	s := r.Create("x")

	require.NoError(t, r.AttachChannel(s.ID))
	require.ErrorIs(t, r.AttachChannel(s.ID), ErrChannelInUse)

	r.DetachChannel(s.ID)
	require.NoError(t, r.AttachChannel(s.ID))

	require.ErrorIs(t, r.AttachChannel("nope"), ErrNotFound)
}

func TestDestroy_Idempotent(t *testing.T) {
	r := NewRegistry()
	s := r.Create("x")
	r.Destroy(s.ID)
	r.Destroy(s.ID)
	_, ok := r.Get(s.ID)
	assert.False(t, ok)
	assert.Equal(t, 0, r.Count())
}

func TestSweep(t *testing.T) {
	r := NewRegistry()
	clock := time.Now()
	r.now = func() time.Time { return clock }

	stale := r.Create("x")
	attached := r.Create("x")
	require.NoError(t, r.AttachChannel(attached.ID))
	fresh := r.Create("x")

	clock = clock.Add(15 * time.Minute)
	r.Touch(fresh.ID)

	removed := r.Sweep(10 * time.Minute)
	assert.Equal(t, []string{stale.ID}, removed)

	_, ok := r.Get(stale.ID)
	assert.False(t, ok)
	_, ok = r.Get(attached.ID)
	assert.True(t, ok, "attached sessions are never swept")
	_, ok = r.Get(fresh.ID)
	assert.True(t, ok)
}
