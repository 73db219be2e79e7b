package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxd/sandboxd/internal/audit"
	"github.com/sandboxd/sandboxd/internal/engine/enginetest"
	"github.com/sandboxd/sandboxd/internal/errdefs"
)

func newStore(t *testing.T, fake *enginetest.Fake, interval time.Duration) *Store {
	t.Helper()
	s := New(fake, nil, Config{JanitorInterval: interval})
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	return s
}

func TestCreateAndGet(t *testing.T) {
	fake := enginetest.New()
	s := newStore(t, fake, time.Hour)

	sess, err := s.Create(context.Background(), "work", CreateConfig{Language: "python"})
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, StateActive, sess.State)
	assert.Nil(t, sess.ExpiresAt)
	assert.True(t, fake.Containers[sess.ContainerID].Running)

	// Lookup by name and by id both hit.
	assert.Equal(t, sess.ID, s.Get("work").ID)
	assert.Equal(t, sess.ID, s.Get(sess.ID).ID)
	assert.Nil(t, s.Get("missing"))
}

func TestCreateDuplicateName(t *testing.T) {
	fake := enginetest.New()
	s := newStore(t, fake, time.Hour)

	_, err := s.Create(context.Background(), "dup", CreateConfig{Language: "python"})
	require.NoError(t, err)

	_, err = s.Create(context.Background(), "dup", CreateConfig{Language: "go"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrAlreadyExists))
}

func TestCreateFailureFreesName(t *testing.T) {
	fake := enginetest.New()
	fake.CreateErr = errors.New("daemon down")
	s := newStore(t, fake, time.Hour)

	_, err := s.Create(context.Background(), "retry", CreateConfig{Language: "python"})
	require.Error(t, err)

	fake.CreateErr = nil
	_, err = s.Create(context.Background(), "retry", CreateConfig{Language: "python"})
	assert.NoError(t, err)
}

func TestGetRefreshesLastUsed(t *testing.T) {
	fake := enginetest.New()
	s := newStore(t, fake, time.Hour)
	sess, err := s.Create(context.Background(), "w", CreateConfig{Language: "python"})
	require.NoError(t, err)

	before := sess.LastUsedAt
	time.Sleep(5 * time.Millisecond)
	got := s.Get("w")
	assert.True(t, got.LastUsedAt.After(before))
}

func TestPauseResumeIdempotent(t *testing.T) {
	fake := enginetest.New()
	s := newStore(t, fake, time.Hour)
	sess, err := s.Create(context.Background(), "p", CreateConfig{Language: "python"})
	require.NoError(t, err)

	require.NoError(t, s.Pause(context.Background(), "p"))
	assert.Equal(t, StatePaused, s.Get("p").State)
	assert.True(t, fake.Containers[sess.ContainerID].Paused)

	// Pause after pause is a no-op.
	require.NoError(t, s.Pause(context.Background(), "p"))

	require.NoError(t, s.Resume(context.Background(), "p"))
	assert.Equal(t, StateActive, s.Get("p").State)
	assert.False(t, fake.Containers[sess.ContainerID].Paused)

	// Resume after resume is a no-op.
	require.NoError(t, s.Resume(context.Background(), "p"))
	assert.Equal(t, StateActive, s.Get("p").State)

	assert.ErrorIs(t, s.Pause(context.Background(), "nope"), errdefs.ErrNotFound)
}

func TestExtend(t *testing.T) {
	fake := enginetest.New()
	s := newStore(t, fake, time.Hour)
	_, err := s.Create(context.Background(), "e", CreateConfig{Language: "python"})
	require.NoError(t, err)

	// Unset expiry becomes now+delta.
	require.NoError(t, s.Extend("e", time.Minute))
	first := *s.Get("e").ExpiresAt
	assert.True(t, first.After(time.Now()))

	// Set expiry is extended by delta.
	require.NoError(t, s.Extend("e", time.Minute))
	second := *s.Get("e").ExpiresAt
	assert.Equal(t, time.Minute, second.Sub(first))

	assert.Error(t, s.Extend("e", 0))
	assert.ErrorIs(t, s.Extend("nope", time.Minute), errdefs.ErrNotFound)
}

func TestDestroyIdempotent(t *testing.T) {
	fake := enginetest.New()
	s := newStore(t, fake, time.Hour)
	sess, err := s.Create(context.Background(), "d", CreateConfig{Language: "python"})
	require.NoError(t, err)

	require.NoError(t, s.Destroy(context.Background(), "d"))
	assert.Nil(t, s.Get("d"))
	assert.Contains(t, fake.Removed, sess.ContainerID)

	// Already gone is success.
	require.NoError(t, s.Destroy(context.Background(), "d"))
	require.NoError(t, s.Destroy(context.Background(), sess.ID))
}

func TestJanitorDestroysExpired(t *testing.T) {
	fake := enginetest.New()
	aud := audit.New("", 100)
	s := New(fake, aud, Config{JanitorInterval: 20 * time.Millisecond})
	t.Cleanup(func() { s.Shutdown(context.Background()) })

	sess, err := s.Create(context.Background(), "short", CreateConfig{
		Language: "python",
		TTL:      30 * time.Millisecond,
	})
	require.NoError(t, err)

	_, err = s.Create(context.Background(), "long", CreateConfig{Language: "python"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return s.Get("short") == nil
	}, 2*time.Second, 10*time.Millisecond)

	assert.NotNil(t, s.Get("long"))
	assert.Contains(t, fake.Removed, sess.ContainerID)

	events := aud.Recent(10, audit.Filter{Type: audit.TypeSessionDestroy})
	require.NotEmpty(t, events)
	assert.Equal(t, "ttl expired", events[0].Details["reason"])
}

func TestShutdownDestroysAll(t *testing.T) {
	fake := enginetest.New()
	s := New(fake, nil, Config{JanitorInterval: time.Hour})

	_, err := s.Create(context.Background(), "a", CreateConfig{Language: "python"})
	require.NoError(t, err)
	_, err = s.Create(context.Background(), "b", CreateConfig{Language: "go"})
	require.NoError(t, err)

	s.Shutdown(context.Background())
	assert.Equal(t, 0, s.Stats().Total)
	assert.Equal(t, 0, fake.ContainerCount())
}

func TestStats(t *testing.T) {
	fake := enginetest.New()
	s := newStore(t, fake, time.Hour)
	_, err := s.Create(context.Background(), "a", CreateConfig{Language: "python"})
	require.NoError(t, err)
	_, err = s.Create(context.Background(), "b", CreateConfig{Language: "python"})
	require.NoError(t, err)
	require.NoError(t, s.Pause(context.Background(), "b"))

	st := s.Stats()
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 1, st.ByState[string(StateActive)])
	assert.Equal(t, 1, st.ByState[string(StatePaused)])
	assert.Equal(t, 2, st.ByLanguage["python"])
}
