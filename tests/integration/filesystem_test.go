package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxd/sandboxd/internal/session"
)

func TestFileRoundTrip(t *testing.T) {
	s := session.New(eng, nil, session.Config{JanitorInterval: time.Hour})
	defer s.Shutdown(context.Background())

	sess, err := s.Create(context.Background(), "fs-test", session.CreateConfig{Language: "python"})
	require.NoError(t, err)

	content := []byte("hello from the host\n")
	require.NoError(t, eng.PutFile(context.Background(), sess.ContainerID, "/workspace/greeting.txt", content))

	got, err := eng.GetFile(context.Background(), sess.ContainerID, "/workspace/greeting.txt")
	require.NoError(t, err)
	assert.Equal(t, content, got)

	entries, err := eng.ListFiles(context.Background(), sess.ContainerID, "/workspace")
	require.NoError(t, err)
	found := false
	for _, e := range entries {
		if e.Name == "greeting.txt" {
			found = true
		}
	}
	assert.True(t, found)

	require.NoError(t, eng.DeleteFile(context.Background(), sess.ContainerID, "/workspace/greeting.txt"))
	_, err = eng.GetFile(context.Background(), sess.ContainerID, "/workspace/greeting.txt")
	assert.Error(t, err)
}
