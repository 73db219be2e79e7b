package engine

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCappedWriterUnderLimit(t *testing.T) {
	w := &cappedWriter{max: 64}
	n, err := w.Write([]byte("hello"))
	assert.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", w.String())
}

func TestCappedWriterTruncates(t *testing.T) {
	w := &cappedWriter{max: 8}
	_, _ = w.Write([]byte("0123456789abcdef"))
	out := w.String()
	assert.True(t, strings.HasPrefix(out, "01234567"))
	assert.True(t, strings.HasSuffix(out, TruncationMarker))
	assert.Equal(t, 8+len(TruncationMarker), len(out))

	// Subsequent writes are swallowed without growing the buffer.
	n, err := w.Write([]byte("more"))
	assert.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, out, w.String())
}

func TestCappedWriterMarkerOnlyWhenTruncated(t *testing.T) {
	w := &cappedWriter{max: 8}
	_, _ = w.Write([]byte("12345678"))
	assert.Equal(t, "12345678", w.String())

	// One more byte tips it over.
	_, _ = w.Write([]byte("9"))
	assert.True(t, strings.HasSuffix(w.String(), TruncationMarker))
}

func TestBenignLifecycleError(t *testing.T) {
	assert.True(t, benignLifecycleError(nil))
	assert.True(t, benignLifecycleError(errors.New("Container abc is already started")))
	assert.True(t, benignLifecycleError(errors.New("Container abc is not running")))
	assert.True(t, benignLifecycleError(errors.New("Container abc is already paused")))
	assert.False(t, benignLifecycleError(errors.New("dial unix /var/run/docker.sock: connect: no such file")))
}
