package domain

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errWouldBlock = errors.New("would block")

// choppyWriter accepts at most limit bytes per call and refuses every other call.
type choppyWriter struct {
	out   bytes.Buffer
	limit int
	calls int
}

func (w *choppyWriter) write(b []byte) (int, error) {
	w.calls++
	if w.calls%2 == 0 {
		return -1, errWouldBlock
	}
	if len(b) > w.limit {
		b = b[:w.limit]
	}
	w.out.Write(b)
	return len(b), nil
}

func TestQueuePreservesOrderAcrossPartialWrites(t *testing.T) {
	var q Queue
	var want bytes.Buffer
	for i := 0; i < 50; i++ {
		chunk := bytes.Repeat([]byte{byte(i)}, 1+i*7)
		want.Write(chunk)
		q.Push(chunk)
	}
	require.Equal(t, want.Len(), q.Len())

	w := &choppyWriter{limit: 13}
	for !q.Empty() {
		before := q.Len()
		n, err := q.Flush(w.write)
		if err != nil {
			require.ErrorIs(t, err, errWouldBlock)
		}
		assert.Equal(t, before-n, q.Len())
	}
	assert.Equal(t, want.Bytes(), w.out.Bytes())
}

func TestQueueFlushStopsOnShortWrite(t *testing.T) {
	var q Queue
	q.Push([]byte("hello"))
	q.Push([]byte("world"))

	calls := 0
	n, err := q.Flush(func(b []byte) (int, error) {
		calls++
		return 2, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 8, q.Len())

	var out []byte
	n, err = q.Flush(func(b []byte) (int, error) {
		out = append(out, b...)
		return len(b), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, "lloworld", string(out))
	assert.True(t, q.Empty())
}

func TestQueueIgnoresEmptyPushAndResets(t *testing.T) {
	var q Queue
	q.Push(nil)
	q.Push([]byte{})
	assert.True(t, q.Empty())

	q.Push([]byte("x"))
	q.Reset()
	assert.True(t, q.Empty())

	n, err := q.Flush(func(b []byte) (int, error) {
		t.Fatal("write on empty queue")
		return 0, nil
	})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTunnelQueueRouting(t *testing.T) {
	tun := NewTunnel(3, 4)

	assert.Equal(t, 4, tun.PeerOf(3))
	assert.Equal(t, 3, tun.PeerOf(4))
	assert.Same(t, tun.ClientToServer, tun.QueueFrom(3))
	assert.Same(t, tun.ClientToServer, tun.QueueTo(4))
	assert.Same(t, tun.ServerToClient, tun.QueueFrom(4))
	assert.Same(t, tun.ServerToClient, tun.QueueTo(3))

	tun.ClientToServer.Push([]byte("abc"))
	tun.ServerToClient.Push([]byte("de"))
	tun.Release()
	assert.True(t, tun.ClientToServer.Empty())
	assert.True(t, tun.ServerToClient.Empty())
}
