package peerlink

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipe_OrderAndKinds(t *testing.T) {
	a, b := Pipe()
	ctx := context.Background()

	require.NoError(t, a.SendText([]byte(`{"type":"x"}`)))
	require.NoError(t, a.SendBinary([]byte{1, 2, 3}))
	require.NoError(t, a.SendText([]byte(`{"type":"y"}`)))

	f, err := b.Next(ctx)
	require.NoError(t, err)
	assert.False(t, f.Binary)
	assert.Equal(t, `{"type":"x"}`, string(f.Data))

	f, err = b.Next(ctx)
	require.NoError(t, err)
	assert.True(t, f.Binary)
	assert.Equal(t, []byte{1, 2, 3}, f.Data)

	f, err = b.Next(ctx)
	require.NoError(t, err)
	assert.False(t, f.Binary)
	assert.Equal(t, `{"type":"y"}`, string(f.Data))
}

func TestPipe_Bidirectional(t *testing.T) {
	a, b := Pipe()
	ctx := context.Background()

	require.NoError(t, a.SendText([]byte("ping")))
	require.NoError(t, b.SendText([]byte("pong")))

	f, err := b.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(f.Data))

	f, err = a.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(f.Data))
}

func TestPipe_SenderDoesNotShareBuffer(t *testing.T) {
	a, b := Pipe()
	ctx := context.Background()

	buf := []byte{1, 2, 3}
	require.NoError(t, a.SendBinary(buf))
	buf[0] = 99

	f, err := b.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, f.Data)
}

func TestPipe_CloseDrainsThenFails(t *testing.T) {
	a, b := Pipe()
	ctx := context.Background()

	require.NoError(t, a.SendText([]byte("last")))
	require.NoError(t, a.Close())

	f, err := b.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "last", string(f.Data))

	_, err = b.Next(ctx)
	assert.ErrorIs(t, err, ErrSessionClosed)

	assert.ErrorIs(t, a.SendText([]byte("x")), ErrSessionClosed)
}

func TestPipe_CloseWakesBlockedReader(t *testing.T) {
	a, b := Pipe()

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Next(context.Background())
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, a.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrSessionClosed)
	case <-time.After(time.Second):
		t.Fatal("reader not woken by close")
	}
}

func TestPipe_NextHonorsContext(t *testing.T) {
	_, b := Pipe()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
