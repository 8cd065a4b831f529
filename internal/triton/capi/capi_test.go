//go:build triton

package capi

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SyedDaiam9101/triton-bridge/internal/bridge"
	"github.com/SyedDaiam9101/triton-bridge/internal/triton"
)

func TestErrorObjects(t *testing.T) {
	l := &Library{}

	nerr := l.ErrorNew(triton.ErrInvalidArg, "bad shape")
	require.NotZero(t, nerr)
	assert.Equal(t, triton.ErrInvalidArg, l.ErrorCode(nerr))
	assert.Equal(t, "bad shape", l.ErrorMessage(nerr))
	l.ErrorDelete(nerr)
}

func TestHeap(t *testing.T) {
	var h Heap
	buf, err := h.Alloc(64)
	require.NoError(t, err)
	require.Len(t, buf, 64)
	for i := range buf {
		buf[i] = byte(i)
	}
	assert.Equal(t, byte(63), buf[63])
	h.Free(buf)
	h.Free(nil)
}

// TestServer needs a model repository; set TRITON_BRIDGE_TEST_REPOSITORY to
// run it against the installed server.
func TestServer(t *testing.T) {
	repo := os.Getenv("TRITON_BRIDGE_TEST_REPOSITORY")
	if repo == "" {
		t.Skip("TRITON_BRIDGE_TEST_REPOSITORY not set")
	}

	l, err := Open(Options{ModelRepository: repo, BackendDirectory: os.Getenv("TRITON_BRIDGE_TEST_BACKENDS")})
	require.NoError(t, err)
	defer func() { assert.NoError(t, l.Close()) }()

	deadline := time.Now().Add(30 * time.Second)
	for !l.Ready() {
		if time.Now().After(deadline) {
			t.Fatal("server did not become ready")
		}
		time.Sleep(100 * time.Millisecond)
	}

	x, err := bridge.NewExecutor(l, l.Server(), bridge.WithHeap(Heap{}))
	require.NoError(t, err)
	defer x.Close()

	_, err = bridge.NewRequest(l, l.Server(), "no-such-model", -1)
	var be *bridge.Error
	assert.True(t, errors.As(err, &be), "unknown model: %v", err)
}
