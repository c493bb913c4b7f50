package transport

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mossy-p/collab-relay/internal/models"
)

func TestProcessManagerLifecycle(t *testing.T) {
	t.Cleanup(Teardown)

	_, err := Get()
	require.ErrorIs(t, err, models.ErrNotInitialized)

	first := Init(Config{URL: "ws://127.0.0.1:1/ws"})
	second := Init(Config{URL: "ws://elsewhere/ws"})
	require.Same(t, first, second)

	got, err := Get()
	require.NoError(t, err)
	require.Same(t, first, got)

	Teardown()
	_, err = Get()
	require.ErrorIs(t, err, models.ErrNotInitialized)
	Teardown()

	third := Init(Config{URL: "ws://127.0.0.1:1/ws"})
	require.NotSame(t, first, third)
}
