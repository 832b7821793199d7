package checkpoint

import (
	"context"
	"testing"
	"time"

	"p2p_checkpoint/pkg/p2p"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMux_DeliversEvents(t *testing.T) {
	events := make(chan p2p.Event, 1)
	mux := NewMux(events, time.Hour)
	defer mux.Close()

	events <- p2p.PeerDisconnected{Peer: peerA}

	in, err := mux.Next(context.Background())
	require.NoError(t, err)

	ne, ok := in.(NodeEvent)
	require.True(t, ok)
	assert.Equal(t, p2p.PeerDisconnected{Peer: peerA}, ne.Event)
}

func TestMux_DeliversTicks(t *testing.T) {
	events := make(chan p2p.Event)
	mux := NewMux(events, time.Millisecond)
	defer mux.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	in, err := mux.Next(ctx)
	require.NoError(t, err)
	assert.IsType(t, Tick{}, in)
}

func TestMux_ContextCancellation(t *testing.T) {
	events := make(chan p2p.Event)
	mux := NewMux(events, time.Hour)
	defer mux.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := mux.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
