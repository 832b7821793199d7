package checkpoint

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineReporter_Formats(t *testing.T) {
	var buf bytes.Buffer
	r := NewLineReporter(&buf)

	addr := mustAddr(t, "/ip4/10.0.0.2/tcp/9000")
	local := mustAddr(t, "/ip4/10.0.0.1/tcp/9000")

	r.Listening(addr)
	r.Incoming(local, addr)
	r.Connected(peerA, addr)
	r.Ping(peerA, 12*time.Millisecond)
	r.Identify(peerA, "universal-connectivity/0.1.0")
	r.Message("sender", "universal-connectivity", "hello")
	r.Subscribed(peerA, "universal-connectivity")
	r.Unsubscribed(peerA, "universal-connectivity")
	r.KademliaBootstrap()
	r.RoutingUpdated(peerA, true, false)
	r.RoutingUpdated(peerA, false, true)
	r.Error("boom")
	r.Closed(peerA)
	r.NoMorePeers()
	r.SigQuit()
	r.Verdict(Pass("all good"))
	r.Verdict(Fail("broke"))
	r.Verdict(Verdict{})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	expected := []string{
		"listening,/ip4/10.0.0.2/tcp/9000",
		"incoming,/ip4/10.0.0.1/tcp/9000,/ip4/10.0.0.2/tcp/9000",
		fmt.Sprintf("connected,%s,/ip4/10.0.0.2/tcp/9000", peerA),
		fmt.Sprintf("ping,%s,12 ms", peerA),
		fmt.Sprintf("identify,%s,universal-connectivity/0.1.0", peerA),
		"msg,sender,universal-connectivity,hello",
		fmt.Sprintf("subscribe,%s,universal-connectivity", peerA),
		fmt.Sprintf("unsubscribe,%s,universal-connectivity", peerA),
		"kademlia,bootstrap",
		fmt.Sprintf("kademlia,routing_update,new %s", peerA),
		fmt.Sprintf("kademlia,routing_update,removed %s", peerA),
		"error,boom",
		fmt.Sprintf("closed,%s", peerA),
		"nomorepeers",
		"sigquit",
		"verdict,passed,all good",
		"verdict,failed,broke",
		"verdict,failed,no verdict reached",
	}
	assert.Equal(t, expected, lines)
}

func TestLineReporter_SubMillisecondPing(t *testing.T) {
	var buf bytes.Buffer
	r := NewLineReporter(&buf)

	r.Ping(peerA, 300*time.Microsecond)
	assert.Equal(t, fmt.Sprintf("ping,%s,0 ms\n", peerA), buf.String())
}

func mustAddr(t *testing.T, s string) ma.Multiaddr {
	t.Helper()
	addr, err := ma.NewMultiaddr(s)
	require.NoError(t, err)
	return addr
}
