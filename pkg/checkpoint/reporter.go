package checkpoint

import (
	"fmt"
	"io"
	"sync"
	"time"

	libp2pPeer "github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// Reporter is the one-way status sink. Line format and literal tags are
// a compatibility contract with automated checkpoint graders; changing
// them breaks the harness.
type Reporter interface {
	Listening(addr ma.Multiaddr)
	Incoming(local, remote ma.Multiaddr)
	Connected(p libp2pPeer.ID, addr ma.Multiaddr)
	Closed(p libp2pPeer.ID)
	Ping(p libp2pPeer.ID, rtt time.Duration)
	Identify(p libp2pPeer.ID, agent string)
	Message(from, topic, text string)
	Subscribed(p libp2pPeer.ID, topic string)
	Unsubscribed(p libp2pPeer.ID, topic string)
	KademliaBootstrap()
	RoutingUpdated(p libp2pPeer.ID, isNew, removed bool)
	Error(msg string)
	NoMorePeers()
	SigQuit()
	Verdict(v Verdict)
}

// LineReporter writes one comma-separated line per event.
type LineReporter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewLineReporter wraps w, typically os.Stdout.
func NewLineReporter(w io.Writer) *LineReporter {
	return &LineReporter{w: w}
}

func (r *LineReporter) line(format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.w, format+"\n", args...)
}

func (r *LineReporter) Listening(addr ma.Multiaddr) {
	r.line("listening,%s", addr)
}

func (r *LineReporter) Incoming(local, remote ma.Multiaddr) {
	r.line("incoming,%s,%s", local, remote)
}

func (r *LineReporter) Connected(p libp2pPeer.ID, addr ma.Multiaddr) {
	r.line("connected,%s,%s", p, addr)
}

func (r *LineReporter) Closed(p libp2pPeer.ID) {
	r.line("closed,%s", p)
}

func (r *LineReporter) Ping(p libp2pPeer.ID, rtt time.Duration) {
	r.line("ping,%s,%d ms", p, rtt.Milliseconds())
}

func (r *LineReporter) Identify(p libp2pPeer.ID, agent string) {
	r.line("identify,%s,%s", p, agent)
}

func (r *LineReporter) Message(from, topic, text string) {
	r.line("msg,%s,%s,%s", from, topic, text)
}

func (r *LineReporter) Subscribed(p libp2pPeer.ID, topic string) {
	r.line("subscribe,%s,%s", p, topic)
}

func (r *LineReporter) Unsubscribed(p libp2pPeer.ID, topic string) {
	r.line("unsubscribe,%s,%s", p, topic)
}

func (r *LineReporter) KademliaBootstrap() {
	r.line("kademlia,bootstrap")
}

func (r *LineReporter) RoutingUpdated(p libp2pPeer.ID, isNew, removed bool) {
	switch {
	case isNew:
		r.line("kademlia,routing_update,new %s", p)
	case removed:
		r.line("kademlia,routing_update,removed %s", p)
	default:
		r.line("kademlia,routing_update")
	}
}

func (r *LineReporter) Error(msg string) {
	r.line("error,%s", msg)
}

func (r *LineReporter) NoMorePeers() {
	r.line("nomorepeers")
}

func (r *LineReporter) SigQuit() {
	r.line("sigquit")
}

func (r *LineReporter) Verdict(v Verdict) {
	switch v.Kind {
	case VerdictPassed:
		r.line("verdict,passed,%s", v.Summary)
	case VerdictFailed:
		r.line("verdict,failed,%s", v.Reason)
	default:
		r.line("verdict,failed,no verdict reached")
	}
}
