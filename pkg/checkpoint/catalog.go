package checkpoint

import (
	"fmt"
	"sort"
	"time"

	"p2p_checkpoint/pkg/p2p"
)

// CatalogOptions carry the per-run knobs applied to a catalog entry.
type CatalogOptions struct {
	// Timeout is attached to the selected criteria; zero leaves the
	// checkpoint without a deadline.
	Timeout time.Duration
	// ExpectedAgent, when set, turns the capability-exchange condition
	// into an exact agent-string match.
	ExpectedAgent string
}

// probesRequired is how many successful probes the liveness checkpoint
// demands from a single peer.
const probesRequired = 3

// Lookup resolves a checkpoint name to its criteria. Unknown names are
// a configuration error.
func Lookup(name string, opts CatalogOptions) (Criteria, error) {
	var conditions []Condition
	switch name {
	case "connectivity":
		// Passes as soon as a connection is established.
	case "ping":
		conditions = []Condition{
			MinSuccessfulProbes{N: probesRequired, PerPeer: true},
		}
	case "identify":
		conditions = []Condition{
			CapabilityExchangeObserved{Agent: opts.ExpectedAgent},
		}
	case "gossipsub":
		conditions = []Condition{
			TopicMessageObserved{Topic: p2p.ChatTopic},
		}
	case "kademlia":
		conditions = []Condition{
			RoutingConvergence{},
		}
	case "final":
		conditions = []Condition{
			MinSuccessfulProbes{N: probesRequired},
			CapabilityExchangeObserved{Agent: opts.ExpectedAgent},
			TopicMessageObserved{Topic: p2p.ChatTopic},
			RoutingConvergence{},
		}
	default:
		return Criteria{}, fmt.Errorf("unknown checkpoint %q (known: %v)", name, Names())
	}

	return Criteria{
		Name:       name,
		Conditions: conditions,
		Timeout:    opts.Timeout,
	}, nil
}

// Names lists the known checkpoint names.
func Names() []string {
	names := []string{"connectivity", "ping", "identify", "gossipsub", "kademlia", "final"}
	sort.Strings(names)
	return names
}
