package checkpoint

import (
	"fmt"
	"strings"
	"time"

	libp2pPeer "github.com/libp2p/go-libp2p/core/peer"
)

// Condition is one declarative pass requirement. Conditions are pure
// predicates over monotone evidence, so a satisfied condition can never
// become unsatisfied later in the run.
type Condition interface {
	Satisfied(ev *Evidence) bool
	Describe() string
}

// Criteria is the declarative description of one checkpoint: the
// conditions that must all hold for a Passed verdict, plus an optional
// timeout after which the run fails. New checkpoints are added by
// declaring criteria, not by writing orchestration code.
type Criteria struct {
	Name       string
	Conditions []Condition
	// Timeout fails the run once the tick-driven clock reaches it.
	// Zero disables it.
	Timeout time.Duration
}

// Evaluate is a pure function of the accumulated evidence. Satisfied
// conditions win over a simultaneous timeout.
func (c Criteria) Evaluate(ev *Evidence) Verdict {
	allSatisfied := true
	for _, cond := range c.Conditions {
		if !cond.Satisfied(ev) {
			allSatisfied = false
			break
		}
	}
	if allSatisfied {
		return Pass(c.summary())
	}
	return c.Expired(ev)
}

// Expired reports the timeout failure on its own, for run phases where
// passing is not yet possible. Pending while the deadline has not
// elapsed or no timeout is configured.
func (c Criteria) Expired(ev *Evidence) Verdict {
	if c.Timeout > 0 && ev.Elapsed() >= c.Timeout {
		return Fail(fmt.Sprintf("checkpoint %s timed out after %s", c.Name, c.Timeout))
	}
	return Verdict{}
}

func (c Criteria) summary() string {
	if len(c.Conditions) == 0 {
		return fmt.Sprintf("checkpoint %s: connection established", c.Name)
	}
	parts := make([]string, 0, len(c.Conditions))
	for _, cond := range c.Conditions {
		parts = append(parts, cond.Describe())
	}
	return fmt.Sprintf("checkpoint %s: %s", c.Name, strings.Join(parts, "; "))
}

// MinSuccessfulProbes requires n completed liveness probes. With Peer
// set the count is scoped to that peer; with PerPeer set some single
// peer must reach n on its own; otherwise the aggregate across all
// peers counts.
type MinSuccessfulProbes struct {
	N       int
	Peer    libp2pPeer.ID
	PerPeer bool
}

func (m MinSuccessfulProbes) Satisfied(ev *Evidence) bool {
	switch {
	case m.Peer != "":
		return ev.ProbesFor(m.Peer) >= m.N
	case m.PerPeer:
		return ev.MaxProbesPerPeer() >= m.N
	default:
		return ev.Probes() >= m.N
	}
}

func (m MinSuccessfulProbes) Describe() string {
	return fmt.Sprintf("%d successful probes", m.N)
}

// CapabilityExchangeObserved requires a completed identify exchange.
// With Agent set, the exchanged agent string must match it exactly.
type CapabilityExchangeObserved struct {
	Agent string
}

func (c CapabilityExchangeObserved) Satisfied(ev *Evidence) bool {
	observed, agent := ev.CapabilityObserved()
	if !observed {
		return false
	}
	return c.Agent == "" || agent == c.Agent
}

func (c CapabilityExchangeObserved) Describe() string {
	if c.Agent != "" {
		return fmt.Sprintf("capability exchange with agent %q", c.Agent)
	}
	return "capability exchange observed"
}

// TopicMessageObserved requires a message on Topic that decodes under
// the application schema. AcceptRaw also counts undecodable payloads;
// some checkpoints accept any raw bytes on the topic.
type TopicMessageObserved struct {
	Topic     string
	AcceptRaw bool
}

func (t TopicMessageObserved) Satisfied(ev *Evidence) bool {
	for _, msg := range ev.Messages() {
		if msg.Topic != t.Topic {
			continue
		}
		if msg.Decoded != nil || t.AcceptRaw {
			return true
		}
	}
	return false
}

func (t TopicMessageObserved) Describe() string {
	return fmt.Sprintf("message on topic %s", t.Topic)
}

// RoutingConvergence requires a routing-table refresh to report zero
// remaining work.
type RoutingConvergence struct{}

func (RoutingConvergence) Satisfied(ev *Evidence) bool {
	return ev.RoutingConverged()
}

func (RoutingConvergence) Describe() string {
	return "routing table converged"
}
