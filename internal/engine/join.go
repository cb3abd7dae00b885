package engine

import (
	"encoding/json"
	"sync"
)

// JoinMode selects how a node with several inbound connections runs.
type JoinMode string

const (
	// JoinNone runs the node once per inbound edge that fires, each time with
	// that predecessor's output.
	JoinNone JoinMode = "none"
	// JoinAll runs the node once after every inbound edge has fired, with the
	// predecessor outputs merged.
	JoinAll JoinMode = "all"
)

// Valid reports whether m is a known join mode.
func (m JoinMode) Valid() bool {
	return m == JoinNone || m == JoinAll
}

// joinTracker collects arrivals for join nodes within one run.
type joinTracker struct {
	mu      sync.Mutex
	pending map[string][]json.RawMessage
}

func newJoinTracker() *joinTracker {
	return &joinTracker{pending: make(map[string][]json.RawMessage)}
}

// arrive records one input for nodeID. When want inputs have arrived it
// returns them and resets the node, so a cycle can fill it again.
func (j *joinTracker) arrive(nodeID string, want int, data json.RawMessage) ([]json.RawMessage, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	got := append(j.pending[nodeID], data)
	if len(got) < want {
		j.pending[nodeID] = got
		return nil, false
	}
	delete(j.pending, nodeID)
	return got, true
}

// waiting returns the number of inputs held for nodeID.
func (j *joinTracker) waiting(nodeID string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.pending[nodeID])
}
