// Package membership holds a runtime's eventually consistent view of
// its peers and the leader election rule over it.
//
// Summaries are overwritten in arrival order (last write wins, no
// vector clocks). Only an explicit leave removes a peer: a crashed
// runtime stays in every table until it leaves.
package membership

import (
	"sort"
	"sync"

	"github.com/iambrandonn/roam/internal/protocol"
)

// Leader returns the lexicographically smallest id among self and
// peers. It is a pure function of the id set: peers holding the same
// set agree on the leader. There is no epoch, so peers with stale views
// may briefly disagree.
func Leader(self string, peers []string) string {
	leader := self
	for _, id := range peers {
		if leader == "" || (id != "" && id < leader) {
			leader = id
		}
	}
	return leader
}

// Table maps peer ids to their last summary. It never holds self.
type Table struct {
	self string

	mu    sync.RWMutex
	peers map[string]protocol.Summary
}

// NewTable returns an empty table owned by runtime self.
func NewTable(self string) *Table {
	return &Table{self: self, peers: make(map[string]protocol.Summary)}
}

// Self returns the owning runtime id.
func (t *Table) Self() string { return t.self }

// Apply folds one membership message into the table and reports
// whether the set of known ids changed.
func (t *Table) Apply(msg protocol.MembershipMessage) bool {
	if msg.Sender == "" || msg.Sender == t.self {
		return false
	}
	switch msg.Type {
	case protocol.MembershipJoin, protocol.MembershipUpdate:
		if msg.Summary == nil {
			return false
		}
		summary := *msg.Summary
		summary.ID = msg.Sender
		return t.Put(summary)
	case protocol.MembershipLeave:
		return t.Remove(msg.Sender)
	}
	return false
}

// Put stores s, overwriting any previous summary for s.ID. It reports
// whether s.ID was new.
func (t *Table) Put(s protocol.Summary) bool {
	if s.ID == "" || s.ID == t.self {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, known := t.peers[s.ID]
	t.peers[s.ID] = s
	return !known
}

// Remove drops a peer and reports whether it was known.
func (t *Table) Remove(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[id]; !ok {
		return false
	}
	delete(t.peers, id)
	return true
}

// Get returns the stored summary for id.
func (t *Table) Get(id string) (protocol.Summary, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.peers[id]
	return s, ok
}

// Len returns the number of known peers.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

// IDs returns the known peer ids in sorted order.
func (t *Table) IDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.peers))
	for id := range t.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Summaries returns every peer summary sorted by id.
func (t *Table) Summaries() []protocol.Summary {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]protocol.Summary, 0, len(t.peers))
	for _, s := range t.peers {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Leader applies Leader to self and the known peers.
func (t *Table) Leader() string {
	return Leader(t.self, t.IDs())
}

// IsLeader reports whether self is the current leader.
func (t *Table) IsLeader() bool {
	return t.Leader() == t.self
}

// Missing returns the names, in input order, that no summary hosts.
func Missing(names []string, summaries []protocol.Summary) []string {
	var missing []string
	for _, name := range names {
		hosted := false
		for i := range summaries {
			if summaries[i].Hosts(name) {
				hosted = true
				break
			}
		}
		if !hosted {
			missing = append(missing, name)
		}
	}
	return missing
}
