package membership

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/roam/internal/protocol"
)

func TestLeaderIsMinimumID(t *testing.T) {
	tests := []struct {
		name  string
		self  string
		peers []string
		want  string
	}{
		{name: "alone", self: "r2", want: "r2"},
		{name: "self smallest", self: "a", peers: []string{"b", "c"}, want: "a"},
		{name: "peer smallest", self: "m", peers: []string{"z", "b", "q"}, want: "b"},
		{name: "lexicographic not numeric", self: "r10", peers: []string{"r9"}, want: "r10"},
		{name: "empty ids ignored", self: "r1", peers: []string{""}, want: "r1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Leader(tt.self, tt.peers))
		})
	}
}

func TestLeaderIsPureOverIDSet(t *testing.T) {
	ids := []string{"r4", "r1", "r7", "r3", "r9"}
	want := "r1"
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		perm := rng.Perm(len(ids))
		self := ids[perm[0]]
		var peers []string
		for _, p := range perm[1:] {
			peers = append(peers, ids[p])
		}
		assert.Equal(t, want, Leader(self, peers), "view from %s", self)
	}
}

func summary(id string, daemons ...string) *protocol.Summary {
	s := &protocol.Summary{ID: id}
	for _, d := range daemons {
		s.Daemons = append(s.Daemons, protocol.AgentInfo{Name: d, Status: "running", Daemon: true})
	}
	return s
}

func TestTableApply(t *testing.T) {
	table := NewTable("r2")

	assert.True(t, table.Apply(protocol.MembershipMessage{Type: protocol.MembershipJoin, Sender: "r1", Summary: summary("r1")}))
	assert.False(t, table.Apply(protocol.MembershipMessage{Type: protocol.MembershipJoin, Sender: "r2", Summary: summary("r2")}), "self is never stored")
	assert.Equal(t, []string{"r1"}, table.IDs())
	assert.Equal(t, "r1", table.Leader())
	assert.False(t, table.IsLeader())

	updated := summary("r1", "fs")
	assert.False(t, table.Apply(protocol.MembershipMessage{Type: protocol.MembershipUpdate, Sender: "r1", Summary: updated}))
	got, ok := table.Get("r1")
	require.True(t, ok)
	assert.True(t, got.Hosts("fs"), "update overwrites the stored summary")

	assert.False(t, table.Apply(protocol.MembershipMessage{Type: protocol.MembershipUpdate, Sender: "r3"}), "updates without a summary are ignored")

	assert.True(t, table.Apply(protocol.MembershipMessage{Type: protocol.MembershipLeave, Sender: "r1"}))
	assert.Zero(t, table.Len())
	assert.True(t, table.IsLeader())
	assert.False(t, table.Apply(protocol.MembershipMessage{Type: protocol.MembershipLeave, Sender: "r1"}))
}

func TestTableUpdateFromUnknownPeerAddsIt(t *testing.T) {
	table := NewTable("r1")
	assert.True(t, table.Apply(protocol.MembershipMessage{Type: protocol.MembershipUpdate, Sender: "r5", Summary: summary("")}))
	got, ok := table.Get("r5")
	require.True(t, ok)
	assert.Equal(t, "r5", got.ID, "the sender id wins over the summary's")
}

func TestMissing(t *testing.T) {
	summaries := []protocol.Summary{*summary("r1", "fs"), *summary("r2")}
	exited := summary("r3", "scheduler")
	exited.Daemons[0].Status = "exited"
	summaries = append(summaries, *exited)

	assert.Equal(t, []string{"scheduler", "shell"}, Missing([]string{"fs", "scheduler", "shell"}, summaries))
	assert.Empty(t, Missing([]string{"fs"}, summaries))
}

// There is no epoch: two runtimes that have not heard of each other yet
// both believe they lead until their views converge.
func TestStaleViewsDisagreeOnLeader(t *testing.T) {
	r1 := NewTable("r1")
	r2 := NewTable("r2")
	r2.Apply(protocol.MembershipMessage{Type: protocol.MembershipJoin, Sender: "r3", Summary: summary("r3")})

	assert.True(t, r1.IsLeader())
	assert.True(t, r2.IsLeader(), "r2 has not heard from r1")

	r2.Apply(protocol.MembershipMessage{Type: protocol.MembershipUpdate, Sender: "r1", Summary: summary("r1")})
	assert.False(t, r2.IsLeader())
	assert.Equal(t, "r1", r2.Leader())
}
