package snapshot

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() *Snapshot {
	return &Snapshot{
		Meta: Meta{URI: "roam://rt-a/a1", Filename: "counter.go", Cwd: "/srv", Agent: "a1", Runtime: "rt-a", Imports: []string{"fs"}, Packages: []Package{{Path: "strings"}, {Name: "r", Path: "math/rand/v2"}}},
		Tree: &Scope{
			ID: "0",
			Refs: map[string]*Value{
				"count": {Type: KindPrimitive, GoType: "int", Value: json.RawMessage("3")},
				"tick":  RefTo("0", 1, "*sys.Function"),
			},
			Objects: map[string]*Value{
				"1": {Type: KindFunction, GoType: "func()", Source: "func() { count++ }"},
				"2": {Type: KindBuffer, GoType: "*sys.Buffer", Data: []byte{0, 1, 2, 255}},
			},
			Hoisted: []string{"count"},
			Children: map[string]*Scope{
				"2": {ID: "2", Params: map[string]*Value{"n": {Type: KindPrimitive, GoType: "int", Value: json.RawMessage("5")}}},
				"10": {ID: "10", Objects: map[string]*Value{
					"1": {Type: KindObject, GoType: "*sys.Object", Fields: map[string]*Value{
						"name": {Type: KindPrimitive, GoType: "string", Value: json.RawMessage(`"x"`)},
						"next": RefTo("0", 1, "*sys.Function"),
					}},
				}},
			},
		},
		Timers: map[string]Timer{
			"1": {Type: TimerInterval, CallbackURI: "0/1", Timedelta: 100, CalledAt: 1_000_300, StoppedAt: 1_000_350},
		},
		Stdin: Stdin{Listeners: []string{"0/1"}},
	}
}

func TestIDDeterminism(t *testing.T) {
	id1, err := sample().ID()
	require.NoError(t, err)
	id2, err := sample().ID()
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.True(t, strings.HasPrefix(id1, "snap-"))
	assert.Len(t, id1, len("snap-")+12)
}

func TestIDChangesWithContent(t *testing.T) {
	a := sample()
	b := sample()
	b.Tree.Refs["count"].Value = json.RawMessage("4")
	idA, err := a.ID()
	require.NoError(t, err)
	idB, err := b.ID()
	require.NoError(t, err)
	assert.NotEqual(t, idA, idB)
}

func TestArchiveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a1.snap")
	in := sample()
	require.NoError(t, Save(in, path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(raw), "ROAMSNAP1"))

	out, err := Load(path)
	require.NoError(t, err)
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestArchiveIsDeterministic(t *testing.T) {
	a, err := Marshal(sample())
	require.NoError(t, err)
	b, err := Marshal(sample())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestLoadAcceptsJSON(t *testing.T) {
	data, err := Encode(sample())
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "a1.json")
	require.NoError(t, os.WriteFile(path, data, 0600))

	out, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "counter.go", out.Meta.Filename)
}

func TestSaveJSONPathWritesIndentedDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a1.json")
	in := sample()
	require.NoError(t, Save(in, path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(raw), "{\n  \"meta\": {"), string(raw[:20]))

	out, err := Load(path)
	require.NoError(t, err)
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestUnmarshalRejectsUnknownHeader(t *testing.T) {
	_, err := Unmarshal([]byte("garbage"))
	require.ErrorIs(t, err, ErrInvalid)
}

func TestWireFieldNames(t *testing.T) {
	data, err := Encode(sample())
	require.NoError(t, err)
	var generic map[string]any
	require.NoError(t, json.Unmarshal(data, &generic))

	assert.Contains(t, generic, "meta")
	assert.Contains(t, generic, "tree")
	assert.Contains(t, generic, "timers")
	assert.Contains(t, generic, "stdin")

	timer := generic["timers"].(map[string]any)["1"].(map[string]any)
	for _, key := range []string{"type", "callbackUri", "timedelta", "calledAt", "stoppedAt"} {
		assert.Contains(t, timer, key)
	}
	stdin := generic["stdin"].(map[string]any)
	for _, key := range []string{"listeners", "segmentListeners", "jsonListeners"} {
		assert.Contains(t, stdin, key)
	}
	buffer := generic["tree"].(map[string]any)["objects"].(map[string]any)["2"].(map[string]any)
	assert.Equal(t, "AAEC/w==", buffer["data"], "buffers are base64 on the wire")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *Snapshot)
		errMsg string
	}{
		{name: "valid", mutate: func(*Snapshot) {}},
		{name: "missing tree", mutate: func(s *Snapshot) { s.Tree = nil }, errMsg: "missing tree"},
		{name: "duplicate scope", mutate: func(s *Snapshot) { s.Tree.Children["2"].Children = map[string]*Scope{"10": {ID: "10"}} }, errMsg: "duplicate scope id"},
		{name: "mismatched child key", mutate: func(s *Snapshot) { s.Tree.Children["3"] = &Scope{ID: "4"} }, errMsg: "does not match"},
		{name: "bad timer type", mutate: func(s *Snapshot) { s.Timers["2"] = Timer{Type: "cron", CallbackURI: "0/1"} }, errMsg: "unknown type"},
		{name: "timer unknown scope", mutate: func(s *Snapshot) { s.Timers["2"] = Timer{Type: TimerTimeout, CallbackURI: "99/1"} }, errMsg: "unknown scope"},
		{name: "listener bad uri", mutate: func(s *Snapshot) { s.Stdin.JSONListeners = []string{"nope"} }, errMsg: "invalid callback uri"},
		{name: "ref without label", mutate: func(s *Snapshot) { s.Tree.Refs["bad"] = &Value{Type: KindRef} }, errMsg: "ref without label"},
		{name: "unknown kind", mutate: func(s *Snapshot) { s.Tree.Refs["bad"] = &Value{Type: "symbol"} }, errMsg: "unknown value type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := sample()
			tt.mutate(s)
			err := s.Validate()
			if tt.errMsg == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestTimerRemaining(t *testing.T) {
	tests := []struct {
		name  string
		timer Timer
		want  time.Duration
	}{
		{name: "mid period", timer: Timer{Timedelta: 100, CalledAt: 300, StoppedAt: 350}, want: 50 * time.Millisecond},
		{name: "not stopped", timer: Timer{Timedelta: 100, CalledAt: 300}, want: 100 * time.Millisecond},
		{name: "overdue", timer: Timer{Timedelta: 100, CalledAt: 300, StoppedAt: 500}, want: 0},
		{name: "clock skew", timer: Timer{Timedelta: 100, CalledAt: 400, StoppedAt: 350}, want: 100 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.timer.Remaining())
		})
	}
}

func TestURI(t *testing.T) {
	assert.Equal(t, "12/3", URI("12", 3))
	scope, local, err := ParseURI("12/3")
	require.NoError(t, err)
	assert.Equal(t, "12", scope)
	assert.Equal(t, 3, local)

	for _, bad := range []string{"", "3", "/3", "1/x", "1/0"} {
		_, _, err := ParseURI(bad)
		assert.Error(t, err, bad)
	}
}

func TestWalkOrder(t *testing.T) {
	var order []string
	require.NoError(t, sample().Tree.Walk(func(_, s *Scope) error {
		order = append(order, s.ID)
		return nil
	}))
	assert.Equal(t, []string{"0", "2", "10"}, order)
	assert.NotNil(t, sample().Tree.Find("10"))
	assert.Nil(t, sample().Tree.Find("7"))
}

func TestHasRefs(t *testing.T) {
	s := sample()
	assert.False(t, s.Tree.Refs["count"].HasRefs())
	assert.True(t, s.Tree.Refs["tick"].HasRefs())
	assert.True(t, s.Tree.Children["10"].Objects["1"].HasRefs())
}
