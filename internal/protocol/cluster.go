package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iambrandonn/roam/internal/snapshot"
)

var (
	// ErrMissingName indicates an agent spec without a name.
	ErrMissingName = errors.New("protocol: agent name is required")
	// ErrMissingSource indicates an interpreted agent spec with neither source nor path.
	ErrMissingSource = errors.New("protocol: agent source or path is required")
)

// Language selects how a child executes its agent.
type Language string

const (
	// LanguageGo runs Go source in the child's interpreter.
	LanguageGo Language = "go"
	// LanguageProgram runs a program compiled into the roam binary.
	LanguageProgram Language = "program"
)

// Stdio selects how a child's standard streams are wired.
type Stdio string

const (
	StdioPubsub Stdio = "pubsub"
	StdioLocal  Stdio = "local"
)

// AgentSpec describes what to run. It is the payload of start_agent and
// the agent half of a deployment contract.
type AgentSpec struct {
	ID         string   `json:"id,omitempty" yaml:"id,omitempty" toml:"id,omitempty"`
	Name       string   `json:"name" yaml:"name" toml:"name"`
	Language   Language `json:"language" yaml:"language" toml:"language"`
	Source     string   `json:"source,omitempty" yaml:"source,omitempty" toml:"source,omitempty"`
	Path       string   `json:"path,omitempty" yaml:"path,omitempty" toml:"path,omitempty"`
	Program    string   `json:"program,omitempty" yaml:"program,omitempty" toml:"program,omitempty"`
	Args       []string `json:"args,omitempty" yaml:"args,omitempty" toml:"args,omitempty"`
	Migratable bool     `json:"migratable" yaml:"migratable" toml:"migratable"`
	Daemon     bool     `json:"daemon,omitempty" yaml:"daemon,omitempty" toml:"daemon,omitempty"`
	Stdio      Stdio    `json:"stdio,omitempty" yaml:"stdio,omitempty" toml:"stdio,omitempty"`
}

// Validate checks that the spec names something runnable. Source may be
// resolved later from Path, so either is accepted.
func (s AgentSpec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return ErrMissingName
	}
	switch s.Language {
	case LanguageGo, "":
		if s.Source == "" && s.Path == "" {
			return ErrMissingSource
		}
	case LanguageProgram:
		if s.Program == "" {
			return fmt.Errorf("protocol: agent %q: program name is required", s.Name)
		}
	default:
		return fmt.Errorf("protocol: agent %q: unknown language %q", s.Name, s.Language)
	}
	return nil
}

// RestoreAgentRequest carries a snapshot to the destination runtime of a
// migration.
type RestoreAgentRequest struct {
	Spec     AgentSpec          `json:"spec"`
	Snapshot *snapshot.Snapshot `json:"snapshot"`
}

// MigrateRequest asks an agent to move itself to Runtime.
type MigrateRequest struct {
	Runtime string `json:"runtime"`
}

// PipeSpec is the payload of start_pipe and pipe-create.
type PipeSpec struct {
	ID      string `json:"id"`
	Source  string `json:"source"`
	Sink    string `json:"sink"`
	Runtime string `json:"runtime,omitempty"`
}

// TargetRequest addresses a scheduler control verb at an agent (or
// Wildcard for every known agent).
type TargetRequest struct {
	Target  string `json:"target"`
	Runtime string `json:"runtime,omitempty"`
}

// RunRequest starts an agent, on Runtime when set and on the best
// placement otherwise.
type RunRequest struct {
	Spec    AgentSpec `json:"spec"`
	Runtime string    `json:"runtime,omitempty"`
}

// Deployment is a scheduler-held desired-state record.
type Deployment struct {
	ID        string    `json:"id" toml:"id"`
	Spec      AgentSpec `json:"spec" toml:"spec"`
	Runtime   string    `json:"runtime" toml:"runtime"`
	CreatedAt time.Time `json:"created_at" toml:"created_at"`
}

// Wildcard reports whether the deployment targets every live runtime.
func (d Deployment) Wildcard() bool { return d.Runtime == Wildcard }

// MembershipType is the gossip message type on the members topics.
type MembershipType string

const (
	MembershipJoin   MembershipType = "join"
	MembershipUpdate MembershipType = "update"
	MembershipLeave  MembershipType = "leave"
)

// MembershipMessage is broadcast on TopicMembers and sent privately on
// MembersTopic(peer) in reply to a join.
type MembershipMessage struct {
	Kind    MessageKind    `json:"kind"`
	Type    MembershipType `json:"type"`
	Sender  string         `json:"sender"`
	Summary *Summary       `json:"summary,omitempty"`
}

// Summary is everything a runtime tells its peers about itself.
type Summary struct {
	ID        string       `json:"id"`
	Device    Device       `json:"device"`
	Agents    []AgentInfo  `json:"agents"`
	Daemons   []AgentInfo  `json:"daemons"`
	Pipes     []PipeInfo   `json:"pipes"`
	Stat      ResourceStat `json:"stat"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Hosts reports whether an agent or daemon with the given name runs on
// this runtime and has not exited.
func (s *Summary) Hosts(name string) bool {
	for _, group := range [][]AgentInfo{s.Agents, s.Daemons} {
		for _, info := range group {
			if info.Name == name && info.Status != "exited" {
				return true
			}
		}
	}
	return false
}

// Device describes the host a runtime runs on.
type Device struct {
	Hostname      string  `json:"hostname"`
	OS            string  `json:"os"`
	Arch          string  `json:"arch"`
	CPUModel      string  `json:"cpu_model,omitempty"`
	Cores         int     `json:"cores"`
	AvgClockMHz   float64 `json:"avg_clock_mhz"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
}

// ResourceStat is the latest utilization sample of a runtime.
// CPUUtil is a fraction in [0,1].
type ResourceStat struct {
	CPUUtil    float64 `json:"cpu_util"`
	MemUsedMB  float64 `json:"mem_used_mb"`
	MemLimitMB float64 `json:"mem_limit_mb"`
}

// MemUtil returns used memory as a fraction of the limit.
func (r ResourceStat) MemUtil() float64 {
	if r.MemLimitMB <= 0 {
		return 0
	}
	return r.MemUsedMB / r.MemLimitMB
}

// AgentInfo is the public view of an agent or daemon.
type AgentInfo struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Runtime    string    `json:"runtime"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	Migratable bool      `json:"migratable"`
	Daemon     bool      `json:"daemon,omitempty"`
	Path       string    `json:"path,omitempty"`
	Stat       AgentStat `json:"stat"`
}

// AgentStat is a per-process resource sample.
type AgentStat struct {
	CPUPercent float64   `json:"cpu_pct"`
	MemoryMB   float64   `json:"memory_mb"`
	SampledAt  time.Time `json:"sampled_at"`
}

// StatsMessage is published on TopicStats by agent supervisors.
type StatsMessage struct {
	Kind    MessageKind `json:"kind"`
	Agent   string      `json:"agent"`
	Runtime string      `json:"runtime"`
	Stat    AgentStat   `json:"stat"`
}

// PipeInfo is the public view of a pipe.
type PipeInfo struct {
	ID     string    `json:"id"`
	Source string    `json:"source"`
	Sink   string    `json:"sink"`
	Stats  PipeStats `json:"stats"`
}

// PipeStats counts relayed traffic.
type PipeStats struct {
	Messages  int64     `json:"messages"`
	Bytes     int64     `json:"bytes"`
	StartedAt time.Time `json:"started_at"`
}

// PublishRequest is the payload of the publish syscall.
type PublishRequest struct {
	Topic   string `json:"topic"`
	Payload string `json:"payload"`
}

// FileRequest is the payload of the filesystem verbs. Data is used by
// writeFile only; Parents makes mkdir create missing parents.
type FileRequest struct {
	Path    string `json:"path"`
	Data    []byte `json:"data,omitempty"`
	Parents bool   `json:"parents,omitempty"`
}

// FileContent is the reply to readFile.
type FileContent struct {
	Path     string `json:"path"`
	Data     []byte `json:"data"`
	Checksum string `json:"checksum"`
}

// DirEntry is one element of a readdir reply.
type DirEntry struct {
	Name string `json:"name"`
	Dir  bool   `json:"dir"`
	Size int64  `json:"size"`
}

// KillAgentRequest asks a runtime to kill one of its agents.
type KillAgentRequest struct {
	Agent string `json:"agent"`
}

// TargetResult is one element of the reply to a wildcard control verb.
type TargetResult struct {
	Agent   string          `json:"agent"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}
