package protocol

import (
	"encoding/json"
	"time"

	"github.com/iambrandonn/roam/internal/snapshot"
)

// MessageKind discriminates envelopes on a shared channel.
type MessageKind string

const (
	MessageKindRequest    MessageKind = "request"
	MessageKindResponse   MessageKind = "response"
	MessageKindBootstrap  MessageKind = "bootstrap"
	MessageKindReady      MessageKind = "ready"
	MessageKindLog        MessageKind = "log"
	MessageKindMembership MessageKind = "membership"
	MessageKindStats      MessageKind = "stats"
)

// Result is the outcome carried by a Response.
type Result string

const (
	ResultOkay  Result = "okay"
	ResultError Result = "error"
)

// Request is the control envelope sent to a callee. ReplyTo is empty for
// fire-and-forget posts.
type Request struct {
	Kind      MessageKind     `json:"kind"`
	Sender    string          `json:"sender"`
	RequestID string          `json:"request_id"`
	ReplyTo   string          `json:"reply_to,omitempty"`
	Verb      string          `json:"verb"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Response answers a Request. On ResultError the payload is a JSON
// string holding the error message.
type Response struct {
	Kind       MessageKind     `json:"kind"`
	Sender     string          `json:"sender"`
	ResponseID string          `json:"response_id"`
	Result     Result          `json:"result"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Bootstrap is the first message a parent writes to a freshly spawned
// child on the control channel.
type Bootstrap struct {
	Kind       MessageKind `json:"kind"`
	AgentID    string      `json:"agent_id"`
	RuntimeID  string      `json:"runtime_id"`
	BrokerAddr string      `json:"broker_addr,omitempty"`
	Spec       AgentSpec   `json:"spec"`
	Args       []string    `json:"args,omitempty"`
	LogLevel   string      `json:"log_level,omitempty"`
	// Snapshot, when set, is restored instead of running Spec.Source.
	Snapshot *snapshot.Snapshot `json:"snapshot,omitempty"`
}

// Ready is the single acknowledgement a child sends after bootstrap.
// Every later message from the child is RPC or log traffic.
type Ready struct {
	Kind    MessageKind `json:"kind"`
	AgentID string      `json:"agent_id"`
	PID     int         `json:"pid"`
}

// LogLevel represents log severity
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Log is a diagnostic record shipped from a child to its supervisor.
type Log struct {
	Kind      MessageKind    `json:"kind"`
	Level     LogLevel       `json:"level"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Runtime control verbs, served on {runtime}:input.
const (
	VerbStartAgent   = "start_agent"
	VerbRestoreAgent = "restore_agent"
	VerbStartPipe    = "start_pipe"
	VerbKillPipe     = "kill_pipe"
	VerbGetSummary   = "get_summary"
	VerbKillAgent    = "kill_agent"
)

// Agent control verbs, served on {agent}:input and mirrored over the
// child control channel for pause, resume and snapshot.
const (
	VerbPause    = "pause"
	VerbResume   = "resume"
	VerbSnapshot = "snapshot"
	VerbMigrate  = "migrate"
	VerbRestart  = "restart"
	VerbKill     = "kill"
	VerbStatus   = "status"
)

// Child syscalls, forwarded by the Agent to its Runtime.
const (
	SyscallGetRuntime     = "getRuntime"
	SyscallGetAgent       = "getAgent"
	SyscallGetAllRuntimes = "getAllRuntimes"
	SyscallGetAllAgents   = "getAllAgents"
	SyscallGetAllPipes    = "getAllPipes"
	SyscallGetLocalDevice = "getLocalDevice"
	SyscallPublish        = "publish"
)

// Scheduler control surface.
const (
	VerbRun            = "run"
	VerbPipeCreate     = "pipe-create"
	VerbPipeDestroy    = "pipe-destroy"
	VerbDeploy         = "deploy"
	VerbWithdraw       = "withdraw"
	VerbGetDeployments = "get-deployments"
)

// Filesystem collaborator verbs.
const (
	VerbReadFile  = "readFile"
	VerbWriteFile = "writeFile"
	VerbReaddir   = "readdir"
	VerbMkdir     = "mkdir"
)
