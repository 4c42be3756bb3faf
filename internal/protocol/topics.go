package protocol

// Shared topics.
const (
	TopicMembers = "members"
	TopicStats   = "stats"
)

// Wildcard targets every known agent, or every live runtime when used as
// a placement criterion.
const Wildcard = "*"

func InputTopic(id string) string   { return id + ":input" }
func MembersTopic(id string) string { return id + ":members" }
func StdinTopic(id string) string   { return id + ":stdin" }
func StdoutTopic(id string) string  { return id + ":stdout" }
func StderrTopic(id string) string  { return id + ":stderr" }

// Addresses served by the system daemons. A daemon's control endpoint
// listens on InputTopic of its address, not of its agent id.
const (
	FilesystemAddr = "fs"
	SchedulerAddr  = "scheduler"
)

// DaemonAgentID is the agent id a runtime gives to the daemon name it
// hosts, stable across in-place restarts.
func DaemonAgentID(name, runtime string) string { return name + "@" + runtime }
