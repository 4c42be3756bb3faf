package transcript

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/iambrandonn/roam/internal/protocol"
)

// Formatter formats protocol messages for console output
type Formatter struct{}

// NewFormatter creates a new transcript formatter
func NewFormatter() *Formatter {
	return &Formatter{}
}

// Format dispatches on the message type. Unknown values are printed
// with %v.
func (f *Formatter) Format(msg any) string {
	switch m := msg.(type) {
	case *protocol.Request:
		return f.FormatRequest(m)
	case *protocol.Response:
		return f.FormatResponse(m)
	case *protocol.MembershipMessage:
		return f.FormatMembership(m)
	case *protocol.Log:
		return f.FormatLog(m)
	case *protocol.StatsMessage:
		return f.FormatStats(m)
	default:
		return fmt.Sprintf("%v", msg)
	}
}

// FormatRequest formats a control request for console display
func (f *Formatter) FormatRequest(req *protocol.Request) string {
	mode := "post"
	if req.ReplyTo != "" {
		mode = "call " + shortID(req.RequestID)
	}
	if len(req.Payload) > 0 {
		return fmt.Sprintf("[%s] %s (%s, %s)", req.Sender, req.Verb, mode, f.formatSize(int64(len(req.Payload))))
	}
	return fmt.Sprintf("[%s] %s (%s)", req.Sender, req.Verb, mode)
}

// FormatResponse formats a control response for console display
func (f *Formatter) FormatResponse(resp *protocol.Response) string {
	id := shortID(resp.ResponseID)
	if resp.Result == protocol.ResultError {
		var message string
		if err := json.Unmarshal(resp.Payload, &message); err != nil {
			message = string(resp.Payload)
		}
		// Panic payloads carry a stack; the first line is enough here.
		message, _, _ = strings.Cut(message, "\n")
		return fmt.Sprintf("[%s] error %s: %s", resp.Sender, id, message)
	}
	return fmt.Sprintf("[%s] %s %s", resp.Sender, resp.Result, id)
}

// FormatMembership formats a gossip message for console display
func (f *Formatter) FormatMembership(msg *protocol.MembershipMessage) string {
	if msg.Summary == nil {
		return fmt.Sprintf("[%s] %s", msg.Sender, msg.Type)
	}
	s := msg.Summary
	return fmt.Sprintf("[%s] %s agents=%d daemons=%d pipes=%d cpu=%.0f%% mem=%.0f%%",
		msg.Sender, msg.Type, len(s.Agents), len(s.Daemons), len(s.Pipes),
		s.Stat.CPUUtil*100, s.Stat.MemUtil()*100)
}

// FormatStats formats an agent resource sample for console display
func (f *Formatter) FormatStats(msg *protocol.StatsMessage) string {
	return fmt.Sprintf("[%s on %s] stats cpu=%.1f%% mem=%s",
		msg.Agent, msg.Runtime, msg.Stat.CPUPercent,
		f.formatSize(int64(msg.Stat.MemoryMB*1024*1024)))
}

// FormatLog formats a log message for console display
func (f *Formatter) FormatLog(log *protocol.Log) string {
	level := strings.ToUpper(string(log.Level))
	return fmt.Sprintf("[LOG:%s] %s", level, log.Message)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// formatSize formats a byte size in a human-readable format
func (f *Formatter) formatSize(bytes int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GiB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MiB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KiB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
