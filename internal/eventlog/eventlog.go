// Package eventlog journals a runtime's control traffic as NDJSON and
// reads journals back for inspection.
package eventlog

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/iambrandonn/roam/internal/logging"
	"github.com/iambrandonn/roam/internal/ndjson"
	"github.com/iambrandonn/roam/internal/protocol"
)

// EventLog appends protocol messages to an NDJSON file
type EventLog struct {
	file    *os.File
	encoder *ndjson.Encoder
	logger  *slog.Logger
	mu      sync.Mutex
}

// NewEventLog opens logPath for appending, creating parent directories
func NewEventLog(logPath string, logger *slog.Logger) (*EventLog, error) {
	dir := filepath.Dir(logPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return &EventLog{
		file:    file,
		encoder: ndjson.NewEncoder(file, logger),
		logger:  logger,
	}, nil
}

// WriteRequest journals an inbound control request. Snapshot payloads
// can be large, so only the verb and addressing are kept for restores.
func (l *EventLog) WriteRequest(req *protocol.Request) error {
	entry := *req
	if entry.Verb == protocol.VerbRestoreAgent {
		entry.Payload = nil
	}
	return l.write(&entry)
}

// WriteResponse journals a control response
func (l *EventLog) WriteResponse(resp *protocol.Response) error {
	return l.write(resp)
}

// WriteMembership journals a gossip message
func (l *EventLog) WriteMembership(msg *protocol.MembershipMessage) error {
	return l.write(msg)
}

// WriteLog journals a log record
func (l *EventLog) WriteLog(log *protocol.Log) error {
	return l.write(log)
}

func (l *EventLog) write(v any) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.encoder.Encode(v)
}

// Close closes the event log file
func (l *EventLog) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// Journal is a parsed event log with messages grouped by kind.
type Journal struct {
	Requests   []*protocol.Request
	Responses  []*protocol.Response
	Membership []*protocol.MembershipMessage
	Logs       []*protocol.Log
	// Entries holds every message in file order.
	Entries []any
}

// Read parses the journal at path.
func Read(path string) (*Journal, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	defer file.Close()

	j := &Journal{}
	dec := ndjson.NewDecoder(file, logging.Discard())
	for {
		msg, err := dec.DecodeEnvelope()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading journal: %w", err)
		}
		j.Entries = append(j.Entries, msg)
		switch v := msg.(type) {
		case *protocol.Request:
			j.Requests = append(j.Requests, v)
		case *protocol.Response:
			j.Responses = append(j.Responses, v)
		case *protocol.MembershipMessage:
			j.Membership = append(j.Membership, v)
		case *protocol.Log:
			j.Logs = append(j.Logs, v)
		}
	}
	return j, nil
}

// Unanswered returns requests that asked for a reply and have no
// matching response in the journal.
func (j *Journal) Unanswered() []*protocol.Request {
	answered := make(map[string]bool, len(j.Responses))
	for _, resp := range j.Responses {
		answered[resp.ResponseID] = true
	}
	var out []*protocol.Request
	for _, req := range j.Requests {
		if req.ReplyTo != "" && !answered[req.RequestID] {
			out = append(out, req)
		}
	}
	return out
}
