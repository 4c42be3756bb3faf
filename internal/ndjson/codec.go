package ndjson

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/iambrandonn/roam/internal/protocol"
)

// MaxMessageSize is the maximum NDJSON message size (16 MiB). Snapshots
// travel over the control channel, so the limit is generous.
const MaxMessageSize = 16 * 1024 * 1024

// Encoder writes NDJSON messages to an output stream. It is safe for
// concurrent use; each message is written and flushed under a lock.
type Encoder struct {
	mu     sync.Mutex
	writer *bufio.Writer
	logger *slog.Logger
}

// NewEncoder creates a new NDJSON encoder
func NewEncoder(w io.Writer, logger *slog.Logger) *Encoder {
	return &Encoder{
		writer: bufio.NewWriter(w),
		logger: logger,
	}
}

// Encode writes a message as a single JSON line
func (e *Encoder) Encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return e.WriteLine(data)
}

// WriteLine writes pre-encoded JSON as a single line.
func (e *Encoder) WriteLine(data []byte) error {
	if len(data) > MaxMessageSize {
		e.logger.Error("message exceeds size limit",
			"size", len(data),
			"limit", MaxMessageSize,
			"overflow", len(data)-MaxMessageSize)
		return fmt.Errorf("message size %d exceeds limit %d", len(data), MaxMessageSize)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := e.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	// Flush immediately for real-time communication
	if err := e.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush output: %w", err)
	}

	return nil
}

// Decoder reads NDJSON messages from an input stream
type Decoder struct {
	scanner *bufio.Scanner
	logger  *slog.Logger
	lineNum int
}

// NewDecoder creates a new NDJSON decoder
func NewDecoder(r io.Reader, logger *slog.Logger) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), MaxMessageSize)

	return &Decoder{
		scanner: scanner,
		logger:  logger,
	}
}

// Next returns the next non-empty line. The returned slice is a copy
// and stays valid after subsequent calls.
func (d *Decoder) Next() ([]byte, error) {
	for {
		if !d.scanner.Scan() {
			if err := d.scanner.Err(); err != nil {
				return nil, fmt.Errorf("scanner error at line %d: %w", d.lineNum, err)
			}
			return nil, io.EOF
		}
		d.lineNum++
		data := d.scanner.Bytes()
		if len(data) == 0 {
			continue
		}
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	}
}

// Decode reads the next NDJSON message
func (d *Decoder) Decode(v any) error {
	data, err := d.Next()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		d.logger.Error("failed to unmarshal JSON",
			"line", d.lineNum,
			"error", err,
			"data", string(data[:min(100, len(data))]))
		return fmt.Errorf("failed to unmarshal line %d: %w", d.lineNum, err)
	}
	return nil
}

// Frame is a raw line tagged with its kind.
type Frame struct {
	Kind protocol.MessageKind
	Data json.RawMessage
}

// DecodeFrame reads the next line and peeks at its kind without decoding
// the body, so request and response traffic can be handed to an rpc
// endpoint verbatim.
func (d *Decoder) DecodeFrame() (Frame, error) {
	data, err := d.Next()
	if err != nil {
		return Frame{}, err
	}
	var peek struct {
		Kind protocol.MessageKind `json:"kind"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		return Frame{}, fmt.Errorf("failed to unmarshal line %d: %w", d.lineNum, err)
	}
	if peek.Kind == "" {
		return Frame{}, fmt.Errorf("line %d: missing or invalid 'kind' field", d.lineNum)
	}
	return Frame{Kind: peek.Kind, Data: data}, nil
}

// DecodeEnvelope reads and routes a message based on its kind
func (d *Decoder) DecodeEnvelope() (any, error) {
	frame, err := d.DecodeFrame()
	if err != nil {
		return nil, err
	}
	return DecodeFrame(frame, d.logger)
}

// DecodeFrame decodes a frame into its typed envelope.
func DecodeFrame(frame Frame, logger *slog.Logger) (any, error) {
	var target any
	switch frame.Kind {
	case protocol.MessageKindRequest:
		target = &protocol.Request{}
	case protocol.MessageKindResponse:
		target = &protocol.Response{}
	case protocol.MessageKindBootstrap:
		target = &protocol.Bootstrap{}
	case protocol.MessageKindReady:
		target = &protocol.Ready{}
	case protocol.MessageKindLog:
		target = &protocol.Log{}
	case protocol.MessageKindMembership:
		target = &protocol.MembershipMessage{}
	case protocol.MessageKindStats:
		target = &protocol.StatsMessage{}
	default:
		if logger != nil {
			logger.Warn("unknown message kind", "kind", frame.Kind)
		}
		return nil, fmt.Errorf("unknown message kind: %s", frame.Kind)
	}
	if err := json.Unmarshal(frame.Data, target); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", frame.Kind, err)
	}
	return target, nil
}
