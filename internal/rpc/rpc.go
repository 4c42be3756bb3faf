// Package rpc implements correlated request/response over any
// message-oriented transport. The same Endpoint type serves the cluster
// control plane (pub/sub topics), the parent/child control channel
// (NDJSON lines) and agent syscalls.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iambrandonn/roam/internal/clock"
	"github.com/iambrandonn/roam/internal/protocol"
)

// DefaultTimeout bounds every call that is not answered.
const DefaultTimeout = 10 * time.Second

var (
	// ErrTimeout is returned when no response arrives in time. The callee
	// is not told; any work it started keeps running.
	ErrTimeout = errors.New("rpc: request timed out")
	// ErrClosed is returned for calls on, or pending in, a closed endpoint.
	ErrClosed = errors.New("rpc: endpoint closed")
)

// RemoteError is a {result:"error"} response.
type RemoteError struct {
	Sender  string
	Verb    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Sender, e.Verb, e.Message)
}

// Sender delivers encoded envelopes. For pub/sub transports to is a
// topic; point-to-point transports may ignore it.
type Sender interface {
	Send(ctx context.Context, to string, data []byte) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, to string, data []byte) error

func (f SenderFunc) Send(ctx context.Context, to string, data []byte) error { return f(ctx, to, data) }

// Handler serves one verb. The returned value is JSON encoded into the
// response payload; json.RawMessage is passed through untouched.
type Handler func(ctx context.Context, req *protocol.Request) (any, error)

// Options configures an Endpoint.
type Options struct {
	Timeout time.Duration
	Clock   clock.Clock
	Logger  *slog.Logger
	// OnRequest observes every inbound request before dispatch.
	OnRequest func(req *protocol.Request)
}

// Endpoint is one party of the request/response pattern: it owns a
// pending-call table and a handler registry.
type Endpoint struct {
	name   string
	inbox  string
	sender Sender
	opts   Options

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	handlers map[string]Handler
	pending  map[string]*pendingCall
	closed   bool
}

type pendingCall struct {
	verb  string
	done  chan result
	timer *clock.Timer
}

type result struct {
	payload json.RawMessage
	err     error
}

// New creates an endpoint that signs requests as name and asks for
// replies at inbox. The caller is responsible for feeding inbound
// traffic for inbox to Deliver.
func New(name, inbox string, sender Sender, opts Options) *Endpoint {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Endpoint{
		name:     name,
		inbox:    inbox,
		sender:   sender,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[string]Handler),
		pending:  make(map[string]*pendingCall),
	}
}

// Name returns the sender identity used on outgoing envelopes.
func (e *Endpoint) Name() string { return e.name }

// Inbox returns the address replies are requested at.
func (e *Endpoint) Inbox() string { return e.inbox }

// Handle registers h for verb, replacing any previous handler.
func (e *Endpoint) Handle(verb string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[verb] = h
}

// Unhandle deregisters verb.
func (e *Endpoint) Unhandle(verb string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.handlers, verb)
}

// Retain deregisters every verb not listed.
func (e *Endpoint) Retain(verbs ...string) {
	keep := make(map[string]bool, len(verbs))
	for _, v := range verbs {
		keep[v] = true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for verb := range e.handlers {
		if !keep[verb] {
			delete(e.handlers, verb)
		}
	}
}

// Verbs lists the registered verbs in sorted order.
func (e *Endpoint) Verbs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	verbs := make([]string, 0, len(e.handlers))
	for v := range e.handlers {
		verbs = append(verbs, v)
	}
	sort.Strings(verbs)
	return verbs
}

// Pending reports the number of unanswered calls.
func (e *Endpoint) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Call sends verb to the endpoint listening at to and waits for its
// response, the endpoint timeout, or ctx.
func (e *Endpoint) Call(ctx context.Context, to, verb string, payload any) (json.RawMessage, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("rpc: encode %s payload: %w", verb, err)
	}

	id := uuid.NewString()
	pc := &pendingCall{verb: verb, done: make(chan result, 1)}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	e.pending[id] = pc
	pc.timer = e.opts.Clock.AfterFunc(e.opts.Timeout, func() {
		e.resolve(id, result{err: fmt.Errorf("%w: %s to %s after %s", ErrTimeout, verb, to, e.opts.Timeout)})
	})
	e.mu.Unlock()

	req := protocol.Request{
		Kind:      protocol.MessageKindRequest,
		Sender:    e.name,
		RequestID: id,
		ReplyTo:   e.inbox,
		Verb:      verb,
		Payload:   raw,
	}
	if err := e.send(ctx, to, req); err != nil {
		e.evict(id)
		return nil, err
	}

	select {
	case res := <-pc.done:
		return res.payload, res.err
	case <-ctx.Done():
		e.evict(id)
		return nil, ctx.Err()
	}
}

// CallInto is Call followed by decoding the response payload into out.
func (e *Endpoint) CallInto(ctx context.Context, to, verb string, payload, out any) error {
	raw, err := e.Call(ctx, to, verb, payload)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("rpc: decode %s response: %w", verb, err)
	}
	return nil
}

// Post sends verb without a reply address; the callee runs the handler
// and sends nothing back.
func (e *Endpoint) Post(ctx context.Context, to, verb string, payload any) error {
	raw, err := encodePayload(payload)
	if err != nil {
		return fmt.Errorf("rpc: encode %s payload: %w", verb, err)
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return e.send(ctx, to, protocol.Request{
		Kind:      protocol.MessageKindRequest,
		Sender:    e.name,
		RequestID: uuid.NewString(),
		Verb:      verb,
		Payload:   raw,
	})
}

// Deliver feeds one inbound envelope to the endpoint. Requests are
// dispatched on their own goroutine so a handler may itself Call without
// blocking delivery of its response.
func (e *Endpoint) Deliver(data []byte) error {
	var peek struct {
		Kind protocol.MessageKind `json:"kind"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		return fmt.Errorf("rpc: invalid envelope: %w", err)
	}

	switch peek.Kind {
	case protocol.MessageKindRequest:
		var req protocol.Request
		if err := json.Unmarshal(data, &req); err != nil {
			return fmt.Errorf("rpc: invalid request: %w", err)
		}
		e.dispatch(&req)
		return nil
	case protocol.MessageKindResponse:
		var resp protocol.Response
		if err := json.Unmarshal(data, &resp); err != nil {
			return fmt.Errorf("rpc: invalid response: %w", err)
		}
		e.complete(&resp)
		return nil
	default:
		return fmt.Errorf("rpc: unexpected message kind %q", peek.Kind)
	}
}

// Close rejects every pending call with ErrClosed and cancels the context
// passed to running handlers. It does not wait for them.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	pending := e.pending
	e.pending = make(map[string]*pendingCall)
	e.mu.Unlock()

	for _, pc := range pending {
		if pc.timer != nil {
			pc.timer.Stop()
		}
		pc.done <- result{err: ErrClosed}
	}
	e.cancel()
	return nil
}

func (e *Endpoint) dispatch(req *protocol.Request) {
	if e.opts.OnRequest != nil {
		e.opts.OnRequest(req)
	}

	e.mu.Lock()
	h, ok := e.handlers[req.Verb]
	closed := e.closed
	e.mu.Unlock()

	if closed {
		return
	}
	if !ok {
		e.opts.Logger.Debug("no handler for verb", "endpoint", e.name, "verb", req.Verb, "sender", req.Sender)
		e.reply(req, nil, fmt.Errorf("unknown verb %q", req.Verb))
		return
	}

	go func() {
		value, err := e.invoke(h, req)
		e.reply(req, value, err)
	}()
}

func (e *Endpoint) invoke(h Handler, req *protocol.Request) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.opts.Logger.Error("handler panic", "endpoint", e.name, "verb", req.Verb, "panic", r)
			err = fmt.Errorf("panic in %s handler: %v\n%s", req.Verb, r, debug.Stack())
		}
	}()
	return h(e.ctx, req)
}

func (e *Endpoint) reply(req *protocol.Request, value any, err error) {
	if req.ReplyTo == "" {
		if err != nil {
			e.opts.Logger.Warn("posted request failed", "endpoint", e.name, "verb", req.Verb, "error", err)
		}
		return
	}

	resp := protocol.Response{
		Kind:       protocol.MessageKindResponse,
		Sender:     e.name,
		ResponseID: req.RequestID,
		Result:     protocol.ResultOkay,
	}
	if err != nil {
		resp.Result = protocol.ResultError
		resp.Payload, _ = json.Marshal(err.Error())
	} else if raw, encErr := encodePayload(value); encErr != nil {
		resp.Result = protocol.ResultError
		resp.Payload, _ = json.Marshal(fmt.Sprintf("encode response: %v", encErr))
	} else {
		resp.Payload = raw
	}

	if err := e.send(e.ctx, req.ReplyTo, resp); err != nil {
		e.opts.Logger.Warn("failed to send response", "endpoint", e.name, "verb", req.Verb, "to", req.ReplyTo, "error", err)
	}
}

func (e *Endpoint) complete(resp *protocol.Response) {
	e.mu.Lock()
	pc, ok := e.pending[resp.ResponseID]
	e.mu.Unlock()
	if !ok {
		e.opts.Logger.Debug("response for unknown request", "endpoint", e.name, "response_id", resp.ResponseID)
		return
	}

	if resp.Result == protocol.ResultError {
		e.resolve(resp.ResponseID, result{err: &RemoteError{
			Sender:  resp.Sender,
			Verb:    pc.verb,
			Message: errorMessage(resp.Payload),
		}})
		return
	}
	e.resolve(resp.ResponseID, result{payload: resp.Payload})
}

func (e *Endpoint) resolve(id string, res result) {
	e.mu.Lock()
	pc, ok := e.pending[id]
	delete(e.pending, id)
	e.mu.Unlock()
	if !ok {
		return
	}
	if pc.timer != nil {
		pc.timer.Stop()
	}
	pc.done <- res
}

func (e *Endpoint) evict(id string) {
	e.mu.Lock()
	pc, ok := e.pending[id]
	delete(e.pending, id)
	e.mu.Unlock()
	if ok && pc.timer != nil {
		pc.timer.Stop()
	}
}

func (e *Endpoint) send(ctx context.Context, to string, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("rpc: marshal envelope: %w", err)
	}
	if err := e.sender.Send(ctx, to, data); err != nil {
		return fmt.Errorf("rpc: send to %s: %w", to, err)
	}
	return nil
}

func encodePayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		return json.Marshal(v)
	}
}

func errorMessage(payload json.RawMessage) string {
	var msg string
	if err := json.Unmarshal(payload, &msg); err == nil {
		return msg
	}
	return string(payload)
}

// Decode unmarshals a request payload into T.
func Decode[T any](req *protocol.Request) (T, error) {
	var v T
	if len(req.Payload) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(req.Payload, &v); err != nil {
		return v, fmt.Errorf("invalid %s payload: %w", req.Verb, err)
	}
	return v, nil
}
