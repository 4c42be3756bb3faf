package node

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/iambrandonn/roam/internal/agent"
	"github.com/iambrandonn/roam/internal/protocol"
	"github.com/iambrandonn/roam/internal/rpc"
)

// register serves the runtime verbs on {id}:input.
func (r *Runtime) register() {
	r.ep.Handle(protocol.VerbStartAgent, func(ctx context.Context, req *protocol.Request) (any, error) {
		spec, err := rpc.Decode[protocol.AgentSpec](req)
		if err != nil {
			return nil, err
		}
		return r.StartAgent(ctx, spec)
	})
	r.ep.Handle(protocol.VerbRestoreAgent, func(ctx context.Context, req *protocol.Request) (any, error) {
		restore, err := rpc.Decode[protocol.RestoreAgentRequest](req)
		if err != nil {
			return nil, err
		}
		info, err := r.RestoreAgent(ctx, restore)
		if err != nil {
			// Restores are posted without a reply address, so this log
			// line is the only trace of a lost migration.
			r.logger.Error("restore failed", "agent", restore.Spec.ID, "from", req.Sender, "error", err)
			return nil, err
		}
		r.logger.Info("agent restored", "agent", info.ID, "from", req.Sender)
		return info, nil
	})
	r.ep.Handle(protocol.VerbKillAgent, func(ctx context.Context, req *protocol.Request) (any, error) {
		kill, err := rpc.Decode[protocol.KillAgentRequest](req)
		if err != nil {
			return nil, err
		}
		return nil, r.KillAgent(ctx, kill.Agent)
	})
	r.ep.Handle(protocol.VerbStartPipe, func(_ context.Context, req *protocol.Request) (any, error) {
		spec, err := rpc.Decode[protocol.PipeSpec](req)
		if err != nil {
			return nil, err
		}
		return r.StartPipe(spec)
	})
	r.ep.Handle(protocol.VerbKillPipe, func(_ context.Context, req *protocol.Request) (any, error) {
		spec, err := rpc.Decode[protocol.PipeSpec](req)
		if err != nil {
			return nil, err
		}
		return nil, r.KillPipe(spec.ID)
	})
	r.ep.Handle(protocol.VerbGetSummary, func(context.Context, *protocol.Request) (any, error) {
		return r.Summary(), nil
	})
}

// Syscall implements agent.Host.
func (r *Runtime) Syscall(ctx context.Context, a *agent.Agent, verb string, payload json.RawMessage) (any, error) {
	switch verb {
	case protocol.SyscallGetRuntime:
		return r.Summary(), nil
	case protocol.SyscallGetAgent:
		return a.Info(), nil
	case protocol.SyscallGetAllRuntimes:
		return r.Peers(), nil
	case protocol.SyscallGetAllAgents:
		var all []protocol.AgentInfo
		for _, s := range r.Peers() {
			all = append(all, s.Agents...)
			all = append(all, s.Daemons...)
		}
		sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
		return all, nil
	case protocol.SyscallGetAllPipes:
		var all []protocol.PipeInfo
		for _, s := range r.Peers() {
			all = append(all, s.Pipes...)
		}
		return all, nil
	case protocol.SyscallGetLocalDevice:
		return r.device, nil
	case protocol.SyscallPublish:
		var pub protocol.PublishRequest
		if err := json.Unmarshal(payload, &pub); err != nil {
			return nil, fmt.Errorf("publish: %w", err)
		}
		if pub.Topic == "" {
			return nil, fmt.Errorf("publish: topic is required")
		}
		return nil, r.cfg.Transport.Publish(ctx, pub.Topic, []byte(pub.Payload))
	case protocol.VerbReadFile, protocol.VerbWriteFile, protocol.VerbReaddir, protocol.VerbMkdir:
		return r.ep.Call(ctx, protocol.InputTopic(protocol.FilesystemAddr), verb, payload)
	}
	return nil, fmt.Errorf("unknown syscall %q", verb)
}
