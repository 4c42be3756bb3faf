package agent

import (
	"context"
	"fmt"

	"github.com/iambrandonn/roam/internal/protocol"
	"github.com/iambrandonn/roam/internal/rpc"
)

// registerControl serves the agent verbs on {id}:input.
func (a *Agent) registerControl() {
	a.control.Handle(protocol.VerbPause, func(ctx context.Context, _ *protocol.Request) (any, error) {
		return nil, a.Pause(ctx)
	})
	a.control.Handle(protocol.VerbResume, func(ctx context.Context, _ *protocol.Request) (any, error) {
		return nil, a.Resume(ctx)
	})
	a.control.Handle(protocol.VerbSnapshot, func(ctx context.Context, _ *protocol.Request) (any, error) {
		return a.Snapshot(ctx)
	})
	a.control.Handle(protocol.VerbMigrate, func(ctx context.Context, req *protocol.Request) (any, error) {
		mr, err := rpc.Decode[protocol.MigrateRequest](req)
		if err != nil {
			return nil, err
		}
		if mr.Runtime == "" {
			return nil, fmt.Errorf("migrate: target runtime is required")
		}
		return nil, a.Migrate(ctx, mr.Runtime)
	})
	a.control.Handle(protocol.VerbRestart, func(ctx context.Context, _ *protocol.Request) (any, error) {
		return nil, a.Restart(ctx)
	})
	a.control.Handle(protocol.VerbKill, func(ctx context.Context, _ *protocol.Request) (any, error) {
		return nil, a.Kill(ctx)
	})
	a.control.Handle(protocol.VerbStatus, func(context.Context, *protocol.Request) (any, error) {
		return a.Info(), nil
	})
}

var syscalls = []string{
	protocol.SyscallGetRuntime,
	protocol.SyscallGetAgent,
	protocol.SyscallGetAllRuntimes,
	protocol.SyscallGetAllAgents,
	protocol.SyscallGetAllPipes,
	protocol.SyscallGetLocalDevice,
	protocol.SyscallPublish,
	protocol.VerbReadFile,
	protocol.VerbWriteFile,
	protocol.VerbReaddir,
	protocol.VerbMkdir,
}

// registerSyscalls forwards the child's syscalls to the host runtime.
func (a *Agent) registerSyscalls(ep *rpc.Endpoint) {
	for _, verb := range syscalls {
		ep.Handle(verb, func(ctx context.Context, req *protocol.Request) (any, error) {
			if a.cfg.Host == nil {
				return nil, fmt.Errorf("%s: agent has no host runtime", verb)
			}
			return a.cfg.Host.Syscall(ctx, a, verb, req.Payload)
		})
	}
}
