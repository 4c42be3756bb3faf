package scheduler

import (
	"context"

	"github.com/iambrandonn/roam/internal/protocol"
	"github.com/iambrandonn/roam/internal/rpc"
)

// register serves the control surface on scheduler:input.
func (s *Scheduler) register() {
	s.ep.Handle(protocol.VerbRun, func(ctx context.Context, req *protocol.Request) (any, error) {
		run, err := rpc.Decode[protocol.RunRequest](req)
		if err != nil {
			return nil, err
		}
		return s.RunAgent(ctx, run.Spec, run.Runtime)
	})
	for _, verb := range []string{protocol.VerbKill, protocol.VerbPause, protocol.VerbResume, protocol.VerbSnapshot, protocol.VerbRestart, protocol.VerbStatus} {
		s.ep.Handle(verb, func(ctx context.Context, req *protocol.Request) (any, error) {
			target, err := rpc.Decode[protocol.TargetRequest](req)
			if err != nil {
				return nil, err
			}
			return s.Forward(ctx, verb, target.Target, nil)
		})
	}
	s.ep.Handle(protocol.VerbMigrate, func(ctx context.Context, req *protocol.Request) (any, error) {
		target, err := rpc.Decode[protocol.TargetRequest](req)
		if err != nil {
			return nil, err
		}
		return s.Migrate(ctx, target.Target, target.Runtime)
	})
	s.ep.Handle(protocol.VerbPipeCreate, func(ctx context.Context, req *protocol.Request) (any, error) {
		spec, err := rpc.Decode[protocol.PipeSpec](req)
		if err != nil {
			return nil, err
		}
		return s.CreatePipe(ctx, spec)
	})
	s.ep.Handle(protocol.VerbPipeDestroy, func(ctx context.Context, req *protocol.Request) (any, error) {
		spec, err := rpc.Decode[protocol.PipeSpec](req)
		if err != nil {
			return nil, err
		}
		return nil, s.DestroyPipe(ctx, spec)
	})
	s.ep.Handle(protocol.VerbDeploy, func(ctx context.Context, req *protocol.Request) (any, error) {
		run, err := rpc.Decode[protocol.RunRequest](req)
		if err != nil {
			return nil, err
		}
		return s.Deploy(ctx, run.Spec, run.Runtime)
	})
	s.ep.Handle(protocol.VerbWithdraw, func(_ context.Context, req *protocol.Request) (any, error) {
		target, err := rpc.Decode[protocol.TargetRequest](req)
		if err != nil {
			return nil, err
		}
		return nil, s.Withdraw(target.Target)
	})
	s.ep.Handle(protocol.VerbGetDeployments, func(context.Context, *protocol.Request) (any, error) {
		return s.store.List(), nil
	})
	s.ep.Handle(protocol.SyscallGetAllRuntimes, func(context.Context, *protocol.Request) (any, error) {
		return s.Runtimes(), nil
	})
}
