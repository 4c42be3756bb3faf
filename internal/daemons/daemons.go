// Package daemons holds the programs every runtime keeps alive: the
// filesystem daemon and the scheduler. Daemon arguments are parsed
// like a command line so a spec's Args read the same as a shell
// invocation.
package daemons

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/pflag"

	"github.com/iambrandonn/roam/internal/fsd"
	"github.com/iambrandonn/roam/internal/protocol"
	"github.com/iambrandonn/roam/internal/rpc"
	"github.com/iambrandonn/roam/internal/scheduler"
	"github.com/iambrandonn/roam/internal/vm"
)

// Daemon names. They double as program names.
const (
	FS        = protocol.FilesystemAddr
	Scheduler = protocol.SchedulerAddr
)

// DefaultNames is the daemon set a runtime keeps alive unless
// configured otherwise.
var DefaultNames = []string{FS, Scheduler}

// ErrNoTransport is returned when a daemon is started without a broker
// connection.
var ErrNoTransport = errors.New("daemons: no transport")

// Options are rendered into daemon arguments.
type Options struct {
	FSRoot            string
	ContractsPath     string
	BalanceInterval   time.Duration
	ReconcileInterval time.Duration
	RPCTimeout        time.Duration
}

// Register adds every daemon program to programs.
func Register(programs *vm.Programs) {
	programs.Register(FS, FSProgram)
	programs.Register(Scheduler, SchedulerProgram)
}

// Specs returns the specs of the named daemons.
func Specs(names []string, opts Options) ([]protocol.AgentSpec, error) {
	specs := make([]protocol.AgentSpec, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		var args []string
		switch name {
		case FS:
			if opts.FSRoot != "" {
				args = append(args, "--root", opts.FSRoot)
			}
		case Scheduler:
			if opts.ContractsPath != "" {
				args = append(args, "--contracts", opts.ContractsPath)
			}
			if opts.BalanceInterval > 0 {
				args = append(args, "--balance-interval", opts.BalanceInterval.String())
			}
			if opts.ReconcileInterval > 0 {
				args = append(args, "--reconcile-interval", opts.ReconcileInterval.String())
			}
		default:
			return nil, fmt.Errorf("daemons: unknown daemon %q", name)
		}
		if opts.RPCTimeout > 0 {
			args = append(args, "--rpc-timeout", opts.RPCTimeout.String())
		}
		specs = append(specs, protocol.AgentSpec{
			Name:     name,
			Language: protocol.LanguageProgram,
			Program:  name,
			Args:     args,
			Daemon:   true,
		})
	}
	return specs, nil
}

func flagSet(name string, env *vm.Env) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	var out io.Writer = io.Discard
	if env.Stderr != nil {
		out = env.Stderr
	}
	fs.SetOutput(out)
	return fs
}

// FSProgram serves the filesystem verbs against --root.
func FSProgram(ctx context.Context, env *vm.Env) error {
	flags := flagSet(FS, env)
	root := flags.String("root", "roam-fs", "directory served to the cluster")
	timeout := flags.Duration("rpc-timeout", 0, "request timeout")
	if err := flags.Parse(env.Args); err != nil {
		return fmt.Errorf("fs: %w", err)
	}
	if env.Transport == nil {
		return ErrNoTransport
	}
	s, err := fsd.New(*root, env.Transport, rpc.Options{Clock: env.Clock, Logger: env.Logger, Timeout: *timeout})
	if err != nil {
		return err
	}
	return s.Serve(ctx)
}

// SchedulerProgram runs the cluster scheduler.
func SchedulerProgram(ctx context.Context, env *vm.Env) error {
	flags := flagSet(Scheduler, env)
	contracts := flags.String("contracts", "", "deployment contracts file, empty keeps them in memory")
	balance := flags.Duration("balance-interval", 0, "period of the load balancing pass")
	reconcile := flags.Duration("reconcile-interval", 0, "period of the contract reconciliation pass")
	timeout := flags.Duration("rpc-timeout", 0, "request timeout")
	if err := flags.Parse(env.Args); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if env.Transport == nil {
		return ErrNoTransport
	}
	s, err := scheduler.New(scheduler.Config{
		Transport:         env.Transport,
		Clock:             env.Clock,
		Logger:            env.Logger,
		RPCTimeout:        *timeout,
		BalanceInterval:   *balance,
		ReconcileInterval: *reconcile,
		ContractsPath:     *contracts,
		Syscall:           env.Syscall,
	})
	if err != nil {
		return err
	}
	err = s.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
