package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/iambrandonn/roam/internal/protocol"
	"github.com/iambrandonn/roam/internal/pubsub"
	"github.com/iambrandonn/roam/internal/rpc"
	"github.com/iambrandonn/roam/internal/snapshot"
)

var ctlCmd = &cobra.Command{
	Use:   "ctl",
	Short: "Send control verbs to the scheduler",
	Long: `Send control verbs to the cluster scheduler. Agent targets are agent
ids, or '*' to address every known agent.`,
}

// manifest is the YAML form of an agent spec accepted by run and deploy.
// SourceFile is read locally, relative to the manifest; Path is resolved
// by the filesystem daemon.
type manifest struct {
	protocol.AgentSpec `yaml:",inline"`
	SourceFile         string `yaml:"source_file,omitempty"`
	Runtime            string `yaml:"runtime,omitempty"`
}

func loadManifest(path string) (*manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	// Agents are migratable unless the manifest pins them.
	m := manifest{AgentSpec: protocol.AgentSpec{Migratable: true}}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	if err := m.resolve(filepath.Dir(path)); err != nil {
		return nil, err
	}
	return &m, nil
}

// resolve reads SourceFile relative to dir, fills in the language and
// validates the spec.
func (m *manifest) resolve(dir string) error {
	if m.SourceFile != "" {
		src := m.SourceFile
		if !filepath.IsAbs(src) {
			src = filepath.Join(dir, src)
		}
		code, err := os.ReadFile(src)
		if err != nil {
			return fmt.Errorf("failed to read agent source: %w", err)
		}
		m.Source = string(code)
	}
	if m.Language == "" {
		m.Language = protocol.LanguageGo
		if m.Program != "" {
			m.Language = protocol.LanguageProgram
		}
	}
	return m.Validate()
}

// ctlSession is a short-lived endpoint on the broker.
type ctlSession struct {
	client *pubsub.Client
	ep     *rpc.Endpoint
	sub    pubsub.Subscription
}

func dialCtl(ctx context.Context, cmd *cobra.Command) (*ctlSession, error) {
	addr, err := cmd.Flags().GetString("broker")
	if err != nil {
		return nil, err
	}
	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil {
		return nil, err
	}
	logger, _, err := newLogger(cmd, cmd.ErrOrStderr(), "warn")
	if err != nil {
		return nil, err
	}
	client, err := pubsub.Dial(ctx, addr, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker %s: %w", addr, err)
	}
	name := "ctl-" + uuid.New().String()[:8]
	ep := rpc.New(name, protocol.InputTopic(name), pubsub.Sender(client), rpc.Options{Logger: logger, Timeout: timeout})
	sub, err := pubsub.Serve(client, ep)
	if err != nil {
		client.Close()
		return nil, err
	}
	return &ctlSession{client: client, ep: ep, sub: sub}, nil
}

func (s *ctlSession) Close() {
	s.sub.Unsubscribe()
	s.ep.Close()
	s.client.Close()
}

// call sends verb to the scheduler and prints the reply.
func call(cmd *cobra.Command, verb string, payload any) error {
	raw, err := callRaw(cmd, verb, payload)
	if err != nil {
		return err
	}
	return printReply(cmd, raw)
}

func callRaw(cmd *cobra.Command, verb string, payload any) (json.RawMessage, error) {
	ctx := commandContext(cmd)
	s, err := dialCtl(ctx, cmd)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	raw, err := s.ep.Call(ctx, protocol.InputTopic(protocol.SchedulerAddr), verb, payload)
	if errors.Is(err, rpc.ErrTimeout) {
		return nil, fmt.Errorf("%s: no reply from the scheduler (is a runtime running?): %w", verb, err)
	}
	return raw, err
}

func printReply(cmd *cobra.Command, raw json.RawMessage) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	format, err := cmd.Flags().GetString("output")
	if err != nil {
		return err
	}
	return writeReply(cmd.OutOrStdout(), format, raw)
}

func writeReply(w io.Writer, format string, raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("invalid reply: %w", err)
	}
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml", "":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q (expected yaml or json)", format)
	}
}

// specFromFlags builds a run spec from -f or the inline flags.
func specFromFlags(cmd *cobra.Command) (protocol.AgentSpec, string, error) {
	flags := cmd.Flags()
	runtime, _ := flags.GetString("runtime")
	if file, _ := flags.GetString("file"); file != "" {
		m, err := loadManifest(file)
		if err != nil {
			return protocol.AgentSpec{}, "", err
		}
		if !flags.Changed("runtime") {
			runtime = m.Runtime
		}
		return m.AgentSpec, runtime, nil
	}

	m := manifest{}
	m.Name, _ = flags.GetString("name")
	m.Program, _ = flags.GetString("program")
	m.Path, _ = flags.GetString("path")
	m.SourceFile, _ = flags.GetString("source-file")
	m.Args, _ = flags.GetStringSlice("arg")
	m.Migratable, _ = flags.GetBool("migratable")

	if err := m.resolve("."); err != nil {
		return protocol.AgentSpec{}, "", err
	}
	return m.AgentSpec, runtime, nil
}

func addSpecFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("file", "f", "", "YAML agent manifest")
	cmd.Flags().String("name", "", "Agent name")
	cmd.Flags().String("program", "", "Built-in program to run")
	cmd.Flags().String("path", "", "Agent source path on the filesystem daemon")
	cmd.Flags().String("source-file", "", "Local agent source file")
	cmd.Flags().StringSlice("arg", nil, "Argument passed to the agent (repeatable)")
	cmd.Flags().Bool("migratable", true, "Allow the agent to be moved; --migratable=false pins it")
}

var ctlRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Start an agent on a runtime or on the best placement",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		spec, runtime, err := specFromFlags(cmd)
		if err != nil {
			return err
		}
		return call(cmd, protocol.VerbRun, protocol.RunRequest{Spec: spec, Runtime: runtime})
	},
}

var ctlDeployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Record a deployment contract",
	Long: `Record a deployment contract. With --runtime '*' the scheduler keeps
one instance on every live runtime, including runtimes that join later.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		spec, runtime, err := specFromFlags(cmd)
		if err != nil {
			return err
		}
		return call(cmd, protocol.VerbDeploy, protocol.RunRequest{Spec: spec, Runtime: runtime})
	},
}

var ctlWithdrawCmd = &cobra.Command{
	Use:   "withdraw <deployment-id>",
	Short: "Delete a deployment contract (its agents keep running)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, protocol.VerbWithdraw, protocol.TargetRequest{Target: args[0]})
	},
}

var ctlDeploymentsCmd = &cobra.Command{
	Use:   "deployments",
	Short: "List deployment contracts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, protocol.VerbGetDeployments, nil)
	},
}

var ctlRuntimesCmd = &cobra.Command{
	Use:   "runtimes",
	Short: "List runtimes known to the scheduler",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, protocol.SyscallGetAllRuntimes, nil)
	},
}

// targetCmd builds a command that forwards verb to an agent target.
func targetCmd(verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <agent-id|*>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, verb, protocol.TargetRequest{Target: args[0]})
		},
	}
}

var ctlSnapshotCmd = &cobra.Command{
	Use:   "snapshot <agent-id>",
	Short: "Capture an agent's state (the agent stays paused)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := callRaw(cmd, protocol.VerbSnapshot, protocol.TargetRequest{Target: args[0]})
		if err != nil {
			return err
		}
		out, _ := cmd.Flags().GetString("save")
		if out == "" {
			return printReply(cmd, raw)
		}
		snap, err := snapshot.Decode(raw)
		if err != nil {
			return err
		}
		if err := snapshot.Save(snap, out); err != nil {
			return err
		}
		id, err := snap.ID()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Saved %s to %s\n", id, out)
		return nil
	},
}

var ctlMigrateCmd = &cobra.Command{
	Use:   "migrate <agent-id|*>",
	Short: "Move an agent to another runtime",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		to, _ := cmd.Flags().GetString("to")
		return call(cmd, protocol.VerbMigrate, protocol.TargetRequest{Target: args[0], Runtime: to})
	},
}

var ctlPipeCmd = &cobra.Command{
	Use:   "pipe",
	Short: "Create or destroy topic pipes",
}

var ctlPipeCreateCmd = &cobra.Command{
	Use:   "create <source-topic> <sink-topic>",
	Short: "Relay every message from one topic to another",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		runtime, _ := cmd.Flags().GetString("runtime")
		return call(cmd, protocol.VerbPipeCreate, protocol.PipeSpec{ID: id, Source: args[0], Sink: args[1], Runtime: runtime})
	},
}

var ctlPipeDestroyCmd = &cobra.Command{
	Use:   "destroy <pipe-id>",
	Short: "Stop a pipe",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runtime, _ := cmd.Flags().GetString("runtime")
		return call(cmd, protocol.VerbPipeDestroy, protocol.PipeSpec{ID: args[0], Runtime: runtime})
	},
}

func init() {
	ctlCmd.PersistentFlags().String("broker", "127.0.0.1:7420", "Broker address")
	ctlCmd.PersistentFlags().Duration("timeout", 10*time.Second, "Reply timeout")
	ctlCmd.PersistentFlags().StringP("output", "o", "yaml", "Output format: yaml or json")

	addSpecFlags(ctlRunCmd)
	ctlRunCmd.Flags().String("runtime", "", "Runtime to start on (default: best placement)")
	addSpecFlags(ctlDeployCmd)
	ctlDeployCmd.Flags().String("runtime", "", "Runtime id, or '*' for every runtime (default: best placement)")

	ctlSnapshotCmd.Flags().String("save", "", "Write the snapshot archive to this file")
	ctlMigrateCmd.Flags().String("to", "", "Destination runtime (default: best placement)")
	ctlPipeCreateCmd.Flags().String("id", "", "Pipe id (default: generated)")
	for _, c := range []*cobra.Command{ctlPipeCreateCmd, ctlPipeDestroyCmd} {
		c.Flags().String("runtime", "", "Runtime hosting the pipe")
	}
	ctlPipeCmd.AddCommand(ctlPipeCreateCmd, ctlPipeDestroyCmd)

	ctlCmd.AddCommand(
		ctlRunCmd,
		ctlDeployCmd,
		ctlWithdrawCmd,
		ctlDeploymentsCmd,
		ctlRuntimesCmd,
		targetCmd(protocol.VerbKill, "Kill an agent"),
		targetCmd(protocol.VerbPause, "Pause an agent's timers and input"),
		targetCmd(protocol.VerbResume, "Resume a paused agent"),
		targetCmd(protocol.VerbRestart, "Restart an agent from its spec"),
		targetCmd(protocol.VerbStatus, "Show an agent's status"),
		ctlSnapshotCmd,
		ctlMigrateCmd,
		ctlPipeCmd,
	)
	rootCmd.AddCommand(ctlCmd)
}
