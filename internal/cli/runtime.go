package cli

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/iambrandonn/roam/internal/agent"
	"github.com/iambrandonn/roam/internal/config"
	"github.com/iambrandonn/roam/internal/daemons"
	"github.com/iambrandonn/roam/internal/eventlog"
	"github.com/iambrandonn/roam/internal/node"
	"github.com/iambrandonn/roam/internal/pubsub"
	"github.com/iambrandonn/roam/internal/vm"
)

var runtimeCmd = &cobra.Command{
	Use:   "runtime",
	Short: "Join the cluster as a runtime",
	Long: `Run a runtime: connect to the broker, announce this node, host agents
and take part in keeping the daemon set alive. The runtime leaves the
cluster gracefully on SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: runRuntime,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or create the runtime configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write the default configuration",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.FileName
		if len(args) == 1 {
			path = args[0]
		}
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
		if err := config.GenerateDefault().SaveToFile(path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		data, err := cfg.Marshal()
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

func init() {
	runtimeCmd.Flags().String("id", "", "Runtime id (overrides runtime.id)")
	runtimeCmd.Flags().String("broker", "", "Broker address (overrides broker.address)")
	runtimeCmd.Flags().Bool("in-process", false, "Run agents as goroutines instead of child processes")
	rootCmd.AddCommand(runtimeCmd)

	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}

// loadConfig reads --config, applies flag overrides and validates.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(viper.New(), path)
	if err != nil {
		return nil, err
	}
	for flag, field := range map[string]*string{
		"id":        &cfg.Runtime.ID,
		"broker":    &cfg.Broker.Address,
		"log-level": &cfg.Log.Level,
	} {
		if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
			*field = f.Value.String()
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// generateRuntimeID derives a readable unique id from the host name.
func generateRuntimeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "runtime"
	}
	host = strings.Map(func(r rune) rune {
		switch r {
		case ':', '@', ' ', '.':
			return '-'
		}
		return r
	}, strings.ToLower(host))
	return host + "-" + uuid.New().String()[:8]
}

func runRuntime(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, level, err := newLogger(cmd, cmd.ErrOrStderr(), cfg.Log.Level)
	if err != nil {
		return err
	}
	if cfg.Runtime.ID == "" {
		cfg.Runtime.ID = generateRuntimeID()
	}
	logger = logger.With("runtime", cfg.Runtime.ID)

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := pubsub.Dial(ctx, cfg.Broker.Address, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to broker %s: %w", cfg.Broker.Address, err)
	}
	defer client.Close()
	logger.Info("connected to broker", "address", cfg.Broker.Address)

	specs, err := cfg.DaemonSpecs()
	if err != nil {
		return err
	}

	var journal *eventlog.EventLog
	if cfg.Journal.Path != "" {
		journal, err = eventlog.NewEventLog(cfg.Journal.Path, logger)
		if err != nil {
			return err
		}
		defer journal.Close()
		logger.Info("journaling control traffic", "path", cfg.Journal.Path)
	}

	var launcher agent.Launcher = &agent.ExecLauncher{Logger: logger}
	if inProcess, _ := cmd.Flags().GetBool("in-process"); inProcess {
		programs := vm.NewPrograms()
		daemons.Register(programs)
		launcher = &agent.InProcessLauncher{Programs: programs, Transport: client, RPCTimeout: cfg.RPC.Timeout}
	}

	rt := node.New(node.Config{
		ID:            cfg.Runtime.ID,
		Transport:     client,
		Launcher:      launcher,
		Logger:        logger,
		Heartbeat:     cfg.Membership.Heartbeat,
		Settle:        cfg.Membership.Settle,
		Daemons:       specs,
		BrokerAddr:    cfg.Broker.Address,
		LogLevel:      level,
		StatsInterval: cfg.Agents.StatsInterval,
		KillGrace:     cfg.Agents.KillGrace,
		RPCTimeout:    cfg.RPC.Timeout,
		Stdout:        cmd.OutOrStdout(),
		Stderr:        cmd.ErrOrStderr(),
		Journal:       journal,
	})

	// Losing the broker leaves nothing to coordinate over.
	go func() {
		select {
		case <-client.Done():
			logger.Error("broker connection lost")
			stop()
		case <-ctx.Done():
		}
	}()

	return rt.Run(ctx)
}
