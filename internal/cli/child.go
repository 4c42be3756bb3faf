package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/roam/internal/agent"
	"github.com/iambrandonn/roam/internal/daemons"
	"github.com/iambrandonn/roam/internal/vm"
)

// childCmd is the entry point of an agent process started by
// agent.ExecLauncher. Control traffic uses the inherited descriptors;
// stdio is the agent's data plane.
var childCmd = &cobra.Command{
	Use:    "child",
	Short:  "Run one agent (started by a runtime)",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runChild,
}

func init() {
	rootCmd.AddCommand(childCmd)
}

func runChild(cmd *cobra.Command, args []string) error {
	control := os.NewFile(agent.ControlFD, "control")
	events := os.NewFile(agent.EventsFD, "events")
	if control == nil || events == nil {
		return fmt.Errorf("child: control descriptors %d and %d are not open", agent.ControlFD, agent.EventsFD)
	}
	defer control.Close()
	defer events.Close()

	// The parent decides when a child dies; a terminal ^C reaches the
	// whole process group and must not kill agents behind its back.
	signal.Ignore(os.Interrupt)
	ctx, stop := signal.NotifyContext(commandContext(cmd), syscall.SIGTERM)
	defer stop()

	programs := vm.NewPrograms()
	daemons.Register(programs)
	return vm.ServeChild(ctx, vm.ChildIO{
		Control:  control,
		Events:   events,
		Stdin:    os.Stdin,
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
		Programs: programs,
	})
}
