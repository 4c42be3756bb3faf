package cli

import (
	"bytes"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestRootCommandRegistersSubcommands(t *testing.T) {
	for _, path := range [][]string{
		{"broker"},
		{"runtime"},
		{"child"},
		{"config", "init"},
		{"config", "show"},
		{"ctl", "run"},
		{"ctl", "deploy"},
		{"ctl", "withdraw"},
		{"ctl", "kill"},
		{"ctl", "migrate"},
		{"ctl", "pipe", "create"},
		{"snapshot", "inspect"},
		{"snapshot", "codegen"},
		{"journal"},
	} {
		cmd, rest, err := rootCmd.Find(path)
		require.NoError(t, err, "%v", path)
		require.Empty(t, rest)
		require.Equal(t, path[len(path)-1], cmd.Name())
	}
}

func TestChildCommandIsHidden(t *testing.T) {
	require.True(t, childCmd.Hidden)
}

func TestCtlFlagsAreInherited(t *testing.T) {
	for _, name := range []string{"broker", "timeout", "output"} {
		require.NotNil(t, lookupFlag(ctlCmd, name), name)
	}
	require.Equal(t, "o", lookupFlag(ctlCmd, "output").Shorthand)
	require.Equal(t, "f", lookupFlag(ctlDeployCmd, "file").Shorthand)
}

// execute runs the root command with args and returns its output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func resetFlag(cmd *cobra.Command, name string) {
	if flag := lookupFlag(cmd, name); flag != nil {
		_ = flag.Value.Set(flag.DefValue)
		flag.Changed = false
	}
}

func lookupFlag(cmd *cobra.Command, name string) *pflag.Flag {
	if flag := cmd.Flags().Lookup(name); flag != nil {
		return flag
	}
	return cmd.PersistentFlags().Lookup(name)
}
