package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/roam/internal/checksum"
	"github.com/iambrandonn/roam/internal/codegen"
	"github.com/iambrandonn/roam/internal/eventlog"
	"github.com/iambrandonn/roam/internal/snapshot"
	"github.com/iambrandonn/roam/internal/transcript"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Inspect saved agent snapshots",
}

var snapshotInspectCmd = &cobra.Command{
	Use:   "inspect <file>",
	Short: "Summarize a snapshot archive or JSON document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if want, _ := cmd.Flags().GetString("checksum"); want != "" {
			if err := checksum.VerifyFile(args[0], want); err != nil {
				return fmt.Errorf("snapshot %s: %w", args[0], err)
			}
		}
		snap, err := snapshot.Load(args[0])
		if err != nil {
			return err
		}
		digest, err := checksum.File(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "file:     %s\n", digest)
		return inspectSnapshot(cmd.OutOrStdout(), snap)
	},
}

var snapshotCodegenCmd = &cobra.Command{
	Use:   "codegen <file>",
	Short: "Print the Go program that restores a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := snapshot.Load(args[0])
		if err != nil {
			return err
		}
		src, err := codegen.GoScript(snap)
		if err != nil {
			return err
		}
		_, err = io.WriteString(cmd.OutOrStdout(), src)
		return err
	},
}

var journalCmd = &cobra.Command{
	Use:   "journal <file>",
	Short: "Print a runtime's control traffic journal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		j, err := eventlog.Read(args[0])
		if err != nil {
			return err
		}
		formatter := transcript.NewFormatter()
		out := cmd.OutOrStdout()
		entries := j.Entries
		if unanswered, _ := cmd.Flags().GetBool("unanswered"); unanswered {
			entries = entries[:0:0]
			for _, req := range j.Unanswered() {
				entries = append(entries, req)
			}
		}
		for _, entry := range entries {
			fmt.Fprintln(out, formatter.Format(entry))
		}
		return nil
	},
}

func init() {
	snapshotInspectCmd.Flags().String("checksum", "", "Refuse the file unless its digest matches (blake3:<hex>)")
	snapshotCmd.AddCommand(snapshotInspectCmd, snapshotCodegenCmd)
	rootCmd.AddCommand(snapshotCmd)

	journalCmd.Flags().Bool("unanswered", false, "Only show calls that never got a response")
	rootCmd.AddCommand(journalCmd)
}

func inspectSnapshot(w io.Writer, snap *snapshot.Snapshot) error {
	id, err := snap.ID()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "id:       %s\n", id)
	fmt.Fprintf(w, "agent:    %s\n", snap.Meta.Agent)
	fmt.Fprintf(w, "runtime:  %s\n", snap.Meta.Runtime)
	fmt.Fprintf(w, "source:   %s\n", snap.Meta.URI)
	if snap.Meta.CapturedAt > 0 {
		fmt.Fprintf(w, "captured: %s\n", time.UnixMilli(snap.Meta.CapturedAt).UTC().Format(time.RFC3339))
	}
	if len(snap.Meta.Imports) > 0 {
		fmt.Fprintf(w, "imports:  %s\n", strings.Join(snap.Meta.Imports, ", "))
	}
	if len(snap.Meta.Packages) > 0 {
		paths := make([]string, len(snap.Meta.Packages))
		for i, pkg := range snap.Meta.Packages {
			paths[i] = pkg.Path
		}
		fmt.Fprintf(w, "packages: %s\n", strings.Join(paths, ", "))
	}

	fmt.Fprintln(w, "scopes:")
	if snap.Tree != nil {
		printScope(w, snap.Tree, 1)
	}

	fmt.Fprintf(w, "timers:   %d\n", len(snap.Timers))
	for _, id := range snapshot.SortedIDs(snap.Timers) {
		t := snap.Timers[id]
		fmt.Fprintf(w, "  %s %s %s remaining=%s\n", id, t.Type, t.CallbackURI, t.Remaining())
	}
	fmt.Fprintf(w, "stdin:    listeners=%d segment=%d json=%d\n",
		len(snap.Stdin.Listeners), len(snap.Stdin.SegmentListeners), len(snap.Stdin.JSONListeners))
	return nil
}

func printScope(w io.Writer, s *snapshot.Scope, depth int) {
	fmt.Fprintf(w, "%s%s params=%d refs=%d objects=%d hoisted=%d\n",
		strings.Repeat("  ", depth), s.ID, len(s.Params), len(s.Refs), len(s.Objects), len(s.Hoisted))
	for _, id := range snapshot.SortedIDs(s.Children) {
		printScope(w, s.Children[id], depth+1)
	}
}
