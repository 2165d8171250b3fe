package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var futureCmd = &cobra.Command{
	Use:   "future",
	Short: "Manage deferred work discovered after planning",
}

var futureListCmd = &cobra.Command{
	Use:   "list",
	Short: "List deferred work entries",
	Args:  cobra.NoArgs,
	RunE:  runFutureList,
}

var futureAddCmd = &cobra.Command{
	Use:   "add <description>",
	Short: "Record deferred work as an independent entry",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runFutureAdd,
}

var futurePromoteCmd = &cobra.Command{
	Use:   "promote <future-work-id>",
	Short: "Turn a deferred entry into a real pending task",
	Args:  cobra.ExactArgs(1),
	RunE:  runFuturePromote,
}

var flagIntendedWave int

func init() {
	futureAddCmd.Flags().IntVar(&flagIntendedWave, "wave", 0, "wave this work was discovered for")
	futureCmd.AddCommand(futureListCmd)
	futureCmd.AddCommand(futureAddCmd)
	futureCmd.AddCommand(futurePromoteCmd)
}

func runFutureList(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	set, err := app.store.LoadOrInit()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(set.FutureWork) == 0 {
		fmt.Fprintln(out, "no deferred work")
		return nil
	}
	for _, entry := range set.FutureWork {
		line := fmt.Sprintf("  %s  %s", entry.ID, entry.Description)
		if entry.IntendedWave > 0 {
			line += fmt.Sprintf(" (intended wave %d)", entry.IntendedWave)
		}
		if entry.PromotedTo != "" {
			line += fmt.Sprintf(" [promoted to task %s]", entry.PromotedTo)
		}
		fmt.Fprintln(out, line)
	}
	return nil
}

func runFutureAdd(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	id, err := app.store.AppendFutureWork(strings.Join(args, " "), flagIntendedWave)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "recorded %s\n", id)
	return nil
}

func runFuturePromote(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	taskID, err := app.store.PromoteFutureWork(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "promoted to task %s (re-run `flotilla plan` to place it in a wave)\n", taskID)
	return nil
}
