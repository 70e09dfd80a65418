package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/element-hq/element-builder/internal/orchestrator"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the last build cycle",
	Long:  `Show when the builder last ran, what it produced and how each target fared.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, _, err := setup()
	if err != nil {
		return err
	}

	statePath, err := cfg.StateFile()
	if err != nil {
		return err
	}
	state, err := orchestrator.LoadState(statePath)
	if err != nil {
		return err
	}

	if state.LastAttempt.IsZero() {
		fmt.Println("No builds yet.")
		return nil
	}

	fmt.Printf("Last attempt:  %s\n", state.LastAttempt.Format(time.RFC1123))
	if !state.LastSuccess.IsZero() {
		fmt.Printf("Last success:  %s\n", state.LastSuccess.Format(time.RFC1123))
	}
	if state.LastVersion != "" {
		fmt.Printf("Last version:  %s\n", state.LastVersion)
	}
	if state.LastRevision != "" {
		fmt.Printf("Last revision: %s\n", state.LastRevision)
	}

	if len(state.Outcomes) == 0 {
		return nil
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TARGET\tRESULT\tDURATION")
	_, _ = fmt.Fprintln(w, "------\t------\t--------")

	for _, out := range state.Outcomes {
		result := "ok"
		if !out.Success {
			result = "failed"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n",
			out.Target,
			result,
			out.FinishedAt.Sub(out.StartedAt).Round(time.Second),
		)
	}

	_ = w.Flush()
	return nil
}
