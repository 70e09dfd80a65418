package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/element-hq/element-builder/internal/config"
)

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "List configured build targets",
	Long:  `List every configured platform/architecture target and where it builds.`,
	RunE:  runTargets,
}

func init() {
	rootCmd.AddCommand(targetsCmd)
}

func runTargets(cmd *cobra.Command, args []string) error {
	cfg, _, err := setup()
	if err != nil {
		return err
	}

	// Create tabwriter for aligned output
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tPLATFORM\tARCH\tBUILDS ON")
	_, _ = fmt.Fprintln(w, "----\t--------\t----\t---------")

	for _, t := range cfg.Targets {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			t.Name(),
			t.Platform,
			t.Arch,
			buildsOn(cfg, t),
		)
	}

	_ = w.Flush()
	return nil
}

// buildsOn says where a target's build actually runs.
func buildsOn(cfg *config.Config, t config.Target) string {
	switch t.Platform {
	case config.PlatformLinux:
		return "container " + t.Image
	case config.PlatformWindows:
		return "vm " + cfg.Windows.VM
	default:
		return "build host"
	}
}
