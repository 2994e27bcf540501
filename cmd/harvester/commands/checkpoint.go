package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var checkpointKind string

func init() {
	checkpointShowCmd.Flags().StringVar(&checkpointKind, "checkpoint", "", "Checkpoint store: file, sqlite or postgres.")
	checkpointCmd.AddCommand(checkpointShowCmd)
	rootCmd.AddCommand(checkpointCmd)
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspects stored run checkpoints.",
}

var checkpointShowCmd = &cobra.Command{
	Use:   "show <run-key>",
	Short: "Prints the stored checkpoint of a run.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if checkpointKind != "" {
			cfg.Checkpoint.Kind = checkpointKind
		}

		a := newApp(cfg, log)
		defer a.Close()

		store, err := a.checkpointStore(cmd.Context())
		if err != nil {
			return err
		}
		cp, err := store.Load(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to load checkpoint: %w", err)
		}
		if cp == nil {
			return fmt.Errorf("no checkpoint stored for %q", args[0])
		}

		renderCheckpoint(os.Stdout, cp)
		return nil
	},
}
