package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete every blob not reachable from a currently tagged reference",
	Args:  cobra.NoArgs,
	RunE:  runPrune,
}

func runPrune(cmd *cobra.Command, args []string) error {
	store, logger, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	result, err := store.Prune(cmd.Context())
	if err != nil {
		return fmt.Errorf("prune: %w", err)
	}

	fmt.Fprintf(cmdOut, "removed %d blobs, reclaimed %d bytes\n", len(result.Removed), result.ReclaimedBytes)
	return nil
}
