package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var tagCmd = &cobra.Command{
	Use:   "tag EXISTING NEW",
	Short: "Tag an existing local image reference under a new name",
	Args:  cobra.ExactArgs(2),
	RunE:  runTag,
}

func runTag(cmd *cobra.Command, args []string) error {
	store, logger, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := store.Tag(cmd.Context(), args[0], args[1]); err != nil {
		return fmt.Errorf("tag %s as %s: %w", args[0], args[1], err)
	}
	return nil
}
