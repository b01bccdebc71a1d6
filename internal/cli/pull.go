package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"vmimage/internal/imagestore"
)

var (
	pullQuiet    bool
	pullPlatform string
)

var pullCmd = &cobra.Command{
	Use:   "pull [OPTIONS] REFERENCE",
	Short: "Pull an image from its registry into the local store",
	Args:  cobra.ExactArgs(1),
	RunE:  runPull,
}

func init() {
	pullCmd.Flags().BoolVarP(&pullQuiet, "quiet", "q", false, "only print the resolved digest")
	pullCmd.Flags().StringVar(&pullPlatform, "platform", "", "restrict to one platform (os/arch[/variant]); default pulls every platform in the index")
}

func runPull(cmd *cobra.Command, args []string) error {
	store, logger, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	platform, err := parsePlatform(pullPlatform)
	if err != nil {
		return fmt.Errorf("invalid platform: %w", err)
	}

	desc, err := store.Pull(cmd.Context(), args[0], imagestore.PullOptions{
		Platform: platform,
		Progress: newProgress(pullQuiet),
	})
	if err != nil {
		return fmt.Errorf("pull %s: %w", args[0], err)
	}

	if !pullQuiet {
		fmt.Fprintln(cmdOut)
	}
	fmt.Println(desc.Digest)
	return nil
}
