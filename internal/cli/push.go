package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"vmimage/internal/imagestore"
)

var (
	pushQuiet    bool
	pushPlatform string
)

var pushCmd = &cobra.Command{
	Use:   "push [OPTIONS] REFERENCE",
	Short: "Push a local image to its registry",
	Args:  cobra.ExactArgs(1),
	RunE:  runPush,
}

func init() {
	pushCmd.Flags().BoolVarP(&pushQuiet, "quiet", "q", false, "only print the resolved digest")
	pushCmd.Flags().StringVar(&pushPlatform, "platform", "", "push only one platform's manifest (os/arch[/variant]), synthesizing a filtered index")
}

func runPush(cmd *cobra.Command, args []string) error {
	store, logger, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	platform, err := parsePlatform(pushPlatform)
	if err != nil {
		return fmt.Errorf("invalid platform: %w", err)
	}

	desc, err := store.Push(cmd.Context(), args[0], imagestore.PushOptions{
		Platform: platform,
		Progress: newProgress(pushQuiet),
	})
	if err != nil {
		return fmt.Errorf("push %s: %w", args[0], err)
	}

	if !pushQuiet {
		fmt.Fprintln(cmdOut)
	}
	fmt.Println(desc.Digest)
	return nil
}
