package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"vmimage/pkg/idutil"
)

var imagesCmd = &cobra.Command{
	Use:   "images",
	Short: "List every reference recorded in the local store",
	Args:  cobra.NoArgs,
	RunE:  runImages,
}

func runImages(cmd *cobra.Command, args []string) error {
	store, logger, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	entries, err := store.List(cmd.Context())
	if err != nil {
		return fmt.Errorf("list images: %w", err)
	}

	tw := tabwriter.NewWriter(cmdOut, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "REFERENCE\tDIGEST\tMEDIA TYPE")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\tsha256:%s\t%s\n", e.Reference, idutil.ShortDigest(e.Descriptor.Digest), e.Descriptor.MediaType)
	}
	return tw.Flush()
}
