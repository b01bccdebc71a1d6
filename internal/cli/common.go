package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"vmimage/internal/config"
	"vmimage/internal/imageref"
	"vmimage/internal/imagestore"
	"vmimage/internal/progress"
	"vmimage/internal/registryclient"
	"vmimage/internal/vlog"
)

// cmdOut is where progress output, the images table, and the prune
// summary are printed (resolved digests go to stdout); a package variable
// rather than a parameter so every subcommand's RunE signature stays the
// plain cobra one.
var cmdOut = os.Stderr

// openStore resolves config for cmd and opens the image store it names,
// wiring a vlog.Logger and the registry retry/TLS options every
// subcommand shares.
func openStore(cmd *cobra.Command) (*imagestore.Store, *vlog.Logger, error) {
	cfg, err := config.Load(cmd, configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := vlog.New(cfg.LogLevelValue(), cfg.LogFormatValue())
	if err != nil {
		return nil, nil, fmt.Errorf("build logger: %w", err)
	}

	registryOpts := []registryclient.Option{registryclient.WithRetryPolicy(cfg.RetryPolicy())}
	if cfg.RegistryInsecure {
		registryOpts = append(registryOpts, registryclient.WithInsecureSkipVerify())
	}

	store, err := imagestore.Open(cfg.StoreRoot,
		imagestore.WithLogger(logger),
		imagestore.WithRegistryOptions(registryOpts...),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("open image store at %s: %w", cfg.StoreRoot, err)
	}
	return store, logger, nil
}

// parsePlatform parses a "os/arch[/variant]" string into an
// imageref.Platform, the format the teacher's own parsePlatform helper
// accepts for --platform.
func parsePlatform(s string) (*imageref.Platform, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.SplitN(s, "/", 3)
	if len(parts) < 2 {
		return nil, fmt.Errorf("expected format os/arch[/variant], got %q", s)
	}
	p := imageref.Platform{OS: parts[0], Architecture: parts[1]}
	if len(parts) == 3 {
		p.Variant = parts[2]
	}
	return &p, nil
}

// newProgress builds a progress.Reporter that prints running item/byte
// totals to stderr, unless quiet is set, in which case it is silent. A
// Reporter is always returned (never nil) so callers can pass it to
// Pull/Push/Export unconditionally.
func newProgress(quiet bool) *progress.Reporter {
	if quiet {
		return progress.NewReporter(nil)
	}
	var items, size int64
	return progress.NewReporter(func(events []progress.Event) {
		for _, e := range events {
			switch e.Kind {
			case progress.AddItems:
				items += e.Value
			case progress.AddSize:
				size += e.Value
			}
		}
		fmt.Fprintf(cmdOut, "\r%d items, %d bytes", items, size)
	})
}
