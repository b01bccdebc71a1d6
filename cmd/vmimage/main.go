// Command vmimage is a demonstration CLI over internal/imagestore: just
// enough of a shell around the library (pull, push, tag, prune, images)
// to exercise it end to end. The library itself never requires this
// binary or its config/CLI stack.
package main

import "vmimage/internal/cli"

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cli.Version = version
	cli.Execute()
}
