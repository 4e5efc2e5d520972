package main

import (
	"github.com/alecthomas/kong"
)

// version is set by ldflags during build
var version = "dev"

type CLI struct {
	Version kong.VersionFlag `short:"v" help:"Show version"`
	Run     RunCmd           `cmd:"" help:"De-anonymize a batch of hand histories against client screenshots"`
	Watch   WatchCmd         `cmd:"" help:"Watch a drop directory and process job folders as they appear"`
	Report  ReportCmd        `cmd:"" help:"Show stored results for a past job"`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("handlens"),
		kong.Description("Poker hand-history de-anonymizer driven by client screenshots"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{
			"version": version,
		},
	)
	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}
