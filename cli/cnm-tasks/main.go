package main

import (
	"os"

	"github.com/alecthomas/kong"
	kitLog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/nasa-cumulus/cnm-tasks/cli/cnm-tasks/mapCNM"
	"github.com/nasa-cumulus/cnm-tasks/cli/cnm-tasks/replayResponses"
	"github.com/nasa-cumulus/cnm-tasks/internal/log"
	"github.com/posener/complete"
	"github.com/willabides/kongplete"
)

type Globals struct {
	Log struct {
		Level string `enum:"debug,info,warn,error" help:"Log level (debug|info|warn|error)" default:"info"`
		JSON  bool   `help:"Outputs JSON-formatted logs"`
	} `embed:"" prefix:"log-"`
}

func (g Globals) AfterApply(app *kong.Kong, logger *log.Logger) error {
	var newLogger log.Logger
	if g.Log.JSON {
		newLogger = kitLog.NewJSONLogger(app.Stderr)
	} else {
		newLogger = kitLog.NewLogfmtLogger(app.Stderr)
	}
	logLevel := level.ParseDefault(g.Log.Level, level.InfoValue())
	newLogger = level.NewFilter(newLogger, level.Allow(logLevel))
	*logger = newLogger
	return nil
}

type CLI struct {
	Globals

	Map                mapCNM.Cmd                   `cmd:"map" help:"Validates a CNM file and maps it to a Cumulus granule."`
	ReplayResponses    replayResponses.Cmd          `cmd:"replay-responses" help:"Re-sends CNM responses archived in S3."`
	InstallCompletions kongplete.InstallCompletions `cmd:"" help:"Install shell completions."`
}

func main() {
	cli := CLI{
		Globals: Globals{},
	}

	var logger log.Logger
	parser := kong.Must(&cli,
		kong.Name("cnm-tasks"),
		kong.Description("CLI utility for the CNM ingest and response tasks."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
		kong.Bind(&logger),
	)
	kongplete.Complete(parser,
		kongplete.WithPredictor("json", complete.PredictFiles("*.json")),
		kongplete.WithPredictor("yaml", complete.PredictOr(
			complete.PredictFiles("*.yaml"), complete.PredictFiles("*.yml"))),
	)

	ctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)
	if err := ctx.Run(&cli.Globals); err != nil {
		ctx.Exit(1)
	}
}
