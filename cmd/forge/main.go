// forge is the single binary of the pipeline: every worker and service is
// a subcommand, configured by flags and environment.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

func main() {
	// A local .env file supplies defaults for development; the real
	// environment always wins.
	_ = godotenv.Load()

	var parser = flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	var serve, err = parser.Command.AddCommand("serve", "Serve a pipeline service", "", &struct{}{})
	must(err, "failed to add command")

	_, _ = serve.AddCommand("registry", "Serve the symbol registry", `
Serve the symbol reservation service over its Postgres store, until
signaled to exit (via SIGTERM).
`, &cmdServeRegistry{})

	_, _ = serve.AddCommand("rag", "Serve the retrieval service", `
Serve hybrid dense+sparse retrieval, until signaled to exit (via SIGTERM).
`, &cmdServeRAG{})

	_, _ = serve.AddCommand("git-adapter", "Serve the git adapter", `
Serve git operations over a local bare-mirror cache, until signaled to
exit (via SIGTERM).
`, &cmdServeGitAdapter{})

	_, _ = parser.AddCommand("orchestrator", "Run the pipeline orchestrator", `
Consume every pipeline topic and advance one state machine per change
request.
`, &cmdOrchestrator{})

	_, _ = parser.AddCommand("request-planner", "Run the request planner", `
Turn change requests into ordered plans with up-front symbol
reservations.
`, &cmdRequestPlanner{})

	_, _ = parser.AddCommand("code-planner", "Run the code planner", `
Expand plans into coding task bundles with retrieval context.
`, &cmdCodePlanner{})

	_, _ = parser.AddCommand("coding-agent", "Run the coding agent", `
Process coding tasks: clone, patch, self-check, commit, and push.
`, &cmdCodingAgent{})

	_, _ = parser.AddCommand("ci-runner", "Run the CI runner", `
Build successful commits and report lint, test, and coverage results.
`, &cmdCIRunner{})

	_, _ = parser.AddCommand("ingest", "Ingest a commit into retrieval", `
Chunk and index the files changed by one commit of a local repository.
`, &cmdIngest{})

	_, _ = parser.AddCommand("submit", "Submit a change request", `
Publish a change request onto the pipeline.
`, &cmdSubmit{})

	if _, err = parser.Parse(); err != nil {
		if flagErr, ok := err.(*flags.Error); ok && flagErr.Type == flags.ErrHelp {
			os.Stdout.WriteString(flagErr.Message)
			return
		}
		log.Fatal(err)
	}
}

// logConfig is the flag group shared by every command.
type logConfig struct {
	Level string `long:"log.level" env:"LOG_LEVEL" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Logging level"`
}

func initLog(cfg logConfig) {
	var level, err = log.ParseLevel(cfg.Level)
	must(err, "parsing log level")
	log.SetLevel(level)
	log.SetFormatter(&log.JSONFormatter{})
}

// signalCtx returns a context cancelled by SIGTERM or SIGINT.
func signalCtx() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
}

func must(err error, msg string) {
	if err != nil {
		log.WithField("err", err).Fatal(msg)
	}
}
