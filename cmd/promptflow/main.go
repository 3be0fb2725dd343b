// Command promptflow loads a declarative workflow document and runs it.
//
// The LLM backend is supplied as an external command (-llm): the rendered
// request is written to its stdin as JSON and the structured response is read
// from its stdout. Workflows without prompt steps run with no backend at all.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rendis/promptflow/internal/engine"
	"github.com/rendis/promptflow/internal/logging"
	"github.com/rendis/promptflow/internal/parser"
	"gopkg.in/yaml.v3"
)

const version = "0.3.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		os.Exit(runCmd(os.Args[2:]))
	case "validate":
		os.Exit(validateCmd(os.Args[2:]))
	case "version":
		fmt.Println("promptflow " + version)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  promptflow run <workflow.yaml|url> [flags]
  promptflow validate <workflow.yaml|url>
  promptflow version

run flags:
  -llm <cmd>          external LLM bridge command (JSON in, JSON out)
  -model <name>       model identifier forwarded to the bridge
  -token <token>      access token forwarded to the bridge
  -set k=v            set a context value (repeatable)
  -context <file>     YAML file merged into the initial context
  -max-workers <n>    default map fan-out width
  -debug              log every trace event`)
}

type setFlags []string

func (s *setFlags) String() string { return strings.Join(*s, ",") }

func (s *setFlags) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func runCmd(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	llmCmd := fs.String("llm", "", "external LLM bridge command")
	model := fs.String("model", "", "model identifier")
	token := fs.String("token", "", "access token")
	contextFile := fs.String("context", "", "YAML context file")
	maxWorkers := fs.Int("max-workers", 0, "default map fan-out width")
	debug := fs.Bool("debug", false, "log trace events")
	var sets setFlags
	fs.Var(&sets, "set", "context value k=v")
	fs.Parse(args)

	if fs.NArg() != 1 {
		usage()
		return 2
	}
	source := fs.Arg(0)

	logger := newLogger(*debug)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := parser.New()
	if err != nil {
		fail(err)
		return 1
	}
	wf, err := p.Load(ctx, source)
	if err != nil {
		fail(err)
		return 1
	}

	state, err := initialContext(*contextFile, sets)
	if err != nil {
		fail(err)
		return 1
	}

	opts := &engine.Options{
		Model:       *model,
		AccessToken: *token,
		MaxWorkers:  *maxWorkers,
		Debug:       *debug,
		Logger:      logger,
		Stop:        func() bool { return ctx.Err() != nil },
	}
	if *llmCmd != "" {
		opts.Invoker = newExecInvoker(*llmCmd)
	}

	result, err := wf.Execute(ctx, state, opts)
	if err != nil {
		fail(err)
		return 1
	}

	out, err := yaml.Marshal(result)
	if err != nil {
		fail(err)
		return 1
	}
	os.Stdout.Write(out)
	return 0
}

func validateCmd(args []string) int {
	if len(args) != 1 {
		usage()
		return 2
	}

	p, err := parser.New()
	if err != nil {
		fail(err)
		return 1
	}
	if _, err := p.Load(context.Background(), args[0]); err != nil {
		fail(err)
		return 1
	}
	fmt.Println("ok")
	return 0
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(logging.NewCorrelationHandler(inner))
}

func initialContext(contextFile string, sets []string) (engine.Context, error) {
	state := engine.Context{}

	if contextFile != "" {
		data, err := os.ReadFile(contextFile)
		if err != nil {
			return nil, fmt.Errorf("read context file: %w", err)
		}
		if err := yaml.Unmarshal(data, &state); err != nil {
			return nil, fmt.Errorf("parse context file: %w", err)
		}
	}

	for _, kv := range sets {
		key, val, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid -set value %q, expected k=v", kv)
		}
		state[key] = val
	}
	return state, nil
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
}
