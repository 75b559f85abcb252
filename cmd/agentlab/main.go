package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/davidahmann/agentlab/core/projectconfig"
	"github.com/davidahmann/agentlab/core/schema/validate"
	"github.com/davidahmann/agentlab/core/telemetry"
)

// version is stamped at release time via ldflags; default stays dev for local builds.
var version = "0.0.0-dev"

const (
	exitOK              = 0
	exitInternalFailure = 1
	exitVerifyFailed    = 2
	exitTrialsFailed    = 3
	exitHarnessFailed   = 4
	exitInvalidInput    = 6
	exitNotFound        = 7
)

// cli carries the global flags and resolved defaults shared by every command.
type cli struct {
	stdout io.Writer
	stderr io.Writer

	configPath string
	baseDir    string
	jsonOutput bool
	logLevel   string
	traceOut   string
	metricsOut string

	config   projectconfig.Config
	logger   *slog.Logger
	shutdown func(context.Context) error
	exitCode int
}

func main() {
	os.Exit(run(os.Args))
}

func run(arguments []string) int {
	return runWith(arguments, os.Stdout, os.Stderr)
}

func runWith(arguments []string, stdout io.Writer, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := &cli{stdout: stdout, stderr: stderr}
	root := c.rootCommand()
	root.SetArgs(arguments[1:])
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if c.shutdown != nil {
		if shutdownErr := c.shutdown(context.Background()); shutdownErr != nil {
			fmt.Fprintf(stderr, "agentlab warning: telemetry flush failed: %v\n", shutdownErr)
		}
	}
	if err != nil {
		fmt.Fprintf(stderr, "agentlab: %v\n", err)
		return exitCodeForError(err, exitInvalidInput)
	}
	return c.exitCode
}

func (c *cli) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "agentlab",
		Short:         "Run agent experiments with verifiable provenance and replay",
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup(cmd.Context())
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(c.stdout, "agentlab", version)
			return nil
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&c.configPath, "config", projectconfig.DefaultPath, "project config file")
	flags.StringVar(&c.baseDir, "base-dir", "", "directory holding .lab/runs (default: config run.base_dir or working directory)")
	flags.BoolVar(&c.jsonOutput, "json", false, "emit JSON output")
	flags.StringVar(&c.logLevel, "log-level", "", "log level: debug, info, warn or error")
	flags.StringVar(&c.traceOut, "trace-out", "", "write OpenTelemetry spans as JSON to this file")
	flags.StringVar(&c.metricsOut, "metrics-out", "", "write Prometheus metrics in text format to this file on exit")

	root.AddCommand(
		c.runCommand(),
		c.replayCommand(),
		c.forkCommand(),
		c.verifyCommand(),
		c.restoreCommand(),
		c.eventsCommand(),
		c.publishCommand(),
		c.validateCommand(),
		c.schemaValidateCommand(),
		c.hooksValidateCommand(),
		c.versionCommand(),
	)
	return root
}

func (c *cli) versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the CLI version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if c.jsonOutput {
				c.exitCode = c.writeJSONOutput(map[string]any{"ok": true, "version": version}, exitOK)
				return nil
			}
			fmt.Fprintln(c.stdout, "agentlab", version)
			return nil
		},
	}
}

// setup loads the project config, builds the stderr logger and installs the
// requested telemetry exporters. A missing config file at the default path is
// not an error.
func (c *cli) setup(ctx context.Context) error {
	allowMissing := c.configPath == projectconfig.DefaultPath
	configuration, err := projectconfig.Load(c.configPath, allowMissing)
	if err != nil {
		return err
	}
	c.config = configuration
	if strings.TrimSpace(c.baseDir) == "" {
		c.baseDir = configuration.Run.BaseDir
	}

	level := configuration.LogLevel()
	if c.logLevel != "" {
		if err := level.UnmarshalText([]byte(c.logLevel)); err != nil {
			return fmt.Errorf("invalid --log-level %q", c.logLevel)
		}
	}
	options := &slog.HandlerOptions{Level: level}
	if c.logFormat(configuration.Logging.Format) == "json" {
		c.logger = slog.New(slog.NewJSONHandler(c.stderr, options))
	} else {
		c.logger = slog.New(slog.NewTextHandler(c.stderr, options))
	}

	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceVersion: version,
		TraceFile:      c.traceOut,
		MetricsFile:    c.metricsOut,
	})
	if err != nil {
		return err
	}
	c.shutdown = shutdown
	return nil
}

// logFormat defaults to text on a terminal and JSON lines everywhere else.
func (c *cli) logFormat(configured string) string {
	if configured != "" {
		return configured
	}
	if file, ok := c.stderr.(*os.File); ok && (isatty.IsTerminal(file.Fd()) || isatty.IsCygwinTerminal(file.Fd())) {
		return "text"
	}
	return "json"
}

// schemas honors run.schema_dir from the project config, relative to the
// working directory, before falling back to the embedded registry.
func (c *cli) schemas() *validate.Registry {
	if dir := c.config.Run.SchemaDir; dir != "" {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return validate.NewRegistry(os.DirFS(dir))
		}
		c.logger.Warn("schema_dir not found, using embedded schemas", "schema_dir", dir)
	}
	return validate.Default()
}
