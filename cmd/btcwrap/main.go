// Package main implements btcwrap, a command-line wrapper that forwards an
// allow-listed set of Bitcoin Core/Knots JSON-RPC calls to a configured node
// and prints one JSON envelope per invocation on stdout.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/bardlex/btcwrap/internal/audit"
	"github.com/bardlex/btcwrap/internal/bitcoin"
	"github.com/bardlex/btcwrap/internal/commands"
	"github.com/bardlex/btcwrap/internal/config"
	"github.com/bardlex/btcwrap/internal/validation"
	"github.com/bardlex/btcwrap/pkg/errors"
	"github.com/bardlex/btcwrap/pkg/log"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

const serviceName = "btcwrap"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := newApp(os.Stdout, os.Stderr, os.LookupEnv, config.DefaultSecretsDir).run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

// app holds one invocation's I/O and configuration sources.
type app struct {
	stdout     io.Writer
	stderr     io.Writer
	lookupEnv  func(string) (string, bool)
	secretsDir string

	verbose    bool
	configPath string

	envelope *commands.Envelope
}

func newApp(stdout, stderr io.Writer, lookupEnv func(string) (string, bool), secretsDir string) *app {
	return &app{
		stdout:     stdout,
		stderr:     stderr,
		lookupEnv:  lookupEnv,
		secretsDir: secretsDir,
	}
}

// run executes args and returns the process exit code. Help and version
// output are the only invocations that do not print an envelope.
func (a *app) run(ctx context.Context, args []string) int {
	if args == nil {
		// cobra falls back to os.Args on nil
		args = []string{}
	}
	root := a.newRootCommand()
	root.SetArgs(args)

	if err := root.ExecuteContext(ctx); err != nil {
		name, params := invocation(root, args)
		env := commands.Failed(name, params, err)
		a.envelope = &env
	}

	if a.envelope == nil {
		return commands.ExitOK
	}
	return a.emit(*a.envelope)
}

func (a *app) newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   serviceName + " <command> [params...]",
		Short: "Forward allow-listed JSON-RPC calls to a Bitcoin Core or Knots node",
		Long: `btcwrap sends one allow-listed RPC call to the configured node and prints
the result as a JSON envelope on stdout.

Configuration is read from the environment, Docker secrets in /run/secrets
and a dotenv file, in that order of precedence.`,
		Version:       version,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New(errors.ErrorTypeValidation, "parse_args",
					"a command is required; run 'btcwrap --help' for the list")
			}
			return a.execute(cmd.Context(), args[0], args[1:])
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "log at debug level and mirror log output to stderr")
	root.PersistentFlags().StringVar(&a.configPath, "config", config.DefaultDotenvPath, "dotenv configuration file")

	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return errors.New(errors.ErrorTypeValidation, "parse_flags", err.Error())
	})

	root.AddGroup(
		&cobra.Group{ID: string(commands.CategoryBlockchain), Title: "Blockchain Commands:"},
		&cobra.Group{ID: string(commands.CategoryNetwork), Title: "Network Commands:"},
		&cobra.Group{ID: string(commands.CategoryWallet), Title: "Wallet Commands:"},
	)

	for _, c := range commands.All() {
		name := c.String()
		use := name
		if usage := c.Usage(); usage != "" {
			use += " " + usage
		}
		root.AddCommand(&cobra.Command{
			Use:     use,
			Short:   c.Summary(),
			GroupID: string(c.Category()),
			Args:    cobra.ArbitraryArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.execute(cmd.Context(), name, args)
			},
		})
	}

	return root
}

// execute runs one command and records its envelope. Unknown commands fail
// before configuration is read.
func (a *app) execute(ctx context.Context, name string, params []string) error {
	env := a.dispatch(ctx, name, params)
	a.envelope = &env
	return nil
}

// dispatch resolves configuration, builds the client stack and runs the
// command through the router.
func (a *app) dispatch(ctx context.Context, name string, params []string) commands.Envelope {
	if _, err := commands.Parse(name); err != nil {
		return commands.Failed(name, params, err)
	}

	cfg, err := config.Resolve(config.Sources{
		LookupEnv:  a.lookupEnv,
		SecretsDir: a.secretsDir,
		DotenvPath: a.configPath,
	})
	if err != nil {
		return commands.Failed(name, params, err)
	}

	level := cfg.LogLevel
	if a.verbose {
		level = "DEBUG"
	}
	out, closeLog, err := log.Output(cfg.LogFile, a.verbose, a.stderr)
	if err != nil {
		return commands.Failed(name, params,
			errors.Wrap(err, errors.ErrorTypeConfig, "log_setup", "cannot open LOG_FILE").
				WithContext("path", cfg.LogFile))
	}
	defer func() { _ = closeLog() }()

	logger := log.New(serviceName, version, level, cfg.LogFormat, out)
	ctx = log.ContextWithRequestID(ctx, uuid.NewString())
	logger.WithContext(ctx).Debug("configuration resolved", "config", cfg.String())

	client, err := bitcoin.NewRPCClient(cfg, logger, bitcoin.WithVersion(version))
	if err != nil {
		return commands.Failed(name, params, err)
	}
	defer client.Close()

	auditor, err := audit.New(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Warn("audit sinks unavailable")
	}
	defer func() { _ = auditor.Close() }()

	validator := validation.NewValidator(cfg.ChainParams(), commands.Methods())
	router := commands.NewRouter(validator, client, logger, commands.WithAuditor(auditor))

	return router.Execute(ctx, name, params)
}

// emit writes env to stdout and returns its exit code.
func (a *app) emit(env commands.Envelope) int {
	data, err := env.Marshal()
	if err != nil {
		fmt.Fprintf(a.stderr, "failed to encode output: %v\n", err)
		return commands.ExitFailure
	}
	if _, err := a.stdout.Write(data); err != nil {
		fmt.Fprintf(a.stderr, "failed to write output: %v\n", err)
		return commands.ExitFailure
	}
	return env.ExitCode()
}

// invocation recovers the command name and positional parameters for an
// envelope when cobra fails before RunE.
func invocation(root *cobra.Command, args []string) (string, []string) {
	cmd, rest, err := root.Find(args)
	if err != nil || cmd == nil {
		return "", args
	}
	if cmd == root {
		positional := stripFlags(root.PersistentFlags(), rest)
		if len(positional) == 0 {
			return "", []string{}
		}
		return positional[0], positional[1:]
	}
	return cmd.Name(), rest
}

// stripFlags drops flags and the values of non-boolean flags.
func stripFlags(flags *pflag.FlagSet, args []string) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if len(arg) < 2 || arg[0] != '-' {
			out = append(out, arg)
			continue
		}
		name, _, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		f := flags.Lookup(name)
		if f == nil && len(name) == 1 {
			f = flags.ShorthandLookup(name)
		}
		if f != nil && f.Value.Type() != "bool" && !hasValue {
			i++
		}
	}
	return out
}
