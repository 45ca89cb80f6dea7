package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/specialistvlad/modgrid/internal/app"
	"github.com/specialistvlad/modgrid/internal/registry"
)

// EnvPrefix prefixes every environment variable read by the CLI.
const EnvPrefix = "MODGRID"

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// Execute runs the modgrid command line with args. Modules default to the
// binary's core modules. A panic escaping start-up is logged and returned as
// an *ExitError with code 1.
func Execute(ctx context.Context, outW io.Writer, args []string, modules ...registry.Dependency) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("A critical startup error occurred.", "panic", r)
			err = &ExitError{Code: 1, Message: fmt.Sprintf("application startup panicked: %v", r)}
		}
	}()

	if args == nil {
		// cobra falls back to os.Args on nil.
		args = []string{}
	}
	root := NewRootCommand(outW, modules...)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// NewRootCommand builds the command tree.
func NewRootCommand(outW io.Writer, modules ...registry.Dependency) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	v.SetDefault("log-level", "info")
	v.SetDefault("log-format", "text")
	v.SetDefault("healthcheck-port", 0)
	v.SetDefault("shutdown-timeout", 5*time.Second)

	root := &cobra.Command{
		Use:   "modgrid",
		Short: "Start a set of singleton modules in dependency order.",
		Long: `modgrid starts every registered module in three phases: a concurrent
pre-init, a sequential init in dependency order, and a concurrent post-init
once the module registry is published. It then serves health endpoints until
interrupted.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runApp(cmd, v, outW, modules)
		},
	}
	root.SetOut(outW)
	root.SetErr(outW)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &ExitError{Code: 2, Message: err.Error()}
	})

	flags := root.PersistentFlags()
	flags.StringSlice("config", nil, "HCL file or directory with module blocks (repeatable).")
	flags.String("log-level", "info", "Logging level: 'debug', 'info', 'warn' or 'error'.")
	flags.String("log-format", "text", "Log output format: 'text', 'json' or 'pretty'.")
	flags.Int("healthcheck-port", 0, "Port for the HTTP health check server. 0 is disabled.")
	flags.Duration("shutdown-timeout", 5*time.Second, "Time allowed for the health server to shut down.")
	if err := v.BindPFlags(flags); err != nil {
		panic(fmt.Errorf("failed to bind flags: %w", err))
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Start the modules and wait for a shutdown signal (default).",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runApp(cmd, v, outW, modules)
			},
		},
		&cobra.Command{
			Use:   "graph",
			Short: "Print the module start-up order without starting anything.",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return printGraph(cmd, v, outW, modules)
			},
		},
	)
	return root
}

// appConfig builds the application config from flags and environment.
func appConfig(v *viper.Viper) (*app.Config, error) {
	cfg, err := app.NewConfig(app.Config{
		ConfigPaths:     v.GetStringSlice("config"),
		LogLevel:        strings.ToLower(v.GetString("log-level")),
		LogFormat:       strings.ToLower(v.GetString("log-format")),
		HealthcheckPort: v.GetInt("healthcheck-port"),
		ShutdownTimeout: v.GetDuration("shutdown-timeout"),
	})
	if err != nil {
		return nil, &ExitError{Code: 2, Message: err.Error()}
	}
	return cfg, nil
}

func newApp(v *viper.Viper, outW io.Writer, modules []registry.Dependency) (*app.App, error) {
	cfg, err := appConfig(v)
	if err != nil {
		return nil, err
	}
	return app.NewApp(outW, cfg, modules...)
}

func runApp(cmd *cobra.Command, v *viper.Viper, outW io.Writer, modules []registry.Dependency) error {
	a, err := newApp(v, outW, modules)
	if err != nil {
		return err
	}
	return a.Run(cmd.Context())
}

func printGraph(cmd *cobra.Command, v *viper.Viper, outW io.Writer, modules []registry.Dependency) error {
	a, err := newApp(v, outW, modules)
	if err != nil {
		return err
	}

	b := a.Builder()
	for i, name := range b.Order() {
		deps, err := b.Dependencies(name)
		if err != nil {
			return err
		}
		if len(deps) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "%d. %s\n", i+1, name)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d. %s <- %s\n", i+1, name, strings.Join(deps, ", "))
	}
	return nil
}

// IsExitError reports whether err carries an exit code and returns it.
func IsExitError(err error) (*ExitError, bool) {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr, true
	}
	return nil, false
}
