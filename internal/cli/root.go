// Package cli implements the hearth command line.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"hearth/internal/blob"
	"hearth/internal/config"
	"hearth/internal/core"
	"hearth/internal/durable"
	"hearth/internal/logging"
	"hearth/pkg/slices"
)

// Exit codes.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitUsage       = 2
	ExitUnavailable = 3
)

// ExitError carries the process exit code for err.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode maps err to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	switch {
	case errors.Is(err, config.ErrInvalid), errors.Is(err, slices.ErrUnknownSlice), errors.Is(err, slices.ErrInvalidValue):
		return ExitUsage
	case errors.Is(err, durable.ErrStorageUnavailable):
		return ExitUnavailable
	}
	return ExitFailure
}

// globals are the persistent flags shared by every command.
type globals struct {
	configPath  string
	format      string
	driver      string
	path        string
	dsn         string
	logLevel    string
	logFormat   string
	legacyPath  string
	blobDriver  string
	metrics     string
	out, errOut io.Writer
	// appOpts are appended to every App built by open.
	appOpts []core.Option
}

// NewRootCommand builds the hearth command tree writing to out and errOut.
func NewRootCommand(version string, out, errOut io.Writer) *cobra.Command {
	return newRoot(version, &globals{out: out, errOut: errOut})
}

func newRoot(version string, g *globals) *cobra.Command {
	root := &cobra.Command{
		Use:           "hearth",
		Short:         "Durable local storage for hearth slices",
		Long:          "hearth keeps application state slices in a versioned local database,\nmigrates legacy flat-store data once and exports backups.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(g.out)
	root.SetErr(g.errOut)

	pf := root.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "", "path to a TOML config file")
	pf.StringVarP(&g.format, "format", "o", "text", "output format: text, json or yaml")
	pf.StringVar(&g.driver, "storage", "", "storage driver: memory, sqlite, bolt or postgres")
	pf.StringVar(&g.path, "db", "", "database file for sqlite and bolt")
	pf.StringVar(&g.dsn, "dsn", "", "postgres connection string")
	pf.StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn or error")
	pf.StringVar(&g.logFormat, "log-format", "", "log format: text, logfmt or json")
	pf.StringVar(&g.legacyPath, "legacy", "", "legacy flat-store JSON file to migrate")
	pf.StringVar(&g.blobDriver, "blob", "", "blob driver for published exports: fs, s3 or memory")
	pf.StringVar(&g.metrics, "metrics", "", "metrics backend: prometheus, expvar or none")

	root.AddCommand(
		serveCmd(g),
		getCmd(g),
		setCmd(g),
		slicesCmd(g),
		statusCmd(g),
		migrateCmd(g),
		exportCmd(g),
		versionCmd(version),
	)
	return root
}

// Execute runs the command tree with args and returns the exit code.
func Execute(ctx context.Context, version string, args []string, out, errOut io.Writer) int {
	root := NewRootCommand(version, out, errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(errOut, "Error:", err)
	}
	return ExitCode(err)
}

func (g *globals) config() (config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if g.driver != "" {
		cfg.Storage.Driver = g.driver
		if g.driver == config.DriverBolt && cfg.Storage.Path == config.DefaultSQLitePath {
			cfg.Storage.Path = config.DefaultBoltPath
		}
	}
	override := map[*string]string{
		&cfg.Storage.Path:    g.path,
		&cfg.Storage.DSN:     g.dsn,
		&cfg.Log.Level:       g.logLevel,
		&cfg.Log.Format:      g.logFormat,
		&cfg.Legacy.Path:     g.legacyPath,
		&cfg.Metrics.Backend: g.metrics,
	}
	for dst, v := range override {
		if v != "" {
			*dst = v
		}
	}
	if g.blobDriver != "" {
		cfg.Blob.Driver = blob.Driver(g.blobDriver)
	}
	switch g.format {
	case "text", "json", "yaml":
	default:
		return config.Config{}, fmt.Errorf("%w: unknown output format %q", config.ErrInvalid, g.format)
	}
	return cfg, cfg.Validate()
}

func (g *globals) logger(cfg config.Config) (*slog.Logger, error) {
	return logging.New(g.errOut, logging.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Prefix:     "hearth",
		Timestamps: true,
	})
}

// open builds and starts an App. Storage failures are returned unless
// allowDegraded is set, in which case the App runs memory-only.
func (g *globals) open(ctx context.Context, allowDegraded bool, opts ...core.Option) (*core.App, error) {
	cfg, err := g.config()
	if err != nil {
		return nil, err
	}
	logger, err := g.logger(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	opts = append(append([]core.Option{core.WithLogger(logger)}, g.appOpts...), opts...)
	app, err := core.New(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}
	if err := app.Start(ctx); err != nil && !allowDegraded {
		_ = app.Close(ctx)
		return nil, &ExitError{Code: ExitUnavailable, Err: err}
	}
	return app, nil
}

// print renders v in the selected format. text uses the supplied renderer.
func (g *globals) print(v any, text func(w io.Writer) error) error {
	switch g.format {
	case "json":
		enc := json.NewEncoder(g.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(g.out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return text(g.out)
	}
}

func versionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the hearth version and schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "hearth %s (schema v%d)\n", version, slices.SchemaVersion)
			return err
		},
	}
}
