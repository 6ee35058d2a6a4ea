package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"hearth/internal/config"
	"hearth/internal/core"
	"hearth/internal/export"
	"hearth/internal/migration"
	"hearth/internal/server"
	"hearth/pkg/slices"
)

// ErrAbsent reports a slice that has never been written.
var ErrAbsent = errors.New("slice has no stored value")

func serveCmd(g *globals) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the slice API, exports and metrics over HTTP",
		Long: `Serve the slice API over HTTP until interrupted.

A storage failure at startup is logged and the server keeps running
with memory-only state; /api/v1/status reports it as degraded.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			app, err := g.open(ctx, true)
			if err != nil {
				return err
			}
			// ctx is cancelled by the time Serve returns; still flush on the way out
			defer app.Close(context.WithoutCancel(ctx))

			if addr == "" {
				addr = app.Config.HTTP.Addr
			}
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", addr, err)
			}
			return server.Serve(ctx, ln, server.NewHandler(app), app.Config.HTTP.ShutdownTimeout, app.Logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config, "+config.DefaultHTTPAddr+")")
	return cmd
}

func getCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "get <slice>",
		Short: "Print the stored value of a slice",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := slices.Parse(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			app, err := g.open(ctx, false, core.ReadOnly())
			if err != nil {
				return err
			}
			defer app.Close(ctx)

			raw, ok := app.Store.ReadRaw(key)
			if !ok {
				return fmt.Errorf("%s: %w", key, ErrAbsent)
			}
			var value any
			if err := json.Unmarshal(raw, &value); err != nil {
				return fmt.Errorf("decode %s: %w", key, err)
			}
			return g.print(value, func(w io.Writer) error {
				var buf bytes.Buffer
				if err := json.Indent(&buf, raw, "", "  "); err != nil {
					return err
				}
				buf.WriteByte('\n')
				_, err := buf.WriteTo(w)
				return err
			})
		},
	}
}

func setCmd(g *globals) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "set <slice> [json]",
		Short: "Replace the value of a slice",
		Long: `Replace the value of a slice. The value is validated against the
slice shape before anything is written.

  hearth set tasks '[{"id":1,"text":"water plants"}]'
  hearth set habits --file habits.json
  cat settings.json | hearth set settings --file -`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := slices.Parse(args[0])
			if err != nil {
				return err
			}
			raw, err := readValue(cmd.InOrStdin(), args[1:], file)
			if err != nil {
				return err
			}
			if err := slices.Validate(key, raw); err != nil {
				return err
			}
			ctx := cmd.Context()
			app, err := g.open(ctx, false)
			if err != nil {
				return err
			}
			defer app.Close(ctx)

			failedBefore, _ := app.Store.WriteFailures()
			if err := app.Store.WriteRaw(key, raw); err != nil {
				return err
			}
			if err := app.Store.Flush(ctx); err != nil {
				return err
			}
			// Flush only waits for the attempt; the put itself may have failed
			if failed, err := app.Store.WriteFailures(); failed > failedBefore {
				return err
			}
			app.Logger.Debug("slice written", "key", key, "bytes", len(raw))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the value from a file, - for stdin")
	return cmd
}

func readValue(stdin io.Reader, args []string, file string) (json.RawMessage, error) {
	var raw []byte
	switch {
	case len(args) == 1 && file != "":
		return nil, fmt.Errorf("%w: give the value as an argument or with --file, not both", config.ErrInvalid)
	case len(args) == 1:
		raw = []byte(args[0])
	case file == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		raw = b
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read value: %w", err)
		}
		raw = b
	default:
		return nil, fmt.Errorf("%w: missing value", config.ErrInvalid)
	}
	raw = bytes.TrimSpace(raw)
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: value is not valid JSON", slices.ErrInvalidValue)
	}
	return raw, nil
}

func slicesCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "slices",
		Short: "List catalog slices and whether each holds a value",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			app, err := g.open(ctx, false, core.ReadOnly())
			if err != nil {
				return err
			}
			defer app.Close(ctx)

			entries := server.ListSlices(app.Store)
			return g.print(entries, func(w io.Writer) error {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "SLICE\tSINCE\tSTORED\tDESCRIPTION")
				for _, e := range entries {
					stored := "-"
					if e.Present {
						stored = "yes"
					}
					fmt.Fprintf(tw, "%s\tv%d\t%s\t%s\n", e.Key, e.Since, stored, e.Description)
				}
				return tw.Flush()
			})
		},
	}
}

func statusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Open the store and report its state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			app, err := g.open(ctx, true, core.ReadOnly())
			if err != nil {
				return err
			}
			defer app.Close(ctx)

			st := server.CurrentStatus(app.Store, app.Connector.Location())
			if err := g.print(st, func(w io.Writer) error {
				fmt.Fprintf(w, "location:  %s\n", st.Location)
				fmt.Fprintf(w, "schema:    v%d\n", st.SchemaVersion)
				fmt.Fprintf(w, "state:     %s\n", st.State)
				if st.Degraded {
					fmt.Fprintf(w, "degraded:  %s\n", st.Error)
				}
				return nil
			}); err != nil {
				return err
			}
			if st.Degraded {
				return &ExitError{Code: ExitUnavailable, Err: app.Store.InitError()}
			}
			return nil
		},
	}
}

func migrateCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Copy legacy flat-store data into the database",
		Long: `Copy legacy flat-store data into the database.

The legacy file comes from --legacy or legacy.path in the config. Migration
runs once per database; later runs report it as already complete. Entries
that cannot be parsed are skipped and listed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			app, err := g.open(ctx, false)
			if err != nil {
				return err
			}
			defer app.Close(ctx)
			if app.Legacy() == nil {
				return fmt.Errorf("%w: no legacy source, set --legacy or legacy.path", config.ErrInvalid)
			}
			report, _ := app.Store.MigrationReport()
			return g.print(report, func(w io.Writer) error { return writeReport(w, report) })
		},
	}
}

func writeReport(w io.Writer, r migration.Report) error {
	if r.AlreadyComplete {
		_, err := fmt.Fprintln(w, "migration already complete")
		return err
	}
	keys := func(ks []slices.Key) string {
		if len(ks) == 0 {
			return "none"
		}
		s := make([]string, len(ks))
		for i, k := range ks {
			s[i] = string(k)
		}
		return strings.Join(s, ", ")
	}
	fmt.Fprintf(w, "migrated: %s\n", keys(r.Migrated))
	fmt.Fprintf(w, "absent:   %s\n", keys(r.Absent))
	if len(r.Nonconforming) > 0 {
		fmt.Fprintf(w, "stored as is, schema mismatch: %s\n", keys(r.Nonconforming))
	}
	for _, s := range r.Skipped {
		fmt.Fprintf(w, "skipped:  %s (%s)\n", s.Key, s.Reason)
	}
	return nil
}

func exportCmd(g *globals) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a backup document of every stored slice",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			app, err := g.open(ctx, false, core.ReadOnly())
			if err != nil {
				return err
			}
			defer app.Close(ctx)

			if output == "" || output == "-" {
				_, err := app.Exporter.WriteTo(ctx, g.out)
				return err
			}
			f, err := os.Create(output)
			if err != nil {
				return err
			}
			if _, err := app.Exporter.WriteTo(ctx, f); err != nil {
				f.Close()
				return err
			}
			return f.Close()
		},
	}
	cmd.Flags().StringVar(&output, "output-file", "", "write the document to a file instead of stdout")
	cmd.AddCommand(exportPublishCmd(g), exportListCmd(g))
	return cmd
}

func exportPublishCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "publish",
		Short: "Store a backup document in the configured blob store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			app, err := g.open(ctx, false, core.ReadOnly())
			if err != nil {
				return err
			}
			defer app.Close(ctx)

			art, err := app.Exporter.Publish(ctx)
			if err != nil {
				return err
			}
			return g.print(art, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "%s\t%s\t%d bytes\n", art.ID, art.Key, art.SizeBytes)
				return err
			})
		},
	}
}

func exportListCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List published backups, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			app, err := g.open(ctx, false, core.ReadOnly())
			if err != nil {
				return err
			}
			defer app.Close(ctx)

			arts, err := app.Exporter.List(ctx)
			if err != nil {
				return err
			}
			if arts == nil {
				arts = []export.Artifact{}
			}
			return g.print(arts, func(w io.Writer) error {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tCREATED\tSIZE")
				for _, a := range arts {
					fmt.Fprintf(tw, "%s\t%s\t%d\n", a.ID, a.CreatedAt.UTC().Format("2006-01-02 15:04:05"), a.SizeBytes)
				}
				return tw.Flush()
			})
		},
	}
}
