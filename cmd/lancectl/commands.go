// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lancedb/lancego/pkg/contracts"
	"github.com/lancedb/lancego/pkg/lancedb"
)

// cli holds the persistent flags shared by every subcommand
type cli struct {
	out        io.Writer
	uri        string
	configPath string
	logLevel   string
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{out: out}
	root := &cobra.Command{
		Use:           "lancectl",
		Short:         "Inspect and maintain lancego databases",
		Long:          `A command-line interface for listing, querying and maintaining versioned lancego tables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&c.uri, "uri", "", "database URI (path, memory://name or s3://bucket/prefix)")
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "YAML connection config file")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "log level: debug, info, warn or error")
	_ = root.MarkPersistentFlagRequired("uri")

	root.AddCommand(
		c.tablesCmd(),
		c.versionsCmd(),
		c.indicesCmd(),
		c.countCmd(),
		c.queryCmd(),
		c.optimizeCmd(),
		c.restoreCmd(),
		c.dropCmd(),
	)
	return root
}

// connect opens the database named by --uri, applying --config and
// --log-level
func (c *cli) connect(ctx context.Context) (contracts.IConnection, error) {
	options := &contracts.ConnectionOptions{}
	if c.configPath != "" {
		loaded, err := contracts.LoadConnectionOptions(c.configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load connection config: %w", err)
		}
		options = loaded
	}
	if c.logLevel != "" {
		if options.LogOptions == nil {
			options.LogOptions = &contracts.LogOptions{}
		}
		options.LogOptions.Level = c.logLevel
	}
	return lancedb.Connect(ctx, c.uri, options)
}

// withTable runs fn against the named table and closes everything afterwards
func (c *cli) withTable(ctx context.Context, name string, fn func(contracts.ITable) error) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	table, err := conn.OpenTable(ctx, name)
	if err != nil {
		return err
	}
	defer table.Close()
	return fn(table)
}

func (c *cli) printJSON(v interface{}) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) tablesCmd() *cobra.Command {
	var startAfter string
	var limit int
	cmd := &cobra.Command{
		Use:   "tables",
		Short: "List the tables of the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			conn, err := c.connect(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()

			names, err := conn.ListTableNames(ctx, &contracts.TableNamesOptions{StartAfter: startAfter, Limit: limit})
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintln(c.out, name)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&startAfter, "start-after", "", "only list names sorting after this one")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of names (0 for all)")
	return cmd
}

func (c *cli) versionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "versions <table>",
		Short: "List the versions of a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withTable(cmd.Context(), args[0], func(table contracts.ITable) error {
				versions, err := table.ListVersions(cmd.Context())
				if err != nil {
					return err
				}
				for _, v := range versions {
					fmt.Fprintf(c.out, "%d\t%s\t%s\n", v.Version, v.Timestamp.UTC().Format(time.RFC3339), v.Operation)
				}
				return nil
			})
		},
	}
}

func (c *cli) indicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "indices <table>",
		Short: "List the indices of a table with their coverage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return c.withTable(ctx, args[0], func(table contracts.ITable) error {
				indexes, err := table.GetAllIndexes(ctx)
				if err != nil {
					return err
				}
				stats := make([]*contracts.IndexStatistics, 0, len(indexes))
				for _, idx := range indexes {
					s, err := table.IndexStats(ctx, idx.Name)
					if err != nil {
						return err
					}
					stats = append(stats, s)
				}
				return c.printJSON(stats)
			})
		},
	}
}

func (c *cli) countCmd() *cobra.Command {
	var filter string
	cmd := &cobra.Command{
		Use:   "count <table>",
		Short: "Count the rows of a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return c.withTable(ctx, args[0], func(table contracts.ITable) error {
				n, err := table.CountRows(ctx, filter)
				if err != nil {
					return err
				}
				fmt.Fprintln(c.out, n)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filter, "filter", "", "SQL filter")
	return cmd
}

// queryFlags are the options of the query command
type queryFlags struct {
	filter   string
	columns  []string
	limit    int
	offset   int
	vector   string
	column   string
	text     string
	explain  bool
	analyze  bool
	distance string
}

func (c *cli) queryCmd() *cobra.Command {
	var f queryFlags
	cmd := &cobra.Command{
		Use:   "query <table>",
		Short: "Run a scan, vector, full-text or hybrid query",
		Long: `Runs a query and prints one JSON object per row.

--vector makes it a vector search, --text a full-text search, and both
together a hybrid search.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return c.withTable(ctx, args[0], func(table contracts.ITable) error {
				q, err := buildQuery(table, f)
				if err != nil {
					return err
				}
				switch {
				case f.analyze:
					plan, err := q.AnalyzePlan(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintln(c.out, plan)
					return nil
				case f.explain:
					plan, err := q.ExplainPlan(ctx, true)
					if err != nil {
						return err
					}
					fmt.Fprintln(c.out, plan)
					return nil
				}

				rows, err := q.ToMaps(ctx)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(c.out)
				for _, row := range rows {
					if err := enc.Encode(row); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.filter, "filter", "", "SQL filter")
	cmd.Flags().StringSliceVar(&f.columns, "select", nil, "columns to return")
	cmd.Flags().IntVar(&f.limit, "limit", 10, "maximum number of rows")
	cmd.Flags().IntVar(&f.offset, "offset", 0, "rows to skip")
	cmd.Flags().StringVar(&f.vector, "vector", "", "comma separated query vector")
	cmd.Flags().StringVar(&f.column, "column", "", "vector column (defaults to the only vector column)")
	cmd.Flags().StringVar(&f.text, "text", "", "full-text query")
	cmd.Flags().StringVar(&f.distance, "distance", "", "distance type: l2, cosine, dot or hamming")
	cmd.Flags().BoolVar(&f.explain, "explain", false, "print the plan instead of rows")
	cmd.Flags().BoolVar(&f.analyze, "analyze", false, "run the query and print the plan with metrics")
	return cmd
}

// buildQuery turns the query flags into a builder of the matching kind
func buildQuery(table contracts.ITable, f queryFlags) (contracts.IExecutable, error) {
	var vector []float32
	if f.vector != "" {
		v, err := parseVector(f.vector)
		if err != nil {
			return nil, err
		}
		vector = v
	}
	var distance contracts.DistanceType
	if f.distance != "" {
		d, err := contracts.ParseDistanceType(f.distance)
		if err != nil {
			return nil, err
		}
		distance = d
	}

	base := table.Query()
	switch {
	case vector != nil && f.text != "":
		q := base.NearestTo(vector).NearestToText(f.text).Limit(f.limit).Offset(f.offset)
		if f.column != "" {
			q = q.Column(f.column)
		}
		if f.distance != "" {
			q = q.DistanceType(distance)
		}
		if f.filter != "" {
			q = q.Filter(f.filter)
		}
		if len(f.columns) > 0 {
			q = q.Select(f.columns...)
		}
		return q, nil
	case vector != nil:
		q := base.NearestTo(vector).Limit(f.limit).Offset(f.offset)
		if f.column != "" {
			q = q.Column(f.column)
		}
		if f.distance != "" {
			q = q.DistanceType(distance)
		}
		if f.filter != "" {
			q = q.Filter(f.filter)
		}
		if len(f.columns) > 0 {
			q = q.Select(f.columns...)
		}
		return q, nil
	case f.text != "":
		q := base.NearestToText(f.text).Limit(f.limit).Offset(f.offset)
		if f.filter != "" {
			q = q.Filter(f.filter)
		}
		if len(f.columns) > 0 {
			q = q.Select(f.columns...)
		}
		return q, nil
	default:
		q := base.Limit(f.limit).Offset(f.offset)
		if f.filter != "" {
			q = q.Filter(f.filter)
		}
		if len(f.columns) > 0 {
			q = q.Select(f.columns...)
		}
		return q, nil
	}
}

func parseVector(s string) ([]float32, error) {
	parts := strings.Split(s, ",")
	out := make([]float32, 0, len(parts))
	for _, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vector format: %w", err)
		}
		out = append(out, float32(v))
	}
	return out, nil
}

func (c *cli) optimizeCmd() *cobra.Command {
	var (
		olderThan  time.Duration
		targetRows int
		skipIndex  bool
		unverified bool
	)
	cmd := &cobra.Command{
		Use:   "optimize <table>",
		Short: "Compact fragments, refresh indices and prune old versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			opts := []contracts.OptimizeOption{contracts.WithCleanupOlderThan(olderThan)}
			if targetRows > 0 {
				opts = append(opts, contracts.WithTargetRowsPerFragment(targetRows))
			}
			if skipIndex {
				opts = append(opts, contracts.WithSkipIndexOptimization())
			}
			if unverified {
				opts = append(opts, contracts.WithDeleteUnverified(true))
			}
			return c.withTable(ctx, args[0], func(table contracts.ITable) error {
				stats, err := table.Optimize(ctx, opts...)
				if err != nil {
					return err
				}
				return c.printJSON(stats)
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "cleanup-older-than", contracts.DefaultOptimizeOptions().CleanupOlderThan, "remove versions older than this")
	cmd.Flags().IntVar(&targetRows, "target-rows", 0, "target rows per compacted fragment")
	cmd.Flags().BoolVar(&skipIndex, "skip-index", false, "do not refresh indices")
	cmd.Flags().BoolVar(&unverified, "delete-unverified", false, "also delete unreferenced files younger than the grace period")
	return cmd
}

func (c *cli) restoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <table> <version>",
		Short: "Publish an old version as the new latest version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			version, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid version %q: %w", args[1], err)
			}
			return c.withTable(ctx, args[0], func(table contracts.ITable) error {
				if err := table.Restore(ctx, version); err != nil {
					return err
				}
				latest, err := table.Version(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.out, "Restored %s to version %d as version %d\n", args[0], version, latest)
				return nil
			})
		},
	}
}

func (c *cli) dropCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drop <table>",
		Short: "Drop a table and all of its versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			conn, err := c.connect(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()

			if err := conn.DropTable(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "Table '%s' dropped\n", args[0])
			return nil
		},
	}
}
