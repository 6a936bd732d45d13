package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/figcuration/curator/internal/db"
	"github.com/figcuration/curator/pkg/offload"
	"github.com/figcuration/curator/pkg/runlock"
	"github.com/figcuration/curator/pkg/snapshot"
	"github.com/figcuration/curator/pkg/store"
	"github.com/figcuration/curator/pkg/taxonomy"
	"github.com/figcuration/curator/pkg/trainingset"
)

type options struct {
	workspace     string
	descriptor    string
	labeledSchema string
	dataSchemas   []string
	projectSchema string
	outputFolder  string
	taxonomyPath  string
	remapFrom     string
	remapTo       string
	output        string
	logLevel      string
	migrate       bool
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "offload WORKSPACE DB",
		Short: "Consolidate labeling corrections and export training snapshots",
		Long: `offload collects the pending corrections of a labeling project, records
them as a new session, archives the before/after values and writes the
corrected labels back to the source schemas, all in one transaction.

It then builds the training set of every classifier the corrections
touched and writes it to OUTPUT_FOLDER as cord19_<classifier>_v<N>.parquet.

WORKSPACE is an existing directory for run artifacts. DB is the path of a
database descriptor (yaml, json or toml). Every flag can also be set with a
CURATOR_<FLAG> environment variable.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := resolveOptions(v, args)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cmd, opts)
		},
	}

	f := cmd.Flags()
	f.SetNormalizeFunc(underscoreFlags)
	f.String("labeled_schema", "", "Schema holding the curated, labeled collection (required)")
	f.StringSlice("data_schemas", nil, "Further schemas contributing figures (required, repeatable)")
	f.String("project_schema", "bilava", "Schema of the labeling project work tables")
	f.String("output_folder", "", "Snapshot output folder, relative to WORKSPACE unless absolute (required)")
	f.String("taxonomy", "", "Classifier taxonomy YAML (default: built-in modality taxonomy)")
	f.String("remap_from", "", "Image path prefix of the labeled schema to rewrite")
	f.String("remap_to", "", "Replacement for --remap_from")
	f.StringP("output", "o", "table", "Output format: table, json, yaml")
	f.String("log_level", "info", "Log level: debug, info, warn, error")
	f.Bool("migrate", false, "Create missing tables before running (PostgreSQL and MySQL)")

	_ = v.BindPFlags(f)
	v.SetEnvPrefix("CURATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return cmd
}

// underscoreFlags accepts --labeled-schema as well as --labeled_schema.
func underscoreFlags(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "-", "_"))
}

func resolveOptions(v *viper.Viper, args []string) (options, error) {
	opts := options{
		workspace:     args[0],
		descriptor:    args[1],
		labeledSchema: v.GetString("labeled_schema"),
		dataSchemas:   v.GetStringSlice("data_schemas"),
		projectSchema: v.GetString("project_schema"),
		outputFolder:  v.GetString("output_folder"),
		taxonomyPath:  v.GetString("taxonomy"),
		remapFrom:     v.GetString("remap_from"),
		remapTo:       v.GetString("remap_to"),
		output:        v.GetString("output"),
		logLevel:      v.GetString("log_level"),
		migrate:       v.GetBool("migrate"),
	}

	var missing []string
	if opts.labeledSchema == "" {
		missing = append(missing, "--labeled_schema")
	}
	if len(opts.dataSchemas) == 0 {
		missing = append(missing, "--data_schemas")
	}
	if opts.outputFolder == "" {
		missing = append(missing, "--output_folder")
	}
	if len(missing) > 0 {
		return options{}, fmt.Errorf("required flags not set: %s", strings.Join(missing, ", "))
	}

	switch opts.output {
	case "table", "json", "yaml":
	default:
		return options{}, fmt.Errorf("unsupported output format %q (use table, json or yaml)", opts.output)
	}

	info, err := os.Stat(opts.workspace)
	if err != nil {
		return options{}, fmt.Errorf("workspace: %w", err)
	}
	if !info.IsDir() {
		return options{}, fmt.Errorf("workspace %s is not a directory", opts.workspace)
	}
	if !filepath.IsAbs(opts.outputFolder) {
		opts.outputFolder = filepath.Join(opts.workspace, opts.outputFolder)
	}
	return opts, nil
}

func newLogger(level string) (*slog.Logger, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})), nil
}

func loadTaxonomy(path string) (*taxonomy.Taxonomy, error) {
	if path == "" {
		return taxonomy.Default(), nil
	}
	return taxonomy.Load(path)
}

func run(ctx context.Context, cmd *cobra.Command, opts options) error {
	logger, err := newLogger(opts.logLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	tax, err := loadTaxonomy(opts.taxonomyPath)
	if err != nil {
		return err
	}
	reg, err := store.NewRegistry(opts.projectSchema, append([]string{opts.labeledSchema}, opts.dataSchemas...)...)
	if err != nil {
		return err
	}

	desc, err := db.LoadDescriptor(opts.descriptor)
	if err != nil {
		return err
	}
	gdb, err := db.Open(desc)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(gdb); err != nil {
			logger.Warn("close database", "error", err)
		}
	}()

	if opts.migrate {
		if err := store.Migrate(gdb, reg); err != nil {
			return err
		}
	}

	cfg := offload.ConfigFromEnv()
	locker, err := runlock.New(gdb, reg.Project(), cfg.Lock, logger)
	if err != nil {
		return err
	}
	remap := trainingset.PathRemap{Schema: opts.labeledSchema, From: opts.remapFrom, To: opts.remapTo}
	builder := trainingset.NewBuilder(reg, tax, remap, cfg.Split, logger)
	exporter := snapshot.NewExporter(builder, opts.outputFolder, logger)

	logger.Info("starting offload",
		"project", reg.Project(),
		"schemas", reg.DataSchemas(),
		"outputFolder", opts.outputFolder,
		"classifiers", len(tax.Names()),
	)
	res, runErr := offload.New(gdb, reg, locker, exporter, cfg, logger).Run(ctx)

	report := filepath.Join(opts.workspace, offload.ReportName(res.RunID))
	if err := offload.WriteReport(report, res); err != nil {
		logger.Error("write run report", "error", err)
	} else {
		logger.Info("wrote run report", "path", report)
	}
	if err := printResult(cmd.OutOrStdout(), opts.output, res); err != nil {
		logger.Error("print result", "error", err)
	}
	return runErr
}
