package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxscan/internal/bootstrap"
	"github.com/drfirst/go-rxscan/internal/config"
	"github.com/drfirst/go-rxscan/internal/observability/logging"
	"github.com/drfirst/go-rxscan/internal/pipeline"
	"github.com/drfirst/go-rxscan/internal/suggest"
)

type analyzeOptions struct {
	configPath string
	catalog    string
	taxonomy   string
	asJSON     bool
	verbose    bool
	timeout    time.Duration
}

func newAnalyzeCmd() *cobra.Command {
	opts := &analyzeOptions{}

	cmd := &cobra.Command{
		Use:   "analyze [file]",
		Short: "Analyse one prescription",
		Long: "Reads OCR text (or a photo, when a Gemini API key is configured) from a file\n" +
			"or stdin and matches every medicine against the catalog.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "-"
			if len(args) == 1 {
				path = args[0]
			}
			return runAnalyze(cmd, opts, path)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "config file path")
	f.StringVar(&opts.catalog, "catalog", "", "JSON product catalog (overrides the configured source)")
	f.StringVar(&opts.taxonomy, "taxonomy", "", "JSON taxonomy extension")
	f.BoolVar(&opts.asJSON, "json", false, "print the full result as JSON")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "log pipeline stages to stderr")
	f.DurationVar(&opts.timeout, "timeout", time.Minute, "analysis timeout")

	return cmd
}

func loadConfig(opts *analyzeOptions) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.configPath != "" {
		cfg, err = config.Load(opts.configPath)
	} else {
		cfg, err = config.Default()
	}
	if err != nil {
		return nil, err
	}

	if opts.catalog != "" {
		cfg.Catalog.File = opts.catalog
		cfg.Database.URL = ""
		cfg.Redis.Enabled = false
	}
	if opts.taxonomy != "" {
		cfg.Matching.TaxonomyFile = opts.taxonomy
	}
	cfg.Matching.Explain = true
	cfg.Log.Format = "console"
	if opts.verbose {
		cfg.Log.Level = "debug"
	} else {
		cfg.Log.Level = "error"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readInput(path string, stdin io.Reader) (pipeline.Input, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return pipeline.Input{}, fmt.Errorf("read input: %w", err)
	}

	if mime := http.DetectContentType(data); strings.HasPrefix(mime, "image/") {
		return pipeline.Input{Image: data, MIMEType: mime}, nil
	}
	return pipeline.Input{Text: string(data)}, nil
}

func runAnalyze(cmd *cobra.Command, opts *analyzeOptions, path string) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log, "rxscan")
	if err != nil {
		return err
	}
	defer logger.Sync()

	in, err := readInput(path, cmd.InOrStdin())
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	components, err := bootstrap.Build(ctx, cfg, nil, logger)
	if err != nil {
		return err
	}
	defer components.Close()

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	result, err := components.Analyzer.Analyze(ctx, in)
	if err != nil {
		logger.Debug("analysis failed", zap.Error(err))
		return err
	}

	out := cmd.OutOrStdout()
	if opts.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		enc.SetEscapeHTML(false)
		return enc.Encode(result)
	}
	text := result.Explanation
	if text == "" {
		text = suggest.Explain(*result)
	}
	_, err = fmt.Fprintln(out, strings.TrimRight(text, "\n"))
	return err
}
