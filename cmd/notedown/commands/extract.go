package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/notedown/internal/archive"
	"github.com/jmylchreest/notedown/internal/logger"
	"github.com/jmylchreest/notedown/internal/output"
	"github.com/jmylchreest/notedown/pkg/extract"
	"github.com/jmylchreest/notedown/pkg/notedown"
)

var extractCmd = &cobra.Command{
	Use:   "extract [url or share text...]",
	Short: "Extract notes into records and Markdown",
	Long: `Extract Xiaohongshu notes.

Inputs may be note URLs, xhslink.com short links, or whole share texts
containing one. With no arguments and no --url, inputs are read from
stdin, one per line.

Examples:
  # Single note to stdout as JSON
  notedown extract "https://www.xiaohongshu.com/explore/64f1a2b3c4d5e6f7a8b9c0d1"

  # Several notes, one Markdown file each
  notedown extract -u URL1 -u URL2 -o notes/ --format markdown

  # Fetch without a browser and rewrite every note with the AI
  notedown extract --fetch-mode static --optimize URL`,
	PreRun: func(cmd *cobra.Command, args []string) { bindProviderFlags(cmd) },
	RunE:   runExtract,
}

func init() {
	rootCmd.AddCommand(extractCmd)

	flags := extractCmd.Flags()

	// Inputs
	flags.StringSliceP("url", "u", nil, "note URL or share text (can be repeated)")

	// Output settings
	flags.StringP("output", "o", "", "output file, or a directory (trailing /) for one .md file per note (default: stdout)")
	flags.String("format", "json", "output format: json, jsonl, yaml, markdown")
	flags.String("archive", "", "also store extracted notes in this sqlite database")

	// Processing
	flags.IntP("concurrency", "c", 2, "concurrent extractions")
	flags.Bool("optimize", false, "rewrite each note's Markdown with the AI")
	flags.String("instructions", "", "extra instructions for --optimize")

	addFetchFlags(flags)
	addProviderFlags(flags)
}

func runExtract(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Debug("extract command starting")

	inputs, _ := cmd.Flags().GetStringSlice("url")
	inputs = append(inputs, args...)
	if len(inputs) == 0 {
		stat, _ := os.Stdin.Stat()
		if stat != nil && stat.Mode()&os.ModeCharDevice != 0 {
			return cmd.Help()
		}
		var err error
		if inputs, err = readLines(os.Stdin); err != nil {
			return err
		}
	}
	if len(inputs) == 0 {
		return cmd.Help()
	}
	logger.Debug("inputs to process", "count", len(inputs))

	formatStr, _ := cmd.Flags().GetString("format")
	format, err := output.ParseFormat(formatStr)
	if err != nil {
		return err
	}

	opts, err := fetchOptions(cmd, nil)
	if err != nil {
		logger.Error("failed to configure fetching", "error", err)
		return err
	}
	opts = append(opts, pipelineOptions()...)

	extractOpts := flagExtractOptions(cmd, extract.DefaultOptions())
	opts = append(opts, notedown.WithExtractOptions(func() extract.Options { return extractOpts }))

	if path, _ := cmd.Flags().GetString("archive"); path != "" {
		a, err := archive.Open(path)
		if err != nil {
			logger.Error("failed to open archive", "path", path, "error", err)
			return err
		}
		defer func() { _ = a.Close() }()
		opts = append(opts, notedown.WithRecorder(a))
	}

	nd, err := notedown.New(opts...)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		return err
	}
	// The fetcher is closed by nd.Close().
	defer func() { _ = nd.Close() }()

	optimize, _ := cmd.Flags().GetBool("optimize")
	instructions, _ := cmd.Flags().GetString("instructions")
	if optimize && !nd.CanOptimize() {
		return fmt.Errorf("--optimize needs an LLM provider: set an API key or run Ollama locally")
	}

	outPath, _ := cmd.Flags().GetString("output")
	writer, closeOut, err := openOutput(outPath, format)
	if err != nil {
		logger.Error("failed to create output", "path", outPath, "error", err)
		return err
	}
	defer closeOut()

	concurrency, _ := cmd.Flags().GetInt("concurrency")
	logger.Info("starting extraction", "inputs", len(inputs), "concurrency", concurrency)

	count, errorCount := 0, 0
	for result := range nd.ExtractMany(ctx, inputs, concurrency) {
		if result.Error != nil {
			errorCount++
			logger.Error("extraction failed", "input", result.Input, "error", result.Error)
			continue
		}

		ex := result.Extraction
		if optimize {
			md, err := nd.Optimize(ctx, ex.Markdown, instructions)
			if err != nil {
				logger.Warn("keeping original markdown", "source", ex.Source, "error", err)
			} else {
				ex.Markdown = md
			}
		}

		if err := writer.Write(ex); err != nil {
			logger.Error("failed to write output", "error", err)
			return err
		}
		count++
	}

	if dw, ok := writer.(*output.DirWriter); ok {
		for _, p := range dw.Paths {
			logInfo("wrote %s", p)
		}
	}
	logger.Info("extraction complete", "extracted", count, "errors", errorCount)

	if count == 0 && errorCount > 0 {
		return fmt.Errorf("all %d extractions failed", errorCount)
	}
	return nil
}

// openOutput returns the writer for path: stdout when empty, a per-note
// directory when path ends in a separator or names a directory, a file
// otherwise.
func openOutput(path string, format output.Format) (output.Writer, func(), error) {
	if path == "" {
		w, err := output.NewWriter(os.Stdout, format)
		if err != nil {
			return nil, nil, err
		}
		return w, func() { _ = w.Close() }, nil
	}

	if strings.HasSuffix(path, "/") || strings.HasSuffix(path, string(filepath.Separator)) || isDir(path) {
		w, err := output.NewDirWriter(path)
		if err != nil {
			return nil, nil, err
		}
		return w, func() { _ = w.Close() }, nil
	}

	f, err := os.Create(path) //#nosec G304 -- CLI tool writes to user-specified output file
	if err != nil {
		return nil, nil, err
	}
	w, err := output.NewWriter(f, format)
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	return w, func() {
		_ = w.Close()
		_ = f.Close()
	}, nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// readLines returns the non-blank lines of r.
func readLines(r io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}
