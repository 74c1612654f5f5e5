package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/notedown/internal/logger"
	"github.com/jmylchreest/notedown/pkg/notedown"
)

var optimizeCmd = &cobra.Command{
	Use:   "optimize [file]",
	Short: "Rewrite a Markdown note with an LLM",
	Long: `Rewrite a Markdown note for readability with an LLM.

The note is read from the file argument, or from stdin when the argument
is missing or "-". On failure the original text is written unchanged
and the command exits non-zero.

Examples:
  MOONSHOT_API_KEY=sk-... notedown optimize note.md -o note.polished.md
  notedown extract --format markdown URL | notedown optimize -p ollama -m qwen2.5`,
	Args:   cobra.MaximumNArgs(1),
	PreRun: func(cmd *cobra.Command, args []string) { bindProviderFlags(cmd) },
	RunE:   runOptimize,
}

func init() {
	rootCmd.AddCommand(optimizeCmd)

	flags := optimizeCmd.Flags()
	flags.StringP("output", "o", "", "output file (default: stdout)")
	flags.String("instructions", "", "extra rewrite instructions")

	addProviderFlags(flags)
}

func runOptimize(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		input []byte
		err   error
	)
	if len(args) == 0 || args[0] == "-" {
		input, err = io.ReadAll(os.Stdin)
	} else {
		input, err = os.ReadFile(args[0]) //#nosec G304 -- CLI tool reads a user-specified file
	}
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	nd, err := notedown.New(pipelineOptions()...)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		return err
	}
	defer func() { _ = nd.Close() }()

	instructions, _ := cmd.Flags().GetString("instructions")
	out, optErr := nd.Optimize(ctx, string(input), instructions)
	if optErr != nil {
		logError("%v", optErr)
		if out == "" {
			return optErr
		}
	}

	w := io.Writer(os.Stdout)
	if path, _ := cmd.Flags().GetString("output"); path != "" {
		f, err := os.Create(path) //#nosec G304 -- CLI tool writes to user-specified output file
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		w = f
	}
	if _, err := io.WriteString(w, out); err != nil {
		return err
	}
	return optErr
}
