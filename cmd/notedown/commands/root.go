// Package commands implements the CLI commands for notedown.
package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmylchreest/notedown/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:   "notedown",
	Short: "Turn Xiaohongshu notes into Markdown",
	Long: `Notedown extracts Xiaohongshu notes into structured records and
Markdown documents, optionally rewriting them with an LLM.

Examples:
  # Extract a note from a share text
  notedown extract "看看这个 https://www.xiaohongshu.com/explore/64f1a2b3c4d5e6f7a8b9c0d1"

  # Write each note to its own Markdown file
  notedown extract -u URL1 -u URL2 -o notes/ --format markdown

  # Polish a Markdown file with Kimi
  MOONSHOT_API_KEY=sk-... notedown optimize note.md

  # Serve the HTTP API and the browser extension channel
  notedown serve --browser --archive notes.db`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger.Init(logger.Options{
			Debug: viper.GetBool("debug"),
			Quiet: viper.GetBool("quiet"),
			JSON:  viper.GetBool("log_json"),

			DebugComponents: viper.GetStringSlice("debug_components"),
		})
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "config file (default $HOME/.notedown.yaml)")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "suppress progress output")
	rootCmd.PersistentFlags().Bool("log-json", false, "log as JSON")
	rootCmd.PersistentFlags().StringSlice("debug-component", nil, "enable debug logging for a component only (coordinator, agent, browser, server, settings, llm, fetch)")

	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	_ = viper.BindPFlag("quiet", rootCmd.PersistentFlags().Lookup("quiet"))
	_ = viper.BindPFlag("log_json", rootCmd.PersistentFlags().Lookup("log-json"))
	_ = viper.BindPFlag("debug_components", rootCmd.PersistentFlags().Lookup("debug-component"))
}

func initConfig() {
	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigName(".notedown")
		viper.SetConfigType("yaml")
	}

	// Environment variables
	viper.SetEnvPrefix("NOTEDOWN")
	viper.AutomaticEnv()

	// Provider keys (MOONSHOT_API_KEY, ANTHROPIC_API_KEY, OPENAI_API_KEY) are
	// read by the provider registry; api_key here is an explicit override.

	// Read config file (ignore error if not found)
	_ = viper.ReadInConfig()
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// BrowserConfig is the `browser` section of the config file.
type BrowserConfig struct {
	Headless    bool          `mapstructure:"headless"`
	Stealth     bool          `mapstructure:"stealth"`
	UserAgent   string        `mapstructure:"user_agent"`
	UserDataDir string        `mapstructure:"user_data_dir"`
	ExecPath    string        `mapstructure:"exec_path"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Settle      time.Duration `mapstructure:"settle"`
	DebugDir    string        `mapstructure:"debug_dir"`
}

// ProviderConfig holds provider-specific settings from config file.
type ProviderConfig struct {
	Model       string  `mapstructure:"model"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	BaseURL     string  `mapstructure:"base_url"`
}

func browserConfig() BrowserConfig {
	cfg := BrowserConfig{Headless: true, Stealth: true}
	_ = viper.UnmarshalKey("browser", &cfg)
	return cfg
}

func providerConfigs() map[string]ProviderConfig {
	cfgs := make(map[string]ProviderConfig)
	_ = viper.UnmarshalKey("providers", &cfgs)
	return cfgs
}

// logError prints an error message to stderr.
func logError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
}

// logInfo prints an info message to stderr (unless quiet mode).
func logInfo(format string, args ...any) {
	if !viper.GetBool("quiet") {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}
}
