package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/notedown/internal/output"
	"github.com/jmylchreest/notedown/internal/settings"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or change the extension settings",
	Long: `Show or change the extension settings: the host page origins allowed
to use the extension channel, and which media and metadata are extracted.

Origins are patterns such as https://example.com or http://localhost:*.
A running 'notedown serve' picks changes up without a restart.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openSettings(settingsPath(cmd))
		if err != nil {
			return err
		}
		return printSettings(cmd, store.Get())
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Change settings; only the given flags are changed",
	Example: `  notedown config set --allow http://localhost:* --allow https://notes.example.com
  notedown config set --include-video=false`,
	RunE: runConfigSet,
}

var configResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Restore the default settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openSettings(settingsPath(cmd))
		if err != nil {
			return err
		}
		cfg, err := store.Reset()
		if err != nil {
			return err
		}
		logInfo("settings reset: %s", store.Path())
		return printSettings(cmd, cfg)
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the settings file location",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := settingsPath(cmd)
		if path == "" {
			var err error
			if path, err = settings.DefaultPath(); err != nil {
				return err
			}
		}
		cmd.Println(path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configSetCmd, configResetCmd, configPathCmd)

	configCmd.PersistentFlags().String("settings", "", "extension settings file (default $XDG_CONFIG_HOME/notedown/extension.yaml)")
	configCmd.PersistentFlags().String("format", "yaml", "output format: yaml, json")

	flags := configSetCmd.Flags()
	flags.StringArray("allow", nil, "allowed host page origin (can be repeated; replaces the list)")
	flags.Bool("include-images", true, "extract images")
	flags.Bool("include-video", true, "extract the video URL")
	flags.Bool("include-tags", true, "extract tags")
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	store, err := openSettings(settingsPath(cmd))
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	var patch settings.Patch
	if flags.Changed("allow") {
		patch.AllowedDomains, _ = flags.GetStringArray("allow")
	}
	if flags.Changed("include-images") || flags.Changed("include-video") || flags.Changed("include-tags") {
		opts := store.Get().ExtractOptions
		if flags.Changed("include-images") {
			opts.IncludeImages, _ = flags.GetBool("include-images")
		}
		if flags.Changed("include-video") {
			opts.IncludeVideo, _ = flags.GetBool("include-video")
		}
		if flags.Changed("include-tags") {
			opts.IncludeTags, _ = flags.GetBool("include-tags")
		}
		patch.ExtractOptions = &opts
	}

	cfg, err := store.Apply(patch)
	if err != nil {
		logError("%v", err)
		return err
	}
	logInfo("settings saved: %s", store.Path())
	return printSettings(cmd, cfg)
}

func settingsPath(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("settings")
	return path
}

func printSettings(cmd *cobra.Command, cfg settings.Config) error {
	formatStr, _ := cmd.Flags().GetString("format")
	format, err := output.ParseFormat(formatStr)
	if err != nil {
		return err
	}
	w, err := output.NewWriter(os.Stdout, format)
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()
	return w.Write(cfg)
}
