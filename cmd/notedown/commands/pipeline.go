package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	clifetcher "github.com/jmylchreest/notedown/cmd/notedown/fetcher"
	"github.com/jmylchreest/notedown/internal/browser"
	"github.com/jmylchreest/notedown/internal/logger"
	"github.com/jmylchreest/notedown/pkg/extract"
	"github.com/jmylchreest/notedown/pkg/fetcher"
	"github.com/jmylchreest/notedown/pkg/llm"
	"github.com/jmylchreest/notedown/pkg/notedown"
)

// addProviderFlags registers the LLM flags shared by several commands.
func addProviderFlags(flags *pflag.FlagSet) {
	flags.StringP("provider", "p", "", "LLM provider: "+strings.Join(llm.AvailableProviders(), ", ")+" (auto-detects from env vars)")
	flags.StringP("model", "m", "", "model name (provider-specific)")
	flags.StringP("api-key", "k", "", "API key (or use the provider's env var)")
	flags.String("base-url", "", "custom API base URL")
	flags.Int("max-retries", 2, "rate-limit retries for AI rewriting")
}

// bindProviderFlags binds the LLM flags of cmd to viper. Called from
// PreRun so commands sharing flag names do not overwrite each other.
func bindProviderFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	_ = viper.BindPFlag("provider", flags.Lookup("provider"))
	_ = viper.BindPFlag("model", flags.Lookup("model"))
	_ = viper.BindPFlag("api_key", flags.Lookup("api-key"))
	_ = viper.BindPFlag("base_url", flags.Lookup("base-url"))
	_ = viper.BindPFlag("max_retries", flags.Lookup("max-retries"))
}

// addFetchFlags registers the page fetch flags.
func addFetchFlags(flags *pflag.FlagSet) {
	flags.String("fetch-mode", "dynamic", "fetch mode: dynamic, static")
	flags.Duration("timeout", 30*time.Second, "page load timeout")
	flags.String("wait-for", "title", "CSS selector awaited before a dynamic page is read")
	flags.StringArray("cookie", nil, "cookie sent with page requests, as name=value (can be repeated)")
	flags.Bool("headful", false, "show the browser window")
	flags.String("debug-dir", "", "save a screenshot here when a dynamic fetch fails")
	flags.Bool("no-images", false, "leave images out of the record")
	flags.Bool("no-video", false, "leave the video out of the record")
	flags.Bool("no-tags", false, "leave tags out of the record")
}

// pipelineOptions collects the LLM options from viper and the providers
// section of the config file.
func pipelineOptions() []notedown.Option {
	name := viper.GetString("provider")
	opts := []notedown.Option{
		notedown.WithProvider(name),
		notedown.WithAPIKey(viper.GetString("api_key")),
		notedown.WithMaxRetries(viper.GetInt("max_retries")),
		notedown.WithObserver(llm.LogObserver()),
	}

	model, baseURL := viper.GetString("model"), viper.GetString("base_url")
	if name == "" {
		name, _ = llm.DetectProvider()
	}
	if pc, ok := providerConfigs()[name]; ok {
		if model == "" {
			model = pc.Model
		}
		if baseURL == "" {
			baseURL = pc.BaseURL
		}
		if pc.Temperature > 0 {
			opts = append(opts, notedown.WithTemperature(pc.Temperature))
		}
		if pc.MaxTokens > 0 {
			opts = append(opts, notedown.WithMaxTokens(pc.MaxTokens))
		}
	}
	return append(opts, notedown.WithModel(model), notedown.WithBaseURL(baseURL))
}

// fetchOptions builds the fetcher-related pipeline options from cmd's
// flags. A non-nil allocCtx makes dynamic fetches share that browser.
func fetchOptions(cmd *cobra.Command, allocCtx context.Context) ([]notedown.Option, error) {
	flags := cmd.Flags()
	mode, _ := flags.GetString("fetch-mode")
	timeout, _ := flags.GetDuration("timeout")
	waitFor, _ := flags.GetString("wait-for")
	rawCookies, _ := flags.GetStringArray("cookie")

	cookies, err := parseCookies(rawCookies)
	if err != nil {
		return nil, err
	}

	bc := resolvedBrowserConfig(cmd)
	if flags.Changed("timeout") || bc.Timeout == 0 {
		bc.Timeout = timeout
	}

	var f fetcher.Fetcher
	switch mode {
	case "dynamic", "":
		cfg := clifetcher.Config{
			Allocator: bc.allocator(),
			Timeout:   bc.Timeout,
			Settle:    bc.Settle,
			DebugDir:  bc.DebugDir,
		}
		if allocCtx != nil {
			f = clifetcher.NewSharedDynamicFetcher(allocCtx, cfg)
		} else {
			f, err = clifetcher.NewDynamicFetcher(cfg)
			if err != nil {
				return nil, fmt.Errorf("failed to create dynamic fetcher: %w", err)
			}
		}
	case "static":
		f = fetcher.NewStatic(fetcher.StaticConfig{
			UserAgent: bc.UserAgent,
			Timeout:   bc.Timeout,
		})
	default:
		return nil, fmt.Errorf("unknown fetch mode: %s (use 'dynamic' or 'static')", mode)
	}
	logger.Debug("fetcher created", "mode", f.Type(), "timeout", bc.Timeout)

	opts := []notedown.Option{
		notedown.WithFetcher(f),
		notedown.WithTimeout(bc.Timeout),
		notedown.WithWaitSelector(waitFor),
		notedown.WithCookies(cookies...),
	}
	if bc.UserAgent != "" {
		opts = append(opts, notedown.WithUserAgent(bc.UserAgent))
	}
	return opts, nil
}

// resolvedBrowserConfig is the browser section with --headful and
// --debug-dir applied.
func resolvedBrowserConfig(cmd *cobra.Command) BrowserConfig {
	bc := browserConfig()
	if headful, _ := cmd.Flags().GetBool("headful"); headful {
		bc.Headless = false
	}
	if dir, _ := cmd.Flags().GetString("debug-dir"); dir != "" {
		bc.DebugDir = dir
	}
	return bc
}

func (bc BrowserConfig) allocator() browser.AllocatorConfig {
	cfg := browser.DefaultAllocatorConfig()
	cfg.Headless = bc.Headless
	cfg.Stealth = bc.Stealth
	cfg.UserDataDir = bc.UserDataDir
	cfg.ExecPath = bc.ExecPath
	if bc.UserAgent != "" {
		cfg.UserAgent = bc.UserAgent
	}
	return cfg
}

// flagExtractOptions applies the --no-* flags on top of base.
func flagExtractOptions(cmd *cobra.Command, base extract.Options) extract.Options {
	if v, _ := cmd.Flags().GetBool("no-images"); v {
		base.IncludeImages = false
	}
	if v, _ := cmd.Flags().GetBool("no-video"); v {
		base.IncludeVideo = false
	}
	if v, _ := cmd.Flags().GetBool("no-tags"); v {
		base.IncludeTags = false
	}
	return base
}

// parseCookies turns name=value pairs into cookies for the note site.
func parseCookies(raw []string) ([]fetcher.Cookie, error) {
	cookies := make([]fetcher.Cookie, 0, len(raw))
	for _, kv := range raw {
		name, value, ok := strings.Cut(kv, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid cookie %q (want name=value)", kv)
		}
		cookies = append(cookies, fetcher.Cookie{
			Name:   name,
			Value:  strings.TrimSpace(value),
			Domain: ".xiaohongshu.com",
		})
	}
	return cookies, nil
}
