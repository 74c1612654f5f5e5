package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmylchreest/notedown/internal/agent"
	"github.com/jmylchreest/notedown/internal/archive"
	"github.com/jmylchreest/notedown/internal/broadcast"
	"github.com/jmylchreest/notedown/internal/browser"
	"github.com/jmylchreest/notedown/internal/coordinator"
	"github.com/jmylchreest/notedown/internal/logger"
	"github.com/jmylchreest/notedown/internal/server"
	"github.com/jmylchreest/notedown/internal/settings"
	"github.com/jmylchreest/notedown/internal/version"
	"github.com/jmylchreest/notedown/pkg/extract"
	"github.com/jmylchreest/notedown/pkg/notedown"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and the extension channel",
	Long: `Serve /api/extract and /api/optimize over HTTP.

With --browser a Chrome instance is launched and driven as the extension:
host pages on an allowed origin talk to it through /extension/message and
receive extracted notes from /extension/events. The allowed origins and
extraction options live in the extension settings file (see
'notedown config'), which is reloaded when it changes.

Examples:
  notedown serve
  notedown serve --browser --addr 127.0.0.1:8787 --archive notes.db
  notedown serve --fetch-mode static --max-body 1MB`,
	PreRun: func(cmd *cobra.Command, args []string) {
		bindProviderFlags(cmd)
		flags := cmd.Flags()
		_ = viper.BindPFlag("server.addr", flags.Lookup("addr"))
		_ = viper.BindPFlag("server.max_body", flags.Lookup("max-body"))
		_ = viper.BindPFlag("server.archive", flags.Lookup("archive"))
		_ = viper.BindPFlag("server.browser", flags.Lookup("browser"))
		_ = viper.BindPFlag("server.settings", flags.Lookup("settings"))
	},
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	flags := serveCmd.Flags()
	flags.String("addr", server.DefaultAddr, "listen address")
	flags.String("max-body", humanize.IBytes(server.DefaultMaxBody), "request body limit (e.g. 512KB, 4MB)")
	flags.String("archive", "", "sqlite database for extracted notes; enables /api/notes")
	flags.Bool("browser", false, "launch Chrome and serve the extension channel")
	flags.String("settings", "", "extension settings file (default $XDG_CONFIG_HOME/notedown/extension.yaml)")

	addFetchFlags(flags)
	addProviderFlags(flags)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	maxBody, err := humanize.ParseBytes(viper.GetString("server.max_body"))
	if err != nil {
		logger.Error("invalid max-body", "value", viper.GetString("server.max_body"), "error", err)
		return err
	}

	store, err := openSettings(viper.GetString("server.settings"))
	if err != nil {
		logger.Error("failed to load extension settings", "error", err)
		return err
	}
	go func() {
		if err := store.Watch(ctx); err != nil {
			logger.Warn("settings watch stopped", "error", err)
		}
	}()
	extractOpts := func() extract.Options {
		return flagExtractOptions(cmd, store.Get().ExtractOptions.Extract())
	}

	var (
		serverOpts []server.Option
		allocCtx   context.Context
	)

	if viper.GetBool("server.browser") {
		driver, err := browser.New(ctx, browser.Config{
			Allocator:  resolvedBrowserConfig(cmd).allocator(),
			AutoInject: true,
		})
		if err != nil {
			logger.Error("failed to launch browser", "error", err)
			return err
		}
		defer func() { _ = driver.Close() }()

		coord := coordinator.New(driver, store)
		hub := broadcast.NewHub()
		driver.SetAgentOptions(
			agent.WithNotifier(coord),
			agent.WithPublisher(hub),
			agent.WithOptions(extractOpts),
		)
		go func() {
			if err := coord.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("coordinator stopped", "error", err)
			}
		}()

		allocCtx = driver.Allocator()
		serverOpts = append(serverOpts, server.WithChannel(coord, hub, store))
		logger.Info("extension channel ready", "extension_id", coord.ID(), "settings", store.Path())
	}

	opts, err := fetchOptions(cmd, allocCtx)
	if err != nil {
		logger.Error("failed to configure fetching", "error", err)
		return err
	}
	opts = append(opts, pipelineOptions()...)
	opts = append(opts, notedown.WithExtractOptions(extractOpts))

	if path := viper.GetString("server.archive"); path != "" {
		a, err := archive.Open(path)
		if err != nil {
			logger.Error("failed to open archive", "path", path, "error", err)
			return err
		}
		defer func() { _ = a.Close() }()
		opts = append(opts, notedown.WithRecorder(a))
		serverOpts = append(serverOpts, server.WithArchive(a))
	}

	nd, err := notedown.New(opts...)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		return err
	}
	defer func() { _ = nd.Close() }()

	if !nd.CanOptimize() {
		logger.Warn("no LLM provider configured, /api/optimize will fail")
	}

	serverOpts = append(serverOpts, server.WithConfig(server.Config{
		Addr:    viper.GetString("server.addr"),
		MaxBody: int64(maxBody),
	}))
	return server.New(nd, serverOpts...).ListenAndServe(ctx)
}

// openSettings opens the extension settings at path, or at the default
// location when path is empty.
func openSettings(path string) (*settings.Store, error) {
	if path == "" {
		var err error
		if path, err = settings.DefaultPath(); err != nil {
			return nil, err
		}
	}
	store, err := settings.Open(path, version.Protocol)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return store, nil
}
