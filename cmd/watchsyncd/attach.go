package main

import (
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gabrielmiguelok/watchsync/pkg/client"
	"github.com/gabrielmiguelok/watchsync/pkg/config"
	"github.com/gabrielmiguelok/watchsync/pkg/logging"
	"github.com/gabrielmiguelok/watchsync/pkg/session"
)

func newAttachCmd(v *viper.Viper, cfgPath *string) *cobra.Command {
	var (
		sessionID string
		viewerID  string
		name      string
		token     string
	)
	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Join a session as a headless viewer and log its state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadWith(v, *cfgPath)
			if err != nil {
				return err
			}
			logger := logging.New(cfg.Log)

			ccfg := client.DefaultConfig()
			ccfg.BaseURL = cfg.Client.BaseURL
			ccfg.SessionID = sessionID
			ccfg.Viewer = session.Viewer{ID: viewerID, DisplayName: name}
			ccfg.Token = token
			ccfg.HeartbeatInterval = cfg.Client.HeartbeatInterval
			ccfg.SyncThrottle = cfg.Client.SyncThrottle
			ccfg.Logger = logger
			ccfg.OnError = func(err error) {
				logger.Warn("intent rejected", logging.Err(err))
			}

			if cfg.Client.CachePath != "" {
				cache, err := client.OpenStateCache(filepath.Clean(cfg.Client.CachePath))
				if err != nil {
					return err
				}
				defer cache.Close()
				ccfg.Cache = cache
			}

			agent, err := client.New(ccfg)
			if err != nil {
				return err
			}
			updates, unsubscribe := agent.Subscribe()
			defer unsubscribe()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := agent.Start(ctx); err != nil {
				return err
			}
			defer agent.Close()

			for {
				select {
				case <-ctx.Done():
					return nil
				case s, ok := <-updates:
					if !ok {
						return nil
					}
					fields := []logging.Field{
						logging.Int("playlist", len(s.Playlist)),
						logging.Int("index", s.CurrentIndex),
						logging.Bool("playing", s.IsPlaying),
						logging.Float64("progress", s.Progress),
						logging.Int("viewers", len(s.Viewers)),
						logging.String("conn", agent.ConnState().String()),
					}
					if item, ok := s.Current(); ok {
						fields = append(fields, logging.String("current", item.Title))
					}
					logger.Info("session state", fields...)
				}
			}
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&sessionID, "session", "", "session id to join")
	flags.StringVar(&viewerID, "viewer", "", "viewer id")
	flags.StringVar(&name, "name", "", "display name")
	flags.StringVar(&token, "token", "", "bearer token, when the server uses jwt auth")
	flags.String("base-url", "", "server base URL")
	flags.String("cache", "", "directory for the local state cache")
	cobra.CheckErr(cmd.MarkFlagRequired("session"))
	cobra.CheckErr(cmd.MarkFlagRequired("viewer"))
	bindFlags(v, flags, map[string]string{
		"client.base_url":   "base-url",
		"client.cache_path": "cache",
	})
	return cmd
}
