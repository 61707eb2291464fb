package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/faithererer/DouyinLiveRecorder/internal/config"
	"github.com/faithererer/DouyinLiveRecorder/internal/monitor"
	"github.com/faithererer/DouyinLiveRecorder/internal/notify"
	"github.com/faithererer/DouyinLiveRecorder/internal/webapi"
)

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch the configured rooms and record whenever one goes live",
		Long: `Poll every configured room on an interval and launch a recording
for each one found live. Recordings end when the room goes offline; the
room then returns to polling after a cooldown.

Rooms come from the config file (rooms: [...]). Notifications are sent
through ntfy when DANMUREC_NTFY_ENABLED is set.

Examples:
  # Watch everything in the config file
  danmurec watch

  # With the status server for /api/status and the SSE comment feed
  DANMUREC_STATUS_ADDR=:8080 danmurec watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rooms := config.NormalizeRooms(cfg.Rooms)
			if len(rooms) == 0 {
				return fmt.Errorf("no rooms configured; add rooms to the config file")
			}

			ntfyCfg := notify.LoadConfig()
			if err := ntfyCfg.Validate(); err != nil {
				return err
			}
			notifier := notify.New(ntfyCfg, logger)

			var feed *webapi.Feed
			if cfg.Status.Addr != "" {
				feed = webapi.NewFeed(0, logger)
			}

			mon := monitor.New(monitor.Config{
				Rooms:         rooms,
				PollInterval:  time.Duration(cfg.Monitor.PollIntervalSec) * time.Second,
				Cooldown:      time.Duration(cfg.Monitor.CooldownSec) * time.Second,
				MaxConcurrent: cfg.Monitor.MaxConcurrent,
			}, newResolver(), func(webRID string) monitor.Runner {
				return newRecorder(recorderConfig(webRID, feed))
			}, notifier, logger)

			stopStatus := serveStatus(ctx, cfg.Status.Addr, mon, feed)
			defer stopStatus()

			// Run blocks until the signal context cancels, then stops
			// every active recording and waits for the files to close.
			return mon.Run(ctx)
		},
	}

	return cmd
}
