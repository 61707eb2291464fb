package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/faithererer/DouyinLiveRecorder/internal/config"
	"github.com/faithererer/DouyinLiveRecorder/internal/recorder"
	"github.com/faithererer/DouyinLiveRecorder/internal/webapi"
)

func recordCmd() *cobra.Command {
	var (
		outputDir string
		segmented bool
		echo      bool
	)

	cmd := &cobra.Command{
		Use:   "record [ROOM]",
		Short: "Record one live room's comments until it ends or Ctrl-C",
		Long: `Record the comment stream of a single live room into a danmaku XML file.

ROOM is the digits from the live page URL (a full URL also works). When
omitted, the first room from the config file is used.

Examples:
  # Record one room
  danmurec record 168465302284

  # A live page URL works too
  danmurec record https://live.douyin.com/168465302284

  # Rotate the file every 10 minutes
  danmurec record --segmented 168465302284

  # Echo comments to the terminal while recording
  danmurec record --echo 168465302284`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			entry := ""
			switch {
			case len(args) == 1:
				entry = args[0]
			case len(cfg.Rooms) > 0:
				entry = cfg.Rooms[0]
			default:
				return fmt.Errorf("no room: pass one as an argument or configure rooms")
			}
			webRID, err := config.NormalizeRoomID(entry)
			if err != nil {
				return err
			}

			// Flag overrides
			if outputDir != "" {
				cfg.Output.Directory = outputDir
			}
			if segmented {
				cfg.Segment.Enabled = true
			}

			var feed *webapi.Feed
			if cfg.Status.Addr != "" {
				feed = webapi.NewFeed(0, logger)
			}

			rc := recorderConfig(webRID, feed)
			if echo {
				next := rc.Observer
				rc.Observer = func(user, content string, at time.Time) {
					fmt.Printf("[%s] %s: %s\n", at.Format("15:04:05"), user, content)
					if next != nil {
						next(user, content, at)
					}
				}
			}
			rec := newRecorder(rc)

			if err := rec.Start(ctx); err != nil {
				return err
			}

			stopStatus := serveStatus(ctx, cfg.Status.Addr,
				webapi.SourceFunc(func() []recorder.Snapshot {
					return []recorder.Snapshot{rec.Snapshot()}
				}), feed)
			defer stopStatus()

			// Ctrl-C stops the recorder; Wait returns once files are final.
			go func() {
				<-ctx.Done()
				rec.Stop()
			}()

			err = rec.Wait()
			snap := rec.Snapshot()
			logger.Info("recording ended",
				zap.String("web_rid", snap.WebRID),
				zap.Int("comments", snap.Comments),
				zap.String("last_segment", snap.SegmentPath),
				zap.Duration("duration", time.Since(snap.StartedAt)),
			)
			return err
		},
	}

	cmd.Flags().StringVarP(&outputDir, "output", "o", "", "override output directory from config")
	cmd.Flags().BoolVar(&segmented, "segmented", false, "rotate the subtitle file on the configured interval")
	cmd.Flags().BoolVar(&echo, "echo", false, "print comments to stdout while recording")

	return cmd
}
