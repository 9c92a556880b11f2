package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aura-webinar/coachcall/internal/agent"
	"github.com/aura-webinar/coachcall/internal/call"
	"github.com/aura-webinar/coachcall/internal/media"
)

const endTimeout = 20 * time.Minute

func newJoinCmd(d *deps) *cobra.Command {
	var (
		opts     agent.Options
		duration time.Duration
		share    bool
	)
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a meeting and stay until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.MeetingID == "" {
				return errors.New("--meeting is required")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, id, err := agent.NewCall(ctx, d.cfg, opts, d.logger)
			if err != nil {
				return withRemediation(err)
			}
			d.logger.Info("identity", zap.String("user_id", id.UserID), zap.Bool("anonymous", id.Anonymous))

			if err := c.Join(ctx); err != nil {
				return withRemediation(err)
			}
			if share {
				if err := c.StartScreenShare(ctx); err != nil {
					d.logger.Warn("screen share unavailable", zap.Error(err))
				}
			}

			var timeout <-chan time.Time
			if duration > 0 {
				timer := time.NewTimer(duration)
				defer timer.Stop()
				timeout = timer.C
			}
			select {
			case <-ctx.Done():
				d.logger.Info("interrupted, ending call")
			case <-c.Done():
				d.logger.Info("call ended")
			case <-timeout:
				d.logger.Info("duration reached, ending call")
			}

			endCtx, cancel := context.WithTimeout(context.Background(), endTimeout)
			defer cancel()
			res, err := c.End(endCtx)
			printResult(cmd, res)
			return err
		},
	}
	cmd.Flags().StringVar(&opts.MeetingID, "meeting", "", "meeting id to join")
	cmd.Flags().StringVar(&opts.SessionID, "session", "", "platform session id (enables status updates and upload)")
	cmd.Flags().BoolVar(&opts.NoVideo, "no-video", false, "do not open a camera")
	cmd.Flags().BoolVar(&opts.NoAudio, "no-audio", false, "do not open a microphone")
	cmd.Flags().BoolVar(&share, "screen-share", false, "share the screen once joined")
	cmd.Flags().DurationVar(&duration, "duration", 0, "end the call after this long (0 = until interrupted)")
	return cmd
}

func printResult(cmd *cobra.Command, res call.Result) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "recording: %s\n", res.RecordingState)
	if res.RecordingURL != "" {
		fmt.Fprintf(out, "url:       %s\n", res.RecordingURL)
	}
	if res.UploadErr != nil {
		fmt.Fprintf(out, "upload:    failed (%v); the local file is kept\n", res.UploadErr)
	}
}

func withRemediation(err error) error {
	if hint := media.Remediation(err); hint != "" && isDeviceError(err) {
		return fmt.Errorf("%w\n%s", err, hint)
	}
	return err
}

func isDeviceError(err error) bool {
	return errors.Is(err, media.ErrPermissionDenied) ||
		errors.Is(err, media.ErrDeviceNotFound) ||
		errors.Is(err, media.ErrDeviceBusy) ||
		errors.Is(err, media.ErrAPIUnavailable)
}
