package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/aura-webinar/coachcall/internal/agent"
	"github.com/aura-webinar/coachcall/internal/media"
	"github.com/aura-webinar/coachcall/pkg/ffmpeg"
)

const probeTimeout = 10 * time.Second

func newDevicesCmd(d *deps) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "Probe the capture devices of the configured backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			a := d.cfg.Agent
			fmt.Fprintf(out, "backend:   %s\n", a.MediaBackend)

			if a.MediaBackend != agent.BackendTest {
				if err := ffmpeg.Check(); err != nil {
					fmt.Fprintf(out, "ffmpeg:    missing (%v)\n", err)
				} else {
					fmt.Fprintln(out, "ffmpeg:    ok")
				}
			}
			if err := media.RequireSecureContext(a.SignalingURL); err != nil {
				fmt.Fprintf(out, "signaling: %v\n  %s\n", err, media.Remediation(err))
			} else {
				fmt.Fprintf(out, "signaling: %s\n", a.SignalingURL)
			}

			devices, err := agent.Devices(d.cfg, d.logger)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), probeTimeout)
			defer cancel()
			tracks, err := media.AcquireLocalMedia(ctx, devices, media.Constraints{
				Video: &media.VideoConstraints{DeviceID: a.VideoDevice, Width: a.CaptureWidth, Height: a.CaptureHeight, FrameRate: a.CaptureFPS},
				Audio: &media.AudioConstraints{DeviceID: a.AudioDevice},
			})
			if err != nil {
				fmt.Fprintf(out, "capture:   %v\n  %s\n", err, media.Remediation(err))
				return nil
			}
			defer tracks.Stop()
			for _, t := range tracks.Tracks() {
				s := t.Settings()
				fmt.Fprintf(out, "%-10s %s (%dx%d@%d)\n", t.Kind().String()+":", t.Label(), s.Width, s.Height, s.FrameRate)
			}
			return nil
		},
	}
}
