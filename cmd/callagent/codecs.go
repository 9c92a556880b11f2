package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aura-webinar/coachcall/internal/recorder"
)

func newCodecsCmd(d *deps) *cobra.Command {
	return &cobra.Command{
		Use:   "codecs",
		Short: "Show which recording codec would be used",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			supported, err := recorder.FFmpegSupport(cmd.Context())
			if err != nil {
				fmt.Fprintf(out, "ffmpeg unavailable (%v)\nrecording would use %s\n", err, recorder.CodecDefault.MimeType)
				return nil
			}
			for _, c := range recorder.CodecPreference {
				mark := "no"
				if supported(c) {
					mark = "yes"
				}
				fmt.Fprintf(out, "%-36s %s\n", c.MimeType, mark)
			}
			fmt.Fprintf(out, "negotiated: %s\n", recorder.NegotiateCodec(supported).MimeType)
			return nil
		},
	}
}
