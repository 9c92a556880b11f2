package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aura-webinar/coachcall/config"
)

type deps struct {
	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd(d *deps) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "callagent",
		Short:         "Headless participant for peer-to-peer coaching calls",
		Long:          "Joins a meeting through the signaling relay, negotiates a WebRTC call, records it when it is the first joiner and uploads the recording to the platform.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&d.cfg.Agent.MediaBackend, "backend", d.cfg.Agent.MediaBackend, "media backend: ffmpeg or test")

	rootCmd.AddCommand(newJoinCmd(d))
	rootCmd.AddCommand(newDevicesCmd(d))
	rootCmd.AddCommand(newCodecsCmd(d))
	return rootCmd
}
