package main

import (
	"context"
	"fmt"
	"time"

	"github.com/BorisBojanov/ReplaySystem/internal/stream"
	"github.com/spf13/cobra"
)

var (
	maxIndex     int
	probeTimeout time.Duration
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Probe camera indexes and report which ones open",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		setupLogger(cfg)

		opener, err := newOpener(cfg.Device.Backend, cfg.Resolution())
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), probeTimeout)
		defer cancel()

		found := 0
		for _, info := range stream.ProbeDevices(ctx, opener, maxIndex) {
			fmt.Fprintln(cmd.OutOrStdout(), info.String())
			if info.Available {
				found++
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d of %d device(s) available\n", found, maxIndex)
		return nil
	},
}

func init() {
	addDeviceFlags(devicesCmd)
	devicesCmd.Flags().IntVar(&maxIndex, "max-index", 10, "probe indexes 0..max-index-1")
	devicesCmd.Flags().DurationVar(&probeTimeout, "timeout", 60*time.Second, "overall probe timeout")
}
