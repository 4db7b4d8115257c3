package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BorisBojanov/ReplaySystem/internal/config"
	"github.com/BorisBojanov/ReplaySystem/internal/control"
	"github.com/BorisBojanov/ReplaySystem/internal/core"
	"github.com/BorisBojanov/ReplaySystem/internal/emitter"
	"github.com/BorisBojanov/ReplaySystem/internal/preview"
	"github.com/BorisBojanov/ReplaySystem/internal/preview/cvwindow"
	"github.com/BorisBojanov/ReplaySystem/internal/replay"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Capture continuously and save replays on command",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		setupLogger(cfg)
		return runReplay(cmd.Context(), cfg)
	},
}

func init() {
	addRunFlags(runCmd)
}

func runReplay(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("starting replay service",
		"config", configPath,
		"backend", cfg.Device.Backend,
		"device", cfg.Device.Index,
		"buffer_seconds", cfg.Buffer.Seconds,
		"output_dir", cfg.Output.Directory,
		"codec", cfg.Output.Codec,
	)

	opener, err := newOpener(cfg.Device.Backend, cfg.Resolution())
	if err != nil {
		return err
	}
	writer, err := newWriter(cfg)
	if err != nil {
		return err
	}

	var em *emitter.MQTTEmitter
	if cfg.MQTTEnabled() {
		em = emitter.NewMQTTEmitter(cfg)
		if err := em.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect mqtt: %w", err)
		}
		defer em.Disconnect()
	}

	keys := control.KeyBindings{Save: cfg.SaveKey(), Quit: cfg.QuitKey()}
	var sources []control.Source
	var display preview.Display
	if cfg.Preview.Enabled {
		window := cvwindow.New(cfg.Preview.Title, keys)
		display = window
		sources = append(sources, window)
	}
	if cfg.Commands.Keyboard {
		sources = append(sources, control.NewKeyboardSource(os.Stdin, keys))
	}
	if cfg.Commands.TriggerDir != "" {
		sources = append(sources, control.NewFileTriggerSource(cfg.Commands.TriggerDir))
	}
	if cfg.Commands.MQTT && em != nil {
		sources = append(sources, control.NewMQTTSource(em.Client, control.MQTTConfig{
			Topic:         cfg.MQTT.Topics.Control,
			ResponseTopic: cfg.MQTT.Topics.Responses,
			QoS:           cfg.MQTT.QoS["control"],
		}))
	}

	cmdCtx, cancelCommands := context.WithCancel(ctx)
	commands := control.Merge(cmdCtx, sources...)
	defer func() {
		cancelCommands()
		drainCommands(commands, 2*time.Second)
	}()

	onResult := func(s replay.Session, res replay.Result, err error) {
		if em == nil {
			return
		}
		if perr := em.PublishEvent(emitter.NewEvent(cfg.InstanceID, s, res, err, time.Now())); perr != nil {
			slog.Warn("failed to publish replay event", "error", perr)
		}
	}

	controller, err := core.New(core.Options{
		Source:          opener(cfg.Device.Index),
		Saver:           writer,
		Commands:        commands,
		Display:         display,
		BufferSeconds:   cfg.Buffer.Seconds,
		WarmupWindow:    time.Duration(cfg.Device.WarmupS) * time.Second,
		StatsInterval:   time.Duration(cfg.Log.StatsIntervalS) * time.Second,
		ShutdownTimeout: time.Duration(cfg.ShutdownTimeoutS) * time.Second,
		OnSaveResult:    onResult,
		Keys:            keys,
	})
	if err != nil {
		return err
	}

	if err := controller.Start(ctx); err != nil {
		slog.Error("failed to start capture", "error", err, "device", cfg.Device.Index)
		return err
	}

	if cfg.Health.Addr != "" {
		var mqttConnected func() bool
		if em != nil {
			mqttConnected = func() bool { return em.Stats().Connected }
		}
		hs := core.NewHealthServer(controller, cfg.Health.Addr, mqttConnected)
		go func() {
			if err := hs.Run(ctx); err != nil {
				slog.Error("health server stopped", "error", err)
			}
		}()
	}

	err = controller.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("capture stopped with error", "error", err)
		return err
	}

	slog.Info("replay service stopped")
	return nil
}

// drainCommands waits for the command sources to exit so the terminal is
// restored before the process ends.
func drainCommands(commands <-chan control.Command, timeout time.Duration) {
	deadline := time.After(timeout)
	for {
		select {
		case _, ok := <-commands:
			if !ok {
				return
			}
		case <-deadline:
			slog.Warn("command sources did not stop in time")
			return
		}
	}
}
