package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"biowave/internal/config"
	"biowave/internal/logger"
	"biowave/internal/transport"
)

var (
	emulateBroker string
	emulateRate   float64
)

var emulateCmd = &cobra.Command{
	Use:   "emulate",
	Short: "Publish a synthetic device stream to the MQTT broker",
	Long: `emulate stands in for a device gateway: it synthesizes ECG, PPG and SpO2
lines, fragments them like a BLE link and publishes them on mqtt.topic, with
online/offline on mqtt.status_topic. Point a serve instance with
source.kind=mqtt at the same broker to watch it.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if emulateBroker != "" {
			cfg.MQTT.Broker = emulateBroker
		}
		if emulateRate > 0 {
			cfg.Emulator.SampleRate = emulateRate
		}

		log := logger.Get(cfg.Log.Level)
		pub, err := transport.NewPublisher(cfg.MQTT, log.Named("publisher"))
		if err != nil {
			return err
		}
		defer pub.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log.Infow("emulator_publishing", "broker", cfg.MQTT.Broker, "topic", cfg.MQTT.Topic)
		return transport.NewEmulator(cfg.Emulator, log.Named("emulator")).Run(ctx, pub)
	},
}

func init() {
	emulateCmd.Flags().StringVar(&emulateBroker, "broker", "", "MQTT broker URL (overrides mqtt.broker)")
	emulateCmd.Flags().Float64Var(&emulateRate, "sample-rate", 0, "samples per second (overrides emulator.sample_rate)")
}
