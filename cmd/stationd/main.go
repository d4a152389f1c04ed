// Command stationd runs the measurement-station control plane: it connects to the
// Controller (and optionally the WCS), listens for camera scan events, and drives
// the pairing and upload pipeline.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/parcelworks/dws-station/config"
	"github.com/parcelworks/dws-station/logger"
	"github.com/parcelworks/dws-station/plc"
	"github.com/parcelworks/dws-station/station"
	"github.com/parcelworks/dws-station/wcs"
)

var version = "dev"

func main() {
	var cfgPath string

	rootCmd := &cobra.Command{
		Use:          "stationd",
		Short:        "DWS measurement station control plane",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	rootCmd.Flags().StringVarP(&cfgPath, "config", "c", "station.yaml", "path to configuration file")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the stationd version",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println("stationd", version)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	log := newLogger(cfg.LogLevel)

	plcClient, err := plc.NewClient(ctx, plcConfig(cfg, cfg.PLC.Host, cfg.PLC.Port, log))
	if err != nil {
		return fmt.Errorf("create PLC client: %w", err)
	}
	plcClient.OnConnectionChange(func(connected bool) {
		if connected {
			log.Info("controller link up")
		} else {
			log.Warn("controller link down")
		}
	})

	if err := plcClient.Open(false); err != nil {
		return fmt.Errorf("open PLC client: %w", err)
	}
	defer plcClient.Close() //nolint:errcheck

	var reporter station.Reporter
	if cfg.WCS.Enabled {
		wcsClient, err := plc.NewClient(ctx, plcConfig(cfg, cfg.WCS.Host, cfg.WCS.Port, log))
		if err != nil {
			return fmt.Errorf("create WCS client: %w", err)
		}
		if err := wcsClient.Open(false); err != nil {
			return fmt.Errorf("open WCS client: %w", err)
		}
		defer wcsClient.Close() //nolint:errcheck

		reporter = wcs.NewReporter(wcsClient, cfg.DeviceNo)
	}

	store, err := newDiskImageStore(cfg.ImageDir)
	if err != nil {
		return fmt.Errorf("create image store: %w", err)
	}

	ctrl := station.NewPLCController(plcClient)
	uploader := station.NewUploader(ctrl, store, reporter, cfg.ResultTimeout, log)
	orch := station.NewOrchestrator(uploader, log)

	grouper := station.NewGrouper(grouperConfig(cfg, log), func(pkg *station.Package) {
		orch.Submit(ctx, pkg)
	})

	scans, err := newScanListener(ctx, cfg.Camera.Listen, log)
	if err != nil {
		return fmt.Errorf("start camera listener: %w", err)
	}
	defer scans.Close() //nolint:errcheck

	svc := station.NewStation(scans, nil, grouper, orch, log)

	log.Info("stationd started",
		"version", version, "plc", fmt.Sprintf("%s:%d", cfg.PLC.Host, cfg.PLC.Port),
		"wcs_enabled", cfg.WCS.Enabled, "camera", cfg.Camera.Listen)

	err = svc.Run(ctx)
	if err == context.Canceled {
		return nil
	}
	return err
}

func newLogger(level string) logger.Logger {
	lvl := logger.InfoLevel
	switch level {
	case "debug":
		lvl = logger.DebugLevel
	case "warn":
		lvl = logger.WarnLevel
	case "error":
		lvl = logger.ErrorLevel
	}
	logger.SetLevel(lvl)

	return logger.GetLogger()
}

func plcConfig(cfg config.Config, host string, port int, log logger.Logger) *plc.Config {
	opts := []plc.Option{
		plc.WithDeviceNo(cfg.DeviceNo),
		plc.WithLogger(log),
	}
	if cfg.HeartbeatInterval > 0 {
		opts = append(opts, plc.WithHeartbeatInterval(cfg.HeartbeatInterval))
	}

	c, err := plc.NewConfig(host, port, opts...)
	if err != nil {
		// config.Validate already bounds host and port
		panic(err)
	}

	return c
}

func grouperConfig(cfg config.Config, log logger.Logger) station.GrouperConfig {
	gc := station.GrouperConfig{
		Window:    cfg.Pairing.Window,
		MarkerTTL: cfg.Pairing.MarkerTTL,
		Logger:    log,
	}

	switch cfg.Pairing.Mode {
	case "parent":
		gc.Mode = station.ParentBarcode
	case "child":
		gc.Mode = station.ChildBarcode
	default:
		gc.Mode = station.MultiBarcode
	}

	if cfg.Pairing.ParentPattern != "" {
		gc.ParentPattern = regexp.MustCompile(cfg.Pairing.ParentPattern)
	}

	return gc
}
