package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/encryptedmeshlink/station/internal/config"
	"github.com/encryptedmeshlink/station/internal/station"
)

var (
	configPath = flag.String("config", config.FileName, "Path to the station config file (created on first run)")
	verbose    = flag.Bool("verbose", false, "Enable debug logging")
	version    = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("EncryptedMeshLink v%s\n", appVersion)
		return
	}

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath, err := filepath.Abs(*configPath)
	if err != nil {
		return fmt.Errorf("invalid config path: %w", err)
	}

	log := newLogger(*verbose)

	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if created {
		log.Info("created default config", "path", cfgPath, "stationId", cfg.StationID)
	}

	printBanner(cfgPath, cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := station.New(cfg, station.Options{
		ConfigPath: cfgPath,
		Logger:     log,
	})
	if err != nil {
		return err
	}

	err = st.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func printBanner(cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║              EncryptedMeshLink Station                 ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Station:     %s [%s]\n", cfg.DisplayName, cfg.StationID)
	fmt.Printf("Config File: %s\n", cfgPath)
	fmt.Printf("Discovery:   %s\n", cfg.Discovery.ServiceURL)
	fmt.Printf("P2P Port:    %d\n", cfg.P2P.ListenPort)
	if cfg.Mesh.DevicePath != "" {
		fmt.Printf("Radio:       %s\n", cfg.Mesh.DevicePath)
	} else if cfg.Mesh.AutoDetect {
		fmt.Println("Radio:       auto-detect")
	}
	fmt.Println()
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				t := a.Value.Time().UTC()
				a.Value = slog.StringValue(formatRFC3339Millis(t))
			}
			return a
		},
	}))
}

func formatRFC3339Millis(t time.Time) string {
	t = t.UTC()
	base := t.Format("2006-01-02T15:04:05")
	ms := t.Nanosecond() / 1_000_000
	return fmt.Sprintf("%s.%03dZ", base, ms)
}
