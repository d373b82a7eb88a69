package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/bryanchriswhite/kgcapture/internal/config"
	"github.com/bryanchriswhite/kgcapture/internal/logger"
	"github.com/bryanchriswhite/kgcapture/internal/pipeline"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "kgcapture",
		Short: "kgcapture - stack karaoke lyric and score windows into one surface",
		Long: `kgcapture finds the karaoke client's lyric and score windows by title,
captures their full rendered content every frame, drops captures poisoned by
the client's transient white overlay, and presents the regions stacked
vertically on one surface.

Features:
  • Forced full-content capture of layered windows (X11 Composite, Win32 PrintWindow)
  • Poisoned-frame detection with bounded retry
  • Live relayout when a target window resizes
  • MJPEG stream, X11 or Win32 window output
  • REST API and websocket tick events
  • Live config reload`,
		SilenceUsage: true,
		RunE:         runCapture,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/kgcapture/config.yaml)")
	rootCmd.PersistentFlags().Int("port", 0, "server port (default is 8080)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("surface", "", "presentation surface (mjpeg, x11, win32)")
	rootCmd.PersistentFlags().String("capture", "", "capture method (auto, native, screen)")

	// Bind flags to viper; KGCAPTURE_* environment variables fill the same keys
	viper.BindPFlag("server.port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("present.surface", rootCmd.PersistentFlags().Lookup("surface"))
	viper.BindPFlag("capture.method", rootCmd.PersistentFlags().Lookup("capture"))
}

func initConfig() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: failed to load .env: %v\n", err)
	}

	viper.SetEnvPrefix("KGCAPTURE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if cfgFile == "" {
		cfgFile = viper.GetString("config")
	}
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		var pe *pipeline.Error
		if errors.As(err, &pe) {
			fmt.Fprintf(os.Stderr, "Error [%s]: %v\n", pe.Kind, err)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}

// loadConfig opens the config file and layers flags and environment on top without saving them
func loadConfig() (*config.Manager, error) {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	err = configMgr.Override(func(cfg *config.Config) {
		if port := viper.GetInt("server.port"); port > 0 {
			cfg.Server.Port = port
		}
		if level := viper.GetString("log_level"); level != "" {
			cfg.LogLevel = level
		}
		if surface := viper.GetString("present.surface"); surface != "" {
			cfg.Present.Surface = surface
		}
		if method := viper.GetString("capture.method"); method != "" {
			cfg.Capture.Method = config.CaptureMethod(method)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid flag or environment override: %w", err)
	}

	cfg := configMgr.Get()
	logger.Init(cfg.LogLevel, cfg.LogPretty)
	return configMgr, nil
}
