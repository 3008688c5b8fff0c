package main

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"github.com/bft-labs/framerelay/internal/cliconfig"
	"github.com/bft-labs/framerelay/pkg/log"
)

const longHelp = `Carry a live video stream over UDP.

A producer sends encoded frames to the relay. The relay forwards each frame
to the one registered consumer, splitting frames larger than the chunk size
into fragments. The consumer reassembles the fragments and writes complete
frames to stdout or a directory.

Configure via flags, FRAMERELAY_* environment variables, or a TOML/YAML file.`

var exampleUsage = strings.TrimSpace(`
  framerelay relay --max-chunk-size 1400
  ffmpeg -i cam.mp4 -f h264 - | framerelay produce --target 127.0.0.1:9998
  framerelay consume --relay-addr 127.0.0.1:9999 | ffplay -f h264 -
  framerelay produce --fragment --frame-dir ./frames --target 127.0.0.1:5000
`)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

// app carries the state shared by the subcommands.
type app struct {
	cfg     cliconfig.Config
	cfgPath string
	changed map[string]bool // flags set on the command line
	logger  *log.ZerologAdapter
}

func main() {
	a := &app{
		cfg: cliconfig.DefaultConfig(),
		// Filtering happens on the global level so it can be changed at runtime.
		logger: log.NewZerologAdapter(zerolog.TraceLevel),
	}

	root := &cobra.Command{
		Use:           "framerelay",
		Short:         "Relay live video frames over UDP",
		Long:          longHelp,
		Example:       exampleUsage,
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&a.cfgPath, "config", "", "path to config file (default: $HOME/.framerelay/config.toml)")
	root.PersistentFlags().StringVar(&a.cfg.LogLevel, "log-level", a.cfg.LogLevel, "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&a.cfg.Network, "network", a.cfg.Network, "socket family (udp4, udp6, udp)")

	root.AddCommand(a.relayCommand(), a.produceCommand(), a.consumeCommand())

	if err := root.Execute(); err != nil {
		a.logger.Error("framerelay", log.Err(err))
		os.Exit(1)
	}
}

// load resolves the configuration for cmd: file first (default
// $HOME/.framerelay/config.toml), then environment, with explicitly set flags
// winning over both. It returns the config file in use, or "".
func (a *app) load(cmd *cobra.Command) (string, error) {
	cfgFile := a.cfgPath
	if cfgFile == "" {
		cfgFile = cliconfig.DefaultConfigPath()
	}

	changed := map[string]bool{}
	cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })
	a.changed = changed

	if cfgFile != "" && cliconfig.FileExists(cfgFile) {
		fc, err := cliconfig.LoadFileConfig(cfgFile)
		if err != nil {
			return "", fmt.Errorf("load config: %w", err)
		}
		if err := cliconfig.ApplyFileConfig(&a.cfg, fc, changed); err != nil {
			return "", err
		}
	} else if a.cfgPath != "" {
		return "", fmt.Errorf("config file %s not found", a.cfgPath)
	} else {
		cfgFile = ""
	}

	if err := cliconfig.ApplyEnvConfig(&a.cfg, changed); err != nil {
		return "", err
	}
	if err := a.cfg.Validate(); err != nil {
		return "", err
	}
	if err := a.setLevel(a.cfg.LogLevel); err != nil {
		return "", err
	}
	return cfgFile, nil
}

func (a *app) setLevel(level string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}

// watcher returns a config watcher for path that applies log level changes
// and then calls apply, or nil when no config file is in use. Tunables set by
// a flag or environment variable are not reloaded from the file.
func (a *app) watcher(path string, apply func(cliconfig.Tunables)) *cliconfig.Watcher {
	if path == "" {
		return nil
	}
	logger := a.logger.Named("config")
	return cliconfig.NewWatcher(path, logger, a.changed, func(t cliconfig.Tunables) {
		if t.LogLevel != "" {
			if err := a.setLevel(t.LogLevel); err != nil {
				logger.Warn("log level not applied", log.Err(err))
			}
		}
		if apply != nil {
			apply(t)
		}
	})
}
