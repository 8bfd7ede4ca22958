package core

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"syscall"

	"github.com/brambleworks/bramble/radio"
	"github.com/brambleworks/bramble/radio/serial"
	"github.com/brambleworks/bramble/state"
	"github.com/encodeous/tint"
	"github.com/goccy/go-yaml"
	slogmulti "github.com/samber/slog-multi"
)

func ReadNodeConfig(nodePath string) (*state.NodeCfg, error) {
	var nodeCfg state.NodeCfg
	file, err := os.ReadFile(nodePath)
	if err != nil {
		return nil, err
	}
	err = yaml.Unmarshal(file, &nodeCfg)
	if err != nil {
		return nil, err
	}
	return &nodeCfg, nil
}

func buildLogger(cfg state.NodeCfg, logLevel slog.Level) (*slog.Logger, error) {
	handlers := make([]slog.Handler, 0)
	handlers = append(handlers,
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:        logLevel,
			AddSource:    false,
			CustomPrefix: cfg.Id.String(),
			ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
				if attr.Key == "time" {
					return slog.Attr{}
				}
				return attr
			},
		}))

	if cfg.LogPath != "" {
		err := os.MkdirAll(path.Dir(cfg.LogPath), 0700)
		if err != nil {
			return nil, err
		}
		f, err := os.OpenFile(cfg.LogPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0700)
		if err != nil {
			return nil, err
		}
		handlers = append(handlers, slog.NewTextHandler(f, &slog.HandlerOptions{Level: logLevel}))
	}

	return slog.New(slogmulti.Fanout(handlers...)), nil
}

// Bootstrap manages the lifetime of the whole application: it loads and
// validates the node config, attaches the radio and runs the dispatch loop
// until a shutdown signal arrives.
func Bootstrap(configPath, logPath string, verbose bool, extra ...state.Module) error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	cfg, err := ReadNodeConfig(configPath)
	if err != nil {
		return err
	}
	if logPath != "" {
		cfg.LogPath = logPath
	}
	err = state.NodeConfigValidator(cfg)
	if err != nil {
		return err
	}

	logger, err := buildLogger(*cfg, level)
	if err != nil {
		return err
	}

	if cfg.RadioPort == "" {
		return fmt.Errorf("no radio_port configured")
	}
	var drv radio.Driver
	drv, err = serial.Open(cfg.RadioPort, cfg.RadioBaud)
	if err != nil {
		return fmt.Errorf("failed to open radio on %s: %w", cfg.RadioPort, err)
	}

	s, err := NewNode(*cfg, drv, logger, extra...)
	if err != nil {
		return err
	}

	s.Log.Info("bramble has been initialized. To gracefully exit, send SIGINT or Ctrl+C.")

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-c:
			s.Cancel(errors.New("received shutdown signal"))
		case <-s.Context.Done():
		}
		signal.Stop(c)
	}()

	return MainLoop(s)
}
