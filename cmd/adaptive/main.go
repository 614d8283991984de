package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/fxnlabs/adaptive-compute/internal/config"
	"github.com/fxnlabs/adaptive-compute/internal/logger"
	"github.com/fxnlabs/adaptive-compute/pkg/compute"
)

const defaultConfigPath = "config.yaml"

// env is filled in by the app's Before hook and shared by every command.
type env struct {
	cfg *config.Config
	log *zap.Logger
}

// engine builds a compute engine from the loaded config.
func (e *env) engine(opts ...compute.Option) *compute.Engine {
	return compute.New(e.cfg, e.log, opts...)
}

// loadConfig reads path, falling back to defaults when the default path does
// not exist.
func loadConfig(path string, explicit bool) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err == nil {
		return cfg, nil
	}
	if !explicit && errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return nil, fmt.Errorf("load config %s: %w", path, err)
}

func newApp() *cli.App {
	var configPath string
	e := &env{}

	return &cli.App{
		Name:  "adaptive",
		Usage: "Run numeric kernels on the best backend this host supports",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Value:       defaultConfigPath,
				Usage:       "Path to the YAML config file",
				EnvVars:     []string{"ADAPTIVE_CONFIG"},
				Destination: &configPath,
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Override logger.verbosity",
			},
		},
		Before: func(c *cli.Context) error {
			cfg, err := loadConfig(configPath, c.IsSet("config"))
			if err != nil {
				return err
			}
			if lvl := c.String("log-level"); lvl != "" {
				cfg.Logger.Verbosity = lvl
			}
			log, err := logger.NewWithEncoding(cfg.Logger.Verbosity, cfg.Logger.Encoding)
			if err != nil {
				return err
			}
			e.cfg = cfg
			e.log = log.Named("cli")
			return nil
		},
		After: func(*cli.Context) error {
			if e.log != nil {
				_ = e.log.Sync()
			}
			return nil
		},
		Commands: []*cli.Command{
			initCommand(),
			statusCommand(e),
			benchCommand(e),
			serveCommand(e),
			vecCommand(e),
			matCommand(e),
			remoteCommand(),
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
