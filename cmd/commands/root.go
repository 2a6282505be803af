package commands

import (
	"github.com/urfave/cli/v3"

	"github.com/pkgferry/pkgferry/internal/config"
)

// NewRootCommand returns the top-level CLI command.
func NewRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "pkgferry",
		Usage: "Offline package bundle service for npm and PyPI dependencies",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   config.ConfigPath(),
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			NewServeCommand(),
			NewTasksCommand(),
		},
	}
}

// loadConfig reads the configured file, falling back to defaults when the
// file is absent.
func loadConfig(cmd *cli.Command) *config.Config {
	path := cmd.String("config")
	cfg, err := config.Load(path)
	if err != nil {
		cfg = config.Default()
	}
	return cfg
}
