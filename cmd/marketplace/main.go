package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "datarand",
		Usage:   "DataRand micro-task marketplace backend",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "env-file",
				Usage:   "dotenv file loaded before reading the environment",
				Value:   ".env",
				EnvVars: []string{"DATARAND_ENV_FILE"},
			},
		},
		Commands: []*cli.Command{
			ServeCommand(),
			MigrateCommand(),
			SweepCommand(),
		},
		DefaultCommand: "serve",
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "datarand: %v\n", err)
		os.Exit(1)
	}
}
