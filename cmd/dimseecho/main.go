// Command dimseecho verifies connectivity to a DICOM peer with C-ECHO.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/dimsenet/dimsenet/assoc"
)

func main() {
	_ = godotenv.Load()

	app := &cli.App{
		Name:      "dimseecho",
		Usage:     "send a C-ECHO to a DICOM peer",
		ArgsUsage: "host:port",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "calling", Value: "DIMSEECHO", Usage: "calling AE title"},
			&cli.StringFlag{Name: "called", Value: "ANY-SCP", Usage: "called AE title"},
			&cli.DurationFlag{Name: "timeout", Value: 30 * time.Second, Usage: "network and DIMSE timeout"},
			&cli.BoolFlag{Name: "debug", Usage: "enable debug logging"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("expected exactly one host:port argument", 2)
			}
			logger := zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.InfoLevel)
			if c.Bool("debug") {
				logger = logger.Level(zerolog.DebugLevel)
			}

			a, err := assoc.Dial(c.Context, c.Args().First(), assoc.Config{
				CallingAETitle: c.String("calling"),
				CalledAETitle:  c.String("called"),
				ACSETimeout:    c.Duration("timeout"),
				DIMSETimeout:   c.Duration("timeout"),
				NetworkTimeout: c.Duration("timeout"),
				Logger:         logger,
			})
			if err != nil {
				return fmt.Errorf("associate: %w", err)
			}
			defer a.Release(c.Context)

			status, err := a.SendCEcho(c.Context)
			if err != nil {
				return fmt.Errorf("c-echo: %w", err)
			}
			fmt.Printf("C-ECHO status: 0x%04X\n", status)
			if status != 0x0000 {
				return cli.Exit("peer returned non-success status", 1)
			}
			return nil
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
