package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/fxnlabs/adaptive-compute/pkg/client"
)

func remoteCommand() *cli.Command {
	return &cli.Command{
		Name:      "remote",
		Usage:     "Send a compute task to a running server",
		ArgsUsage: "<type> <payload-json>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Value: "http://localhost:9090", Usage: "Server base URL"},
			&cli.DurationFlag{Name: "timeout", Value: 30 * time.Second},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return fmt.Errorf("usage: %s remote <type> <payload-json>", c.App.Name)
			}
			var payload json.RawMessage
			if err := json.Unmarshal([]byte(c.Args().Get(1)), &payload); err != nil {
				return fmt.Errorf("invalid payload: %w", err)
			}

			cl := client.NewClient(c.String("url"), nil)
			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()
			res, err := cl.Compute(ctx, c.Args().Get(0), payload)
			if err != nil {
				return err
			}
			return writeJSON(c.App.Writer, res)
		},
	}
}
