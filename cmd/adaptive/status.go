package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/fxnlabs/adaptive-compute/fixtures"
	"github.com/fxnlabs/adaptive-compute/internal/lifecycle"
	"github.com/fxnlabs/adaptive-compute/pkg/client"
	"github.com/fxnlabs/adaptive-compute/pkg/compute"
)

func initCommand() *cli.Command {
	return &cli.Command{
		Name:      "init",
		Usage:     "Write a default config file",
		ArgsUsage: "[path]",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "force", Usage: "Overwrite an existing file"},
		},
		Action: func(c *cli.Context) error {
			path := defaultConfigPath
			if c.Args().Present() {
				path = c.Args().First()
			}
			if !c.Bool("force") {
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("%s already exists, use --force to overwrite", path)
				} else if !errors.Is(err, fs.ErrNotExist) {
					return err
				}
			}
			if err := os.WriteFile(path, fixtures.ConfigTemplate, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "wrote %s\n", path)
			return nil
		},
	}
}

func statusCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Initialize the runtime and report detected capabilities and component health",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "Print the status as JSON"},
			&cli.StringFlag{Name: "remote", Usage: "Query a running server at this base URL instead"},
		},
		Action: func(c *cli.Context) error {
			if url := c.String("remote"); url != "" {
				return remoteStatus(c, url)
			}
			engine := e.engine()
			defer func() {
				if err := engine.Destroy(c.Context); err != nil {
					e.log.Warn("destroy engine", zap.Error(err))
				}
			}()

			initErr := engine.Init(c.Context)
			status := engine.Status()
			if c.Bool("json") {
				if err := writeJSON(c.App.Writer, struct {
					compute.Status
					Memory compute.MemoryStats `json:"memory"`
				}{status, engine.MemoryStats()}); err != nil {
					return err
				}
				return initErr
			}

			w := c.App.Writer
			banner(w)
			printStatus(c, status)
			return initErr
		},
	}
}

func printStatus(c *cli.Context, s compute.Status) {
	w := c.App.Writer
	fmt.Fprintf(w, "mode: %s  health: %d/100  healthy: %t  phase: %s\n", s.Mode, s.HealthScore, s.Healthy, s.Phase)
	if s.Backend != "" {
		fmt.Fprintf(w, "linear backend: %s\n", s.Backend)
	}
	if s.GPU != nil {
		fmt.Fprintf(w, "gpu: %s (%s)\n", s.GPU.Name, s.GPU.Backend)
	}
	if s.Report != nil {
		r := s.Report
		fmt.Fprintf(w, "host: %s/%s  linear runtime: %t  shared memory: %t  worker threads: %t  gpu compute: %t\n",
			r.HostOS, r.HostArch, r.LinearMemoryRuntime, r.SharedMemory, r.WorkerThreads, r.GPUCompute)
	}
	fmt.Fprintln(w)

	comps := []struct {
		name  string
		state lifecycle.ComponentState
	}{
		{"environment", s.Components.Environment},
		{"linear", s.Components.Linear},
		{"gpu", s.Components.GPU},
		{"memory", s.Components.Memory},
	}
	rows := make([][]string, len(comps))
	for i, comp := range comps {
		rows[i] = []string{comp.name, string(comp.state.Status), comp.state.Detail}
	}
	fmt.Fprintln(w, renderTable([]string{"component", "status", "detail"}, rows, func(row, col int) lipgloss.Style {
		if col == 1 && row >= 0 && row < len(comps) {
			return statusStyle(comps[row].state.Status)
		}
		return cellStyle
	}))

	for _, ev := range s.Init.Warnings {
		fmt.Fprintln(w, warnStyle.Render(fmt.Sprintf("warning [%s #%d]: %s", ev.Phase, ev.Attempt, ev.Message)))
	}
	for _, ev := range s.Init.Errors {
		fmt.Fprintln(w, errorStyle.Render(fmt.Sprintf("error [%s #%d]: %s", ev.Phase, ev.Attempt, ev.Message)))
	}
}

func remoteStatus(c *cli.Context, url string) error {
	cl := client.NewClient(url, nil)
	status, err := cl.Status(c.Context)
	if err != nil {
		return err
	}
	if c.Bool("json") {
		return writeJSON(c.App.Writer, status)
	}
	banner(c.App.Writer)
	printStatus(c, status)
	return nil
}
