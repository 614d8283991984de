package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/fxnlabs/adaptive-compute/pkg/compute"
)

type benchCase struct {
	name string
	fn   func(ctx context.Context) error
}

func randomFloats(rng *rand.Rand, n int) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = rng.Float32()*2 - 1
	}
	return v
}

// benchSuite builds one case per operation family. Inputs are fixed per run,
// so repeated iterations after the first measure the result cache unless
// noCache varies them.
func benchSuite(engine *compute.Engine, size int, noCache bool) []benchCase {
	rng := rand.New(rand.NewPCG(1, 2))
	a, b := randomFloats(rng, size), randomFloats(rng, size)
	ma, mb := randomFloats(rng, size*size), randomFloats(rng, size*size)
	var m4 compute.Mat4
	copy(m4[:], randomFloats(rng, 16))
	img := compute.Image{Width: size, Height: size, Pix: make([]byte, size*size*4)}
	for i := range img.Pix {
		img.Pix[i] = byte(rng.IntN(256))
	}

	perturb := func(v []float32) {
		if noCache {
			v[0] += 1e-3
		}
	}

	return []benchCase{
		{"vec_dot", func(ctx context.Context) error {
			perturb(a)
			_, err := engine.Dot(ctx, a, b)
			return err
		}},
		{"vec_normalize", func(ctx context.Context) error {
			perturb(a)
			_, err := engine.Normalize(ctx, a)
			return err
		}},
		{"mat4_multiply", func(ctx context.Context) error {
			perturb(m4[:])
			_, err := engine.Multiply4x4(ctx, m4, m4)
			return err
		}},
		{"mat4_inverse", func(ctx context.Context) error {
			perturb(m4[:])
			_, err := engine.Inverse4x4(ctx, m4)
			return err
		}},
		{"mat_mul", func(ctx context.Context) error {
			perturb(ma)
			_, err := engine.MatMul(ctx, ma, mb, size, size, size)
			return err
		}},
		{"super_resolve", func(ctx context.Context) error {
			if noCache {
				img.Pix[0]++
			}
			_, err := engine.SuperResolve(ctx, img, 2)
			return err
		}},
	}
}

func benchCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "bench",
		Usage: "Benchmark every operation family on the selected backends",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "iterations", Aliases: []string{"n"}, Value: 20, Usage: "Runs per operation"},
			&cli.IntFlag{Name: "size", Value: 64, Usage: "Vector length, matrix side and image side"},
			&cli.BoolFlag{Name: "no-cache", Usage: "Vary inputs so every run executes the kernel"},
			&cli.BoolFlag{Name: "json", Usage: "Print results as JSON"},
		},
		Action: func(c *cli.Context) error {
			size := c.Int("size")
			if size <= 0 {
				return fmt.Errorf("size must be positive, got %d", size)
			}
			engine := e.engine()
			defer func() {
				if err := engine.Destroy(c.Context); err != nil {
					e.log.Warn("destroy engine", zap.Error(err))
				}
			}()

			var results []compute.BenchmarkResult
			for _, bc := range benchSuite(engine, size, c.Bool("no-cache")) {
				res, err := engine.Benchmark(c.Context, bc.name, bc.fn, c.Int("iterations"))
				if err != nil {
					return err
				}
				results = append(results, res)
			}

			if c.Bool("json") {
				return writeJSON(c.App.Writer, results)
			}
			status := engine.Status()
			fmt.Fprintf(c.App.Writer, "mode: %s  backend: %s\n", status.Mode, status.Backend)
			rows := make([][]string, len(results))
			for i, r := range results {
				rows[i] = []string{
					r.Name,
					strconv.Itoa(r.Iterations),
					r.Min.String(),
					r.Mean.String(),
					r.Max.String(),
					strconv.FormatFloat(r.OpsPerSecond, 'f', 1, 64),
				}
			}
			fmt.Fprintln(c.App.Writer, renderTable([]string{"op", "runs", "min", "mean", "max", "ops/s"}, rows, nil))
			return nil
		},
	}
}
