package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/fxnlabs/adaptive-compute/pkg/compute"
)

func flagA() cli.Flag {
	return &cli.Float64SliceFlag{Name: "a", Usage: "First operand, comma separated"}
}

func flagB() cli.Flag {
	return &cli.Float64SliceFlag{Name: "b", Usage: "Second operand, comma separated"}
}

func floats32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(f)
	}
	return out
}

func mat4Flag(c *cli.Context, name string) (compute.Mat4, error) {
	var m compute.Mat4
	v := c.Float64Slice(name)
	if len(v) != 16 {
		return m, fmt.Errorf("--%s needs 16 values in row-major order, got %d", name, len(v))
	}
	copy(m[:], floats32(v))
	return m, nil
}

// withEngine runs fn on a fresh engine and destroys it afterwards.
func withEngine(c *cli.Context, e *env, fn func(ctx context.Context, engine *compute.Engine) (any, error)) error {
	engine := e.engine()
	defer func() {
		if err := engine.Destroy(c.Context); err != nil {
			e.log.Warn("destroy engine", zap.Error(err))
		}
	}()
	res, err := fn(c.Context, engine)
	if err != nil {
		return err
	}
	if v, ok := res.([]float32); ok {
		_, err := fmt.Fprintln(c.App.Writer, formatFloats(v))
		return err
	}
	return writeJSON(c.App.Writer, res)
}

func vecCommand(e *env) *cli.Command {
	binary := func(name, usage string, fn func(ctx context.Context, engine *compute.Engine, a, b []float32) (any, error)) *cli.Command {
		return &cli.Command{
			Name:  name,
			Usage: usage,
			Flags: []cli.Flag{flagA(), flagB()},
			Action: func(c *cli.Context) error {
				a, b := floats32(c.Float64Slice("a")), floats32(c.Float64Slice("b"))
				return withEngine(c, e, func(ctx context.Context, engine *compute.Engine) (any, error) {
					return fn(ctx, engine, a, b)
				})
			},
		}
	}

	return &cli.Command{
		Name:  "vec",
		Usage: "Vector operations",
		Subcommands: []*cli.Command{
			{
				Name:  "normalize",
				Usage: "Scale --a to unit length",
				Flags: []cli.Flag{flagA()},
				Action: func(c *cli.Context) error {
					return withEngine(c, e, func(ctx context.Context, engine *compute.Engine) (any, error) {
						return engine.Normalize(ctx, floats32(c.Float64Slice("a")))
					})
				},
			},
			{
				Name:  "scale",
				Usage: "Multiply --a by --s",
				Flags: []cli.Flag{flagA(), &cli.Float64Flag{Name: "s", Value: 1, Usage: "Scalar factor"}},
				Action: func(c *cli.Context) error {
					return withEngine(c, e, func(ctx context.Context, engine *compute.Engine) (any, error) {
						return engine.Scale(ctx, floats32(c.Float64Slice("a")), float32(c.Float64("s")))
					})
				},
			},
			{
				Name:  "particles",
				Usage: "Normalize particle weights in --a and report the effective sample size",
				Flags: []cli.Flag{flagA()},
				Action: func(c *cli.Context) error {
					return withEngine(c, e, func(ctx context.Context, engine *compute.Engine) (any, error) {
						return engine.PreprocessParticles(ctx, floats32(c.Float64Slice("a")))
					})
				},
			},
			binary("add", "Element-wise a + b", func(ctx context.Context, engine *compute.Engine, a, b []float32) (any, error) {
				return engine.Add(ctx, a, b)
			}),
			binary("sub", "Element-wise a - b", func(ctx context.Context, engine *compute.Engine, a, b []float32) (any, error) {
				return engine.Subtract(ctx, a, b)
			}),
			binary("dot", "Dot product of a and b", func(ctx context.Context, engine *compute.Engine, a, b []float32) (any, error) {
				return engine.Dot(ctx, a, b)
			}),
			binary("cross", "Cross product of two 3-vectors", func(ctx context.Context, engine *compute.Engine, a, b []float32) (any, error) {
				return engine.Cross(ctx, a, b)
			}),
		},
	}
}

func matCommand(e *env) *cli.Command {
	unary := func(name, usage string, fn func(ctx context.Context, engine *compute.Engine, m compute.Mat4) (any, error)) *cli.Command {
		return &cli.Command{
			Name:  name,
			Usage: usage,
			Flags: []cli.Flag{flagA()},
			Action: func(c *cli.Context) error {
				m, err := mat4Flag(c, "a")
				if err != nil {
					return err
				}
				return withEngine(c, e, func(ctx context.Context, engine *compute.Engine) (any, error) {
					return fn(ctx, engine, m)
				})
			},
		}
	}

	return &cli.Command{
		Name:  "mat",
		Usage: "Matrix operations",
		Subcommands: []*cli.Command{
			{
				Name:  "multiply",
				Usage: "4x4 product a * b",
				Flags: []cli.Flag{flagA(), flagB()},
				Action: func(c *cli.Context) error {
					a, err := mat4Flag(c, "a")
					if err != nil {
						return err
					}
					b, err := mat4Flag(c, "b")
					if err != nil {
						return err
					}
					return withEngine(c, e, func(ctx context.Context, engine *compute.Engine) (any, error) {
						return engine.Multiply4x4(ctx, a, b)
					})
				},
			},
			unary("transpose", "4x4 transpose", func(ctx context.Context, engine *compute.Engine, m compute.Mat4) (any, error) {
				return engine.Transpose4x4(ctx, m)
			}),
			unary("det", "4x4 determinant", func(ctx context.Context, engine *compute.Engine, m compute.Mat4) (any, error) {
				return engine.Determinant4x4(ctx, m)
			}),
			unary("inverse", "4x4 inverse", func(ctx context.Context, engine *compute.Engine, m compute.Mat4) (any, error) {
				return engine.Inverse4x4(ctx, m)
			}),
			{
				Name:  "matmul",
				Usage: "General product of a (m x k) and b (k x n), on the GPU when available",
				Flags: []cli.Flag{
					flagA(), flagB(),
					&cli.IntFlag{Name: "m", Required: true},
					&cli.IntFlag{Name: "k", Required: true},
					&cli.IntFlag{Name: "n", Required: true},
				},
				Action: func(c *cli.Context) error {
					a, b := floats32(c.Float64Slice("a")), floats32(c.Float64Slice("b"))
					return withEngine(c, e, func(ctx context.Context, engine *compute.Engine) (any, error) {
						return engine.MatMul(ctx, a, b, c.Int("m"), c.Int("k"), c.Int("n"))
					})
				},
			},
			{
				Name:  "quadratic",
				Usage: "Quadratic form xᵀ·M·x with x from --a and row-major M from --b",
				Flags: []cli.Flag{flagA(), flagB()},
				Action: func(c *cli.Context) error {
					x, m := floats32(c.Float64Slice("a")), floats32(c.Float64Slice("b"))
					return withEngine(c, e, func(ctx context.Context, engine *compute.Engine) (any, error) {
						return engine.QuadraticForm(ctx, x, m)
					})
				},
			},
		},
	}
}
