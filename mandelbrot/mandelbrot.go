// Package mandelbrot renders escape-time counts of the Mandelbrot set on a
// fixed square grid, spreading the points over the ranks of an mpi world.
package mandelbrot

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"

	"go.uber.org/zap"

	"github.com/jparr721/mpibrot/mpi"
)

// Side is the number of points along each edge of the grid.
const Side = 512

var (
	ErrInvalidArgument         = errors.New("invalid argument")
	ErrUnsupportedProcessCount = errors.New("unsupported process count")
)

// Config is the immutable description of one render.
type Config struct {
	MinX, MaxX float64
	MinY, MaxY float64
	Cutoff     int
	Side       int
}

// ParseArgs reads "min_x max_x min_y max_y cutoff".
func ParseArgs(args []string) (Config, error) {
	if len(args) != 5 {
		return Config{}, fmt.Errorf("%w: want 5 arguments, got %d", ErrInvalidArgument, len(args))
	}

	cfg := Config{Side: Side}
	bounds := []*float64{&cfg.MinX, &cfg.MaxX, &cfg.MinY, &cfg.MaxY}
	names := []string{"min_x", "max_x", "min_y", "max_y"}
	for i, dst := range bounds {
		v, err := strconv.ParseFloat(args[i], 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return Config{}, fmt.Errorf("%w: %s %q is not a finite number", ErrInvalidArgument, names[i], args[i])
		}
		*dst = v
	}

	cutoff, err := strconv.Atoi(args[4])
	if err != nil {
		return Config{}, fmt.Errorf("%w: cutoff %q is not an integer", ErrInvalidArgument, args[4])
	}
	if cutoff < 0 {
		return Config{}, fmt.Errorf("%w: cutoff %d is negative", ErrInvalidArgument, cutoff)
	}
	cfg.Cutoff = cutoff
	return cfg, nil
}

// Points is the number of grid points.
func (c Config) Points() int {
	return c.Side * c.Side
}

// Validate checks that the grid splits evenly over size ranks. Every rank
// can run it on its own before any data moves.
func (c Config) Validate(size uint64) error {
	if c.Side <= 0 {
		return fmt.Errorf("%w: grid side %d", ErrInvalidArgument, c.Side)
	}
	if size == 0 || uint64(c.Points())%size != 0 {
		return fmt.Errorf("%w: %d does not divide %dx%d points", ErrUnsupportedProcessCount, size, c.Side, c.Side)
	}
	return nil
}

// GeneratePoints lays out the grid as interleaved (x, y) pairs, row by row
// from MinY, each row from MinX.
func GeneratePoints(c Config) []float64 {
	n := c.Side
	dx := c.MaxX - c.MinX
	dy := c.MaxY - c.MinY
	points := make([]float64, 0, 2*n*n)
	for yp := 0; yp < n; yp++ {
		py := c.MinY + dy*float64(yp)/float64(n)
		for xp := 0; xp < n; xp++ {
			px := c.MinX + dx*float64(xp)/float64(n)
			points = append(points, px, py)
		}
	}
	return points
}

// Escape iterates z = z*z + (px, py) from zero and returns how many steps
// stayed within modulus 2, or -1 when cutoff steps never left it.
func Escape(px, py float64, cutoff int) int32 {
	var zx, zy float64
	iteration := 0
	for iteration < cutoff {
		// Conversions keep each product rounded so no FMA changes the result.
		zx, zy = float64(zx*zx)-float64(zy*zy)+px, float64(2*zx*zy)+py
		if math.Sqrt(float64(zx*zx)+float64(zy*zy)) > 2.0 {
			break
		}
		iteration++
	}
	if iteration == cutoff {
		return -1
	}
	return int32(iteration)
}

// Evaluate runs Escape over interleaved (x, y) pairs.
func Evaluate(points []float64, cutoff int) []int32 {
	mset := make([]int32, len(points)/2)
	for i := range mset {
		mset[i] = Escape(points[2*i], points[2*i+1], cutoff)
	}
	return mset
}

// Print writes mset as side rows of side space separated integers.
func Print(w io.Writer, side int, mset []int32) error {
	if len(mset) != side*side {
		return fmt.Errorf("result has %d values, want %d", len(mset), side*side)
	}
	bw := bufio.NewWriter(w)
	line := make([]byte, 0, 8*side)
	for yp := 0; yp < side; yp++ {
		line = line[:0]
		for xp, v := range mset[yp*side : (yp+1)*side] {
			if xp > 0 {
				line = append(line, ' ')
			}
			line = strconv.AppendInt(line, int64(v), 10)
		}
		line = append(line, '\n')
		if _, err := bw.Write(line); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Run renders the grid over c: rank 0 builds the points, they are
// scattered evenly, every rank evaluates its share, and rank 0 gathers
// the counts and prints them to w. All ranks of c must call Run.
func Run(c *mpi.Comm, cfg Config, w io.Writer) error {
	if err := cfg.Validate(c.Size()); err != nil {
		return err
	}
	const root = 0
	local := cfg.Points() / int(c.Size())
	log := zap.L().With(zap.Uint64("rank", c.Rank()), zap.Uint64("size", c.Size()))

	var points []float64
	if c.Rank() == root {
		points = GeneratePoints(cfg)
		log.Debug("Generated grid", zap.Int("points", cfg.Points()))
	}

	part, err := mpi.Scatter(c, points, 2*local, root)
	if err != nil {
		return fmt.Errorf("scatter points: %w", err)
	}

	mset, err := mpi.Gather(c, Evaluate(part, cfg.Cutoff), root)
	if err != nil {
		return fmt.Errorf("gather results: %w", err)
	}
	log.Debug("Evaluated partition", zap.Int("points", local))

	if c.Rank() != root {
		return nil
	}
	return Print(w, cfg.Side, mset)
}
