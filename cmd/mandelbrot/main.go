// Command mandelbrot prints the escape-time grid of the Mandelbrot set,
// computed in parallel over a fixed number of ranks.
//
// Locally, with four ranks in one process:
//
//	mandelbrot --np 4 -- -2.0 1.0 -1.5 1.5 100
//
// Across machines, launched over ssh from rank 0:
//
//	mandelbrot --hosts ip.json --config config.json -- -2.0 1.0 -1.5 1.5 100
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jparr721/mpibrot/mandelbrot"
	"github.com/jparr721/mpibrot/mpi"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

// appArgs drops the trailing arguments the dispatcher adds to a worker's
// command line.
func appArgs(args []string) []string {
	if mpi.IsWorker(args) {
		return args[:len(args)-3]
	}
	return args
}

func newRootCmd(stdout io.Writer) *cobra.Command {
	var (
		np         int
		hostFile   string
		configFile string
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "mandelbrot [flags] -- min_x max_x min_y max_y cutoff",
		Short: "Print the Mandelbrot escape-time grid computed over several ranks",
		Long: fmt.Sprintf(`Print a %[1]dx%[1]d grid of escape iteration counts, one row per line,
-1 for points that do not escape within cutoff iterations.

Put "--" before the positional arguments so negative bounds are not read as flags.
The number of ranks must divide %[1]d*%[1]d evenly.`, mandelbrot.Side),
		Args: func(cmd *cobra.Command, args []string) error {
			_, err := mandelbrot.ParseArgs(appArgs(args))
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			logger := mpi.NewLogger(verbose)
			defer logger.Sync()
			defer zap.ReplaceGlobals(logger)()

			cfg, err := mandelbrot.ParseArgs(appArgs(args))
			if err != nil {
				return err
			}

			if hostFile == "" && !mpi.IsWorker(args) {
				if err := cfg.Validate(uint64(max(np, 0))); err != nil {
					return err
				}
				return mpi.RunLocal(np, func(c *mpi.Comm) error {
					return mandelbrot.Run(c, cfg, stdout)
				})
			}

			comm, _, err := mpi.WorldInit(hostFile, configFile, args)
			if err != nil {
				return err
			}
			defer comm.Close()
			zap.L().Info("World ready",
				zap.Uint64("rank", comm.Rank()),
				zap.Uint64("size", comm.Size()),
				zap.Strings("ipPool", comm.World().IPPool),
			)
			return mandelbrot.Run(comm, cfg, stdout)
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&np, "np", 1, "number of ranks to run in this process")
	flags.StringVar(&hostFile, "hosts", "", "host file (JSON, TOML or YAML) to launch ranks over ssh")
	flags.StringVar(&configFile, "config", "config.json", "runtime config file used with --hosts")
	flags.BoolVarP(&verbose, "verbose", "v", false, "log at debug level")
	return cmd
}
