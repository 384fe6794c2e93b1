package mpi

import (
	"fmt"
	"net"
	"os"

	"go.uber.org/zap"
)

// Join connects a worker process to its dispatcher. args must end with
// "<dispatcher-ip> <port> worker" as written by the dispatcher; the
// remaining arguments are returned for the application.
func Join(args []string) (*Comm, []string, error) {
	if !IsWorker(args) {
		return nil, nil, fmt.Errorf("not a worker invocation: %q", args)
	}
	dispatcherIP := args[len(args)-3]
	workerPort := args[len(args)-2]

	zap.L().Info("Connecting to dispatcher node", zap.String("Dispatcher IP", dispatcherIP), zap.String("My Port", workerPort))

	comm, err := dialDispatcher(net.JoinHostPort(dispatcherIP, workerPort), true)
	if err != nil {
		return nil, nil, err
	}
	return comm, args[:len(args)-3], nil
}

// dialDispatcher performs the worker side of the handshake. With chdir set
// the worker moves into the working directory the dispatcher sends.
func dialDispatcher(addr string, chdir bool) (*Comm, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to dispatcher: %w", err)
	}
	fail := func(err error) (*Comm, error) {
		conn.Close()
		return nil, err
	}

	rank, err := readUint64(conn)
	if err != nil {
		return fail(fmt.Errorf("failed to receive rank: %w", err))
	}

	dir, err := readFrame(conn, 0)
	if err != nil {
		return fail(fmt.Errorf("failed to receive working directory: %w", err))
	}
	if chdir && len(dir) > 0 {
		if err := os.Chdir(os.ExpandEnv(string(dir))); err != nil {
			return fail(fmt.Errorf("failed to change working directory: %w", err))
		}
		wd, _ := os.Getwd()
		zap.L().Info("Changed working directory to " + wd)
	}

	buf, err := readFrame(conn, 0)
	if err != nil {
		return fail(fmt.Errorf("failed to receive world: %w", err))
	}
	world, err := DeserializeWorld(buf)
	if err != nil {
		return fail(err)
	}
	if rank == 0 || rank >= world.size {
		return fail(fmt.Errorf("%w: worker rank %d of %d", ErrInvalidRank, rank, world.size))
	}

	t := newTCPTransport(rank, 0)
	t.conns[0] = conn
	zap.L().Info("Joined world", zap.Uint64("rank", rank), zap.Uint64("size", world.size))
	return newComm(rank, world, t), nil
}
