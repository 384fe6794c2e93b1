// Package mpi is a small message-passing runtime: a fixed set of ranks
// that exchange data only through blocking point-to-point messages and the
// collective operations built on them.
//
// A world is either launched over ssh from a host file (rank 0 is the
// dispatcher, every other rank dials back over TCP) or run in-process with
// RunLocal, one goroutine per rank.
package mpi

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// WorkerMarker is the last command line argument of a process started by
// the dispatcher. It is preceded by the dispatcher address and port.
const WorkerMarker = "worker"

var (
	ErrEmptyWorld   = errors.New("world has no ranks")
	ErrInvalidRank  = errors.New("rank out of range")
	errShortMessage = errors.New("short world message")
)

type World struct {
	size   uint64
	rank   []uint64
	IPPool []string
	Port   []uint64
}

// Size returns the number of ranks in the world.
func (w *World) Size() uint64 {
	return w.size
}

func SerializeWorld(world *World) []byte {
	// format: size, rank, IPPool, Port
	buf := binary.LittleEndian.AppendUint64(nil, world.size)

	for _, rank := range world.rank {
		buf = binary.LittleEndian.AppendUint64(buf, rank)
	}

	// IPPool: NUL terminated strings
	for _, ip := range world.IPPool {
		buf = append(buf, ip...)
		buf = append(buf, 0)
	}

	for _, port := range world.Port {
		buf = binary.LittleEndian.AppendUint64(buf, port)
	}
	return buf
}

func DeserializeWorld(buf []byte) (*World, error) {
	next := func() (uint64, error) {
		if len(buf) < 8 {
			return 0, errShortMessage
		}
		v := binary.LittleEndian.Uint64(buf[:8])
		buf = buf[8:]
		return v, nil
	}

	size, err := next()
	if err != nil {
		return nil, err
	}
	// Every rank needs at least 8+1+8 bytes.
	if size > uint64(len(buf))/17 {
		return nil, fmt.Errorf("%w: %d ranks in %d bytes", errShortMessage, size, len(buf))
	}

	world := &World{size: size}
	world.rank = make([]uint64, size)
	for i := range world.rank {
		if world.rank[i], err = next(); err != nil {
			return nil, err
		}
	}

	world.IPPool = make([]string, size)
	for i := range world.IPPool {
		end := 0
		for end < len(buf) && buf[end] != 0 {
			end++
		}
		if end == len(buf) {
			return nil, errShortMessage
		}
		world.IPPool[i] = string(buf[:end])
		buf = buf[end+1:]
	}

	world.Port = make([]uint64, size)
	for i := range world.Port {
		if world.Port[i], err = next(); err != nil {
			return nil, err
		}
	}
	return world, nil
}

func GetLocalIP() ([]string, error) {
	addrs, err := net.InterfaceAddrs()
	result := make([]string, 0)
	if err != nil {
		return result, err
	}
	for _, address := range addrs {
		if ipnet, ok := address.(*net.IPNet); ok {
			if ipnet.IP.To4() != nil {
				result = append(result, ipnet.IP.String())
			}
		}
	}
	return result, nil
}

// IsWorker reports whether args belong to a process launched by the
// dispatcher: "... <dispatcher-ip> <port> worker".
func IsWorker(args []string) bool {
	return len(args) >= 3 && strings.EqualFold(args[len(args)-1], WorkerMarker)
}

// NewLogger builds the process logger. Verbose switches to the development
// config, which logs at debug level in a console format.
func NewLogger(verbose bool) *zap.Logger {
	if verbose {
		return zap.Must(zap.NewDevelopment())
	}
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zap.Must(cfg.Build())
}

// WorldInit sets up this process's place in the world.
//
// A worker (args ending in WorkerMarker) dials the dispatcher named in its
// trailing arguments. Anything else becomes the dispatcher: it reads the
// host file, launches every worker over ssh and waits for them to connect.
// The host file lists one entry per host with the dispatcher first:
//
//	{"hosts": [
//	  {"address": "10.0.0.1", "role": "dispatcher", "directory": "$HOME/bin", "exe_name": "mandelbrot"},
//	  {"address": "10.0.0.2", "directory": "$HOME/bin", "exe_name": "mandelbrot", "port": 2222}
//	]}
//
// The returned args are the application arguments with the runtime's own
// trailing arguments removed.
func WorldInit(hostFilePath, configFilePath string, args []string) (*Comm, []string, error) {
	zap.L().Info("Initializing MPI World",
		zap.String("HostFilePath", hostFilePath),
		zap.String("ConfigFilePath", configFilePath),
	)

	selfIP, _ := GetLocalIP()
	isWorker := IsWorker(args)
	zap.L().Info("Assigning node position",
		zap.Bool("isWorker", isWorker),
		zap.String("My IPs", strings.Join(selfIP, ",")),
	)

	if isWorker {
		return Join(args)
	}
	comm, err := Dispatch(hostFilePath, configFilePath)
	return comm, args, err
}
