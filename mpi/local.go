package mpi

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrAborted is returned from a blocked operation of the local world once
// another rank has failed.
var ErrAborted = errors.New("world aborted")

type localWorld struct {
	links [][]chan []byte // [from][to]
	done  <-chan struct{}
}

type localTransport struct {
	w    *localWorld
	self uint64
}

func (t *localTransport) Send(to uint64, buf []byte) error {
	if to >= uint64(len(t.w.links)) {
		return fmt.Errorf("%w: %d -> %d", ErrNoRoute, t.self, to)
	}
	msg := append([]byte(nil), buf...)
	select {
	case t.w.links[t.self][to] <- msg:
		return nil
	case <-t.w.done:
		return ErrAborted
	}
}

func (t *localTransport) Recv(from uint64) ([]byte, error) {
	if from >= uint64(len(t.w.links)) {
		return nil, fmt.Errorf("%w: %d <- %d", ErrNoRoute, t.self, from)
	}
	select {
	case msg := <-t.w.links[from][t.self]:
		return msg, nil
	case <-t.w.done:
		return nil, ErrAborted
	}
}

func (t *localTransport) Close() error {
	return nil
}

// RunLocal runs fn once per rank of a world of the given size, each on its
// own goroutine inside this process, and waits for all of them. The first
// error is returned; ranks blocked in a collective at that point are
// released with ErrAborted.
func RunLocal(size int, fn func(c *Comm) error) error {
	if size < 1 {
		return ErrEmptyWorld
	}

	g, ctx := errgroup.WithContext(context.Background())
	lw := &localWorld{
		links: make([][]chan []byte, size),
		done:  ctx.Done(),
	}
	world := &World{
		size:   uint64(size),
		rank:   make([]uint64, size),
		IPPool: make([]string, size),
		Port:   make([]uint64, size),
	}
	for i := range lw.links {
		lw.links[i] = make([]chan []byte, size)
		for j := range lw.links[i] {
			lw.links[i][j] = make(chan []byte)
		}
		world.rank[i] = uint64(i)
		world.IPPool[i] = "local"
	}

	zap.L().Debug("Starting local world", zap.Int("size", size))
	for r := 0; r < size; r++ {
		comm := newComm(uint64(r), world, &localTransport{w: lw, self: uint64(r)})
		g.Go(func() (err error) {
			defer func() {
				err = multierr.Append(err, comm.Close())
			}()
			if err := fn(comm); err != nil {
				return fmt.Errorf("rank %d: %w", r, err)
			}
			return nil
		})
	}
	return g.Wait()
}
