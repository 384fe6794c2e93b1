package mpi

import (
	"crypto/md5"
	"errors"
	"fmt"
	"hash"

	"go.uber.org/zap"
)

// ErrNoRoute is returned when the transport has no connection to a peer.
var ErrNoRoute = errors.New("no route to rank")

// Stats counts the traffic of one process. The hashes cover every payload
// in the order it was sent or received, which makes two runs easy to compare.
type Stats struct {
	BytesSent     uint64
	BytesReceived uint64

	sent hash.Hash
	recv hash.Hash
}

func newStats() *Stats {
	return &Stats{sent: md5.New(), recv: md5.New()}
}

func (s *Stats) SentHash() string {
	return fmt.Sprintf("%x", s.sent.Sum(nil))
}

func (s *Stats) ReceivedHash() string {
	return fmt.Sprintf("%x", s.recv.Sum(nil))
}

// Comm is a communicator: an ordered group of ranks that run collectives
// together. The world communicator holds every rank; Split derives smaller
// ones that share the same transport.
type Comm struct {
	rank    uint64
	members []uint64 // world rank of each local rank
	world   *World
	t       Transport
	stats   *Stats
	owner   bool
}

func newComm(rank uint64, world *World, t Transport) *Comm {
	members := make([]uint64, world.size)
	for i := range members {
		members[i] = uint64(i)
	}
	return &Comm{
		rank:    rank,
		members: members,
		world:   world,
		t:       t,
		stats:   newStats(),
		owner:   true,
	}
}

// Rank is this process's index in the communicator.
func (c *Comm) Rank() uint64 {
	return c.rank
}

// Size is the number of ranks in the communicator.
func (c *Comm) Size() uint64 {
	return uint64(len(c.members))
}

// WorldRank is this process's rank in the world communicator.
func (c *Comm) WorldRank() uint64 {
	return c.members[c.rank]
}

// Members returns the world ranks of the communicator, indexed by local rank.
func (c *Comm) Members() []uint64 {
	return append([]uint64(nil), c.members...)
}

func (c *Comm) World() *World {
	return c.world
}

func (c *Comm) Stats() *Stats {
	return c.stats
}

// Send delivers buf to the given local rank. It blocks until the peer's
// transport has taken the message.
func (c *Comm) Send(buf []byte, rank uint64) error {
	if rank >= c.Size() {
		return fmt.Errorf("%w: send to %d of %d", ErrInvalidRank, rank, c.Size())
	}
	if rank == c.rank {
		return fmt.Errorf("%w: send to self", ErrNoRoute)
	}
	if err := c.t.Send(c.members[rank], buf); err != nil {
		return err
	}
	c.stats.BytesSent += uint64(len(buf))
	c.stats.sent.Write(buf)
	return nil
}

// Receive blocks until the next message from the given local rank arrives.
func (c *Comm) Receive(rank uint64) ([]byte, error) {
	if rank >= c.Size() {
		return nil, fmt.Errorf("%w: receive from %d of %d", ErrInvalidRank, rank, c.Size())
	}
	if rank == c.rank {
		return nil, fmt.Errorf("%w: receive from self", ErrNoRoute)
	}
	buf, err := c.t.Recv(c.members[rank])
	if err != nil {
		return nil, err
	}
	c.stats.BytesReceived += uint64(len(buf))
	c.stats.recv.Write(buf)
	return buf, nil
}

// Close logs the traffic statistics and releases the transport. Closing a
// communicator returned by Split only logs.
func (c *Comm) Close() error {
	zap.L().Debug("Closing communicator",
		zap.Uint64("rank", c.WorldRank()),
		zap.Uint64("bytesSent", c.stats.BytesSent),
		zap.Uint64("bytesReceived", c.stats.BytesReceived),
		zap.String("sentHash", c.stats.SentHash()),
		zap.String("receivedHash", c.stats.ReceivedHash()),
	)
	if !c.owner {
		return nil
	}
	return c.t.Close()
}
