package mpi

import (
	"fmt"
	"sort"
)

// Undefined is the color of a rank that joins no communicator in Split.
const Undefined int64 = -1

// Split partitions c into disjoint communicators, one per color. Ranks are
// ordered inside the new communicator by key, ties broken by their rank in
// c. Every rank of c must call Split; ranks passing Undefined take part in
// the exchange and get a nil communicator back.
func (c *Comm) Split(color, key int64) (*Comm, error) {
	if color < 0 && color != Undefined {
		return nil, fmt.Errorf("invalid color %d", color)
	}

	table, err := Gather(c, []int64{color, key}, 0)
	if err != nil {
		return nil, err
	}
	var buf []byte
	if c.rank == 0 {
		buf = encode(table)
	}
	if buf, err = c.Bcast(buf, 0); err != nil {
		return nil, err
	}
	if table, err = decode[int64](buf); err != nil {
		return nil, err
	}
	if len(table) != 2*int(c.Size()) {
		return nil, fmt.Errorf("%w: split table has %d entries for %d ranks", ErrUnevenSplit, len(table), c.Size())
	}

	if color == Undefined {
		return nil, nil
	}

	group := make([]uint64, 0, c.Size())
	for r := uint64(0); r < c.Size(); r++ {
		if table[2*r] == color {
			group = append(group, r)
		}
	}
	sort.SliceStable(group, func(i, j int) bool {
		return table[2*group[i]+1] < table[2*group[j]+1]
	})

	sub := &Comm{
		world: c.world,
		t:     c.t,
		stats: c.stats,
	}
	for i, r := range group {
		if r == c.rank {
			sub.rank = uint64(i)
		}
		sub.members = append(sub.members, c.members[r])
	}
	return sub, nil
}
