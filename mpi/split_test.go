package mpi

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type splitResult struct {
	Rank    uint64
	Members []uint64
}

// Ranks 0-3 form one communicator and 4-6 another with a single Split;
// rank 7 stays out. A second Split over the world groups ranks 0 and 4.
func TestSplitGroups(t *testing.T) {
	var mu sync.Mutex
	first := map[uint64]*splitResult{}
	second := map[uint64]*splitResult{}
	record := func(m map[uint64]*splitResult, rank uint64, sub *Comm) {
		mu.Lock()
		defer mu.Unlock()
		if sub == nil {
			m[rank] = nil
			return
		}
		m[rank] = &splitResult{Rank: sub.Rank(), Members: sub.Members()}
	}

	err := RunLocal(8, func(c *Comm) error {
		rank := c.Rank()

		color := Undefined
		switch {
		case rank < 4:
			color = 0
		case rank < 7:
			color = 1
		}
		sub, err := c.Split(color, int64(rank))
		if err != nil {
			return err
		}
		record(first, rank, sub)

		if sub != nil {
			// Each group runs its own collective.
			out, err := Gather(sub, []int64{int64(rank)}, 0)
			if err != nil {
				return err
			}
			if sub.Rank() == 0 && len(out) != int(sub.Size()) {
				return fmt.Errorf("gathered %v in group of %d", out, sub.Size())
			}
			if err := sub.Close(); err != nil {
				return err
			}
		}

		color = Undefined
		if rank == 0 || rank == 4 {
			color = 0
		}
		pair, err := c.Split(color, int64(rank))
		if err != nil {
			return err
		}
		record(second, rank, pair)

		if pair != nil {
			var buf []byte
			if pair.Rank() == 0 {
				buf = []byte("from world 0")
			}
			buf, err = pair.Bcast(buf, 0)
			if err != nil {
				return err
			}
			if string(buf) != "from world 0" {
				return fmt.Errorf("rank %d got %q", rank, buf)
			}
		}
		return nil
	})
	require.NoError(t, err)

	comm1 := []uint64{0, 1, 2, 3}
	comm2 := []uint64{4, 5, 6}
	for r := uint64(0); r < 4; r++ {
		assert.Equal(t, &splitResult{Rank: r, Members: comm1}, first[r])
	}
	for r := uint64(4); r < 7; r++ {
		assert.Equal(t, &splitResult{Rank: r - 4, Members: comm2}, first[r])
	}
	assert.Nil(t, first[7])

	comm3 := []uint64{0, 4}
	assert.Equal(t, &splitResult{Rank: 0, Members: comm3}, second[0])
	assert.Equal(t, &splitResult{Rank: 1, Members: comm3}, second[4])
	for _, r := range []uint64{1, 2, 3, 5, 6, 7} {
		assert.Nil(t, second[r])
	}
}

func TestSplitOrdersByKey(t *testing.T) {
	var mu sync.Mutex
	ranks := map[uint64]uint64{}
	err := RunLocal(4, func(c *Comm) error {
		sub, err := c.Split(0, -int64(c.Rank()))
		if err != nil {
			return err
		}
		mu.Lock()
		ranks[c.Rank()] = sub.Rank()
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, map[uint64]uint64{0: 3, 1: 2, 2: 1, 3: 0}, ranks)
}

func TestSplitOfSplit(t *testing.T) {
	var mu sync.Mutex
	members := map[uint64][]uint64{}
	err := RunLocal(6, func(c *Comm) error {
		half, err := c.Split(int64(c.Rank()%2), int64(c.Rank()))
		if err != nil {
			return err
		}
		// Odd ranks {1,3,5} and even ranks {0,2,4}; keep the first two of each.
		color := Undefined
		if half.Rank() < 2 {
			color = 0
		}
		sub, err := half.Split(color, 0)
		if err != nil {
			return err
		}
		if sub != nil {
			if err := sub.Barrier(); err != nil {
				return err
			}
			mu.Lock()
			members[c.Rank()] = sub.Members()
			mu.Unlock()
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, map[uint64][]uint64{
		0: {0, 2}, 2: {0, 2},
		1: {1, 3}, 3: {1, 3},
	}, members)
}

func TestSplitRejectsNegativeColor(t *testing.T) {
	err := RunLocal(1, func(c *Comm) error {
		_, err := c.Split(-5, 0)
		return err
	})
	assert.Error(t, err)
}
