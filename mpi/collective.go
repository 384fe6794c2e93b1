package mpi

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrUnevenSplit is returned when a buffer cannot be divided into equal
// per-rank parts.
var ErrUnevenSplit = errors.New("buffer does not split evenly across ranks")

// Number is the set of element types the typed collectives can carry.
type Number interface {
	int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 | float32 | float64
}

func encode[T Number](v []T) []byte {
	buf, err := binary.Append(nil, binary.LittleEndian, v)
	if err != nil {
		// Fixed size element types always encode.
		panic(err)
	}
	return buf
}

func decode[T Number](buf []byte) ([]T, error) {
	var zero T
	size := binary.Size(zero)
	if len(buf)%size != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrUnevenSplit, len(buf), size)
	}
	v := make([]T, len(buf)/size)
	if _, err := binary.Decode(buf, binary.LittleEndian, v); err != nil {
		return nil, err
	}
	return v, nil
}

func (c *Comm) checkRoot(root uint64) error {
	if root >= c.Size() {
		return fmt.Errorf("%w: root %d of %d", ErrInvalidRank, root, c.Size())
	}
	return nil
}

// Barrier returns once every rank of the communicator has entered it.
func (c *Comm) Barrier() error {
	if c.rank != 0 {
		if err := c.Send(nil, 0); err != nil {
			return err
		}
		_, err := c.Receive(0)
		return err
	}
	for r := uint64(1); r < c.Size(); r++ {
		if _, err := c.Receive(r); err != nil {
			return err
		}
	}
	for r := uint64(1); r < c.Size(); r++ {
		if err := c.Send(nil, r); err != nil {
			return err
		}
	}
	return nil
}

// Bcast copies buf from root to every rank. Only root's buf is read; every
// rank gets the payload back.
func (c *Comm) Bcast(buf []byte, root uint64) ([]byte, error) {
	if err := c.checkRoot(root); err != nil {
		return nil, err
	}
	if c.rank != root {
		return c.Receive(root)
	}
	for r := uint64(0); r < c.Size(); r++ {
		if r == root {
			continue
		}
		if err := c.Send(buf, r); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// Scatter splits root's send buffer into Size() consecutive parts of count
// elements and hands part r to rank r. Every rank passes the same count;
// send is only read on root and must hold exactly count*Size() elements.
func Scatter[T Number](c *Comm, send []T, count int, root uint64) ([]T, error) {
	if err := c.checkRoot(root); err != nil {
		return nil, err
	}
	if count < 0 {
		return nil, fmt.Errorf("%w: negative count %d", ErrUnevenSplit, count)
	}

	if c.rank != root {
		buf, err := c.Receive(root)
		if err != nil {
			return nil, err
		}
		part, err := decode[T](buf)
		if err != nil {
			return nil, err
		}
		if len(part) != count {
			return nil, fmt.Errorf("%w: received %d elements, want %d", ErrUnevenSplit, len(part), count)
		}
		return part, nil
	}

	size := int(c.Size())
	if len(send) != count*size {
		return nil, fmt.Errorf("%w: %d elements for %d ranks of %d", ErrUnevenSplit, len(send), size, count)
	}
	for r := 0; r < size; r++ {
		if uint64(r) == root {
			continue
		}
		if err := c.Send(encode(send[r*count:(r+1)*count]), uint64(r)); err != nil {
			return nil, err
		}
	}
	own := make([]T, count)
	copy(own, send[int(root)*count:])
	return own, nil
}

// Gather collects every rank's local slice at root, concatenated in rank
// order. All ranks must contribute the same number of elements. Ranks other
// than root get a nil result.
func Gather[T Number](c *Comm, local []T, root uint64) ([]T, error) {
	if err := c.checkRoot(root); err != nil {
		return nil, err
	}
	if c.rank != root {
		return nil, c.Send(encode(local), root)
	}

	out := make([]T, 0, len(local)*int(c.Size()))
	for r := uint64(0); r < c.Size(); r++ {
		if r == root {
			out = append(out, local...)
			continue
		}
		buf, err := c.Receive(r)
		if err != nil {
			return nil, err
		}
		part, err := decode[T](buf)
		if err != nil {
			return nil, err
		}
		if len(part) != len(local) {
			return nil, fmt.Errorf("%w: rank %d sent %d elements, want %d", ErrUnevenSplit, r, len(part), len(local))
		}
		out = append(out, part...)
	}
	return out, nil
}
