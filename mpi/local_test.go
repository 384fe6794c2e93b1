package mpi

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunLocalEmpty(t *testing.T) {
	assert.ErrorIs(t, RunLocal(0, func(*Comm) error { return nil }), ErrEmptyWorld)
}

func TestRunLocalAbortReleasesPeers(t *testing.T) {
	boom := errors.New("boom")
	err := RunLocal(3, func(c *Comm) error {
		if c.Rank() == 2 {
			return boom
		}
		// Ranks 0 and 1 wait on a rank that never sends.
		_, err := c.Receive(2)
		return err
	})
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrAborted)
}

func TestRunLocalMessagesAreCopied(t *testing.T) {
	err := RunLocal(2, func(c *Comm) error {
		if c.Rank() == 0 {
			buf := []byte("abc")
			if err := c.Send(buf, 1); err != nil {
				return err
			}
			buf[0] = 'z'
			return c.Barrier()
		}
		got, err := c.Receive(0)
		if err != nil {
			return err
		}
		if err := c.Barrier(); err != nil {
			return err
		}
		if string(got) != "abc" {
			return errors.New("message aliased the sender's buffer")
		}
		return nil
	})
	assert.NoError(t, err)
}
