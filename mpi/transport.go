package mpi

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/multierr"
)

// Transport moves whole messages between world ranks.
type Transport interface {
	Send(to uint64, buf []byte) error
	Recv(from uint64) ([]byte, error)
	Close() error
}

// tcpTransport is a star around rank 0: the dispatcher holds a connection
// per worker and each worker only talks to the dispatcher.
type tcpTransport struct {
	self        uint64
	conns       map[uint64]net.Conn
	closers     []io.Closer
	readTimeout time.Duration
}

func newTCPTransport(self uint64, readTimeout time.Duration) *tcpTransport {
	return &tcpTransport{
		self:        self,
		conns:       make(map[uint64]net.Conn),
		readTimeout: readTimeout,
	}
}

func (t *tcpTransport) conn(rank uint64) (net.Conn, error) {
	conn, ok := t.conns[rank]
	if !ok {
		return nil, fmt.Errorf("%w: %d -> %d", ErrNoRoute, t.self, rank)
	}
	return conn, nil
}

func (t *tcpTransport) Send(to uint64, buf []byte) error {
	conn, err := t.conn(to)
	if err != nil {
		return err
	}
	return writeFrame(conn, buf)
}

func (t *tcpTransport) Recv(from uint64) ([]byte, error) {
	conn, err := t.conn(from)
	if err != nil {
		return nil, err
	}
	return readFrame(conn, t.readTimeout)
}

func (t *tcpTransport) Close() error {
	var err error
	for _, conn := range t.conns {
		err = multierr.Append(err, conn.Close())
	}
	for _, c := range t.closers {
		err = multierr.Append(err, c.Close())
	}
	return err
}

// writeFrame sends an 8 byte little-endian length followed by the payload.
func writeFrame(conn net.Conn, buf []byte) error {
	if err := writeAll(conn, binary.LittleEndian.AppendUint64(nil, uint64(len(buf)))); err != nil {
		return fmt.Errorf("send frame size: %w", err)
	}
	if err := writeAll(conn, buf); err != nil {
		return fmt.Errorf("send frame: %w", err)
	}
	return nil
}

func writeAll(conn net.Conn, buf []byte) error {
	for len(buf) > 0 {
		n, err := conn.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

func readFrame(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, err
		}
	}
	size, err := readUint64(conn)
	if err != nil {
		return nil, fmt.Errorf("receive frame size: %w", err)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, fmt.Errorf("receive frame: %w", err)
	}
	return buf, nil
}

func readUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
