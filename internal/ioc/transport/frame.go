// Package transport implements the Link Pairing / Transport Shim (C5): the
// two concrete link.Channel carriers — an in-process FIFO pipe and a
// loopback TCP connection — plus the accept-side pairing each one needs
// before a Link can be handed to the registry's backlog.
package transport

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
)

// maxFrameSize bounds a single on-wire frame, generous enough to carry one
// batched DAT write (see dat.DefaultBatchConfig.MaxBytes) plus headroom for
// CMD/EVT envelopes.
const maxFrameSize = 1 << 22 // 4 MiB

var errFrameTooLarge = errors.New("transport: frame exceeds maxFrameSize")

// writeFrame writes a 4-byte big-endian length prefix followed by b.
func writeFrame(w io.Writer, b []byte) error {
	if len(b) > maxFrameSize {
		return errFrameTooLarge
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(b)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	_, err := w.Write(b)
	return err
}

// readFrame reads one length-prefixed frame from r.
func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return nil, errFrameTooLarge
	}
	if n == 0 {
		return []byte{}, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// tcpConn adapts a net.Conn into a link.Channel with length-prefixed framing.
type tcpConn struct {
	conn net.Conn
}

func (c *tcpConn) SendFrame(b []byte) error   { return writeFrame(c.conn, b) }
func (c *tcpConn) RecvFrame() ([]byte, error) { return readFrame(c.conn) }
func (c *tcpConn) Close() error               { return c.conn.Close() }
