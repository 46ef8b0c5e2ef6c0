// Package transport wraps a net.Conn with the read/write primitives the PDU
// layer needs: exact-length reads, atomic whole-PDU writes, and optional
// read/write deadlines. The ACSE ARTIM timer and the DIMSE timeout do not
// use these deadlines; they run on their own timers in the pdu and dimse
// packages.
package transport

import (
	"io"
	"net"
	"time"

	"github.com/dimsenet/dimsenet/dcmerr"
)

// Conn wraps any net.Conn, including a *tls.Conn, so TLS setup stays a
// caller concern external to this library.
type Conn struct {
	nc net.Conn
}

// New wraps nc. nc is never nil for a live association.
func New(nc net.Conn) *Conn {
	return &Conn{nc: nc}
}

// Raw returns the underlying net.Conn, for callers that need RemoteAddr or
// similar accessors not exposed here.
func (c *Conn) Raw() net.Conn { return c.nc }

// ReadExact reads exactly n bytes, translating io.EOF and io.ErrUnexpectedEOF
// (a half-close mid-PDU) into dcmerr.ErrConnectionClosed.
func (c *Conn) ReadExact(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.nc, buf); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, dcmerr.ErrConnectionClosed
		}
		return nil, err
	}
	return buf, nil
}

// WriteAll writes the whole buffer, looping over short writes. A PDU is
// always a single WriteAll call so partial PDUs never reach the wire.
func (c *Conn) WriteAll(data []byte) error {
	written := 0
	for written < len(data) {
		n, err := c.nc.Write(data[written:])
		if err != nil {
			return err
		}
		written += n
	}
	return nil
}

// SetReadTimeout arms an idle-read deadline; d == 0 disarms it.
func (c *Conn) SetReadTimeout(d time.Duration) error {
	if d <= 0 {
		return c.nc.SetReadDeadline(time.Time{})
	}
	return c.nc.SetReadDeadline(time.Now().Add(d))
}

// SetWriteTimeout arms an idle-write deadline; d == 0 disarms it.
func (c *Conn) SetWriteTimeout(d time.Duration) error {
	if d <= 0 {
		return c.nc.SetWriteDeadline(time.Time{})
	}
	return c.nc.SetWriteDeadline(time.Now().Add(d))
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.nc.Close()
}

// IsTimeout reports whether err is a network-level read/write deadline
// expiry, as opposed to a half-close or a protocol error.
func IsTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
