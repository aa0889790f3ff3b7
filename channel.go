package htcp

import (
	"bufio"
	"errors"
	"fmt"
	"net"

	"github.com/htcpnet/htcp/dh"
)

// ErrEncryptionMismatch is reported when one end of a connection has
// dh_encryption enabled and the other does not. The mismatch is a
// protocol error, never a silent fallback to plaintext.
var ErrEncryptionMismatch = errors.New("encryption mode mismatch")

// A channel frames packages over a single net.Conn, sealing and
// opening frame bodies once a handshake has installed a key.
//
// A channel is not synchronized: the session and client layers above
// it guarantee at most one reader and one writer at a time.
type channel struct {
	r    *bufio.Reader
	w    *bufio.Writer
	nc   net.Conn
	seal *sealer // nil while the connection is plaintext
}

func newChannel(nc net.Conn) *channel {
	return &channel{r: bufio.NewReader(nc), w: bufio.NewWriter(nc), nc: nc}
}

func (c *channel) Close() error { return c.nc.Close() }

// writeFrame writes a single frame with the given flags and body, and
// flushes it to the connection.
func (c *channel) writeFrame(flags frameFlag, body []byte) error {
	f := frame{flags: flags, body: body}
	if _, err := f.WriteTo(c.w); err != nil {
		return err
	}
	return c.w.Flush()
}

// readFrame reads the next frame from the connection.
func (c *channel) readFrame() (*frame, error) {
	var f frame
	if _, err := f.ReadFrom(c.r); err != nil {
		return nil, err
	}
	return &f, nil
}

// writePackage encodes and sends pkg. The body is sealed when the
// channel has a key, and extra records any additional flags to set on
// the frame (the encrypted flag is managed here).
func (c *channel) writePackage(pkg *Package, extra frameFlag) error {
	body := pkg.Encode()
	flags := extra
	if c.seal != nil {
		sealed, err := c.seal.seal(body)
		if err != nil {
			return err
		}
		body, flags = sealed, flags|flagEncrypted
	}
	return c.writeFrame(flags, body)
}

// readPackage reads and decodes the next package. A frame whose
// encrypted flag disagrees with the channel's mode reports
// [ErrEncryptionMismatch].
func (c *channel) readPackage() (*Package, error) {
	f, err := c.readFrame()
	if err != nil {
		return nil, err
	}
	body := f.body
	if c.seal != nil {
		if f.flags&flagEncrypted == 0 {
			return nil, fmt.Errorf("%w: plaintext frame on an encrypted connection", ErrEncryptionMismatch)
		}
		if body, err = c.seal.open(body); err != nil {
			return nil, err
		}
	} else if f.flags&flagEncrypted != 0 {
		return nil, fmt.Errorf("%w: encrypted frame on a plaintext connection", ErrEncryptionMismatch)
	}

	var pkg Package
	if err := pkg.Decode(body); err != nil {
		return nil, err
	}
	if f.flags&flagResponse == 0 && pkg.Status != StatusSuccess {
		// Only responses carry a status.
		return nil, fmt.Errorf("%w: request with status %v", ErrMalformedPackage, pkg.Status)
	}
	return &pkg, nil
}

// serverHandshake runs the server side of the key exchange: send
// parameters and public value, read the peer's public value, derive
// the key. On success the channel seals all subsequent frames.
func (c *channel) serverHandshake() error {
	kx, err := dh.New(dh.Group14())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if err := c.writeFrame(0, encodeHandshakeInit(kx)); err != nil {
		return fmt.Errorf("%w: sending init: %v", ErrHandshake, err)
	}
	f, err := c.readFrame()
	if err != nil {
		return fmt.Errorf("%w: reading reply: %v", ErrHandshake, err)
	}
	peerPublic, err := decodeHandshakeReply(f.body)
	if err != nil {
		return err
	}
	key, err := kx.SharedKey(peerPublic)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	c.seal, err = newSealer(key)
	return err
}

// clientHandshake runs the client side of the key exchange: read the
// server's parameters and public value, send our public value, derive
// the key.
func (c *channel) clientHandshake() error {
	f, err := c.readFrame()
	if err != nil {
		return fmt.Errorf("%w: reading init: %v", ErrHandshake, err)
	}
	params, serverPublic, err := decodeHandshakeInit(f.body)
	if err != nil {
		return err
	}
	kx, err := dh.New(params)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if err := c.writeFrame(0, encodeHandshakeReply(kx)); err != nil {
		return fmt.Errorf("%w: sending reply: %v", ErrHandshake, err)
	}
	key, err := kx.SharedKey(serverPublic)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	c.seal, err = newSealer(key)
	return err
}
