package htcp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrIncompleteFrame is reported when a connection closes in the
// middle of a frame. A corrupt stream cannot be resynchronized, so
// this is fatal to its connection.
var ErrIncompleteFrame = errors.New("incomplete frame")

// frameHeaderLen is the size of the fixed frame header: a 4-byte
// big-endian total length followed by a flags byte. The length counts
// the header itself.
const frameHeaderLen = 5

// maxFrameBody bounds the body size accepted from the wire.
const maxFrameBody = 8 << 20

type frameFlag byte

const (
	flagEncrypted frameFlag = 1 << iota // body is encrypted
	flagPasskey                         // body carries a passkey
	flagResponse                        // body is a response package
)

// A frame is the wire-level unit of the protocol: a fixed header
// followed by an encrypted or plaintext body.
type frame struct {
	flags frameFlag
	body  []byte
}

// WriteTo writes the frame to w in binary format. It satisfies
// io.WriterTo.
func (f *frame) WriteTo(w io.Writer) (int64, error) {
	var hdr [frameHeaderLen]byte
	binary.BigEndian.PutUint32(hdr[:4], uint32(frameHeaderLen+len(f.body)))
	hdr[4] = byte(f.flags)
	nw, err := w.Write(hdr[:])
	if err == nil && len(f.body) != 0 {
		var nb int
		nb, err = w.Write(f.body)
		nw += nb
	}
	return int64(nw), err
}

// ReadFrom reads a frame from r in binary format. It satisfies
// io.ReaderFrom. A clean end of stream before the first header byte
// reports io.EOF; a stream that ends mid-frame reports an error
// wrapping [ErrIncompleteFrame].
func (f *frame) ReadFrom(r io.Reader) (int64, error) {
	var hdr [frameHeaderLen]byte
	nr, err := io.ReadFull(r, hdr[:])
	if err == io.EOF {
		return int64(nr), io.EOF
	} else if err != nil {
		return int64(nr), fmt.Errorf("%w: short header: %v", ErrIncompleteFrame, err)
	}

	total := binary.BigEndian.Uint32(hdr[:4])
	if total <= frameHeaderLen {
		return int64(nr), fmt.Errorf("invalid frame length %d", total)
	} else if total > frameHeaderLen+maxFrameBody {
		return int64(nr), fmt.Errorf("frame too large (%d bytes)", total)
	}

	f.flags = frameFlag(hdr[4])
	f.body = make([]byte, int(total)-frameHeaderLen)
	nb, err := io.ReadFull(r, f.body)
	nr += nb
	if err != nil {
		return int64(nr), fmt.Errorf("%w: short body (%d of %d bytes): %v",
			ErrIncompleteFrame, nb, len(f.body), err)
	}
	return int64(nr), nil
}
