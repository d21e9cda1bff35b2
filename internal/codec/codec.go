// Package codec implements the length-delimited JSON framing used on
// the wire between client and server: each frame is a big-endian
// 4-byte unsigned length followed by that many bytes of UTF-8 JSON.
package codec

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"sync"

	"github.com/pkg/errors"
)

// maxFrameLen bounds a single frame to guard against a corrupt or
// malicious length prefix forcing an unbounded allocation.
const maxFrameLen = 64 << 20 // 64MiB

// ErrShortFrame is returned when the peer closes mid-frame, after the
// length prefix was read but before the full body arrived.
var ErrShortFrame = errors.New("codec: partial frame before EOF")

// Decoder reads length-delimited JSON values from r.
type Decoder struct {
	r io.Reader
}

// NewDecoder wraps r for frame-by-frame decoding.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Decode reads the next frame and unmarshals it into v. It returns
// io.EOF when the peer has cleanly closed the stream between frames,
// and ErrShortFrame if the stream ends mid-frame.
func (d *Decoder) Decode(v interface{}) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(d.r, lenBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return ErrShortFrame
		}
		return err
	}

	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameLen {
		return errors.Errorf("codec: frame of %d bytes exceeds max %d", n, maxFrameLen)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(d.r, body); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return ErrShortFrame
		}
		return err
	}

	if err := json.Unmarshal(body, v); err != nil {
		return errors.Wrap(err, "codec: malformed frame JSON")
	}
	return nil
}

// Encoder writes length-delimited JSON values to w. Encode is safe for
// concurrent use by multiple goroutines: frames are never interleaved.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder wraps w for frame-by-frame encoding.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode marshals v and writes it as a single frame.
func (e *Encoder) Encode(v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "codec: marshaling frame")
	}
	if len(body) > maxFrameLen {
		return errors.Errorf("codec: frame of %d bytes exceeds max %d", len(body), maxFrameLen)
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(lenBuf[:]); err != nil {
		return errors.Wrap(err, "codec: writing frame length")
	}
	if _, err := e.w.Write(body); err != nil {
		return errors.Wrap(err, "codec: writing frame body")
	}
	return nil
}
