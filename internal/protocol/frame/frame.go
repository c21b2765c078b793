package frame

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/topoctl/internal/protocol"
	"github.com/rs/zerolog/log"
)

var (
	ErrFrameTooLarge = errors.New("frame: buffered partial frame exceeds limit")
	ErrNilReader     = errors.New("frame: nil reader")
)

var splice = []byte("}{")

// Limits constrains reader memory use.
type Limits struct {
	MaxBufferBytes int
	ReadChunkBytes int
}

func DefaultLimits() Limits {
	return Limits{
		MaxBufferBytes: 8 * 1024 * 1024,
		ReadChunkBytes: 1024,
	}
}

func (l Limits) WithDefaults() Limits {
	def := DefaultLimits()
	if l.MaxBufferBytes <= 0 {
		l.MaxBufferBytes = def.MaxBufferBytes
	}
	if l.ReadChunkBytes <= 0 {
		l.ReadChunkBytes = def.ReadChunkBytes
	}
	return l
}

// Split cuts buf at its last '}' and splits the complete region on "}{",
// restoring the brace on each side of every splice. The remainder is a copy.
// Frames are not brace-depth aware: a "}{" inside a string value mis-splits.
func Split(buf []byte) ([][]byte, []byte) {
	end := bytes.LastIndexByte(buf, '}')
	if end < 0 {
		return nil, bytes.Clone(buf)
	}
	remainder := bytes.Clone(buf[end+1:])
	parts := bytes.Split(buf[:end+1], splice)
	frames := make([][]byte, 0, len(parts))
	for i, part := range parts {
		f := make([]byte, 0, len(part)+2)
		if i > 0 {
			f = append(f, '{')
		}
		f = append(f, part...)
		if i < len(parts)-1 {
			f = append(f, '}')
		}
		frames = append(frames, f)
	}
	return frames, remainder
}

// Decoder turns a frame buffer into messages. The zero value is usable.
type Decoder struct {
	// OnDrop observes every frame that failed to decode.
	OnDrop func(raw []byte, err error)
	// OnMessage observes every decoded message in order.
	OnMessage func(msg protocol.Message)
}

// Decode returns every complete message in buf plus the undecoded tail.
// A frame that fails to decode is dropped and the rest are still returned.
func (d *Decoder) Decode(buf []byte) ([]protocol.Message, []byte) {
	frames, remainder := Split(buf)
	if len(frames) == 0 {
		return nil, remainder
	}
	msgs := make([]protocol.Message, 0, len(frames))
	for _, raw := range frames {
		msg, err := protocol.Decode(raw)
		if err != nil {
			err = fmt.Errorf("%w: %v", protocol.ErrFraming, err)
			log.Warn().Err(err).Int("bytes", len(raw)).Msg("frame: dropping undecodable frame")
			if d != nil && d.OnDrop != nil {
				d.OnDrop(raw, err)
			}
			continue
		}
		if d != nil && d.OnMessage != nil {
			d.OnMessage(msg)
		}
		msgs = append(msgs, msg)
	}
	return msgs, remainder
}

// Decode is Decoder.Decode without hooks.
func Decode(buf []byte) ([]protocol.Message, []byte) {
	var d Decoder
	return d.Decode(buf)
}

// Reader accumulates stream bytes and yields messages one at a time.
// A Reader owns its frame buffer and is not safe for concurrent use.
type Reader struct {
	src     io.Reader
	dec     *Decoder
	limits  Limits
	buf     []byte
	chunk   []byte
	pending []protocol.Message
}

func NewReader(src io.Reader, dec *Decoder, limits Limits) *Reader {
	limits = limits.WithDefaults()
	if dec == nil {
		dec = &Decoder{}
	}
	return &Reader{
		src:    src,
		dec:    dec,
		limits: limits,
		chunk:  make([]byte, limits.ReadChunkBytes),
	}
}

// Next returns the next message, reading from the source until one is
// complete. Read errors are returned unwrapped once no decoded message is
// left to hand out.
func (r *Reader) Next() (protocol.Message, error) {
	if r.src == nil {
		return protocol.Message{}, ErrNilReader
	}
	for len(r.pending) == 0 {
		n, err := r.src.Read(r.chunk)
		if n > 0 {
			r.buf = append(r.buf, r.chunk[:n]...)
			msgs, remainder := r.dec.Decode(r.buf)
			r.buf = remainder
			r.pending = append(r.pending, msgs...)
			if len(r.buf) > r.limits.MaxBufferBytes {
				return protocol.Message{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(r.buf))
			}
		}
		if err != nil {
			if len(r.pending) > 0 {
				break
			}
			return protocol.Message{}, err
		}
	}
	msg := r.pending[0]
	r.pending[0] = protocol.Message{}
	r.pending = r.pending[1:]
	return msg, nil
}

// Buffered reports the size of the undecoded partial frame.
func (r *Reader) Buffered() int {
	return len(r.buf)
}

// Pending reports decoded messages not yet returned by Next.
func (r *Reader) Pending() int {
	return len(r.pending)
}

// WriteMessage writes msg as one undelimited JSON object.
func WriteMessage(w io.Writer, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
