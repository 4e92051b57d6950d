package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

// MaxWordLength is the largest length a word prefix can encode.
const MaxWordLength = 0xFFFFFFFF

// EncodeLength encodes n as a word length prefix.
//
// The size class is picked from n's magnitude:
//
//   0x00000000 - 0x0000007F  1 byte   0xxxxxxx
//   0x00000080 - 0x00003FFF  2 bytes  10xxxxxx xxxxxxxx
//   0x00004000 - 0x001FFFFF  3 bytes  110xxxxx xxxxxxxx xxxxxxxx
//   0x00200000 - 0x0FFFFFFF  4 bytes  1110xxxx xxxxxxxx xxxxxxxx xxxxxxxx
//   0x10000000 - 0xFFFFFFFF  5 bytes  11110000 followed by the value big-endian
func EncodeLength(n int64) ([]byte, error) {
	switch {
	case n < 0 || n > MaxWordLength:
		return nil, &Error{Kind: ErrLength, Op: "encode length", Value: n}

	case n < 0x80:
		return []byte{byte(n)}, nil

	case n < 0x4000:
		v := uint16(n) | 0x8000
		return []byte{byte(v >> 8), byte(v)}, nil

	case n < 0x200000:
		v := uint32(n) | 0xC00000
		return []byte{byte(v >> 16), byte(v >> 8), byte(v)}, nil

	case n < 0x10000000:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, uint32(n)|0xE0000000)
		return b, nil

	default:
		b := make([]byte, 5)
		b[0] = 0xF0
		binary.BigEndian.PutUint32(b[1:], uint32(n))
		return b, nil
	}
}

// DecodeLength reads a word length prefix from r.
//
// A first byte in the reserved control range (0xF8 - 0xFF) is reported as an
// ErrProtocolViolation carrying the byte.
func DecodeLength(r io.Reader) (int64, error) {
	var buf [4]byte

	if _, err := io.ReadFull(r, buf[:1]); err != nil {
		return 0, newError(ErrTransport, "decode length", err)
	}

	first := buf[0]

	var (
		extra int
		value int64
	)

	switch {
	case first&0x80 == 0x00:
		return int64(first), nil

	case first&0xC0 == 0x80:
		extra, value = 1, int64(first&0x3F)

	case first&0xE0 == 0xC0:
		extra, value = 2, int64(first&0x1F)

	case first&0xF0 == 0xE0:
		extra, value = 3, int64(first&0x0F)

	case first&0xF8 == 0xF0:
		extra, value = 4, 0

	default:
		return 0, &Error{
			Kind:  ErrProtocolViolation,
			Op:    "decode length",
			Value: UnsupportedControlByte(first),
		}
	}

	if _, err := io.ReadFull(r, buf[:extra]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return 0, newError(ErrTransport, "decode length", err)
	}

	for _, b := range buf[:extra] {
		value = value<<8 | int64(b)
	}

	return value, nil
}

// UnsupportedControlByte is the Value of the error DecodeLength returns when
// it meets a byte from the reserved control range.
type UnsupportedControlByte byte

func (b UnsupportedControlByte) String() string {
	const hex = "0123456789ABCDEF"
	return "unsupported control byte 0x" + string([]byte{hex[b>>4], hex[b&0x0F]})
}

// WriteWord writes word to w, prefixed by its encoded length. It returns the
// total number of bytes written including the prefix.
//
// If the write fails part way through the payload, the returned error's
// Fragment holds the payload bytes that made it onto the wire.
func WriteWord(w io.Writer, word []byte) (int, error) {
	prefix, err := EncodeLength(int64(len(word)))
	if err != nil {
		return 0, err
	}

	frame := make([]byte, 0, len(prefix)+len(word))
	frame = append(frame, prefix...)
	frame = append(frame, word...)

	n, err := w.Write(frame)
	if err == nil && n < len(frame) {
		err = io.ErrShortWrite
	}

	if err != nil {
		werr := newError(ErrTransport, "write word", err)
		if n > len(prefix) {
			werr.Fragment = word[:n-len(prefix)]
			werr.Transferred = int64(len(werr.Fragment))
		}
		return n, werr
	}

	return n, nil
}

// ReadWord reads a single length-prefixed word from r. An empty word marks the
// end of a sentence.
//
// To avoid denial of service attacks, the provided Reader should be reading
// from a trusted peer or be wrapped to bound the size of words, a hostile
// length prefix can ask for up to 4GiB.
func ReadWord(r io.Reader) ([]byte, error) {
	length, err := DecodeLength(r)
	if err != nil {
		return nil, err
	}

	word := make([]byte, length)

	n, err := io.ReadFull(r, word)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}

		rerr := newError(ErrTransport, "read word", err)
		rerr.Fragment = word[:n]
		rerr.Transferred = int64(n)
		return nil, rerr
	}

	return word, nil
}

// WriteSentence writes words followed by the terminating empty word.
func WriteSentence(w io.Writer, words ...string) (int, error) {
	var buf bytes.Buffer

	for _, word := range words {
		if _, err := WriteWord(&buf, []byte(word)); err != nil {
			return 0, err
		}
	}

	buf.WriteByte(0)

	n, err := w.Write(buf.Bytes())
	if err != nil {
		return n, newError(ErrTransport, "write sentence", err)
	}

	return n, nil
}

// ReadSentence reads words up to, and not including, the terminating empty word.
func ReadSentence(r io.Reader) ([]string, error) {
	var words []string

	for {
		word, err := ReadWord(r)
		if err != nil {
			return words, err
		}

		if len(word) == 0 {
			return words, nil
		}

		words = append(words, string(word))
	}
}

// WordStream reads the payload of one word straight from the underlying
// reader. The payload must be read, or discarded with Discard, before the next
// word can be read from the same source.
type WordStream struct {
	r    io.LimitedReader
	size int64
}

// ReadWordStream reads a word length prefix from r and returns a stream over
// the payload that follows it.
func ReadWordStream(r io.Reader) (*WordStream, error) {
	length, err := DecodeLength(r)
	if err != nil {
		return nil, err
	}

	return &WordStream{r: io.LimitedReader{R: r, N: length}, size: length}, nil
}

func (s *WordStream) Read(p []byte) (int, error) {
	if s.r.N <= 0 {
		return 0, io.EOF
	}

	n, err := s.r.Read(p)
	if errors.Is(err, io.EOF) && s.r.N > 0 {
		return n, newError(ErrTransport, "read word stream", io.ErrUnexpectedEOF)
	}

	return n, err
}

// Len returns the full payload length of the word.
func (s *WordStream) Len() int64 {
	return s.size
}

// Remaining returns the number of payload bytes not read yet.
func (s *WordStream) Remaining() int64 {
	return s.r.N
}

// Discard consumes whatever is left of the payload.
func (s *WordStream) Discard() error {
	_, err := io.Copy(io.Discard, s)
	return err
}
