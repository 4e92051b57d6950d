package protocol_test

import (
	"bytes"
	"errors"
	"io"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/ginkgo/extensions/table"
	. "github.com/onsi/gomega"

	"github.com/luma/routeros/protocol"
)

// shortWriter accepts limit bytes and then fails.
type shortWriter struct {
	buf   bytes.Buffer
	limit int
}

func (w *shortWriter) Write(p []byte) (int, error) {
	if len(p) <= w.limit {
		w.limit -= len(p)
		return w.buf.Write(p)
	}

	n, _ := w.buf.Write(p[:w.limit])
	w.limit = 0
	return n, errors.New("connection reset")
}

var _ = Describe("Words", func() {
	Describe("EncodeLength() / DecodeLength()", func() {
		DescribeTable("picks the size class from the magnitude",
			func(n int64, encoded []byte) {
				b, err := protocol.EncodeLength(n)
				Expect(err).To(Succeed())
				Expect(b).To(Equal(encoded))

				r := bytes.NewReader(append(b, 0xAA))
				decoded, err := protocol.DecodeLength(r)
				Expect(err).To(Succeed())
				Expect(decoded).To(Equal(n))

				// Exactly the prefix was consumed
				Expect(r.Len()).To(Equal(1))
			},
			Entry("zero", int64(0), []byte{0x00}),
			Entry("largest 1 byte", int64(0x7F), []byte{0x7F}),
			Entry("smallest 2 bytes", int64(0x80), []byte{0x80, 0x80}),
			Entry("largest 2 bytes", int64(0x3FFF), []byte{0xBF, 0xFF}),
			Entry("smallest 3 bytes", int64(0x4000), []byte{0xC0, 0x40, 0x00}),
			Entry("largest 3 bytes", int64(0x1FFFFF), []byte{0xDF, 0xFF, 0xFF}),
			Entry("smallest 4 bytes", int64(0x200000), []byte{0xE0, 0x20, 0x00, 0x00}),
			Entry("largest 4 bytes", int64(0xFFFFFFF), []byte{0xEF, 0xFF, 0xFF, 0xFF}),
			Entry("smallest 5 bytes", int64(0x10000000), []byte{0xF0, 0x10, 0x00, 0x00, 0x00}),
			Entry("largest length", int64(protocol.MaxWordLength), []byte{0xF0, 0xFF, 0xFF, 0xFF, 0xFF}),
		)

		It("rejects lengths out of range", func() {
			_, err := protocol.EncodeLength(-1)
			Expect(errors.Is(err, protocol.ErrLength)).To(BeTrue())

			_, err = protocol.EncodeLength(protocol.MaxWordLength + 1)
			Expect(errors.Is(err, protocol.ErrLength)).To(BeTrue())
		})

		It("reports reserved control bytes with the offending byte", func() {
			for _, b := range []byte{0xF8, 0xFC, 0xFF} {
				_, err := protocol.DecodeLength(bytes.NewReader([]byte{b}))
				Expect(errors.Is(err, protocol.ErrProtocolViolation)).To(BeTrue())

				var perr *protocol.Error
				Expect(errors.As(err, &perr)).To(BeTrue())
				Expect(perr.Value).To(Equal(protocol.UnsupportedControlByte(b)))
			}
		})

		It("fails on a truncated prefix", func() {
			_, err := protocol.DecodeLength(bytes.NewReader([]byte{0xC0, 0x40}))
			Expect(errors.Is(err, protocol.ErrTransport)).To(BeTrue())
			Expect(errors.Is(err, io.ErrUnexpectedEOF)).To(BeTrue())
		})
	})

	Describe("WriteWord() / ReadWord()", func() {
		It("round trips words of every size class", func() {
			for _, size := range []int{0, 1, 0x7F, 0x80, 0x3FFF, 0x4000, 0x200000} {
				word := bytes.Repeat([]byte{0x00, 0xFF, '='}, size/3+1)[:size]

				var buf bytes.Buffer
				n, err := protocol.WriteWord(&buf, word)
				Expect(err).To(Succeed())
				Expect(n).To(Equal(buf.Len()))

				read, err := protocol.ReadWord(&buf)
				Expect(err).To(Succeed())
				Expect(read).To(Equal(word))
				Expect(buf.Len()).To(BeZero())
			}
		})

		It("reports the fragment of a partially written word", func() {
			w := &shortWriter{limit: 4}

			n, err := protocol.WriteWord(w, []byte("hello"))
			Expect(n).To(Equal(4))
			Expect(errors.Is(err, protocol.ErrTransport)).To(BeTrue())

			var perr *protocol.Error
			Expect(errors.As(err, &perr)).To(BeTrue())
			Expect(perr.Fragment).To(Equal([]byte("hel")))
			Expect(perr.Transferred).To(Equal(int64(3)))
		})

		It("reports nothing transferred when only the prefix made it", func() {
			w := &shortWriter{limit: 1}

			_, err := protocol.WriteWord(w, []byte("hello"))

			var perr *protocol.Error
			Expect(errors.As(err, &perr)).To(BeTrue())
			Expect(perr.Fragment).To(BeEmpty())
			Expect(perr.Transferred).To(BeZero())
		})

		It("reports the fragment of a partially read word", func() {
			_, err := protocol.ReadWord(bytes.NewReader([]byte{0x05, 'h', 'e'}))
			Expect(errors.Is(err, protocol.ErrTransport)).To(BeTrue())

			var perr *protocol.Error
			Expect(errors.As(err, &perr)).To(BeTrue())
			Expect(perr.Fragment).To(Equal([]byte("he")))
			Expect(perr.Transferred).To(Equal(int64(2)))
		})
	})

	Describe("WriteSentence() / ReadSentence()", func() {
		It("frames words and terminates with the empty word", func() {
			var buf bytes.Buffer

			_, err := protocol.WriteSentence(&buf, "/ip/arp/print", ".tag=1")
			Expect(err).To(Succeed())

			expected := append([]byte{13}, "/ip/arp/print"...)
			expected = append(expected, 6)
			expected = append(expected, ".tag=1"...)
			expected = append(expected, 0)
			Expect(buf.Bytes()).To(Equal(expected))

			words, err := protocol.ReadSentence(&buf)
			Expect(err).To(Succeed())
			Expect(words).To(Equal([]string{"/ip/arp/print", ".tag=1"}))
		})

		It("reads consecutive sentences", func() {
			var buf bytes.Buffer

			_, err := protocol.WriteSentence(&buf, "!re", "=name=a")
			Expect(err).To(Succeed())
			_, err = protocol.WriteSentence(&buf, "!done")
			Expect(err).To(Succeed())

			Expect(protocol.ReadSentence(&buf)).To(Equal([]string{"!re", "=name=a"}))
			Expect(protocol.ReadSentence(&buf)).To(Equal([]string{"!done"}))
		})
	})

	Describe("WordStream", func() {
		It("reads the payload without the next word", func() {
			var buf bytes.Buffer
			_, _ = protocol.WriteWord(&buf, []byte("=data=payload"))
			_, _ = protocol.WriteWord(&buf, []byte("next"))

			stream, err := protocol.ReadWordStream(&buf)
			Expect(err).To(Succeed())
			Expect(stream.Len()).To(Equal(int64(13)))

			payload, err := io.ReadAll(stream)
			Expect(err).To(Succeed())
			Expect(string(payload)).To(Equal("=data=payload"))
			Expect(stream.Remaining()).To(BeZero())

			Expect(protocol.ReadWord(&buf)).To(Equal([]byte("next")))
		})

		It("can discard the rest of the payload", func() {
			var buf bytes.Buffer
			_, _ = protocol.WriteWord(&buf, []byte("skip me"))
			_, _ = protocol.WriteWord(&buf, []byte("next"))

			stream, err := protocol.ReadWordStream(&buf)
			Expect(err).To(Succeed())

			one := make([]byte, 1)
			_, err = stream.Read(one)
			Expect(err).To(Succeed())

			Expect(stream.Discard()).To(Succeed())
			Expect(protocol.ReadWord(&buf)).To(Equal([]byte("next")))
		})

		It("fails when the payload is cut short", func() {
			stream, err := protocol.ReadWordStream(bytes.NewReader([]byte{0x05, 'a', 'b'}))
			Expect(err).To(Succeed())

			_, err = io.ReadAll(stream)
			Expect(errors.Is(err, protocol.ErrTransport)).To(BeTrue())
		})
	})
})
