package transport_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/routeros/protocol"
	"github.com/luma/routeros/transport"
)

var _ = Describe("Communicator", func() {
	var (
		ctx  context.Context
		peer net.Conn
		com  *transport.Communicator
	)

	// reply writes a sentence from the device side without blocking the test
	reply := func(words ...string) {
		go func() {
			defer GinkgoRecover()
			_, err := protocol.WriteSentence(peer, words...)
			Expect(err).To(Succeed())
		}()
	}

	BeforeEach(func() {
		ctx = context.Background()

		var local net.Conn
		local, peer = net.Pipe()
		com = transport.NewCommunicator(local, transport.DialOptions{Timeout: time.Second})
	})

	AfterEach(func() {
		com.Close()
		peer.Close()
	})

	Describe("sending", func() {
		It("frames a sentence", func() {
			done := make(chan []string, 1)
			go func() {
				words, _ := protocol.ReadSentence(peer)
				done <- words
			}()

			_, err := com.SendSentence("/ip/arp/print", ".tag=1")
			Expect(err).To(Succeed())
			Eventually(done).Should(Receive(Equal([]string{"/ip/arp/print", ".tag=1"})))
		})

		It("sends requests with stream arguments", func() {
			done := make(chan []string, 1)
			go func() {
				words, _ := protocol.ReadSentence(peer)
				done <- words
			}()

			src := strings.NewReader("skipped:payload")
			_, err := src.Seek(int64(len("skipped:")), io.SeekStart)
			Expect(err).To(Succeed())

			req := protocol.MustRequest("/file/set")
			Expect(req.SetArgumentStream("contents", src)).To(Succeed())
			req.SetTag("f")

			_, err = com.SendRequest(req)
			Expect(err).To(Succeed())
			Eventually(done).Should(Receive(Equal([]string{"/file/set", "=contents=payload", ".tag=f"})))
		})

		It("writes a whole request with a single write", func() {
			local, remote := net.Pipe()
			defer remote.Close()

			counted := &countingConn{Conn: local}
			buffered := transport.NewCommunicator(counted, transport.DialOptions{Timeout: time.Second})
			defer buffered.Close()

			done := make(chan []string, 1)
			go func() {
				words, _ := protocol.ReadSentence(remote)
				done <- words
			}()

			req := protocol.MustRequest("/ip/arp/add")
			Expect(req.SetArgument("address", "10.0.0.1")).To(Succeed())
			Expect(req.SetArgument("interface", "ether1")).To(Succeed())
			req.SetTag("a")

			_, err := buffered.SendRequest(req)
			Expect(err).To(Succeed())
			Eventually(done).Should(Receive(Equal([]string{
				"/ip/arp/add", "=address=10.0.0.1", "=interface=ether1", ".tag=a",
			})))
			Expect(counted.writes).To(Equal(1))
		})

		It("drops a request that failed before any of it was written", func() {
			req := protocol.MustRequest("/file/set")
			Expect(req.SetArgumentStream("contents", brokenSeeker{})).To(Succeed())

			_, err := com.SendRequest(req)
			Expect(errors.Is(err, protocol.ErrArgument)).To(BeTrue())
			Expect(com.IsAvailable()).To(BeTrue())

			done := make(chan []string, 1)
			go func() {
				words, _ := protocol.ReadSentence(peer)
				done <- words
			}()

			_, err = com.SendSentence("/quit")
			Expect(err).To(Succeed())
			Eventually(done).Should(Receive(Equal([]string{"/quit"})))
		})

		It("refuses streams it cannot measure", func() {
			_, err := com.SendWordFromStream([]byte("=contents="), struct{ io.Reader }{bytes.NewBufferString("x")})
			Expect(errors.Is(err, protocol.ErrArgument)).To(BeTrue())
			Expect(errors.Is(err, protocol.ErrStreamNotSeekable)).To(BeTrue())
			Expect(com.IsAvailable()).To(BeTrue())
		})
	})

	Describe("ReadResponse()", func() {
		It("reads a typed reply", func() {
			reply("!re", "=address=10.0.0.1", ".tag=3")

			resp, err := com.ReadResponse(ctx)
			Expect(err).To(Succeed())
			Expect(resp.Type).To(Equal(protocol.RespData))
			Expect(resp.Tag).To(Equal("3"))
			Expect(resp.Get("address")).To(Equal("10.0.0.1"))
		})

		It("stays usable when nothing arrived in time", func() {
			com.SetTimeout(20 * time.Millisecond)

			_, err := com.ReadResponse(ctx)
			Expect(protocol.IsTimeout(err)).To(BeTrue())
			Expect(errors.Is(err, protocol.ErrTransport)).To(BeTrue())
			Expect(com.IsAvailable()).To(BeTrue())

			com.SetTimeout(time.Second)
			reply("!done")

			resp, err := com.ReadResponse(ctx)
			Expect(err).To(Succeed())
			Expect(resp.Type).To(Equal(protocol.RespFinal))
		})

		It("honours the context deadline", func() {
			short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
			defer cancel()

			_, err := com.ReadResponse(short)
			Expect(protocol.IsTimeout(err)).To(BeTrue())
			Expect(com.IsAvailable()).To(BeTrue())
		})

		It("gives up waiting once the context is cancelled", func() {
			com.SetTimeout(0)

			cancelled, cancel := context.WithCancel(ctx)
			time.AfterFunc(50*time.Millisecond, cancel)

			errs := make(chan error, 1)
			go func() {
				_, err := com.ReadResponse(cancelled)
				errs <- err
			}()

			var err error
			Eventually(errs, time.Second).Should(Receive(&err))
			Expect(errors.Is(err, context.Canceled)).To(BeTrue())
			Expect(errors.Is(err, protocol.ErrTransport)).To(BeTrue())
			Expect(com.IsAvailable()).To(BeTrue())

			reply("!done")
			resp, err := com.ReadResponse(ctx)
			Expect(err).To(Succeed())
			Expect(resp.Type).To(Equal(protocol.RespFinal))
		})

		It("becomes unavailable when a sentence is cut short", func() {
			go func() {
				_, _ = peer.Write([]byte{0x03, '!', 'r'})
				peer.Close()
			}()

			_, err := com.ReadResponse(ctx)
			Expect(errors.Is(err, protocol.ErrTransport)).To(BeTrue())
			Expect(com.IsAvailable()).To(BeFalse())

			_, err = com.ReadResponse(ctx)
			Expect(errors.Is(err, transport.ErrBroken)).To(BeTrue())
		})

		It("stays in sync after an unknown reply", func() {
			reply("!weird", "=a=b")

			_, err := com.ReadResponse(ctx)
			Expect(errors.Is(err, protocol.ErrProtocolViolation)).To(BeTrue())
			Expect(com.IsAvailable()).To(BeTrue())

			reply("!done")
			resp, err := com.ReadResponse(ctx)
			Expect(err).To(Succeed())
			Expect(resp.Type).To(Equal(protocol.RespFinal))
		})
	})

	Describe("GetNextWordAsStream()", func() {
		It("drains an unfinished stream before the next read", func() {
			reply("!re", "=contents=0123456789", ".tag=x")

			Expect(com.GetNextWord()).To(Equal([]byte("!re")))

			stream, err := com.GetNextWordAsStream()
			Expect(err).To(Succeed())
			Expect(stream.Len()).To(Equal(int64(len("=contents=0123456789"))))

			head := make([]byte, 4)
			_, err = io.ReadFull(stream, head)
			Expect(err).To(Succeed())
			Expect(string(head)).To(Equal("=con"))

			Expect(com.GetNextWord()).To(Equal([]byte(".tag=x")))
			Expect(com.GetNextWord()).To(BeEmpty())
		})
	})

	Describe("IsDataAwaiting()", func() {
		It("peeks without consuming", func() {
			Expect(com.IsDataAwaiting(10 * time.Millisecond)).To(BeFalse())

			reply("!done", ".tag=1")
			Eventually(func() bool { return com.IsDataAwaiting(10 * time.Millisecond) }).Should(BeTrue())

			resp, err := com.ReadResponse(ctx)
			Expect(err).To(Succeed())
			Expect(resp.Tag).To(Equal("1"))
		})
	})

	Describe("Close()", func() {
		It("can be closed twice and refuses further use", func() {
			Expect(com.Close()).To(Succeed())
			Expect(com.Close()).To(Succeed())
			Expect(com.IsAvailable()).To(BeFalse())

			_, err := com.SendWord([]byte("/quit"))
			Expect(errors.Is(err, transport.ErrClosed)).To(BeTrue())
		})
	})
})

type countingConn struct {
	net.Conn
	writes int
}

func (c *countingConn) Write(p []byte) (int, error) {
	c.writes++
	return c.Conn.Write(p)
}

// brokenSeeker cannot report its length.
type brokenSeeker struct{}

func (brokenSeeker) Read([]byte) (int, error) {
	return 0, io.EOF
}

func (brokenSeeker) Seek(int64, int) (int64, error) {
	return 0, errors.New("seek failed")
}
