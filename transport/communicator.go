package transport

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/luma/routeros/protocol"
)

const (
	// DefaultPort is the port of the plain API service.
	DefaultPort = 8728

	// DefaultTLSPort is the port of the API service behind TLS.
	DefaultTLSPort = 8729

	// maxQueuedBytes bounds how much of a sentence is held back before it is
	// written out.
	maxQueuedBytes = 64 << 10
)

var (
	ErrClosed = errors.New("communicator is closed")
	ErrBroken = errors.New("stream is out of sync after an earlier failure")
)

// Communicator owns the stream to one device and moves words and sentences
// over it.
//
// A Communicator is not safe for concurrent use. Only one exchange of words
// can be on the wire at a time, multiplexing happens one level up by tagging
// requests.
type Communicator struct {
	conn net.Conn
	r    *bufio.Reader

	addr    string
	timeout time.Duration

	// pending is the last word handed out as a stream, it must be drained
	// before anything else is read.
	pending *protocol.WordStream

	// out queues the words of the sentence being sent until its terminating
	// empty word goes out.
	out bytes.Buffer

	// midSentence is set once part of an unfinished sentence was written.
	midSentence bool

	closed bool
	broken bool

	log *zap.Logger
}

// Dial connects to the device described by options. TLS is used when
// options.TLS is set.
func Dial(ctx context.Context, options DialOptions) (*Communicator, error) {
	port := options.Port
	if port == 0 {
		port = DefaultPort
		if options.TLS != nil {
			port = DefaultTLSPort
		}
	}

	addr := net.JoinHostPort(options.Host, strconv.Itoa(port))

	dialer := net.Dialer{Timeout: options.Timeout}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, protocol.NewTransportError("connect to "+addr, err)
	}

	if options.TLS != nil {
		conn, err = upgradeTLS(ctx, conn, options)
		if err != nil {
			return nil, protocol.NewTransportError("tls handshake with "+addr, err)
		}
	}

	return NewCommunicator(conn, options), nil
}

func upgradeTLS(ctx context.Context, conn net.Conn, options DialOptions) (net.Conn, error) {
	config := options.TLS.Clone()
	if config.ServerName == "" && !config.InsecureSkipVerify {
		config.ServerName = options.Host
	}

	deadline, ok := ctx.Deadline()
	if !ok && options.Timeout > 0 {
		deadline = time.Now().Add(options.Timeout)
	}

	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return nil, err
	}

	tlsConn := tls.Client(conn, config)
	if err := tlsConn.Handshake(); err != nil {
		conn.Close()
		return nil, err
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, err
	}

	return tlsConn, nil
}

// NewCommunicator wraps an established connection. Only the Timeout and Log
// fields of options are used.
func NewCommunicator(conn net.Conn, options DialOptions) *Communicator {
	log := options.Log
	if log == nil {
		log = zap.NewNop()
	}

	return &Communicator{
		conn:    conn,
		r:       bufio.NewReader(conn),
		addr:    conn.RemoteAddr().String(),
		timeout: options.Timeout,
		log:     log.Named("communicator").With(zap.String("remote", conn.RemoteAddr().String())),
	}
}

// SetTimeout sets how long a read or write may block, zero disables it.
func (c *Communicator) SetTimeout(timeout time.Duration) {
	c.timeout = timeout
}

func (c *Communicator) Timeout() time.Duration {
	return c.timeout
}

// RemoteAddr returns the address of the device.
func (c *Communicator) RemoteAddr() string {
	return c.addr
}

// SendWord queues a single word and writes the whole sentence out once the
// terminating empty word is sent. It returns the number of bytes the word
// takes on the wire.
//
// A partial write is reported with the queued bytes that made it onto the
// wire, and leaves the communicator unavailable.
func (c *Communicator) SendWord(word []byte) (int, error) {
	if err := c.usable("send word"); err != nil {
		return 0, err
	}

	n, err := protocol.WriteWord(&c.out, word)
	if err != nil {
		return 0, err
	}

	c.log.Debug("Queued word", zap.ByteString("word", word))

	if len(word) > 0 && c.out.Len() < maxQueuedBytes {
		return n, nil
	}

	if err := c.flush("send word"); err != nil {
		return n, err
	}

	c.midSentence = len(word) > 0

	return n, nil
}

// flush writes the queued words with a single write.
func (c *Communicator) flush(op string) error {
	if c.out.Len() == 0 {
		return nil
	}

	defer c.out.Reset()

	if err := c.conn.SetWriteDeadline(c.deadline(context.Background())); err != nil {
		return c.fail(protocol.NewTransportError(op, err))
	}

	queued := c.out.Bytes()

	n, err := c.conn.Write(queued)
	if err == nil && n < len(queued) {
		err = io.ErrShortWrite
	}

	if err != nil {
		werr := &protocol.Error{Kind: protocol.ErrTransport, Op: op, Transferred: int64(n), Err: err}
		if n > 0 {
			werr.Fragment = append([]byte(nil), queued[:n]...)
		}
		return c.fail(werr)
	}

	return nil
}

// abortSentence drops the queued words of a sentence that failed before it was
// complete. Once part of it is on the wire the stream is out of sync.
func (c *Communicator) abortSentence(err error) error {
	c.out.Reset()

	if c.midSentence {
		c.midSentence = false
		return c.fail(err)
	}

	return err
}

// SendWordFromStream sends a word made of prefix followed by everything src
// holds from its current offset, without reading src into memory. src must
// implement io.Seeker since the length prefix goes on the wire first.
func (c *Communicator) SendWordFromStream(prefix []byte, src io.Reader) (int64, error) {
	seeker, ok := src.(io.Seeker)
	if !ok {
		return 0, protocol.NewArgumentError("send word from stream", string(prefix), protocol.ErrStreamNotSeekable)
	}

	if err := c.usable("send word from stream"); err != nil {
		return 0, err
	}

	size, err := remaining(seeker)
	if err != nil {
		return 0, protocol.NewArgumentError("send word from stream", string(prefix), err)
	}

	lengthPrefix, err := protocol.EncodeLength(int64(len(prefix)) + size)
	if err != nil {
		return 0, err
	}

	if err := c.flush("send word from stream"); err != nil {
		return 0, err
	}

	if err := c.conn.SetWriteDeadline(c.deadline(context.Background())); err != nil {
		return 0, c.fail(protocol.NewTransportError("send word from stream", err))
	}

	c.midSentence = true

	head := append(lengthPrefix, prefix...)

	n, err := c.conn.Write(head)
	if err != nil {
		werr := &protocol.Error{Kind: protocol.ErrTransport, Op: "send word from stream", Err: err}
		if n > len(lengthPrefix) {
			werr.Fragment = prefix[:n-len(lengthPrefix)]
			werr.Transferred = int64(len(werr.Fragment))
		}
		return int64(n), c.fail(werr)
	}

	copied, err := io.CopyN(c.conn, src, size)
	if err != nil {
		return int64(n) + copied, c.fail(&protocol.Error{
			Kind:        protocol.ErrTransport,
			Op:          "send word from stream",
			Transferred: int64(len(prefix)) + copied,
			Err:         err,
		})
	}

	c.log.Debug("Sent streamed word",
		zap.ByteString("prefix", prefix),
		zap.Int64("size", size))

	return int64(n) + copied, nil
}

func remaining(s io.Seeker) (int64, error) {
	cur, err := s.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}

	end, err := s.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}

	if _, err := s.Seek(cur, io.SeekStart); err != nil {
		return 0, err
	}

	return end - cur, nil
}

// SendSentence sends words followed by the terminating empty word.
func (c *Communicator) SendSentence(words ...string) (int64, error) {
	var total int64

	for _, word := range append(words, "") {
		n, err := c.SendWord([]byte(word))
		total += int64(n)
		if err != nil {
			return total, c.abortSentence(err)
		}
	}

	return total, nil
}

// SendRequest sends req, streaming any stream arguments. A request that fails
// before any of it was written leaves the communicator usable.
func (c *Communicator) SendRequest(req *protocol.Request) (int64, error) {
	c.log.Debug("Sending request", zap.Stringer("request", req))

	n, err := req.Send(c)
	if err != nil {
		return n, c.abortSentence(err)
	}

	return n, nil
}

// GetNextWord blocks until a whole word has been received.
func (c *Communicator) GetNextWord() ([]byte, error) {
	if err := c.awaitData(context.Background(), "get next word"); err != nil {
		return nil, err
	}

	return c.readWord()
}

// GetNextWordAsStream blocks until the length of the next word is known and
// returns a stream over its payload. Whatever is left unread of the stream is
// discarded by the next read.
func (c *Communicator) GetNextWordAsStream() (*protocol.WordStream, error) {
	if err := c.awaitData(context.Background(), "get next word"); err != nil {
		return nil, err
	}

	return c.readWordStream()
}

// ReadResponse blocks until a whole reply sentence has been received. The wait
// is bounded by the communicator timeout and by the deadline of ctx, whichever
// comes first.
//
// Running out of time before the first byte of the sentence arrived leaves the
// communicator usable, see protocol.IsTimeout. Any failure after that point
// leaves it unavailable as the stream can no longer be split into sentences.
func (c *Communicator) ReadResponse(ctx context.Context) (*protocol.Response, error) {
	if err := c.awaitData(ctx, "read response"); err != nil {
		return nil, err
	}

	resp, err := protocol.ReadResponse(sentenceSource{c})
	if err != nil {
		// A sentence with an unknown discriminator was still read in full.
		if errors.Is(err, protocol.ErrProtocolViolation) && c.IsAvailable() {
			return nil, err
		}
		return nil, c.fail(err)
	}

	c.log.Debug("Received response", zap.Stringer("response", resp))

	return resp, nil
}

// ReadResponseStreaming is like ReadResponse, but property values are copied
// into the writers sink hands out, see protocol.ReadResponseStreaming.
func (c *Communicator) ReadResponseStreaming(ctx context.Context, sink func(name string) io.Writer) (*protocol.Response, error) {
	if err := c.awaitData(ctx, "read response"); err != nil {
		return nil, err
	}

	resp, err := protocol.ReadResponseStreaming(sentenceSource{c}, sink)
	if err != nil {
		return nil, c.fail(err)
	}

	return resp, nil
}

// IsAvailable reports whether the communicator can still be used.
func (c *Communicator) IsAvailable() bool {
	return !c.closed && !c.broken
}

// IsDataAwaiting reports whether data arrives within timeout without consuming
// any of it.
func (c *Communicator) IsDataAwaiting(timeout time.Duration) bool {
	if !c.IsAvailable() {
		return false
	}

	if err := c.drainPending(); err != nil {
		return false
	}

	if c.r.Buffered() > 0 {
		return true
	}

	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		c.fail(err)
		return false
	}

	_, err := c.r.Peek(1)

	if derr := c.conn.SetReadDeadline(time.Time{}); derr != nil {
		c.fail(derr)
		return false
	}

	if err != nil && !protocol.IsTimeout(err) {
		c.fail(err)
	}

	return err == nil
}

// Close closes the connection. Closing twice is fine.
func (c *Communicator) Close() error {
	if c.closed {
		return nil
	}

	c.closed = true
	c.log.Debug("Closing connection")

	return c.conn.Close()
}

// awaitData blocks until at least one byte can be read, and leaves the read
// deadline in place for the rest of the sentence.
func (c *Communicator) awaitData(ctx context.Context, op string) error {
	if err := c.usable(op); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return protocol.NewTransportError(op, err)
	}

	if err := c.drainPending(); err != nil {
		return err
	}

	if err := c.conn.SetReadDeadline(c.deadline(ctx)); err != nil {
		return c.fail(protocol.NewTransportError(op, err))
	}

	if c.r.Buffered() > 0 {
		return nil
	}

	stop := c.interruptOnCancel(ctx)
	_, err := c.r.Peek(1)
	interrupted := stop()

	if interrupted {
		if err == nil {
			// Data arrived just as ctx was cancelled, the sentence is read anyway
			if derr := c.conn.SetReadDeadline(c.deadline(ctx)); derr != nil {
				return c.fail(protocol.NewTransportError(op, derr))
			}
			return nil
		}

		if errors.Is(ctx.Err(), context.Canceled) {
			return protocol.NewTransportError(op, ctx.Err())
		}
	}

	if err != nil {
		terr := protocol.NewTransportError(op, err)
		if protocol.IsTimeout(err) {
			return terr
		}
		return c.fail(terr)
	}

	return nil
}

// interruptOnCancel unblocks a pending read when ctx is cancelled by moving
// the read deadline to now. The returned stop function must be called once the
// read returned; it reports whether the read was interrupted.
func (c *Communicator) interruptOnCancel(ctx context.Context) (stop func() bool) {
	if ctx.Done() == nil {
		return func() bool { return false }
	}

	finished := make(chan struct{})
	interrupted := make(chan bool, 1)

	go func() {
		select {
		case <-ctx.Done():
			_ = c.conn.SetReadDeadline(time.Now())
			interrupted <- true
		case <-finished:
			interrupted <- false
		}
	}()

	return func() bool {
		close(finished)
		return <-interrupted
	}
}

func (c *Communicator) readWord() ([]byte, error) {
	if err := c.drainPending(); err != nil {
		return nil, err
	}

	word, err := protocol.ReadWord(c.r)
	if err != nil {
		return nil, c.fail(err)
	}

	return word, nil
}

func (c *Communicator) readWordStream() (*protocol.WordStream, error) {
	if err := c.drainPending(); err != nil {
		return nil, err
	}

	stream, err := protocol.ReadWordStream(c.r)
	if err != nil {
		return nil, c.fail(err)
	}

	c.pending = stream
	return stream, nil
}

func (c *Communicator) drainPending() error {
	if c.pending == nil {
		return nil
	}

	stream := c.pending
	c.pending = nil

	if err := stream.Discard(); err != nil {
		return c.fail(err)
	}

	return nil
}

func (c *Communicator) deadline(ctx context.Context) time.Time {
	var deadline time.Time

	if c.timeout > 0 {
		deadline = time.Now().Add(c.timeout)
	}

	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}

	return deadline
}

func (c *Communicator) usable(op string) error {
	if c.closed {
		return protocol.NewTransportError(op, ErrClosed)
	}

	if c.broken {
		return protocol.NewTransportError(op, ErrBroken)
	}

	return nil
}

// fail marks the stream as unusable and returns err.
func (c *Communicator) fail(err error) error {
	if !c.broken {
		c.log.Warn("Connection is no longer usable", zap.Error(err))
	}

	c.broken = true
	return err
}

// sentenceSource reads the words of a sentence whose first byte is known to
// be available.
type sentenceSource struct {
	c *Communicator
}

func (s sentenceSource) GetNextWord() ([]byte, error) {
	return s.c.readWord()
}

func (s sentenceSource) GetNextWordAsStream() (*protocol.WordStream, error) {
	return s.c.readWordStream()
}

var (
	_ protocol.SentenceWriter   = (*Communicator)(nil)
	_ protocol.StreamWordSource = (*Communicator)(nil)
	_ protocol.StreamWordSource = sentenceSource{}
)
