package transport

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	reuseport "github.com/kavu/go_reuseport"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/routeros/protocol"
	"github.com/luma/routeros/storage"
)

// TCP serves an emulated device speaking the API protocol. It answers logins,
// keeps menus such as /ip/arp in a storage.Store and streams changes to
// clients that listen on a menu.
type TCP struct {
	cancel     context.CancelFunc
	stopWaiter sync.WaitGroup

	addr string

	numListeners int
	listeners    []*TCPListener

	options Options
	store   storage.Store

	log *zap.Logger
}

func NewTCP(options Options) *TCP {
	numListeners := options.NumListeners

	if numListeners < 1 {
		numListeners = runtime.NumCPU()
	}

	// Only SO_REUSEPORT lets several sockets share the port
	if !options.Reuseport {
		numListeners = 1
	}

	if options.Log == nil {
		options.Log = zap.NewNop()
	}

	if options.Store == nil {
		options.Store = storage.NewInmemoryStore()
	}

	if options.Identity == "" {
		options.Identity = "MikroTik"
	}

	return &TCP{
		addr:         net.JoinHostPort(options.Host, strconv.Itoa(options.Port)),
		numListeners: numListeners,
		listeners:    make([]*TCPListener, 0, numListeners),
		options:      options,
		store:        options.Store,
		log:          options.Log,
	}
}

// Start binds every listener and then serves them in the background. Once it
// returns, Addr can be dialed.
func (w *TCP) Start(parentCtx context.Context) error {
	ctx, cancel := context.WithCancel(parentCtx)
	w.cancel = cancel

	w.log.Info("Starting tcp listeners", zap.Int("count", w.numListeners))

	addr := w.addr

	for i := 0; i < w.numListeners; i++ {
		listener, err := w.startListener(ctx, addr)
		if err != nil {
			cancel()
			return multierr.Append(err, w.closeListeners())
		}

		// Every listener after the first one shares its port, which matters
		// when the port was picked by the OS.
		addr = listener.Addr().String()
	}

	return nil
}

func (t *TCP) Store() storage.Store {
	return t.store
}

// Addr returns the address the first listener is bound to.
func (t *TCP) Addr() net.Addr {
	if len(t.listeners) == 0 {
		return nil
	}

	return t.listeners[0].Addr()
}

func (w *TCP) startListener(ctx context.Context, addr string) (*TCPListener, error) {
	listener := NewTCPListener(
		ctx,
		addr,
		w.options,
		w.log.Named("listener").With(zap.Int("listener", len(w.listeners))),
	)

	if err := listener.Bind(); err != nil {
		return nil, err
	}

	w.listeners = append(w.listeners, listener)

	w.stopWaiter.Add(1)
	go func() {
		defer w.stopWaiter.Done()

		if err := listener.Listen(); err != nil {
			w.log.Error("Failed to listen", zap.Error(err))
		}
	}()

	return listener, nil
}

// Close immediately closes all active listeners and connections.
func (w *TCP) Close() error {
	w.log.Info("Stopping TCP server")
	if w.cancel != nil {
		w.cancel()
	}

	err := w.closeListeners()

	w.stopWaiter.Wait()
	w.log.Info("Listeners stopped")

	return err
}

func (w *TCP) closeListeners() (err error) {
	for _, listener := range w.listeners {
		err = multierr.Append(err, listener.Close())
	}

	return err
}

type TCPListener struct {
	ctx context.Context

	addr    string
	options Options
	log     *zap.Logger

	listener net.Listener
	updates  <-chan *storage.Update

	mu          sync.Mutex
	activeConns map[*TCPConn]struct{}

	store storage.Store
}

func NewTCPListener(
	ctx context.Context,
	addr string,
	options Options,
	log *zap.Logger,
) *TCPListener {
	return &TCPListener{
		ctx:         ctx,
		activeConns: make(map[*TCPConn]struct{}),
		addr:        addr,
		options:     options,
		store:       options.Store,
		log:         log,
	}
}

// Bind opens the listening socket.
func (t *TCPListener) Bind() error {
	var (
		listener net.Listener
		err      error
	)

	if t.options.Reuseport {
		listener, err = reuseport.Listen("tcp", t.addr)
	} else {
		listener, err = net.Listen("tcp", t.addr)
	}

	if err != nil {
		return err
	}

	if t.options.TLS != nil {
		listener = tls.NewListener(listener, t.options.TLS)
	}

	t.listener = listener
	t.updates = t.store.ListenToUpdates()
	return nil
}

func (t *TCPListener) Addr() net.Addr {
	return t.listener.Addr()
}

func (t *TCPListener) Close() error {
	t.mu.Lock()
	conns := make([]*TCPConn, 0, len(t.activeConns))
	for conn := range t.activeConns {
		conns = append(conns, conn)
	}
	t.mu.Unlock()

	var err error
	for _, conn := range conns {
		err = multierr.Append(err, conn.Close())
	}

	if t.listener != nil {
		if lerr := t.listener.Close(); lerr != nil && !isClosedConnError(lerr) {
			err = multierr.Append(err, lerr)
		}
	}

	return err
}

// Listen accepts connections until the listener is closed.
func (t *TCPListener) Listen() error {
	var loopWaiter sync.WaitGroup

	go func() {
		<-t.ctx.Done()

		t.log.Info("Closing listener")
		if err := t.listener.Close(); err != nil && !isClosedConnError(err) {
			t.log.Warn("TCP Listener did not close cleanly", zap.Error(err))
		}
	}()

	// Listen for storage updates
	go func() {
		for update := range t.updates {
			if err := t.WriteUpdate(update); err != nil {
				t.log.Warn("Failed to deliver update", zap.String("menu", update.Menu), zap.Error(err))
			}
		}
	}()

	defer func() {
		t.log.Info("Waiting for Read/Write loops to stop")
		loopWaiter.Wait()
		t.log.Info("Listener stopped")
	}()

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if isClosedConnError(err) {
				// The listener was closed while we were waiting for new
				// connections, that's fine.
				return nil
			}

			return err
		}

		tcpConn := NewTCPConn(t.ctx, conn, t.options, t.log.Named("conn"))
		t.addConn(tcpConn)

		loopWaiter.Add(1)
		go func() {
			defer loopWaiter.Done()
			defer t.removeConn(tcpConn)

			tcpConn.Start()
		}()
	}
}

// WriteUpdate forwards a store update to every connection listening on its menu.
func (t *TCPListener) WriteUpdate(update *storage.Update) (err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for conn := range t.activeConns {
		if uerr := conn.WriteUpdate(update); uerr != nil {
			err = multierr.Append(err, uerr)
		}
	}

	return err
}

func (t *TCPListener) addConn(conn *TCPConn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.activeConns[conn] = struct{}{}
	activeConnections.Inc()
}

func (t *TCPListener) removeConn(conn *TCPConn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.activeConns[conn]; ok {
		delete(t.activeConns, conn)
		activeConnections.Dec()
	}
}

type TCPConn struct {
	ctx        context.Context
	cancel     context.CancelFunc
	loopWaiter sync.WaitGroup
	closeOnce  sync.Once

	conn    net.Conn
	session *session

	writeMu    sync.Mutex
	writeQueue chan []byte

	log   *zap.Logger
	trace bool
}

func NewTCPConn(
	parentCtx context.Context,
	conn net.Conn,
	options Options,
	log *zap.Logger,
) *TCPConn {
	ctx, cancel := context.WithCancel(parentCtx)

	log = log.With(zap.String("remote", conn.RemoteAddr().String()))

	return &TCPConn{
		ctx:        ctx,
		cancel:     cancel,
		conn:       conn,
		session:    newSession(options, log.Named("session")),
		writeQueue: make(chan []byte, 127),
		log:        log,
		trace:      options.Trace,
	}
}

func (t *TCPConn) Close() error {
	if !t.isRunning() {
		// already stopped
		return nil
	}

	t.cancel()

	// Unblock the read loop
	if err := t.conn.SetReadDeadline(time.Now()); err != nil && !isClosedConnError(err) {
		return err
	}

	// Wait for the read/write loops to exit
	t.loopWaiter.Wait()

	return nil
}

// Start runs the read and write loops and returns once both have exited and
// the connection is closed.
func (t *TCPConn) Start() {
	t.loopWaiter.Add(2)

	go func() {
		defer t.loopWaiter.Done()
		t.ReadLoop()
	}()

	go func() {
		defer t.loopWaiter.Done()
		t.WriteLoop()
	}()

	t.loopWaiter.Wait()

	t.closeOnce.Do(func() {
		if err := t.conn.Close(); err != nil && !isClosedConnError(err) {
			t.log.Warn("Failed to close connection cleanly", zap.Error(err))
		}
	})
}

func (t *TCPConn) ReadLoop() {
	log := t.log.Named("readLoop")

	defer func() {
		// Tell the write loop to flush what is queued and stop
		t.queue(nil)
		log.Debug("Read loop exited")
	}()

	r := bufio.NewReader(t.conn)

	for {
		words, err := protocol.ReadSentence(r)
		if err != nil {
			if errors.Is(err, io.EOF) || isClosedConnError(err) || protocol.IsTimeout(err) || !t.isRunning() {
				log.Debug("Client went away", zap.Error(err))
			} else {
				log.Warn("Failed to read client request", zap.Error(err))
			}
			return
		}

		if len(words) == 0 {
			continue
		}

		if t.trace {
			log.Info("<<<", zap.Strings("sentence", words))
		}

		sentencesReceived.WithLabelValues(words[0]).Inc()

		replies, quit := t.session.handle(t.ctx, words)

		for _, reply := range replies {
			if err := t.WriteSentence(reply); err != nil {
				log.Warn("Failed to reply", zap.Strings("request", words), zap.Error(err))
				return
			}
		}

		if quit {
			log.Info("Session ended, exiting...")
			return
		}
	}
}

func (t *TCPConn) WriteLoop() {
	log := t.log.Named("writeLoop")

	defer log.Debug("Write loop exited")

	for {
		select {
		case <-t.ctx.Done():
			return

		// These are replies queued by the read loop, and listen updates
		case data := <-t.writeQueue:
			if data == nil {
				// Our read loop has terminated, we should too
				return
			}

			if _, err := t.conn.Write(data); err != nil {
				log.Warn("Failed to write from write queue", zap.Error(err))
				return
			}
		}
	}
}

// WriteSentence encodes words and queues them for the write loop.
func (t *TCPConn) WriteSentence(words []string) error {
	var buf bytes.Buffer

	if _, err := protocol.WriteSentence(&buf, words...); err != nil {
		return err
	}

	if t.trace {
		t.log.Info(">>>", zap.Strings("sentence", words))
	}

	repliesSent.WithLabelValues(words[0]).Inc()

	return t.queue(buf.Bytes())
}

// WriteUpdate sends update to every listen request of this connection that
// watches its menu.
func (t *TCPConn) WriteUpdate(update *storage.Update) (err error) {
	for _, reply := range t.session.updateReplies(update) {
		err = multierr.Append(err, t.WriteSentence(reply))
	}

	return err
}

func (t *TCPConn) queue(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if data != nil && !t.isRunning() {
		return ErrConnStopped
	}

	select {
	case t.writeQueue <- data:
		return nil
	case <-t.ctx.Done():
		return ErrConnStopped
	}
}

var ErrConnStopped = errors.New("connection is stopped")

// isRunning returns true if Close has not been called
func (t *TCPConn) isRunning() bool {
	select {
	case <-t.ctx.Done():
		// if we can read on this channel then it's been closed
		return false

	default:
		return true
	}
}

func isClosedConnError(err error) bool {
	return errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), "use of closed network connection")
}
