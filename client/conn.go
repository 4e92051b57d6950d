package client

import (
	"context"
	"crypto/tls"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/luma/routeros/protocol"
	"github.com/luma/routeros/transport"
)

var (
	ErrNotReady      = errors.New("client is not connected and logged in")
	ErrNotPersistent = errors.New("only persistent clients can be reopened")
)

// State is the lifecycle state of a Client.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateLoggingIn
	StateReady
	StateLooping
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateLoggingIn:
		return "logging in"
	case StateReady:
		return "ready"
	case StateLooping:
		return "looping"
	case StateClosed:
		return "closed"
	}

	return "unknown"
}

// Callback receives the responses of an asynchronous request as they arrive.
// Returning true cancels the request. The client may be used from inside the
// callback.
type Callback func(resp *protocol.Response, c *Client) bool

// Options configures a Client.
type Options struct {
	Host string

	// Port defaults to 8728, or 8729 when TLS is set.
	Port int

	Username string
	Password string

	// TLS connects with API-SSL when set.
	TLS *tls.Config

	// Timeout bounds connecting and every blocking read or write. Zero means
	// no timeout.
	Timeout time.Duration

	// Persistent clients can be reopened after the connection dropped.
	Persistent bool

	Log *zap.Logger
}

// exchange is the client side of one tagged request.
type exchange struct {
	tag       string
	history   []*protocol.Response
	callback  Callback
	done      bool
	cancelled bool
}

// buffered is a response waiting to be extracted. tag names the exchange it
// was delivered to, which differs from resp.Tag for an untagged !fatal.
type buffered struct {
	tag  string
	resp *protocol.Response
}

// Client multiplexes tagged requests over one logged in connection.
//
// A Client is not safe for concurrent use. Responses are only read while a
// blocking call (SendSync, Loop, CompleteRequest, CancelRequest) is running,
// and callbacks run on the goroutine of that call.
type Client struct {
	options Options

	com   *transport.Communicator
	state State

	tags    *TagRegistry
	pending map[string]*exchange

	// responses of callback-less requests that nobody extracted yet, in
	// arrival order
	unread []buffered

	log *zap.Logger
}

// New connects to the device described by options and logs in. A refused login
// is reported as an error of kind protocol.ErrLoginRefused.
func New(ctx context.Context, options Options) (*Client, error) {
	c := newClient(options)

	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

// NewWithCommunicator logs in on an already connected communicator.
func NewWithCommunicator(ctx context.Context, com *transport.Communicator, options Options) (*Client, error) {
	c := newClient(options)

	if err := c.login(ctx, com); err != nil {
		return nil, err
	}

	return c, nil
}

func newClient(options Options) *Client {
	if options.Log == nil {
		options.Log = zap.NewNop()
	}

	return &Client{
		options: options,
		state:   StateDisconnected,
		tags:    NewTagRegistry(),
		pending: make(map[string]*exchange),
		log:     options.Log.Named("client"),
	}
}

func (c *Client) connect(ctx context.Context) error {
	c.state = StateConnecting

	com, err := transport.Dial(ctx, transport.DialOptions{
		Host:    c.options.Host,
		Port:    c.options.Port,
		TLS:     c.options.TLS,
		Timeout: c.options.Timeout,
		Log:     c.options.Log,
	})
	if err != nil {
		c.state = StateDisconnected
		return err
	}

	return c.login(ctx, com)
}

func (c *Client) login(ctx context.Context, com *transport.Communicator) error {
	c.state = StateLoggingIn

	ok, err := Login(ctx, com, c.options.Username, c.options.Password)
	if err == nil && !ok {
		err = &protocol.Error{Kind: protocol.ErrLoginRefused, Op: "login", Value: c.options.Username}
	}

	if err != nil {
		com.Close()
		c.state = StateDisconnected
		return err
	}

	c.com = com
	c.state = StateReady
	c.log.Info("Logged in", zap.String("device", com.RemoteAddr()), zap.String("user", c.options.Username))

	return nil
}

// Reopen reconnects and logs in again after the connection dropped. Only
// persistent clients can be reopened, and never after Close.
func (c *Client) Reopen(ctx context.Context) error {
	if !c.options.Persistent {
		return protocol.NewArgumentError("reopen", c.state, ErrNotPersistent)
	}

	switch c.state {
	case StateReady, StateLooping:
		return nil
	case StateDisconnected:
		c.reset()
		return c.connect(ctx)
	}

	return protocol.NewTransportError("reopen", ErrNotReady)
}

func (c *Client) State() State {
	return c.state
}

// Communicator returns the connection the client talks over, or nil before
// login succeeded.
func (c *Client) Communicator() *transport.Communicator {
	return c.com
}

// IsRequestActive reports whether tag belongs to a request whose responses
// are not all consumed yet.
func (c *Client) IsRequestActive(tag string) bool {
	_, ok := c.pending[tag]
	return ok
}

// PendingTags returns the tags of every outstanding request, sorted.
func (c *Client) PendingTags() []string {
	tags := make([]string, 0, len(c.pending))
	for tag := range c.pending {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	return tags
}

// SendSync sends req and blocks until its terminal response arrived. Responses
// of other requests read in the meantime are buffered or handed to their
// callbacks. A !trap reply is not an error; inspect the collection for it.
func (c *Client) SendSync(ctx context.Context, req *protocol.Request) (*protocol.ResponseCollection, error) {
	ex, err := c.send(req, nil)
	if err != nil {
		return nil, err
	}

	return c.complete(ctx, ex)
}

// SendAsync sends req without waiting for a response, assigning a tag if req
// has none. With a nil callback the responses are buffered for
// ExtractNewResponses or CompleteRequest. It returns the request tag.
func (c *Client) SendAsync(req *protocol.Request, callback Callback) (string, error) {
	ex, err := c.send(req, callback)
	if err != nil {
		return "", err
	}

	return ex.tag, nil
}

// Loop reads responses and dispatches them until no request with a callback is
// outstanding, limit responses were read (zero means no limit), a read timed
// out or ctx was cancelled. It reports whether every callback request finished.
func (c *Client) Loop(ctx context.Context, limit int) (bool, error) {
	if err := c.ready("loop"); err != nil {
		return false, err
	}

	_, err := c.pump(ctx, func() bool { return !c.hasCallbacks() }, limit, true)

	return !c.hasCallbacks(), err
}

// ExtractNewResponses returns and forgets the buffered responses of tag, or of
// every request when tag is empty. Requests that finished and have nothing
// buffered anymore release their tag.
func (c *Client) ExtractNewResponses(tag string) *protocol.ResponseCollection {
	out := protocol.NewResponseCollection()
	keep := c.unread[:0]

	// An untagged !fatal is buffered once per exchange
	seen := make(map[*protocol.Response]bool)

	for _, b := range c.unread {
		if tag != "" && b.tag != tag {
			keep = append(keep, b)
			continue
		}

		if !seen[b.resp] {
			seen[b.resp] = true
			out.Append(b.resp)
		}
	}

	for i := len(keep); i < len(c.unread); i++ {
		c.unread[i] = buffered{}
	}
	c.unread = keep

	for t, ex := range c.pending {
		if ex.done && ex.callback == nil && !c.hasUnread(t) {
			c.release(t)
		}
	}

	return out
}

// CompleteRequest blocks until the request tagged tag finished and returns
// every response it received.
func (c *Client) CompleteRequest(ctx context.Context, tag string) (*protocol.ResponseCollection, error) {
	ex, ok := c.pending[tag]
	if !ok {
		return nil, protocol.NewArgumentError("complete request", tag, ErrUnknownTag)
	}

	return c.complete(ctx, ex)
}

// CancelRequest asks the device to stop the request tagged tag, or every
// outstanding request when tag is empty, and waits until the device confirmed
// it. The cancelled requests are forgotten along with their buffered responses.
func (c *Client) CancelRequest(ctx context.Context, tag string) error {
	if err := c.ready("cancel request"); err != nil {
		return err
	}

	var targets []*exchange

	if tag != "" {
		ex, ok := c.pending[tag]
		if !ok {
			return protocol.NewArgumentError("cancel request", tag, ErrUnknownTag)
		}
		targets = append(targets, ex)
	} else {
		for _, ex := range c.pending {
			targets = append(targets, ex)
		}
	}

	running := targets[:0]
	for _, ex := range targets {
		if ex.done {
			c.discard(ex.tag)
		} else {
			ex.cancelled = true
			running = append(running, ex)
		}
	}

	if len(running) == 0 {
		return nil
	}

	req := protocol.MustRequest(protocol.CmdCancel)
	if tag != "" {
		_ = req.SetArgument("tag", tag)
	}

	responses, err := c.SendSync(ctx, req)
	if err != nil {
		return err
	}

	finished := func() bool {
		for _, ex := range running {
			if !ex.done {
				return false
			}
		}
		return true
	}

	// A trap means the device had nothing left to cancel, so the target
	// replies are already read.
	if trapErr := responses.Err(); trapErr != nil && !finished() {
		return trapErr
	}

	if _, err := c.pump(ctx, finished, 0, false); err != nil {
		return err
	}

	for _, ex := range running {
		c.discard(ex.tag)
	}

	return nil
}

// Close drops the connection and forgets every outstanding request. The client
// cannot be used afterwards.
func (c *Client) Close() error {
	if c.state == StateClosed {
		return nil
	}

	var err error
	if c.com != nil {
		err = c.com.Close()
	}

	c.reset()
	c.state = StateClosed

	return err
}

func (c *Client) send(req *protocol.Request, callback Callback) (*exchange, error) {
	if err := c.ready("send request"); err != nil {
		return nil, err
	}

	if req.Tag() == "" {
		req.SetTag(c.tags.GenerateTag())
	}

	if err := c.tags.Append(req.Tag()); err != nil {
		return nil, err
	}

	ex := &exchange{tag: req.Tag(), callback: callback}
	c.pending[ex.tag] = ex

	if _, err := c.com.SendRequest(req); err != nil {
		c.release(ex.tag)
		c.checkTransport()
		return nil, err
	}

	c.log.Debug("Sent request", zap.String("command", req.Command()), zap.String("tag", ex.tag))

	return ex, nil
}

func (c *Client) complete(ctx context.Context, ex *exchange) (*protocol.ResponseCollection, error) {
	if !ex.done {
		if err := c.ready("complete request"); err != nil {
			return nil, err
		}

		if _, err := c.pump(ctx, func() bool { return ex.done }, 0, false); err != nil {
			return nil, err
		}
	}

	c.discard(ex.tag)

	return protocol.NewResponseCollection(ex.history...), nil
}

// pump reads responses until done reports true or limit responses were read.
// With lenient set a read timeout or a cancelled ctx ends the pump without an
// error.
func (c *Client) pump(ctx context.Context, done func() bool, limit int, lenient bool) (int, error) {
	prev := c.state
	c.state = StateLooping

	defer func() {
		if c.state == StateLooping {
			c.state = prev
		}
	}()

	n := 0

	for !done() && (limit <= 0 || n < limit) {
		if c.com == nil || !c.com.IsAvailable() {
			c.disconnect()
			return n, protocol.NewTransportError("read response", ErrNotReady)
		}

		resp, err := c.com.ReadResponse(ctx)
		if err != nil {
			if c.checkTransport() && lenient && (protocol.IsTimeout(err) || errors.Is(err, context.Canceled)) {
				return n, nil
			}
			return n, err
		}

		n++
		c.dispatch(resp)
	}

	return n, nil
}

func (c *Client) dispatch(resp *protocol.Response) {
	if resp.Tag == "" {
		if resp.Type == protocol.RespFatal {
			c.fatal(resp)
			return
		}

		c.log.Warn("Dropping untagged response", zap.Stringer("response", resp))
		return
	}

	ex, ok := c.pending[resp.Tag]
	if !ok {
		c.log.Warn("Dropping response for unknown tag", zap.Stringer("response", resp))
		return
	}

	c.deliver(ex, resp)

	if resp.Type == protocol.RespFatal {
		c.fatal(nil)
	}
}

func (c *Client) deliver(ex *exchange, resp *protocol.Response) {
	ex.history = append(ex.history, resp)
	if resp.Type.IsTerminal() {
		ex.done = true
	}

	if ex.callback == nil {
		c.unread = append(c.unread, buffered{tag: ex.tag, resp: resp})
		return
	}

	if ex.done {
		c.release(ex.tag)
	}

	if ex.cancelled {
		return
	}

	if ex.callback(resp, c) && !ex.done {
		ex.cancelled = true
		c.cancelAsync(ex.tag)
	}
}

// cancelAsync sends a /cancel for tag without waiting for its confirmation, so
// callbacks can cancel their own request.
func (c *Client) cancelAsync(tag string) {
	req := protocol.MustRequest(protocol.CmdCancel)
	_ = req.SetArgument("tag", tag)

	ignore := func(*protocol.Response, *Client) bool { return false }

	if _, err := c.send(req, ignore); err != nil {
		c.log.Warn("Failed to cancel request", zap.String("tag", tag), zap.Error(err))
	}
}

// fatal ends every outstanding request with resp, when set, and drops the
// connection.
func (c *Client) fatal(resp *protocol.Response) {
	if resp != nil {
		c.log.Error("Device closed the session", zap.Error(resp.ErrorOrNil()))

		for _, tag := range c.PendingTags() {
			if ex, ok := c.pending[tag]; ok && !ex.done {
				c.deliver(ex, resp)
			}
		}
	}

	if c.com != nil {
		c.com.Close()
	}
	c.disconnect()
}

// checkTransport moves to StateDisconnected when the connection broke. It
// reports whether the connection is still usable.
func (c *Client) checkTransport() bool {
	if c.com != nil && c.com.IsAvailable() {
		return true
	}

	c.disconnect()
	return false
}

func (c *Client) disconnect() {
	if c.state != StateClosed {
		c.state = StateDisconnected
	}
}

func (c *Client) reset() {
	for tag := range c.pending {
		c.tags.Remove(tag)
	}

	c.pending = make(map[string]*exchange)
	c.unread = nil
}

func (c *Client) ready(op string) error {
	if c.state == StateReady || c.state == StateLooping {
		return nil
	}

	return protocol.NewTransportError(op, ErrNotReady)
}

func (c *Client) hasCallbacks() bool {
	for _, ex := range c.pending {
		if ex.callback != nil && !ex.done {
			return true
		}
	}

	return false
}

func (c *Client) hasUnread(tag string) bool {
	for _, b := range c.unread {
		if b.tag == tag {
			return true
		}
	}

	return false
}

func (c *Client) release(tag string) {
	delete(c.pending, tag)
	c.tags.Remove(tag)
}

// discard releases tag and drops its buffered responses.
func (c *Client) discard(tag string) {
	c.release(tag)

	keep := c.unread[:0]
	for _, b := range c.unread {
		if b.tag != tag {
			keep = append(keep, b)
		}
	}

	for i := len(keep); i < len(c.unread); i++ {
		c.unread[i] = buffered{}
	}
	c.unread = keep
}
