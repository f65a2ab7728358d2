// Package uplink maintains the single TCP connection to the upstream worker
// cluster: bounded-retry reconnects, a serialized outbound queue, the
// receive loop feeding the frame decoder and the periodic node poll.
package uplink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"dronefleet/internal/protocol"
)

var (
	// ErrRetriesExhausted is the terminal error once every reconnect
	// attempt has failed.
	ErrRetriesExhausted = errors.New("uplink: reconnect attempts exhausted")
	// ErrNotConnected is returned by Send after Disconnect.
	ErrNotConnected = errors.New("uplink: client disconnected")
)

// Defaults for Options.
const (
	DefaultMaxRetries    = 5
	DefaultRetryInterval = 30 * time.Second
	DefaultPollInterval  = 5 * time.Second
	DefaultStartNodes    = 10
	DefaultWriteTimeout  = 10 * time.Second
	DefaultDialTimeout   = 10 * time.Second
)

// Handler receives every decoded inbound envelope, in arrival order, on the
// receive goroutine.
type Handler func(protocol.Envelope)

// Options tune a Client. Zero values take the defaults above.
type Options struct {
	MaxRetries    int
	RetryInterval time.Duration
	QueueCapacity int
	// PollInterval of zero uses the default; a negative value disables
	// the node_info poll.
	PollInterval time.Duration
	StartNodes   int
	MaxFrame     int
	WriteTimeout time.Duration
	DialTimeout  time.Duration

	Logger *slog.Logger
	Meter  metric.Meter
	// Dial overrides the TCP dialer.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

func (o *Options) defaults() {
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = DefaultRetryInterval
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = DefaultQueueCapacity
	}
	if o.PollInterval == 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.StartNodes <= 0 {
		o.StartNodes = DefaultStartNodes
	}
	if o.MaxFrame <= 0 {
		o.MaxFrame = protocol.DefaultMaxFrame
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Meter == nil {
		o.Meter = otel.Meter("dronefleet/uplink")
	}
	if o.Dial == nil {
		d := &net.Dialer{Timeout: o.DialTimeout}
		o.Dial = d.DialContext
	}
}

// link is one live socket. close is idempotent and wakes the supervisor.
type link struct {
	conn    net.Conn
	session string
	lost    chan struct{}
	once    sync.Once
}

func (l *link) close() {
	l.once.Do(func() {
		l.conn.Close()
		close(l.lost)
	})
}

// Client is the connection manager. Create one with New, start it with
// Connect and stop it with Disconnect.
type Client struct {
	opts    Options
	handler Handler
	log     *slog.Logger
	queue   *Queue

	mu        sync.Mutex
	addr      string
	auto      bool
	running   bool
	stopped   bool
	connected bool
	cur       *link
	retries   int
	err       error
	done      chan struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	// writeMu admits one writer to the socket at a time.
	writeMu sync.Mutex

	framesReceived metric.Int64Counter
	framesCorrupt  metric.Int64Counter
	queueDropped   metric.Int64Counter
	reconnects     metric.Int64Counter
}

// New returns an idle client. handler may be nil.
func New(handler Handler, opts Options) *Client {
	opts.defaults()
	if handler == nil {
		handler = func(protocol.Envelope) {}
	}
	c := &Client{
		opts:    opts,
		handler: handler,
		log:     opts.Logger,
		queue:   NewQueue(opts.QueueCapacity),
		done:    make(chan struct{}),
	}
	c.framesReceived = counter(opts.Meter, "uplink.frames_received", "Envelopes decoded from the upstream stream")
	c.framesCorrupt = counter(opts.Meter, "uplink.frames_corrupt", "Frames dropped as malformed")
	c.queueDropped = counter(opts.Meter, "uplink.queue_dropped", "Outbound frames dropped because the queue was full")
	c.reconnects = counter(opts.Meter, "uplink.reconnects", "Connections re-established after a loss")
	return c
}

func counter(m metric.Meter, name, desc string) metric.Int64Counter {
	ctr, err := m.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		otel.Handle(err)
	}
	return ctr
}

// Connect remembers host:port and starts the connection supervisor, poll
// timer and drain loop. It returns immediately; calling it again while the
// client runs only updates the target used by the next reconnect.
func (c *Client) Connect(ctx context.Context, host string, port int) error {
	if host == "" || port <= 0 || port > 65535 {
		return fmt.Errorf("uplink: invalid target %q:%d", host, port)
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	c.mu.Lock()
	defer c.mu.Unlock()
	c.addr = addr
	if c.running {
		return nil
	}
	c.running = true
	c.auto = true
	c.stopped = false
	c.retries = 0
	c.err = nil
	select {
	case <-c.done:
		c.done = make(chan struct{})
	default:
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(3)
	go c.supervise(runCtx)
	go c.drain(runCtx)
	go c.poll(runCtx)
	c.log.Info("uplink started", "addr", addr, "max_retries", c.opts.MaxRetries, "retry_interval", c.opts.RetryInterval)
	return nil
}

// Disconnect stops reconnecting, the poll timer and the drain loop, closes
// the socket and discards queued frames. Pending frames are not flushed.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.auto = false
	c.stopped = true
	cur := c.cur
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if cur != nil {
		cur.close()
	}
	c.wg.Wait()
	if n := c.queue.Clear(); n > 0 {
		c.log.Info("discarded queued frames", "queue_len", n)
	}
	c.finish(nil)
}

// Done is closed once the client stops for good, either through Disconnect
// or because reconnect attempts ran out.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Err returns the terminal error, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// IsConnected reports whether a socket is up and has accepted the startup
// command.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && c.cur != nil
}

// Retries returns the number of consecutive failed connection attempts.
func (c *Client) Retries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retries
}

// QueueLen returns the number of frames waiting to be written.
func (c *Client) QueueLen() int { return c.queue.Len() }

// Dropped returns the number of frames dropped on a full queue.
func (c *Client) Dropped() uint64 { return c.queue.Dropped() }

// Send encodes env and queues it for the drain loop. A full queue drops
// env, logs a warning and still returns nil.
func (c *Client) Send(env protocol.Envelope) error {
	c.mu.Lock()
	stopped, err := c.stopped, c.err
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if stopped {
		return ErrNotConnected
	}
	frame, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	if !c.queue.Push(frame) {
		c.queueDropped.Add(context.Background(), 1)
		c.log.Warn("send queue full, dropping frame", "tag", env.Type, "queue_len", c.queue.Len(), "dropped", c.queue.Dropped())
	}
	return nil
}

// SendCommand queues a command whose content is a single value.
func (c *Client) SendCommand(tag string, value any) error {
	env, err := protocol.NewCommand(tag, value)
	if err != nil {
		return err
	}
	return c.Send(env)
}

// PollNodes asks upstream for a fresh node report.
func (c *Client) PollNodes() error {
	return c.SendCommand(protocol.TagNodeInfo, "")
}

// CreateTask asks upstream to split and schedule the video at path.
// nextNode is echoed back for correlation and may be empty.
func (c *Client) CreateTask(path, nextNode string) error {
	env, err := protocol.NewCommand(protocol.TagCreateTasks, path)
	if err != nil {
		return err
	}
	env.NextNode = nextNode
	return c.Send(env)
}

// Shutdown asks upstream to terminate the named node.
func (c *Client) Shutdown(node string) error {
	return c.SendCommand(protocol.TagShutdown, node)
}

func (c *Client) autoReconnect() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.auto
}

func (c *Client) supervise(ctx context.Context) {
	defer c.wg.Done()
	first := true
	for {
		conn, err := c.dialWithRetry(ctx)
		if err != nil {
			if errors.Is(err, ErrRetriesExhausted) {
				c.log.Error("uplink giving up", "err", err)
				c.finish(err)
			}
			return
		}
		if !first {
			c.reconnects.Add(ctx, 1)
		}
		first = false

		l := c.attach(conn)
		select {
		case <-l.lost:
		case <-ctx.Done():
			l.close()
		}
		c.detach(l)
		if ctx.Err() != nil || !c.autoReconnect() {
			return
		}
		c.log.Warn("connection lost, reconnecting", "session", l.session)
	}
}

// dialWithRetry makes up to MaxRetries attempts, waiting RetryInterval
// between them. A success resets the retry counter.
func (c *Client) dialWithRetry(ctx context.Context) (net.Conn, error) {
	var lastErr error
	for {
		c.mu.Lock()
		addr, auto, retries := c.addr, c.auto, c.retries
		c.mu.Unlock()
		if !auto {
			return nil, ErrNotConnected
		}
		if retries >= c.opts.MaxRetries {
			return nil, fmt.Errorf("%w after %d attempts to %s: %v", ErrRetriesExhausted, retries, addr, lastErr)
		}

		conn, err := c.opts.Dial(ctx, "tcp", addr)
		if err == nil {
			c.mu.Lock()
			c.retries = 0
			c.mu.Unlock()
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err

		c.mu.Lock()
		c.retries++
		retries = c.retries
		c.mu.Unlock()
		c.log.Warn("connect failed", "addr", addr, "attempt", retries, "err", err)
		if retries >= c.opts.MaxRetries {
			continue
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.opts.RetryInterval):
		}
	}
}

// attach sends the startup command on a fresh socket, publishes it as the
// current link and starts its receive loop.
func (c *Client) attach(conn net.Conn) *link {
	l := &link{conn: conn, session: uuid.NewString(), lost: make(chan struct{})}

	start, err := protocol.NewCommand(protocol.TagStartAll, c.opts.StartNodes)
	if err == nil {
		c.writeMu.Lock()
		err = c.write(l, start)
		c.writeMu.Unlock()
	}
	if err != nil {
		c.log.Warn("startup command failed", "session", l.session, "err", err)
		l.close()
		return l
	}

	c.mu.Lock()
	c.cur = l
	c.connected = true
	c.mu.Unlock()
	c.log.Info("connected", "addr", conn.RemoteAddr().String(), "session", l.session)

	go c.readLoop(l)
	c.queue.signal()
	return l
}

func (c *Client) detach(l *link) {
	c.mu.Lock()
	if c.cur == l {
		c.cur = nil
		c.connected = false
	}
	c.mu.Unlock()
}

func (c *Client) write(l *link, env protocol.Envelope) error {
	frame, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	return c.writeFrame(l, frame)
}

func (c *Client) writeFrame(l *link, frame []byte) error {
	if err := l.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	_, err := l.conn.Write(frame)
	return err
}

func (c *Client) readLoop(l *link) {
	dec := protocol.NewDecoder(c.opts.MaxFrame, c.log)
	dec.OnCorrupt = func() { c.framesCorrupt.Add(context.Background(), 1) }
	buf := make([]byte, 64*1024)
	for {
		n, err := l.conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			for env := range dec.Envelopes() {
				c.framesReceived.Add(context.Background(), 1)
				c.handler(env)
			}
		}
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				c.log.Info("receive loop ended", "session", l.session, "err", err)
			}
			l.close()
			return
		}
		if n == 0 {
			c.log.Info("peer closed connection", "session", l.session)
			l.close()
			return
		}
	}
}

// drain writes queued frames while a connection is up. A frame is popped
// only after a successful write; on failure the link is torn down and the
// frame waits at the head for the next connection.
func (c *Client) drain(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.queue.Notify():
			c.flush()
		}
	}
}

func (c *Client) flush() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	for {
		c.mu.Lock()
		l, ok := c.cur, c.connected
		c.mu.Unlock()
		if !ok || l == nil {
			return
		}
		frame := c.queue.Peek()
		if frame == nil {
			return
		}
		if err := c.writeFrame(l, frame); err != nil {
			c.log.Warn("write failed, frame kept for retry", "session", l.session, "queue_len", c.queue.Len(), "err", err)
			l.close()
			return
		}
		c.queue.Pop()
	}
}

func (c *Client) poll(ctx context.Context) {
	defer c.wg.Done()
	if c.opts.PollInterval < 0 {
		return
	}
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.IsConnected() {
				continue
			}
			if err := c.PollNodes(); err != nil {
				c.log.Warn("poll failed", "err", err)
			}
		}
	}
}

// finish records the terminal state and releases the run goroutines.
func (c *Client) finish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.running = false
	c.auto = false
	c.connected = false
	if err != nil {
		c.err = err
	}
	if c.cancel != nil {
		c.cancel()
	}
	close(c.done)
}
