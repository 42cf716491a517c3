package mesh

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	defaultDialTimeout  = 5 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

// TCPTransport speaks length-prefixed frames over TCP. Both sides open with
// a hello frame naming themselves; a dialer that reaches the wrong node
// drops the connection.
type TCPTransport struct {
	id       string
	ln       net.Listener
	resolver Resolver
	log      *zap.Logger
	box      *mailbox

	DialTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	conns  map[*tcpConn]struct{}
	closed bool
}

var _ Transport = (*TCPTransport)(nil)

// ListenTCP listens on addr and accepts connections from other nodes.
func ListenTCP(id, addr string, r Resolver, log *zap.Logger) (*TCPTransport, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &TCPTransport{
		id:          id,
		ln:          ln,
		resolver:    r,
		log:         log.With(zap.String("self", id)),
		box:         newMailbox(),
		DialTimeout: defaultDialTimeout,
		ctx:         ctx,
		cancel:      cancel,
		conns:       make(map[*tcpConn]struct{}),
	}
	t.wg.Add(1)
	go t.acceptLoop()
	return t, nil
}

func (t *TCPTransport) ID() string           { return t.id }
func (t *TCPTransport) Addr() string         { return t.ln.Addr().String() }
func (t *TCPTransport) Events() <-chan Event { return t.box.out }

func (t *TCPTransport) Connect(target string) Conn {
	c := &tcpConn{t: t, peer: target}
	if !t.track(c) {
		t.box.put(Event{Type: EventError, Conn: c, Err: ErrClosed})
		c.finish()
		return c
	}
	t.wg.Add(1)
	go t.dial(c)
	return c
}

// Close stops accepting, closes every connection and waits for the
// connection goroutines to exit.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := make([]*tcpConn, 0, len(t.conns))
	for c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	t.cancel()
	err := t.ln.Close()
	for _, c := range conns {
		err = multierr.Append(err, c.Close())
	}
	t.wg.Wait()
	t.box.close()
	return err
}

func (t *TCPTransport) acceptLoop() {
	defer t.wg.Done()
	for {
		nc, err := t.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				t.log.Warn("accept failed", zap.Error(err))
			}
			return
		}
		t.wg.Add(1)
		go t.accept(nc)
	}
}

func (t *TCPTransport) accept(nc net.Conn) {
	defer t.wg.Done()

	_ = nc.SetDeadline(time.Now().Add(t.DialTimeout))
	peer, err := readHello(nc)
	if err == nil {
		err = writeHello(nc, t.id)
	}
	if err != nil {
		t.log.Warn("inbound handshake failed", zap.String("remote", nc.RemoteAddr().String()), zap.Error(err))
		nc.Close()
		return
	}
	_ = nc.SetDeadline(time.Time{})

	c := &tcpConn{t: t, peer: peer}
	if !t.track(c) || !c.attach(nc) {
		nc.Close()
		return
	}
	t.log.Debug("inbound connection", zap.String("peer", peer))
	t.box.put(Event{Type: EventOpen, Conn: c})
	t.readLoop(c)
}

func (t *TCPTransport) dial(c *tcpConn) {
	defer t.wg.Done()

	nc, err := t.handshake(c.peer)
	if err != nil {
		t.log.Warn("connect failed", zap.String("peer", c.peer), zap.Error(err))
		t.box.put(Event{Type: EventError, Conn: c, Err: err})
		c.finish()
		return
	}
	if !c.attach(nc) {
		// closed locally while dialing
		nc.Close()
		c.finish()
		return
	}
	t.box.put(Event{Type: EventOpen, Conn: c})
	t.readLoop(c)
}

func (t *TCPTransport) handshake(peer string) (net.Conn, error) {
	if t.resolver == nil {
		return nil, fmt.Errorf("resolve %q: %w", peer, ErrUnknownPeer)
	}
	ctx, cancel := context.WithTimeout(t.ctx, t.DialTimeout)
	defer cancel()

	addr, err := t.resolver.Resolve(ctx, peer)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", peer, err)
	}
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = nc.SetDeadline(dl)
	}
	if err := writeHello(nc, t.id); err != nil {
		nc.Close()
		return nil, fmt.Errorf("hello to %s: %w", addr, err)
	}
	got, err := readHello(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("hello from %s: %w", addr, err)
	}
	if got != peer {
		nc.Close()
		return nil, fmt.Errorf("%s answered as %q, want %q", addr, got, peer)
	}
	_ = nc.SetDeadline(time.Time{})
	return nc, nil
}

func (t *TCPTransport) readLoop(c *tcpConn) {
	for {
		p, err := readFrame(c.rd)
		if err != nil {
			c.finish()
			return
		}
		t.box.put(Event{Type: EventData, Conn: c, Data: p})
	}
}

func (t *TCPTransport) track(c *tcpConn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.conns[c] = struct{}{}
	return true
}

func (t *TCPTransport) untrack(c *tcpConn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, c)
}

type tcpConn struct {
	t    *TCPTransport
	peer string
	open atomic.Bool
	once sync.Once

	mu      sync.Mutex // guards nc, rd, closing
	nc      net.Conn
	rd      *bufio.Reader
	closing bool

	wmu sync.Mutex // serializes frame writes
}

func (c *tcpConn) Peer() string { return c.peer }
func (c *tcpConn) Open() bool   { return c.open.Load() }

func (c *tcpConn) attach(nc net.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return false
	}
	c.nc = nc
	c.rd = bufio.NewReader(nc)
	c.open.Store(true)
	return true
}

func (c *tcpConn) Send(frame []byte) error {
	if !c.open.Load() {
		return ErrClosed
	}
	c.mu.Lock()
	nc := c.nc
	c.mu.Unlock()

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = nc.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	if err := writeFrame(nc, frame); err != nil {
		return fmt.Errorf("send to %s: %w", c.peer, err)
	}
	return nil
}

// Close shuts the connection down; the owner sees an EventClose once the
// read side notices.
func (c *tcpConn) Close() error {
	c.mu.Lock()
	c.closing = true
	nc := c.nc
	c.mu.Unlock()
	c.open.Store(false)
	if nc == nil {
		return nil
	}
	if err := nc.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (c *tcpConn) finish() {
	c.once.Do(func() {
		c.open.Store(false)
		c.mu.Lock()
		c.closing = true
		nc := c.nc
		c.mu.Unlock()
		if nc != nil {
			nc.Close()
		}
		c.t.untrack(c)
		c.t.box.put(Event{Type: EventClose, Conn: c})
	})
}
