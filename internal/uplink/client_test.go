package uplink

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"dronefleet/internal/protocol"
)

func listen(t *testing.T) (net.Listener, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	return ln, ln.Addr().(*net.TCPAddr).Port
}

func accept(t *testing.T, ln net.Listener) net.Conn {
	t.Helper()
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := ln.Accept()
		ch <- result{c, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatalf("accept: %v", r.err)
		}
		t.Cleanup(func() { r.conn.Close() })
		return r.conn
	case <-time.After(3 * time.Second):
		t.Fatalf("client never connected")
	}
	return nil
}

func readEnvelope(t *testing.T, conn net.Conn) protocol.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	env, err := protocol.ReadFrame(conn, protocol.DefaultMaxFrame)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return env
}

func testOptions() Options {
	return Options{
		MaxRetries:    3,
		RetryInterval: 10 * time.Millisecond,
		PollInterval:  -1,
		StartNodes:    4,
	}
}

func TestConnectSendsStartupAndDeliversFrames(t *testing.T) {
	ln, port := listen(t)
	got := make(chan protocol.Envelope, 4)
	c := New(func(env protocol.Envelope) { got <- env }, testOptions())
	defer c.Disconnect()

	if err := c.Connect(context.Background(), "127.0.0.1", port); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Connect(context.Background(), "127.0.0.1", port); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	server := accept(t, ln)

	start := readEnvelope(t, server)
	if start.Type != protocol.TagStartAll || string(start.Content) != "4" {
		t.Fatalf("expected start_all 4, got %+v", start)
	}

	report, _ := protocol.NewReport(protocol.TagAnsNodeInfo, protocol.Fields{"name": {"drone-1"}})
	if err := protocol.WriteFrame(server, report); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case env := <-got:
		if env.Type != protocol.TagAnsNodeInfo {
			t.Fatalf("unexpected envelope %+v", env)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("handler never called")
	}

	if err := c.Shutdown("drone-1"); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	env := readEnvelope(t, server)
	if env.Type != protocol.TagShutdown || string(env.Content) != `"drone-1"` {
		t.Fatalf("expected shutdown frame, got %+v", env)
	}
	if !c.IsConnected() {
		t.Fatalf("expected connected client")
	}
}

func TestReconnectAfterPeerClose(t *testing.T) {
	ln, port := listen(t)
	c := New(nil, testOptions())
	defer c.Disconnect()
	if err := c.Connect(context.Background(), "127.0.0.1", port); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	first := accept(t, ln)
	readEnvelope(t, first)
	first.Close()

	second := accept(t, ln)
	if env := readEnvelope(t, second); env.Type != protocol.TagStartAll {
		t.Fatalf("expected start_all after reconnect, got %+v", env)
	}
	if c.Retries() != 0 {
		t.Fatalf("retry counter not reset, got %d", c.Retries())
	}
}

func TestQueuedFramesFlushInOrder(t *testing.T) {
	ln, port := listen(t)
	c := New(nil, testOptions())
	defer c.Disconnect()

	for _, name := range []string{"a", "b", "c"} {
		if err := c.Shutdown(name); err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
	}
	if c.QueueLen() != 3 {
		t.Fatalf("expected 3 queued frames, got %d", c.QueueLen())
	}
	if err := c.Connect(context.Background(), "127.0.0.1", port); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	server := accept(t, ln)
	if env := readEnvelope(t, server); env.Type != protocol.TagStartAll {
		t.Fatalf("startup command must come first, got %+v", env)
	}
	for _, want := range []string{`"a"`, `"b"`, `"c"`} {
		env := readEnvelope(t, server)
		if string(env.Content) != want {
			t.Fatalf("expected %s, got %s", want, env.Content)
		}
	}
}

// failingConn fails its failAt-th write without touching the socket.
type failingConn struct {
	net.Conn
	writes int
	failAt int
}

func (f *failingConn) Write(p []byte) (int, error) {
	f.writes++
	if f.writes == f.failAt {
		return 0, errors.New("broken pipe")
	}
	return f.Conn.Write(p)
}

func TestFailedWriteKeepsOrderAcrossReconnect(t *testing.T) {
	ln, port := listen(t)
	opts := testOptions()
	dials := 0
	opts.Dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		dials++
		if dials == 1 {
			// start_all succeeds, the first queued frame fails.
			return &failingConn{Conn: conn, failAt: 2}, nil
		}
		return conn, nil
	}
	c := New(nil, opts)
	defer c.Disconnect()

	for _, name := range []string{"a", "b", "c"} {
		if err := c.Shutdown(name); err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
	}
	if err := c.Connect(context.Background(), "127.0.0.1", port); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	first := accept(t, ln)
	if env := readEnvelope(t, first); env.Type != protocol.TagStartAll {
		t.Fatalf("expected start_all on first connection, got %+v", env)
	}

	second := accept(t, ln)
	if env := readEnvelope(t, second); env.Type != protocol.TagStartAll {
		t.Fatalf("expected start_all after reconnect, got %+v", env)
	}
	for _, want := range []string{`"a"`, `"b"`, `"c"`} {
		env := readEnvelope(t, second)
		if string(env.Content) != want {
			t.Fatalf("expected %s, got %s", want, env.Content)
		}
	}
}

func TestRetriesExhausted(t *testing.T) {
	ln, port := listen(t)
	ln.Close()

	c := New(nil, testOptions())
	if err := c.Connect(context.Background(), "127.0.0.1", port); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("client kept retrying")
	}
	if !errors.Is(c.Err(), ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", c.Err())
	}
	if c.Retries() != 3 {
		t.Fatalf("expected 3 attempts, got %d", c.Retries())
	}
	if err := c.PollNodes(); !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected sends to fail after exhaustion, got %v", err)
	}
}

func TestDisconnectDiscardsQueue(t *testing.T) {
	c := New(nil, testOptions())
	for i := 0; i < 5; i++ {
		c.PollNodes()
	}
	c.Disconnect()
	if c.QueueLen() != 0 {
		t.Fatalf("expected empty queue, got %d", c.QueueLen())
	}
	if err := c.PollNodes(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestDisconnectStopsRunningClient(t *testing.T) {
	ln, port := listen(t)
	c := New(nil, testOptions())
	c.Connect(context.Background(), "127.0.0.1", port)
	server := accept(t, ln)
	readEnvelope(t, server)

	c.Disconnect()
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatalf("Done not closed after Disconnect")
	}
	if c.IsConnected() {
		t.Fatalf("still connected after Disconnect")
	}
	if c.Err() != nil {
		t.Fatalf("Disconnect is not an error, got %v", c.Err())
	}
	server.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := server.Read(make([]byte, 1)); err == nil {
		t.Fatalf("expected the socket to be closed")
	}
}

func TestPollSendsNodeInfo(t *testing.T) {
	ln, port := listen(t)
	opts := testOptions()
	opts.PollInterval = 20 * time.Millisecond
	c := New(nil, opts)
	defer c.Disconnect()
	c.Connect(context.Background(), "127.0.0.1", port)
	server := accept(t, ln)
	readEnvelope(t, server)
	if env := readEnvelope(t, server); env.Type != protocol.TagNodeInfo {
		t.Fatalf("expected node_info poll, got %+v", env)
	}
}

func TestConnectRejectsBadTarget(t *testing.T) {
	c := New(nil, testOptions())
	if err := c.Connect(context.Background(), "", 9000); err == nil {
		t.Fatalf("expected error for empty host")
	}
	if err := c.Connect(context.Background(), "localhost", 0); err == nil {
		t.Fatalf("expected error for port 0")
	}
}
