// Package sim is a mock upstream worker cluster. It speaks the same framed
// JSON protocol as the real cluster so the coordinator can be run and
// tested end to end without hardware.
package sim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"dronefleet/internal/fleet"
	"dronefleet/internal/logging"
	"dronefleet/internal/protocol"
)

// Options tune a Cluster. Zero values take the defaults.
type Options struct {
	Tick   time.Duration
	Area   float64
	Radius float64
	Speed  float64
	// SubTasks is the number of pieces each created task is split into.
	SubTasks int
	// CompleteRate is the per-tick probability that a running subtask
	// finishes.
	CompleteRate float64
	// FailureRate is the per-tick probability that one busy drone fails
	// and its work is moved elsewhere. Negative disables failures.
	FailureRate float64
	Clusters    int
	Rand        *rand.Rand
	Logger      *slog.Logger
}

func (o *Options) defaults() {
	if o.Tick <= 0 {
		o.Tick = time.Second
	}
	if o.Area <= 0 {
		o.Area = 1000
	}
	if o.Radius <= 0 {
		o.Radius = 150
	}
	if o.Speed <= 0 {
		o.Speed = 5
	}
	if o.SubTasks <= 0 {
		o.SubTasks = 3
	}
	if o.CompleteRate == 0 {
		o.CompleteRate = 0.2
	}
	if o.FailureRate == 0 {
		o.FailureRate = 0.02
	}
	if o.Clusters <= 0 {
		o.Clusters = 2
	}
	if o.Rand == nil {
		o.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
}

type task struct {
	id    int
	video string
	// work maps each unfinished subtask to its drone.
	work map[string]string
}

// Cluster is the simulated worker cluster.
type Cluster struct {
	opts Options
	log  *slog.Logger

	mu        sync.Mutex
	rng       *rand.Rand
	drones    map[string]*drone
	nextDrone int
	tasks     map[int]*task
	nextTask  int
	peers     map[string]*peer
}

// New returns an empty cluster. Drones appear on the first start_all.
func New(opts Options) *Cluster {
	opts.defaults()
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Cluster{
		opts:   opts,
		log:    log,
		rng:    opts.Rand,
		drones: make(map[string]*drone),
		tasks:  make(map[int]*task),
		peers:  make(map[string]*peer),
	}
}

type peer struct {
	id   string
	conn net.Conn
	mu   sync.Mutex
}

func (p *peer) send(envs ...protocol.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, env := range envs {
		_ = p.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := protocol.WriteFrame(p.conn, env); err != nil {
			return err
		}
	}
	return nil
}

// ListenAndServe listens on addr and serves until ctx ends.
func (c *Cluster) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return c.Serve(ctx, ln)
}

// Serve accepts coordinator connections on ln and runs the tick loop.
// It returns nil once ctx is cancelled.
func (c *Cluster) Serve(ctx context.Context, ln net.Listener) error {
	c.log.Info("mock cluster listening", "addr", ln.Addr().String())
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		ln.Close()
		c.closePeers()
		return nil
	})
	g.Go(func() error {
		c.Run(logging.NewContext(ctx, c.log))
		return nil
	})
	g.Go(func() error {
		var conns sync.WaitGroup
		defer conns.Wait()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accept: %w", err)
			}
			conns.Add(1)
			go func() {
				defer conns.Done()
				c.serveConn(ctx, conn)
			}()
		}
	})
	return g.Wait()
}

func (c *Cluster) serveConn(ctx context.Context, conn net.Conn) {
	p := &peer{id: uuid.NewString(), conn: conn}
	log := c.log.With("peer", p.id, "addr", conn.RemoteAddr().String())
	c.mu.Lock()
	c.peers[p.id] = p
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.peers, p.id)
		c.mu.Unlock()
		conn.Close()
		log.Info("coordinator disconnected")
	}()
	if ctx.Err() != nil {
		return
	}
	log.Info("coordinator connected")

	for {
		env, err := protocol.ReadFrame(conn, protocol.DefaultMaxFrame)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Warn("read failed", "err", err)
			}
			return
		}
		if err := p.send(c.Handle(env)...); err != nil {
			log.Warn("reply failed", "tag", env.Type, "err", err)
			return
		}
	}
}

func (c *Cluster) closePeers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.peers {
		p.conn.Close()
	}
}

func (c *Cluster) broadcast(envs []protocol.Envelope) {
	if len(envs) == 0 {
		return
	}
	c.mu.Lock()
	peers := make([]*peer, 0, len(c.peers))
	for _, p := range c.peers {
		peers = append(peers, p)
	}
	c.mu.Unlock()
	for _, p := range peers {
		if err := p.send(envs...); err != nil {
			c.log.Warn("broadcast failed", "peer", p.id, "err", err)
		}
	}
}

// Handle applies one coordinator command and returns the replies.
func (c *Cluster) Handle(env protocol.Envelope) []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()

	arg, err := env.Text()
	if err != nil {
		c.log.Warn("bad command content", "tag", env.Type, "err", err)
		return nil
	}
	var out []protocol.Envelope
	switch env.Type {
	case protocol.TagStartAll:
		n, err := strconv.Atoi(arg)
		if err != nil || n < 0 {
			c.log.Warn("bad start_all count", "content", arg)
			return nil
		}
		c.ensureDrones(n)
		out = append(out, c.nodeReport(), c.clusterReport())
	case protocol.TagNodeInfo:
		out = append(out, c.nodeReport())
	case protocol.TagCreateTasks:
		out = append(out, c.createTask(arg, env.NextNode)...)
	case protocol.TagShutdown:
		if reassign, ok := c.shutdown(arg); ok {
			out = append(out, reassign)
		}
	default:
		c.log.Debug("ignoring command", "tag", env.Type)
	}
	return compact(out)
}

// compact drops envelopes that failed to build.
func compact(envs []protocol.Envelope) []protocol.Envelope {
	return slices.DeleteFunc(envs, func(e protocol.Envelope) bool { return e.Type == "" })
}

// Drones returns the names of the live drones in name order.
func (c *Cluster) Drones() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.names()
}

func (c *Cluster) names() []string {
	names := make([]string, 0, len(c.drones))
	for name := range c.drones {
		names = append(names, name)
	}
	slices.SortFunc(names, byIndex)
	return names
}

// byIndex orders drone-2 before drone-10.
func byIndex(a, b string) int {
	ai, aerr := strconv.Atoi(a[len("drone-"):])
	bi, berr := strconv.Atoi(b[len("drone-"):])
	if aerr != nil || berr != nil {
		if a < b {
			return -1
		}
		if a > b {
			return 1
		}
		return 0
	}
	return ai - bi
}

// Pending returns the number of unfinished subtasks.
func (c *Cluster) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.tasks {
		n += len(t.work)
	}
	return n
}

func (c *Cluster) ensureDrones(n int) {
	for len(c.drones) < n {
		c.spawn()
	}
}

func (c *Cluster) spawn() *drone {
	c.nextDrone++
	d := &drone{
		name:    fmt.Sprintf("drone-%d", c.nextDrone),
		cluster: fmt.Sprintf("cluster-%d", c.nextDrone%c.opts.Clusters),
		pos: fleet.Position{
			X: c.rng.Float64() * c.opts.Area,
			Y: c.rng.Float64() * c.opts.Area,
		},
		radius:  c.opts.Radius * (0.75 + c.rng.Float64()/2),
		heading: c.rng.Float64() * 2 * math.Pi,
		speed:   c.opts.Speed * (0.5 + c.rng.Float64()),
	}
	d.metrics.Bandwidth = 100
	d.load(c.rng)
	c.drones[d.name] = d
	c.log.Debug("drone spawned", "node", d.name, "cluster", d.cluster)
	return d
}

// pick returns the least loaded drone other than exclude, ties broken by
// name order.
func (c *Cluster) pick(exclude string) *drone {
	var best *drone
	for _, name := range c.names() {
		d := c.drones[name]
		if name == exclude {
			continue
		}
		if best == nil || len(d.subtasks) < len(best.subtasks) {
			best = d
		}
	}
	return best
}

func (c *Cluster) createTask(video, nextNode string) []protocol.Envelope {
	if len(c.drones) == 0 {
		c.log.Warn("create_tasks with no drones", "video", video)
		return nil
	}
	if video == "" {
		video = "video-" + uuid.NewString()
	}
	c.nextTask++
	t := &task{id: c.nextTask, video: video, work: make(map[string]string)}
	c.tasks[t.id] = t

	tasks := protocol.Fields{
		"task_id":     {t.id},
		"description": {video},
		"status":      {string(fleet.TaskCreated)},
	}
	subs := protocol.Fields{}
	for i := range c.opts.SubTasks {
		name := fleet.SubTaskName(t.id, i, c.opts.SubTasks)
		d := c.pick("")
		if i == 0 {
			if hinted, ok := c.drones[nextNode]; ok {
				d = hinted
			}
		}
		d.subtasks = append(d.subtasks, name)
		t.work[name] = d.name
		subs["subtask_name"] = append(subs["subtask_name"], name)
		subs["node"] = append(subs["node"], d.name)
		subs["status"] = append(subs["status"], string(fleet.TaskRunning))
	}
	c.log.Info("task created", "task_id", t.id, "video", video, "subtasks", c.opts.SubTasks)
	return []protocol.Envelope{
		c.report(protocol.TagTasksInfo, tasks),
		c.report(protocol.TagSubTasksInfo, subs),
	}
}

// shutdown removes a drone and moves its work to the remaining ones.
func (c *Cluster) shutdown(name string) (protocol.Envelope, bool) {
	d, ok := c.drones[name]
	if !ok {
		c.log.Warn("shutdown of unknown drone", "node", name)
		return protocol.Envelope{}, false
	}
	delete(c.drones, name)
	c.log.Info("drone shut down", "node", name, "subtasks", len(d.subtasks))
	return c.reassign(d)
}

func (c *Cluster) reassign(failed *drone) (protocol.Envelope, bool) {
	if len(failed.subtasks) == 0 {
		return protocol.Envelope{}, false
	}
	f := protocol.Fields{}
	for _, sub := range failed.subtasks {
		taskID, _ := fleet.TaskIDFromSubTask(sub)
		target := c.pick(failed.name)
		if target == nil {
			c.log.Warn("no drone left for subtask", "subtask", sub)
			if t := c.tasks[taskID]; t != nil {
				delete(t.work, sub)
			}
			continue
		}
		target.subtasks = append(target.subtasks, sub)
		if t := c.tasks[taskID]; t != nil {
			t.work[sub] = target.name
		}
		f["old_node"] = append(f["old_node"], failed.name)
		f["subtask_name"] = append(f["subtask_name"], sub)
		f["task_name"] = append(f["task_name"], strconv.Itoa(taskID))
		f["new_node"] = append(f["new_node"], target.name)
	}
	failed.subtasks = nil
	if f.Len() == 0 {
		return protocol.Envelope{}, false
	}
	return c.report(protocol.TagReassignInfo, f), true
}

func (c *Cluster) nodeReport() protocol.Envelope {
	names := c.names()
	ids := c.rng.Perm(len(names))
	f := protocol.Fields{}
	for i, name := range names {
		d := c.drones[name]
		f["id"] = append(f["id"], ids[i]+1)
		f["name"] = append(f["name"], d.name)
		f["x"] = append(f["x"], d.pos.X)
		f["y"] = append(f["y"], d.pos.Y)
		f["cpu"] = append(f["cpu"], d.metrics.CPU)
		f["memory"] = append(f["memory"], d.metrics.Memory)
		f["bandwidth"] = append(f["bandwidth"], d.metrics.Bandwidth)
		f["radius"] = append(f["radius"], d.radius)
		f["status"] = append(f["status"], string(d.status()))
	}
	return c.report(protocol.TagAnsNodeInfo, f)
}

func (c *Cluster) clusterReport() protocol.Envelope {
	f := protocol.Fields{}
	for _, name := range c.names() {
		f["cluster"] = append(f["cluster"], c.drones[name].cluster)
		f["node"] = append(f["node"], name)
	}
	return c.report(protocol.TagClusterInfo, f)
}

func (c *Cluster) report(tag string, f protocol.Fields) protocol.Envelope {
	env, err := protocol.NewReport(tag, f)
	if err != nil {
		c.log.Error("encode report", "tag", tag, "err", err)
		return protocol.Envelope{}
	}
	return env
}
