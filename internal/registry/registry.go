// Package registry holds the authoritative set of known drones and derives
// the proximity graph between them.
//
// All state is owned by a single goroutine. Public methods submit a closure
// to that goroutine and wait for it, so every operation observes and leaves
// a consistent graph. Returned nodes are deep copies.
package registry

import (
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"dronefleet/internal/fleet"
	"dronefleet/internal/notify"
)

// RefreshResult lists the names whose state changed in a Refresh.
type RefreshResult struct {
	Added   []string
	Updated []string
	Offline []string
}

// Stats summarizes the registry for status endpoints.
type Stats struct {
	Total     int `json:"total"`
	Online    int `json:"online"`
	Offline   int `json:"offline"`
	InMission int `json:"in_mission"`
}

// Option configures a Registry.
type Option func(*Registry)

// WithDistance sets the metric used for the radius test.
func WithDistance(d fleet.DistanceFunc) Option {
	return func(r *Registry) {
		if d != nil {
			r.dist = d
		}
	}
}

// WithPublisher sets where change events go.
func WithPublisher(p notify.Publisher) Option {
	return func(r *Registry) {
		if p != nil {
			r.pub = p
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// Registry is the live node set.
type Registry struct {
	ops       chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	dist fleet.DistanceFunc
	pub  notify.Publisher
	now  func() time.Time
	log  *slog.Logger

	// owned by the loop goroutine
	nodes    map[int]*fleet.Node
	byName   map[string]int
	nextID   int
	snapshot map[string]fleet.Node
}

// New starts a registry. Call Close to stop its goroutine.
func New(opts ...Option) *Registry {
	r := &Registry{
		ops:      make(chan func()),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		dist:     fleet.Planar,
		pub:      notify.Discard,
		now:      time.Now,
		log:      slog.Default(),
		nodes:    make(map[int]*fleet.Node),
		byName:   make(map[string]int),
		nextID:   1,
		snapshot: make(map[string]fleet.Node),
	}
	for _, o := range opts {
		o(r)
	}
	go r.loop()
	return r
}

func (r *Registry) loop() {
	defer close(r.done)
	for {
		select {
		case op := <-r.ops:
			r.run(op)
		case <-r.quit:
			return
		}
	}
}

func (r *Registry) run(op func()) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("registry operation panicked", "panic", p)
		}
	}()
	op()
}

// do runs fn on the owner goroutine and waits for it. It returns false if
// the registry is closed.
func (r *Registry) do(fn func()) bool {
	finished := make(chan struct{})
	op := func() {
		defer close(finished)
		fn()
	}
	select {
	case r.ops <- op:
	case <-r.quit:
		return false
	}
	<-finished
	return true
}

// Close stops the owner goroutine. Later calls return zero values.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		close(r.quit)
		<-r.done
	})
}

// Refresh reconciles a full node report. Identity is keyed by name; the
// numeric ids carried in batch are ignored. Known nodes missing from the
// batch are demoted to offline and keep their subtask lists. Adjacency is
// rebuilt from scratch over the online members of the batch.
func (r *Registry) Refresh(batch []fleet.Node) RefreshResult {
	var res RefreshResult
	r.do(func() { res = r.refresh(batch) })
	return res
}

func (r *Registry) refresh(batch []fleet.Node) RefreshResult {
	var res RefreshResult
	now := r.now()

	seen := make(map[int]bool, len(batch))
	order := make([]int, 0, len(batch))
	added := make(map[int]bool)
	for _, in := range batch {
		if in.Name == "" {
			continue
		}
		id, known := r.byName[in.Name]
		var n *fleet.Node
		if known {
			n = r.nodes[id]
		} else {
			id = r.nextID
			r.nextID++
			n = &fleet.Node{ID: id, Name: in.Name}
			r.nodes[id] = n
			r.byName[in.Name] = id
			added[id] = true
		}
		n.Position = in.Position
		n.Metrics = in.Metrics
		n.Radius = in.Radius
		if in.Cluster != "" {
			n.Cluster = in.Cluster
		}
		n.Status = deriveStatus(in.Status, n.SubTasks)
		n.Neighbors = nil
		n.UpdatedAt = now
		if !seen[id] {
			seen[id] = true
			order = append(order, id)
		}
	}

	for id, n := range r.nodes {
		if seen[id] {
			continue
		}
		n.Neighbors = nil
		if n.Status != fleet.StatusOffline {
			n.Status = fleet.StatusOffline
			n.UpdatedAt = now
			res.Offline = append(res.Offline, n.Name)
		}
	}

	for i, a := range order {
		na := r.nodes[a]
		if !na.Online() {
			continue
		}
		for _, b := range order[i+1:] {
			nb := r.nodes[b]
			if nb.Online() && fleet.Within(r.dist, *na, *nb) {
				link(na, nb)
			}
		}
	}

	next := make(map[string]fleet.Node, len(r.nodes))
	for _, id := range order {
		n := r.nodes[id]
		prev, had := r.snapshot[n.Name]
		switch {
		case added[id]:
			res.Added = append(res.Added, n.Name)
			r.publish(notify.ActionAdded, n)
		case !had || changed(prev, *n):
			res.Updated = append(res.Updated, n.Name)
			r.publish(notify.ActionUpdated, n)
		}
	}
	for _, n := range r.nodes {
		next[n.Name] = n.Clone()
	}
	slices.Sort(res.Offline)
	for _, name := range res.Offline {
		r.publish(notify.ActionOffline, r.nodes[r.byName[name]])
	}
	r.snapshot = next
	return res
}

// deriveStatus keeps an explicit wire status and otherwise infers one from
// the node's workload.
func deriveStatus(reported fleet.NodeStatus, subtasks []string) fleet.NodeStatus {
	if reported != "" {
		return reported
	}
	if len(subtasks) > 0 {
		return fleet.StatusInMission
	}
	return fleet.StatusIdle
}

func changed(prev, cur fleet.Node) bool {
	return prev.Status != cur.Status ||
		prev.Position != cur.Position ||
		prev.Metrics != cur.Metrics ||
		prev.Radius != cur.Radius ||
		prev.Cluster != cur.Cluster ||
		!slices.Equal(prev.Neighbors, cur.Neighbors)
}

// AddOrUpdate merges a single node by name. Existing nodes keep their id,
// neighbors and subtasks; new nodes are linked to every online node within
// range. A node reported offline loses all of its edges.
func (r *Registry) AddOrUpdate(in fleet.Node) fleet.Node {
	var out fleet.Node
	r.do(func() {
		if in.Name == "" {
			return
		}
		now := r.now()
		if id, ok := r.byName[in.Name]; ok {
			n := r.nodes[id]
			r.overwrite(n, in, now)
			out = n.Clone()
			return
		}
		n := &fleet.Node{
			ID:        r.nextID,
			Name:      in.Name,
			Cluster:   in.Cluster,
			Position:  in.Position,
			Metrics:   in.Metrics,
			Radius:    in.Radius,
			SubTasks:  slices.Clone(in.SubTasks),
			UpdatedAt: now,
		}
		n.Status = deriveStatus(in.Status, n.SubTasks)
		r.nextID++
		r.nodes[n.ID] = n
		r.byName[n.Name] = n.ID
		var touched []*fleet.Node
		if n.Online() {
			for _, other := range r.sorted() {
				if other.ID != n.ID && other.Online() && fleet.Within(r.dist, *n, *other) {
					link(n, other)
					touched = append(touched, other)
				}
			}
		}
		r.publish(notify.ActionAdded, n)
		for _, o := range touched {
			r.publish(notify.ActionUpdated, o)
		}
		out = n.Clone()
	})
	return out
}

// overwrite copies the mutable fields of in onto n.
func (r *Registry) overwrite(n *fleet.Node, in fleet.Node, now time.Time) {
	n.Position = in.Position
	n.Metrics = in.Metrics
	n.Radius = in.Radius
	if in.Cluster != "" {
		n.Cluster = in.Cluster
	}
	if in.Status != "" {
		n.Status = in.Status
	}
	n.UpdatedAt = now
	if n.Status == fleet.StatusOffline {
		r.sever(n)
		r.publish(notify.ActionOffline, n)
		return
	}
	r.publish(notify.ActionUpdated, n)
}

// Update overwrites the mutable fields of the node with in.ID. Renaming to
// a name held by another node fails.
func (r *Registry) Update(in fleet.Node) bool {
	var ok bool
	r.do(func() { ok = r.update(in) })
	return ok
}

func (r *Registry) update(in fleet.Node) bool {
	n, exists := r.nodes[in.ID]
	if !exists {
		return false
	}
	if in.Name != "" && in.Name != n.Name {
		if _, taken := r.byName[in.Name]; taken {
			return false
		}
		delete(r.byName, n.Name)
		n.Name = in.Name
		r.byName[n.Name] = n.ID
	}
	r.overwrite(n, in, r.now())
	return true
}

// BulkUpdate applies Update to each node and returns how many matched.
func (r *Registry) BulkUpdate(nodes []fleet.Node) int {
	count := 0
	r.do(func() {
		for _, in := range nodes {
			if r.update(in) {
				count++
			}
		}
	})
	return count
}

// Delete erases a node and every edge pointing at it.
func (r *Registry) Delete(id int) bool {
	var ok bool
	r.do(func() {
		n, exists := r.nodes[id]
		if !exists {
			return
		}
		r.sever(n)
		delete(r.nodes, id)
		delete(r.byName, n.Name)
		delete(r.snapshot, n.Name)
		r.publish(notify.ActionDeleted, n)
		ok = true
	})
	return ok
}

// Get returns the node with id.
func (r *Registry) Get(id int) (fleet.Node, bool) {
	var (
		out fleet.Node
		ok  bool
	)
	r.do(func() {
		if n, exists := r.nodes[id]; exists {
			out, ok = n.Clone(), true
		}
	})
	return out, ok
}

// GetByName returns the node called name.
func (r *Registry) GetByName(name string) (fleet.Node, bool) {
	var (
		out fleet.Node
		ok  bool
	)
	r.do(func() {
		if id, exists := r.byName[name]; exists {
			out, ok = r.nodes[id].Clone(), true
		}
	})
	return out, ok
}

// All returns every node ordered by id.
func (r *Registry) All() []fleet.Node {
	var out []fleet.Node
	r.do(func() {
		nodes := r.sorted()
		out = make([]fleet.Node, len(nodes))
		for i, n := range nodes {
			out[i] = n.Clone()
		}
	})
	return out
}

// Stats counts nodes by status.
func (r *Registry) Stats() Stats {
	var s Stats
	r.do(func() {
		for _, n := range r.nodes {
			s.Total++
			switch n.Status {
			case fleet.StatusOffline:
				s.Offline++
			case fleet.StatusInMission:
				s.InMission++
				s.Online++
			default:
				s.Online++
			}
		}
	})
	return s
}

// SetClusters assigns cluster labels by node name and returns how many
// known nodes were labelled.
func (r *Registry) SetClusters(labels map[string]string) int {
	count := 0
	r.do(func() {
		for _, name := range slices.Sorted(maps.Keys(labels)) {
			id, ok := r.byName[name]
			if !ok {
				continue
			}
			n := r.nodes[id]
			count++
			if n.Cluster == labels[name] {
				continue
			}
			n.Cluster = labels[name]
			r.publish(notify.ActionUpdated, n)
		}
	})
	return count
}

// AttachSubTask records that node runs subtask. An idle node moves to
// in_mission.
func (r *Registry) AttachSubTask(node, subtask string) bool {
	var ok bool
	r.do(func() { ok = r.attach(node, subtask) })
	return ok
}

// DetachSubTask removes subtask from node. A node left without work
// returns to idle.
func (r *Registry) DetachSubTask(node, subtask string) bool {
	var ok bool
	r.do(func() { ok = r.detach(node, subtask) })
	return ok
}

// MoveSubTask detaches subtask from one node and attaches it to another.
// It reports whether the destination node is known.
func (r *Registry) MoveSubTask(from, to, subtask string) bool {
	var ok bool
	r.do(func() {
		r.detach(from, subtask)
		ok = r.attach(to, subtask)
	})
	return ok
}

func (r *Registry) attach(name, subtask string) bool {
	id, exists := r.byName[name]
	if !exists {
		return false
	}
	n := r.nodes[id]
	if slices.Contains(n.SubTasks, subtask) {
		return true
	}
	n.SubTasks = append(n.SubTasks, subtask)
	if n.Status == fleet.StatusIdle {
		n.Status = fleet.StatusInMission
	}
	r.publish(notify.ActionUpdated, n)
	return true
}

func (r *Registry) detach(name, subtask string) bool {
	id, exists := r.byName[name]
	if !exists {
		return false
	}
	n := r.nodes[id]
	i := slices.Index(n.SubTasks, subtask)
	if i < 0 {
		return false
	}
	n.SubTasks = slices.Delete(n.SubTasks, i, i+1)
	if len(n.SubTasks) == 0 && n.Status == fleet.StatusInMission {
		n.Status = fleet.StatusIdle
	}
	r.publish(notify.ActionUpdated, n)
	return true
}

// Restore replaces the registry contents with persisted nodes, keeping
// their ids. Adjacency is recomputed from the restored positions. No events
// are published.
func (r *Registry) Restore(nodes []fleet.Node) {
	r.do(func() {
		r.nodes = make(map[int]*fleet.Node, len(nodes))
		r.byName = make(map[string]int, len(nodes))
		r.snapshot = make(map[string]fleet.Node, len(nodes))
		r.nextID = 1
		for _, in := range nodes {
			if in.Name == "" || in.ID <= 0 {
				continue
			}
			if _, dup := r.byName[in.Name]; dup {
				continue
			}
			if _, dup := r.nodes[in.ID]; dup {
				continue
			}
			n := in.Clone()
			n.Neighbors = nil
			r.nodes[n.ID] = &n
			r.byName[n.Name] = n.ID
			if n.ID >= r.nextID {
				r.nextID = n.ID + 1
			}
		}
		nodes := r.sorted()
		for i, a := range nodes {
			if !a.Online() {
				continue
			}
			for _, b := range nodes[i+1:] {
				if b.Online() && fleet.Within(r.dist, *a, *b) {
					link(a, b)
				}
			}
		}
		for _, n := range nodes {
			r.snapshot[n.Name] = n.Clone()
		}
	})
}

func (r *Registry) sorted() []*fleet.Node {
	out := slices.Collect(maps.Values(r.nodes))
	slices.SortFunc(out, func(a, b *fleet.Node) int { return a.ID - b.ID })
	return out
}

// sever removes every edge touching n.
func (r *Registry) sever(n *fleet.Node) {
	for _, id := range n.Neighbors {
		if other, ok := r.nodes[id]; ok {
			other.Neighbors = remove(other.Neighbors, n.ID)
			r.publish(notify.ActionUpdated, other)
		}
	}
	n.Neighbors = nil
}

func (r *Registry) publish(action notify.Action, n *fleet.Node) {
	r.pub.Publish(notify.Event{
		Kind:      notify.KindNode,
		Action:    action,
		ID:        n.ID,
		Entity:    n.Clone(),
		Timestamp: r.now().UTC(),
	})
}

func link(a, b *fleet.Node) {
	a.Neighbors = insert(a.Neighbors, b.ID)
	b.Neighbors = insert(b.Neighbors, a.ID)
}

func insert(ids []int, id int) []int {
	i, found := slices.BinarySearch(ids, id)
	if found {
		return ids
	}
	return slices.Insert(ids, i, id)
}

func remove(ids []int, id int) []int {
	i, found := slices.BinarySearch(ids, id)
	if !found {
		return ids
	}
	return slices.Delete(ids, i, i+1)
}
