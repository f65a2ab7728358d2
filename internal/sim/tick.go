package sim

import (
	"context"
	"time"

	"dronefleet/internal/fleet"
	"dronefleet/internal/logging"
	"dronefleet/internal/protocol"
)

// Run advances the cluster every tick and pushes the resulting reports to
// every connected coordinator. It returns when ctx is done.
func (c *Cluster) Run(ctx context.Context) {
	log := logging.FromContext(ctx)
	log.Info("starting mock cluster", "tick_interval", c.opts.Tick)
	ticker := time.NewTicker(c.opts.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.broadcast(c.Step())
		case <-ctx.Done():
			log.Info("stopping mock cluster")
			return
		}
	}
}

// Step moves every drone, finishes some running subtasks and may fail one
// busy drone. It returns the reports the coordinator should receive.
func (c *Cluster) Step() []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []protocol.Envelope
	for _, name := range c.names() {
		d := c.drones[name]
		d.walk(c.rng, c.opts.Area)
		for _, sub := range append([]string(nil), d.subtasks...) {
			if c.rng.Float64() >= c.opts.CompleteRate {
				continue
			}
			d.remove(sub)
			if taskID, ok := fleet.TaskIDFromSubTask(sub); ok {
				if t := c.tasks[taskID]; t != nil {
					delete(t.work, sub)
					if len(t.work) == 0 {
						c.log.Info("task finished", "task_id", taskID, "video", t.video)
						delete(c.tasks, taskID)
					}
				}
			}
			env, err := protocol.NewCommand(protocol.TagTaskInfo, map[string]string{"subtask_name": sub})
			if err != nil {
				c.log.Error("encode completion", "subtask", sub, "err", err)
				continue
			}
			out = append(out, env)
		}
		d.load(c.rng)
	}

	if c.opts.FailureRate > 0 && c.rng.Float64() < c.opts.FailureRate {
		if env, ok := c.failOne(); ok {
			out = append(out, env)
		}
	}
	return out
}

// failOne takes a random busy drone offline, brings up a replacement and
// moves the failed drone's subtasks.
func (c *Cluster) failOne() (protocol.Envelope, bool) {
	var busy []*drone
	for _, name := range c.names() {
		if d := c.drones[name]; d.busy() {
			busy = append(busy, d)
		}
	}
	if len(busy) == 0 {
		return protocol.Envelope{}, false
	}
	failed := busy[c.rng.Intn(len(busy))]
	delete(c.drones, failed.name)
	replacement := c.spawn()
	c.log.Info("drone failed", "node", failed.name, "replacement", replacement.name,
		"subtasks", len(failed.subtasks))
	return c.reassign(failed)
}
