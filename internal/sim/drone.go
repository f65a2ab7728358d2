package sim

import (
	"math"
	"math/rand"

	"dronefleet/internal/fleet"
)

// drone is one simulated worker.
type drone struct {
	name     string
	cluster  string
	pos      fleet.Position
	metrics  fleet.Metrics
	radius   float64
	subtasks []string
	heading  float64
	speed    float64
}

func (d *drone) busy() bool { return len(d.subtasks) > 0 }

func (d *drone) status() fleet.NodeStatus {
	if d.busy() {
		return fleet.StatusInMission
	}
	return fleet.StatusIdle
}

// walk moves the drone one step in a slowly drifting direction and keeps
// it inside the square [0, area).
func (d *drone) walk(rng *rand.Rand, area float64) {
	d.heading += (rng.Float64() - 0.5) * math.Pi / 4
	d.pos.X += d.speed * math.Cos(d.heading)
	d.pos.Y += d.speed * math.Sin(d.heading)
	if d.pos.X < 0 || d.pos.X >= area {
		d.heading = math.Pi - d.heading
		d.pos.X = clamp(d.pos.X, 0, area)
	}
	if d.pos.Y < 0 || d.pos.Y >= area {
		d.heading = -d.heading
		d.pos.Y = clamp(d.pos.Y, 0, area)
	}
}

// load updates the reported metrics: CPU follows the workload and the
// bandwidth budget drains while busy.
func (d *drone) load(rng *rand.Rand) {
	base := 0.05 + 0.2*float64(len(d.subtasks))
	d.metrics.CPU = clamp(base+rng.Float64()*0.1, 0, 1)
	d.metrics.Memory = 256 + 128*float64(len(d.subtasks)) + rng.Float64()*32
	if d.busy() {
		d.metrics.Bandwidth = math.Max(0, d.metrics.Bandwidth-rng.Float64()*2)
	} else {
		d.metrics.Bandwidth = math.Min(100, d.metrics.Bandwidth+1)
	}
}

func (d *drone) remove(subtask string) bool {
	for i, s := range d.subtasks {
		if s == subtask {
			d.subtasks = append(d.subtasks[:i], d.subtasks[i+1:]...)
			return true
		}
	}
	return false
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
