// Package crdt implements the observed-remove set used as the object roster:
// every participant converges on the same set of live shared objects, and a
// create that races a destroy of the same id keeps the object.
package crdt

import (
	"encoding/json"
	"fmt"
)

// Dot identifies one add operation: the participant that made it and its
// per-participant sequence number.
type Dot struct {
	Replica string `json:"replica"`
	Seq     uint64 `json:"seq"`
}

func (d Dot) String() string {
	return fmt.Sprintf("%s#%d", d.Replica, d.Seq)
}

// Context is the causal history of a replica: a contiguous prefix per
// participant plus the dots seen out of order.
type Context struct {
	clock map[string]uint64
	cloud map[Dot]struct{}
}

// NewContext creates an empty causal context.
func NewContext() *Context {
	return &Context{
		clock: make(map[string]uint64),
		cloud: make(map[Dot]struct{}),
	}
}

// Contains reports whether the dot is part of the causal history.
func (c *Context) Contains(d Dot) bool {
	if d.Seq <= c.clock[d.Replica] {
		return true
	}
	_, ok := c.cloud[d]
	return ok
}

// Next advances the local sequence of replica and returns the fresh dot.
func (c *Context) Next(replica string) Dot {
	c.clock[replica]++
	return Dot{Replica: replica, Seq: c.clock[replica]}
}

// Insert records a single dot and compacts.
func (c *Context) Insert(d Dot) {
	if c.Contains(d) {
		return
	}
	c.cloud[d] = struct{}{}
	c.compact()
}

// Merge unions another context into this one.
func (c *Context) Merge(other *Context) {
	for replica, seq := range other.clock {
		if seq > c.clock[replica] {
			c.clock[replica] = seq
		}
	}
	for d := range other.cloud {
		c.cloud[d] = struct{}{}
	}
	c.compact()
}

// compact folds cloud dots that extend a prefix into the clock and drops the
// ones the clock already covers. It loops until no dot moves.
func (c *Context) compact() {
	for moved := true; moved; {
		moved = false
		for d := range c.cloud {
			switch seq := c.clock[d.Replica]; {
			case d.Seq == seq+1:
				c.clock[d.Replica] = d.Seq
				delete(c.cloud, d)
				moved = true
			case d.Seq <= seq:
				delete(c.cloud, d)
			}
		}
	}
}

func (c *Context) clone() *Context {
	out := NewContext()
	out.Merge(c)
	return out
}

type contextJSON struct {
	Clock map[string]uint64 `json:"clock"`
	Cloud []Dot             `json:"cloud,omitempty"`
}

// MarshalJSON encodes the cloud as a list since Dot is not a valid map key.
func (c *Context) MarshalJSON() ([]byte, error) {
	out := contextJSON{Clock: c.clock, Cloud: make([]Dot, 0, len(c.cloud))}
	for d := range c.cloud {
		out.Cloud = append(out.Cloud, d)
	}
	return json.Marshal(out)
}

// UnmarshalJSON rebuilds the cloud set.
func (c *Context) UnmarshalJSON(data []byte) error {
	var in contextJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	c.clock = in.Clock
	if c.clock == nil {
		c.clock = make(map[string]uint64)
	}
	c.cloud = make(map[Dot]struct{}, len(in.Cloud))
	for _, d := range in.Cloud {
		c.cloud[d] = struct{}{}
	}
	return nil
}
