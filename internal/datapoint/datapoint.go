// Package datapoint provides a typed, timestamped store of decoded BMS values.
//
// Every label fixes the Go type of its value at compile time: Add and Get are
// generic over the label's type parameter, so inserting a uint16 under a
// string label does not compile.
package datapoint

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// CellVoltages maps a cell index to its voltage in millivolts.
type CellVoltages map[int]uint16

// Value is the closed set of types a data point may carry.
type Value interface {
	bool | int8 | uint8 | uint16 | int16 | uint32 | int32 | string | CellVoltages
}

// Label names a data point and fixes its value type.
type Label[T Value] struct {
	ID   int
	Name string
	Unit string
}

// NewLabel declares a label.
func NewLabel[T Value](id int, name, unit string) Label[T] {
	return Label[T]{ID: id, Name: name, Unit: unit}
}

// DataPoint is a single decoded value.
type DataPoint struct {
	ID        int       `json:"-"`
	Label     string    `json:"label"`
	Value     any       `json:"value"`
	Unit      string    `json:"unit,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Display renders the value for humans.
func (d DataPoint) Display() string {
	switch v := d.Value.(type) {
	case bool:
		if v {
			return "yes"
		}
		return "no"
	case CellVoltages:
		idx := make([]int, 0, len(v))
		for i := range v {
			idx = append(idx, i)
		}
		sort.Ints(idx)
		parts := make([]string, 0, len(idx))
		for _, i := range idx {
			parts = append(parts, fmt.Sprintf("%d:%d", i, v[i]))
		}
		return strings.Join(parts, " ")
	default:
		return fmt.Sprint(v)
	}
}

// Container maps labels to their latest data point.
type Container struct {
	points map[int]DataPoint
}

// NewContainer returns an empty container.
func NewContainer() *Container {
	return &Container{points: make(map[int]DataPoint)}
}

// Add stores value under label with timestamp ts, replacing any earlier entry.
func Add[T Value](c *Container, l Label[T], value T, ts time.Time) {
	if cells, ok := any(value).(CellVoltages); ok {
		value = any(cloneCells(cells)).(T)
	}
	c.points[l.ID] = DataPoint{ID: l.ID, Label: l.Name, Value: value, Unit: l.Unit, Timestamp: ts}
}

// Get returns the value stored under label. The boolean is false when the
// label was never populated.
func Get[T Value](c *Container, l Label[T]) (T, bool) {
	var zero T
	if c == nil {
		return zero, false
	}
	p, ok := c.points[l.ID]
	if !ok {
		return zero, false
	}
	v, ok := p.Value.(T)
	return v, ok
}

// Point returns the raw data point stored under id.
func (c *Container) Point(id int) (DataPoint, bool) {
	p, ok := c.points[id]
	return p, ok
}

// Len returns the number of stored data points.
func (c *Container) Len() int { return len(c.points) }

// LastUpdate returns the newest timestamp in the container.
func (c *Container) LastUpdate() time.Time {
	var last time.Time
	for _, p := range c.points {
		if p.Timestamp.After(last) {
			last = p.Timestamp
		}
	}
	return last
}

// UpdateFrom copies every entry of other that is at least as new as ours.
func (c *Container) UpdateFrom(other *Container) {
	if other == nil {
		return
	}
	for id, p := range other.points {
		if cur, ok := c.points[id]; ok && cur.Timestamp.After(p.Timestamp) {
			continue
		}
		c.points[id] = clonePoint(p)
	}
}

// Snapshot returns a deep copy.
func (c *Container) Snapshot() *Container {
	out := NewContainer()
	if c == nil {
		return out
	}
	for id, p := range c.points {
		out.points[id] = clonePoint(p)
	}
	return out
}

// Each visits every data point ordered by label id.
func (c *Container) Each(fn func(DataPoint)) {
	ids := make([]int, 0, len(c.points))
	for id := range c.points {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		fn(c.points[id])
	}
}

// List returns the data points ordered by label id.
func (c *Container) List() []DataPoint {
	out := make([]DataPoint, 0, len(c.points))
	c.Each(func(p DataPoint) { out = append(out, p) })
	return out
}

func clonePoint(p DataPoint) DataPoint {
	if cells, ok := p.Value.(CellVoltages); ok {
		p.Value = cloneCells(cells)
	}
	return p
}

func cloneCells(in CellVoltages) CellVoltages {
	out := make(CellVoltages, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
