package objectstore

import "sync"

// InstanceMonitor is notified as managed objects of a type are created and destroyed.
type InstanceMonitor interface {
	InstanceCreated(typeName string)
	InstanceDestroyed(typeName string)
}

// InstanceCounts is an InstanceMonitor keeping live counts per type.
type InstanceCounts struct {
	sync.Mutex
	created   map[string]int64
	destroyed map[string]int64
}

func NewInstanceCounts() *InstanceCounts {
	return &InstanceCounts{
		created:   make(map[string]int64),
		destroyed: make(map[string]int64),
	}
}

func (c *InstanceCounts) InstanceCreated(typeName string) {
	c.Lock()
	c.created[typeName]++
	c.Unlock()
}

func (c *InstanceCounts) InstanceDestroyed(typeName string) {
	c.Lock()
	c.destroyed[typeName]++
	c.Unlock()
}

// InstanceCount is the tally for one type.
type InstanceCount struct {
	Created   int64
	Destroyed int64
	Live      int64
}

// Counts returns a snapshot of the tallies keyed by type name.
func (c *InstanceCounts) Counts() map[string]InstanceCount {
	c.Lock()
	defer c.Unlock()
	counts := make(map[string]InstanceCount, len(c.created))
	for name, n := range c.created {
		d := c.destroyed[name]
		counts[name] = InstanceCount{Created: n, Destroyed: d, Live: n - d}
	}
	for name, d := range c.destroyed {
		if _, found := counts[name]; !found {
			counts[name] = InstanceCount{Destroyed: d, Live: -d}
		}
	}
	return counts
}
