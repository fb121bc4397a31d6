package transaction

import (
	"sort"
	"sync"

	"github.com/janelia-flyem/dso/dna"
	"github.com/janelia-flyem/dso/dso"
	"github.com/janelia-flyem/dso/objectstore"
)

// ClientStateManager tracks which objects each connected client holds.  The reference
// sets decide which changes a client is sent and keep held objects alive through
// garbage collection.
type ClientStateManager struct {
	sync.RWMutex
	clients map[dso.NodeID]dso.ObjectIDSet
}

func NewClientStateManager() *ClientStateManager {
	return &ClientStateManager{clients: make(map[dso.NodeID]dso.ObjectIDSet)}
}

// StartupClient registers a client with the objects it reports holding.  It returns
// false if the client was already registered, in which case the references are added.
func (c *ClientStateManager) StartupClient(client dso.NodeID, refs dso.ObjectIDSet) bool {
	c.Lock()
	defer c.Unlock()
	held, found := c.clients[client]
	if !found {
		held = dso.NewObjectIDSet()
		c.clients[client] = held
	}
	held.AddAll(refs)
	return !found
}

// ShutdownClient forgets a client and its references.
func (c *ClientStateManager) ShutdownClient(client dso.NodeID) {
	c.Lock()
	delete(c.clients, client)
	c.Unlock()
}

// Clients returns the registered clients in a stable order.
func (c *ClientStateManager) Clients() []dso.NodeID {
	c.RLock()
	defer c.RUnlock()
	clients := make([]dso.NodeID, 0, len(c.clients))
	for id := range c.clients {
		clients = append(clients, id)
	}
	sort.Slice(clients, func(i, j int) bool {
		if clients[i].Kind != clients[j].Kind {
			return clients[i].Kind < clients[j].Kind
		}
		return clients[i].Num < clients[j].Num
	})
	return clients
}

func (c *ClientStateManager) IsConnected(client dso.NodeID) bool {
	c.RLock()
	defer c.RUnlock()
	_, found := c.clients[client]
	return found
}

// AddReference records that a client holds an object.  References for unknown clients
// are ignored.
func (c *ClientStateManager) AddReference(client dso.NodeID, id dso.ObjectID) {
	c.Lock()
	defer c.Unlock()
	if held, found := c.clients[client]; found {
		held.Add(id)
	}
}

// AddReferences records that a client holds each of ids.
func (c *ClientStateManager) AddReferences(client dso.NodeID, ids dso.ObjectIDSet) {
	c.Lock()
	defer c.Unlock()
	if held, found := c.clients[client]; found {
		held.AddAll(ids)
	}
}

// RemoveReferences records that a client dropped its copies of ids.
func (c *ClientStateManager) RemoveReferences(client dso.NodeID, ids dso.ObjectIDSet) {
	c.Lock()
	defer c.Unlock()
	if held, found := c.clients[client]; found {
		held.RemoveAll(ids)
	}
}

func (c *ClientStateManager) HasReference(client dso.NodeID, id dso.ObjectID) bool {
	c.RLock()
	defer c.RUnlock()
	held, found := c.clients[client]
	return found && held.Contains(id)
}

// ReferenceCount returns the number of objects a client holds.
func (c *ClientStateManager) ReferenceCount(client dso.NodeID) int {
	c.RLock()
	defer c.RUnlock()
	return len(c.clients[client])
}

// AddAllReferencedIdsTo adds the objects held by any client to ids.
func (c *ClientStateManager) AddAllReferencedIdsTo(ids dso.ObjectIDSet) {
	c.RLock()
	defer c.RUnlock()
	for _, held := range c.clients {
		ids.AddAll(held)
	}
}

// CreatePrunedChangesAndAddObjectIDTo returns the changes a client must see: those to
// objects it holds.  Objects newly referenced from a held object that the client does
// not yet hold are added to lookupIDs so they can be sent along with the changes.
func (c *ClientStateManager) CreatePrunedChangesAndAddObjectIDTo(changes []*dna.DNA, info *objectstore.ApplyInfo, client dso.NodeID, lookupIDs dso.ObjectIDSet) []*dna.DNA {
	c.RLock()
	defer c.RUnlock()
	held, found := c.clients[client]
	if !found {
		return nil
	}
	var pruned []*dna.DNA
	for _, d := range changes {
		if !held.Contains(d.ObjectID) {
			continue
		}
		pruned = append(pruned, d)
		if info == nil {
			continue
		}
		for _, ref := range d.References() {
			if held.Contains(ref) || lookupIDs.Contains(ref) {
				continue
			}
			if parents := info.Parents(ref); parents.Contains(d.ObjectID) {
				lookupIDs.Add(ref)
			}
		}
	}
	return pruned
}

// InvalidationsFor returns the invalidations through collections a client holds.
func (c *ClientStateManager) InvalidationsFor(client dso.NodeID, inv objectstore.Invalidations) objectstore.Invalidations {
	c.RLock()
	defer c.RUnlock()
	held, found := c.clients[client]
	if !found {
		return nil
	}
	var mine objectstore.Invalidations
	for mapID, ids := range inv {
		if !held.Contains(mapID) {
			continue
		}
		if mine == nil {
			mine = objectstore.NewInvalidations()
		}
		for id := range ids {
			mine.Add(mapID, id)
		}
	}
	return mine
}
