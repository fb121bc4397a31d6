package replication

import (
	"fmt"
	"sync"

	"github.com/janelia-flyem/dso/dna"
	"github.com/janelia-flyem/dso/dso"
	"github.com/janelia-flyem/dso/message"
	"github.com/janelia-flyem/dso/objectstore"
	"github.com/janelia-flyem/dso/transaction"
)

// Passive applies the stream from the active server on a passive server.
type Passive struct {
	store *objectstore.Store
	txns  *transaction.Manager
	role  *Role

	mu       sync.Mutex
	active   dso.NodeID
	synced   dso.ObjectIDSet // objects received by the sync in progress
	received uint64
}

func NewPassive(store *objectstore.Store, txns *transaction.Manager, role *Role) *Passive {
	if role == nil {
		role = new(Role)
	}
	return &Passive{store: store, txns: txns, role: role}
}

func (p *Passive) Role() *Role {
	return p.role
}

// Received returns the number of replicated transactions applied.
func (p *Passive) Received() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.received
}

// Connected is called when the active server opens a session.
func (p *Passive) Connected(active dso.NodeID) {
	p.mu.Lock()
	p.active = active
	p.mu.Unlock()
}

// Handle applies one frame from the active server and returns the reply, if any.
func (p *Passive) Handle(f message.Frame) (message.Frame, error) {
	switch f.Type {
	case message.ObjectSyncType:
		var msg message.ObjectSync
		if err := f.Decode(&msg); err != nil {
			return message.Frame{}, err
		}
		return message.Frame{}, p.objectSync(&msg)

	case message.ReplicatedTxnType:
		var msg message.ReplicatedTxn
		if err := f.Decode(&msg); err != nil {
			return message.Frame{}, err
		}
		if err := p.applyTxn(&msg); err != nil {
			return message.Frame{}, err
		}
		reply, err := message.NewFrame(f.Session, message.PassiveAckType, &message.PassiveAck{GlobalID: msg.GlobalID, ID: msg.ID})
		if err != nil {
			return message.Frame{}, err
		}
		return *reply, nil

	case message.GCResultType:
		var msg message.GCResult
		if err := f.Decode(&msg); err != nil {
			return message.Frame{}, err
		}
		deleted, err := p.store.DeleteObjects(dso.NewObjectIDSet(msg.Deleted...))
		if err != nil {
			return message.Frame{}, err
		}
		dso.Debugf("passive: gc %d deleted %d objects\n", msg.Iteration, len(deleted))
		return message.Frame{}, nil

	default:
		return message.Frame{}, fmt.Errorf("passive can't handle %s", f.Type)
	}
}

func (p *Passive) objectSync(msg *message.ObjectSync) error {
	p.mu.Lock()
	starting := p.synced == nil
	if starting {
		p.synced = dso.NewObjectIDSet()
	}
	p.mu.Unlock()
	if starting {
		if err := p.role.Move(PassiveUninitialized); err != nil {
			return err
		}
	}

	if len(msg.Objects) != 0 {
		ds, err := dna.DecodeDNAs(msg.Objects)
		if err != nil {
			return err
		}
		syncID := dso.NewServerTransactionID(p.Active(), dso.NullTransactionID)
		for _, d := range ds {
			if _, err := p.store.Apply(d, syncID, nil, nil, true); err != nil {
				return err
			}
			p.mu.Lock()
			p.synced.Add(d.ObjectID)
			p.mu.Unlock()
		}
	}
	if !msg.Last {
		return nil
	}

	for _, root := range msg.Roots {
		if err := p.store.AddRoot(root.Name, root.ID); err != nil {
			return err
		}
	}
	p.mu.Lock()
	synced := p.synced
	p.synced = nil
	p.mu.Unlock()

	// Objects the active no longer has were collected while this server was away.
	all, err := p.store.AllObjectIDs()
	if err != nil {
		return err
	}
	all.RemoveAll(synced)
	if len(all) != 0 {
		if _, err := p.store.DeleteObjects(all); err != nil {
			return err
		}
	}
	dso.Infof("passive: synchronized %d objects through global txn %d, dropped %d stale objects\n",
		len(synced), msg.GlobalID, len(all))
	return p.role.Move(PassiveStandby)
}

func (p *Passive) applyTxn(msg *message.ReplicatedTxn) error {
	txn, err := dna.DecodeTxnRecord(msg.Txn)
	if err != nil {
		return err
	}
	applied := &transaction.AppliedTxn{GlobalID: msg.GlobalID, ID: msg.ID, Txn: txn}
	if err := p.txns.ApplyReplicated(applied, msg.CatchUp); err != nil {
		return fmt.Errorf("passive apply of %s: %v", msg.ID, err)
	}
	p.mu.Lock()
	p.received++
	p.mu.Unlock()
	return nil
}

// Active returns the active server last connected to this passive.
func (p *Passive) Active() dso.NodeID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}
