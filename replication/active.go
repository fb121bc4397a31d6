/*
	Package replication mirrors the active server's state to its passive servers and
	elects the active server of a group.

	The active server streams every applied transaction and every garbage collection
	result to each passive in apply order.  A passive that connects, or reconnects
	after a failure, is first sent the full object state, then the journaled
	transactions applied since that state was taken, and then the live stream.
*/
package replication

import (
	"fmt"
	"sync"
	"time"

	"github.com/janelia-flyem/dso/dna"
	"github.com/janelia-flyem/dso/dso"
	"github.com/janelia-flyem/dso/gc"
	"github.com/janelia-flyem/dso/message"
	"github.com/janelia-flyem/dso/rpc"
	"github.com/janelia-flyem/dso/storage"
	"github.com/janelia-flyem/dso/transaction"
)

const (
	// JournalTopic holds replicated transactions for passive catch-up.
	JournalTopic = "replicated-txns"

	journalTxnEntry uint16 = 1

	DefaultRetryMin  = 100 * time.Millisecond
	DefaultRetryMax  = 10 * time.Second
	DefaultSyncChunk = 256
)

// Conn is an open session to a passive server.
type Conn interface {
	Send(t message.Type, p message.Payload) (*message.Frame, error)
	Close() error
}

// Dialer opens sessions to passive servers.
type Dialer interface {
	Dial(addr string, hs *message.Handshake) (Conn, error)
}

// RPCDialer connects through the rpc package.
type RPCDialer struct{}

func (RPCDialer) Dial(addr string, hs *message.Handshake) (Conn, error) {
	return rpc.NewSession(addr, hs)
}

// StateSource is the object state sent to initialize a passive.
type StateSource interface {
	AllObjectIDs() (dso.ObjectIDSet, error)
	Dehydrate(id dso.ObjectID) (*dna.DNA, error)
	Roots() map[string]dso.ObjectID
}

// Transactions is the transaction manager as seen by replication.
type Transactions interface {
	LastGlobalID() dso.GlobalTransactionID
	ReplicationAcknowledged(stxID dso.ServerTransactionID)
}

type Config struct {
	Self      dso.NodeID
	Instance  string
	Protocol  string
	Passives  []string
	Dialer    Dialer
	Store     StateSource
	Journal   storage.Journal
	Events    *storage.EventLog
	Compress  dso.Compression
	RetryMin  time.Duration
	RetryMax  time.Duration
	SyncChunk int
}

// PassiveInfo describes the connection to one passive.
type PassiveInfo struct {
	Address  string
	Node     dso.NodeID
	State    string
	Queued   int
	LastSent dso.GlobalTransactionID
	Resyncs  int
}

// Coordinator runs on the active server.
type Coordinator struct {
	self      dso.NodeID
	instance  string
	protocol  string
	dialer    Dialer
	store     StateSource
	journal   storage.Journal
	events    *storage.EventLog
	compress  dso.Compression
	retryMin  time.Duration
	retryMax  time.Duration
	syncChunk int

	txns    Transactions
	senders []*sender

	// sync writes waiting on passive acks, by the passives still to ack
	mu      sync.Mutex
	pending map[dso.ServerTransactionID]map[*sender]struct{}

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewCoordinator(c Config) (*Coordinator, error) {
	if c.Store == nil {
		return nil, fmt.Errorf("replication requires an object store")
	}
	if len(c.Passives) != 0 && c.Journal == nil {
		return nil, fmt.Errorf("replication to passives requires a journal")
	}
	if c.Dialer == nil {
		c.Dialer = RPCDialer{}
	}
	if c.RetryMin <= 0 {
		c.RetryMin = DefaultRetryMin
	}
	if c.RetryMax < c.RetryMin {
		c.RetryMax = DefaultRetryMax
		if c.RetryMax < c.RetryMin {
			c.RetryMax = c.RetryMin
		}
	}
	if c.SyncChunk <= 0 {
		c.SyncChunk = DefaultSyncChunk
	}
	coord := &Coordinator{
		self:      c.Self,
		instance:  c.Instance,
		protocol:  c.Protocol,
		dialer:    c.Dialer,
		store:     c.Store,
		journal:   c.Journal,
		events:    c.Events,
		compress:  c.Compress,
		retryMin:  c.RetryMin,
		retryMax:  c.RetryMax,
		syncChunk: c.SyncChunk,
		pending:   make(map[dso.ServerTransactionID]map[*sender]struct{}),
	}
	for _, addr := range c.Passives {
		coord.senders = append(coord.senders, newSender(coord, addr))
	}
	return coord, nil
}

// Start connects to the passives.  Acknowledgements of synchronous writes are
// reported to txns.
func (c *Coordinator) Start(txns Transactions) {
	if c.stop != nil {
		return
	}
	c.txns = txns
	c.stop = make(chan struct{})
	for _, s := range c.senders {
		c.wg.Add(1)
		go s.run()
	}
	dso.Infof("replication: streaming to %d passives\n", len(c.senders))
}

// Stop disconnects from the passives.  Synchronous writes still waiting on them are
// acknowledged.
func (c *Coordinator) Stop() {
	if c.stop == nil {
		return
	}
	close(c.stop)
	for _, s := range c.senders {
		s.wake()
	}
	c.wg.Wait()
	c.stop = nil

	c.mu.Lock()
	var released []dso.ServerTransactionID
	for stxID := range c.pending {
		released = append(released, stxID)
	}
	c.pending = make(map[dso.ServerTransactionID]map[*sender]struct{})
	c.mu.Unlock()
	for _, stxID := range released {
		c.txns.ReplicationAcknowledged(stxID)
	}
}

// Replicate journals an applied transaction and queues it for every passive.  For a
// synchronous write it returns true if standby passives must acknowledge it first.
func (c *Coordinator) Replicate(txn *transaction.AppliedTxn) bool {
	data, err := dna.EncodeTxnRecord(txn.Txn, c.compress)
	if err != nil {
		dso.Criticalf("replication: unable to encode txn %s: %v\n", txn.ID, err)
		return false
	}
	msg := &message.ReplicatedTxn{GlobalID: txn.GlobalID, ID: txn.ID, Txn: data}
	if c.journal != nil {
		entry, err := msg.MarshalMsg(nil)
		if err == nil {
			err = c.journal.TopicAppend(JournalTopic, storage.LogMessage{EntryType: journalTxnEntry, Data: entry})
		}
		if err != nil {
			dso.Errorf("replication: unable to journal txn %s: %v\n", txn.ID, err)
		}
	}

	syncWrite := txn.Txn.Type == dna.TxnSyncWrite
	var awaiting map[*sender]struct{}
	if syncWrite {
		awaiting = make(map[*sender]struct{})
		c.mu.Lock()
	}
	for _, s := range c.senders {
		if s.enqueue(item{global: txn.GlobalID, txn: msg, syncWrite: syncWrite}) && syncWrite {
			awaiting[s] = struct{}{}
		}
	}
	if !syncWrite {
		return false
	}
	if len(awaiting) == 0 {
		c.mu.Unlock()
		return false
	}
	c.pending[txn.ID] = awaiting
	c.mu.Unlock()
	return true
}

// GarbageCollected queues the objects deleted by a collection for every passive.
func (c *Coordinator) GarbageCollected(result gc.Result) {
	msg := &message.GCResult{Iteration: result.Iteration, Deleted: result.Deleted.Sorted()}
	var global dso.GlobalTransactionID
	if c.txns != nil {
		global = c.txns.LastGlobalID()
	}
	for _, s := range c.senders {
		s.enqueue(item{global: global, gc: msg})
	}
	c.events.LogActivity(map[string]interface{}{
		"Action":    "gc-result",
		"Iteration": result.Iteration,
		"Deleted":   len(result.Deleted),
	})
}

// acked records a passive's acknowledgement of a synchronous write.
func (c *Coordinator) acked(s *sender, stxID dso.ServerTransactionID) {
	c.mu.Lock()
	awaiting, found := c.pending[stxID]
	if !found {
		c.mu.Unlock()
		return
	}
	delete(awaiting, s)
	done := len(awaiting) == 0
	if done {
		delete(c.pending, stxID)
	}
	c.mu.Unlock()
	if done {
		c.txns.ReplicationAcknowledged(stxID)
	}
}

// dropped releases every synchronous write waiting on a disconnected passive.
func (c *Coordinator) dropped(s *sender) {
	var done []dso.ServerTransactionID
	c.mu.Lock()
	for stxID, awaiting := range c.pending {
		if _, found := awaiting[s]; !found {
			continue
		}
		delete(awaiting, s)
		if len(awaiting) == 0 {
			delete(c.pending, stxID)
			done = append(done, stxID)
		}
	}
	c.mu.Unlock()
	for _, stxID := range done {
		c.txns.ReplicationAcknowledged(stxID)
	}
}

// Passives describes the connection to each passive.
func (c *Coordinator) Passives() []PassiveInfo {
	infos := make([]PassiveInfo, len(c.senders))
	for i, s := range c.senders {
		infos[i] = s.info()
	}
	return infos
}

// Standby returns the number of passives receiving the live stream.
func (c *Coordinator) Standby() int {
	var n int
	for _, s := range c.senders {
		if s.standby() {
			n++
		}
	}
	return n
}
