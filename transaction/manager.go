/*
	Package transaction receives client transaction batches, applies them to the object
	store in each origin's emission order, and drives acknowledgement, invalidation
	broadcast and replication of every applied transaction.

	Each transaction moves RECEIVED -> APPLIED -> ACKNOWLEDGED, or to FAILED if its apply
	is rejected.  A transaction is acknowledged once it has been broadcast, its metadata
	has been processed, and, for synchronous writes, the passives have confirmed it.
*/
package transaction

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/golang/groupcache/lru"

	"github.com/janelia-flyem/dso/dna"
	"github.com/janelia-flyem/dso/dso"
	"github.com/janelia-flyem/dso/objectstore"
)

// DefaultDedupWindow is the number of recently completed transactions remembered for
// recognizing resends.
const DefaultDedupWindow = 10000

// ErrUnknownTransaction is returned for a transaction the manager is not tracking.
var ErrUnknownTransaction = errors.New("unknown transaction")

// State is the lifecycle state of a transaction.
type State uint8

const (
	Received State = iota + 1
	Applied
	Acknowledged
	Failed
)

func (s State) String() string {
	switch s {
	case Received:
		return "RECEIVED"
	case Applied:
		return "APPLIED"
	case Acknowledged:
		return "ACKNOWLEDGED"
	case Failed:
		return "FAILED"
	default:
		return fmt.Sprintf("unknown state %d", uint8(s))
	}
}

// AppliedTxn is an applied transaction in global apply order, as streamed to passives.
type AppliedTxn struct {
	GlobalID dso.GlobalTransactionID
	ID       dso.ServerTransactionID
	Txn      *dna.TxnRecord
}

// Broadcast is what one client is sent after another client's transaction applies.
type Broadcast struct {
	ID            dso.ServerTransactionID
	GlobalID      dso.GlobalTransactionID
	Changes       []*dna.DNA // deltas to objects the client holds
	Objects       []*dna.DNA // full state of objects newly reachable from held objects
	Invalidations objectstore.Invalidations
}

// Sink delivers messages to clients.  Implementations must not block.
type Sink interface {
	Acknowledge(client dso.NodeID, txnID dso.TransactionID)
	Broadcast(client dso.NodeID, msg *Broadcast)
}

// Replicator streams applied transactions to passive servers.  Replicate is called in
// global apply order and must not block.  It returns true if the transaction will be
// confirmed later through Manager.ReplicationAcknowledged.
type Replicator interface {
	Replicate(txn *AppliedTxn) (awaitAck bool)
}

// Listener is told about transactions as they apply and complete.
type Listener interface {
	TransactionApplied(stxID dso.ServerTransactionID, info *objectstore.ApplyInfo)
	TransactionCompleted(stxID dso.ServerTransactionID, state State)
}

// Config sets up a Manager.  Store, Clients and Sink are required.
type Config struct {
	Store       *objectstore.Store
	Clients     *ClientStateManager
	Sink        Sink
	Replicator  Replicator
	MetaData    *MetaDataManager
	DedupWindow int

	// Notifier receives the lock notifies committed by a transaction once it applies.
	Notifier func(client dso.NodeID, n dna.Notify)
}

type record struct {
	id     dso.ServerTransactionID
	txn    *dna.TxnRecord
	state  State
	global dso.GlobalTransactionID
	refs   dso.ObjectIDSet

	broadcastPending   bool
	metaDataPending    bool
	replicationPending bool
}

// Stats are transaction counters exposed for monitoring.
type Stats struct {
	Received     uint64
	Duplicates   uint64
	Applied      uint64
	Acknowledged uint64
	Failed       uint64
	Pending      int
	InFlight     int
	LastGlobalID dso.GlobalTransactionID
}

// Manager is the transaction manager.
type Manager struct {
	store      *objectstore.Store
	clients    *ClientStateManager
	sink       Sink
	replicator Replicator
	metaData   *MetaDataManager
	notifier   func(client dso.NodeID, n dna.Notify)

	listenerMu sync.RWMutex
	listeners  []Listener

	// applies are serialized so global order agrees with object version order.
	applyMu sync.Mutex

	mu         sync.Mutex
	records    map[dso.ServerTransactionID]*record
	sequencers map[dso.NodeID]*sequencer
	retired    *lru.Cache // sequencers of disconnected clients
	completed  *lru.Cache
	inFlight   map[dso.ObjectID]int
	lastGlobal dso.GlobalTransactionID
	unapplied  int
	idle       chan struct{}
	stats      Stats
}

func NewManager(c Config) (*Manager, error) {
	if c.Store == nil || c.Clients == nil || c.Sink == nil {
		return nil, fmt.Errorf("transaction manager requires a store, client state and sink")
	}
	window := c.DedupWindow
	if window <= 0 {
		window = DefaultDedupWindow
	}
	m := &Manager{
		store:      c.Store,
		clients:    c.Clients,
		sink:       c.Sink,
		replicator: c.Replicator,
		metaData:   c.MetaData,
		notifier:   c.Notifier,
		records:    make(map[dso.ServerTransactionID]*record),
		sequencers: make(map[dso.NodeID]*sequencer),
		retired:    lru.New(window),
		completed:  lru.New(window),
		inFlight:   make(map[dso.ObjectID]int),
		idle:       make(chan struct{}),
	}
	close(m.idle)
	return m, nil
}

// AddListener registers a listener.
func (m *Manager) AddListener(l Listener) {
	m.listenerMu.Lock()
	m.listeners = append(m.listeners, l)
	m.listenerMu.Unlock()
}

// RemoveListener unregisters a listener.
func (m *Manager) RemoveListener(l Listener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	for i, cur := range m.listeners {
		if cur == l {
			m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
			return
		}
	}
}

func (m *Manager) listenerSnapshot() []Listener {
	m.listenerMu.RLock()
	defer m.listenerMu.RUnlock()
	return append([]Listener(nil), m.listeners...)
}

// sequencerFor returns the origin's sequencer.  A reconnecting client resumes the
// sequencer it had before disconnecting; otherwise a new one starts past lwm.
// Requires m.mu.
func (m *Manager) sequencerFor(origin dso.NodeID, lwm dso.TransactionID) *sequencer {
	if seq, found := m.sequencers[origin]; found {
		return seq
	}
	var seq *sequencer
	if v, found := m.retired.Get(origin); found {
		seq = v.(*sequencer)
		m.retired.Remove(origin)
	} else {
		seq = newSequencer(lwm)
	}
	m.sequencers[origin] = seq
	return seq
}

// lookupSequencer returns the origin's sequencer, connected or not.
// Requires m.mu.
func (m *Manager) lookupSequencer(origin dso.NodeID) (*sequencer, bool) {
	if seq, found := m.sequencers[origin]; found {
		return seq, true
	}
	if v, found := m.retired.Get(origin); found {
		return v.(*sequencer), true
	}
	return nil, false
}

// Requires m.mu.
func (m *Manager) addUnapplied(delta int) {
	wasIdle := m.unapplied == 0
	m.unapplied += delta
	switch {
	case wasIdle && m.unapplied > 0:
		m.idle = make(chan struct{})
	case !wasIdle && m.unapplied == 0:
		close(m.idle)
	}
}

// Requires m.mu.
func (m *Manager) addInFlight(refs dso.ObjectIDSet) {
	for id := range refs {
		m.inFlight[id]++
	}
}

// Requires m.mu.
func (m *Manager) removeInFlight(refs dso.ObjectIDSet) {
	for id := range refs {
		if n := m.inFlight[id]; n > 1 {
			m.inFlight[id] = n - 1
		} else {
			delete(m.inFlight, id)
		}
	}
}

// Incoming records the transactions of a batch as RECEIVED and returns those that are
// now ready to apply, in the order they must be applied.  Resends of transactions
// still in progress are dropped and resends of completed transactions are
// acknowledged again.
func (m *Manager) Incoming(b *dna.Batch) []dso.ServerTransactionID {
	var ready []dso.ServerTransactionID
	var reacks []dso.TransactionID

	m.mu.Lock()
	seq := m.sequencerFor(b.Source, b.Acknowledged)
	for _, txn := range b.Txns {
		stxID := dso.NewServerTransactionID(b.Source, txn.TxnID)
		if _, found := m.records[stxID]; found {
			m.stats.Duplicates++
			continue
		}
		if final, done := m.completed.Get(stxID); done || txn.TxnID < seq.next {
			m.stats.Duplicates++
			if final != Failed {
				reacks = append(reacks, txn.TxnID)
			}
			if done {
				if final != Failed {
					seq.markApplied(txn.TxnID)
				}
				for _, rr := range seq.skipTo(txn.TxnID) {
					ready = append(ready, rr.id)
				}
			}
			continue
		}
		r := &record{id: stxID, txn: txn, state: Received, refs: txn.References()}
		m.records[stxID] = r
		m.addInFlight(r.refs)
		m.addUnapplied(1)
		m.stats.Received++
		for _, rr := range seq.receive(r) {
			ready = append(ready, rr.id)
		}
	}
	m.mu.Unlock()

	for _, txnID := range reacks {
		dso.Debugf("re-acknowledging resent txn %s:%d\n", b.Source, txnID)
		m.sink.Acknowledge(b.Source, txnID)
	}
	return ready
}

// Apply applies a RECEIVED transaction.  Transactions of one origin must be applied in
// the order Incoming returned them.  A rejected apply marks the transaction FAILED and
// returns the store's error.
func (m *Manager) Apply(stxID dso.ServerTransactionID) error {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	m.mu.Lock()
	r, found := m.records[stxID]
	if !found {
		m.mu.Unlock()
		return fmt.Errorf("apply of %s: %w", stxID, ErrUnknownTransaction)
	}
	if r.state != Received {
		m.mu.Unlock()
		return fmt.Errorf("apply of %s in state %s", stxID, r.state)
	}
	m.mu.Unlock()

	info := objectstore.NewApplyInfo()
	if err := m.applyChanges(r.id, r.txn, info, false); err != nil {
		m.fail(r, err)
		return err
	}
	if r.id.Source.IsClient() {
		m.clients.AddReferences(r.id.Source, dso.NewObjectIDSet(r.txn.ObjectIDs()...))
	}

	m.mu.Lock()
	m.lastGlobal++
	r.global = m.lastGlobal
	r.state = Applied
	r.broadcastPending = true
	processMetaData := len(r.txn.MetaData) != 0 && m.metaData != nil
	r.metaDataPending = processMetaData
	syncWrite := r.txn.Type == dna.TxnSyncWrite && m.replicator != nil
	r.replicationPending = syncWrite
	m.addUnapplied(-1)
	m.stats.Applied++
	if seq, found := m.lookupSequencer(r.id.Source); found {
		seq.markApplied(r.id.TxnID)
	}
	m.mu.Unlock()

	if m.replicator != nil {
		awaitAck := m.replicator.Replicate(&AppliedTxn{GlobalID: r.global, ID: r.id, Txn: r.txn})
		if syncWrite && !awaitAck {
			m.mu.Lock()
			r.replicationPending = false
			m.mu.Unlock()
		}
	}
	for _, l := range m.listenerSnapshot() {
		l.TransactionApplied(r.id, info)
	}
	if m.notifier != nil {
		for _, n := range r.txn.Notifies {
			m.notifier(r.id.Source, n)
		}
	}
	m.broadcast(r, info)

	m.mu.Lock()
	r.broadcastPending = false
	m.mu.Unlock()

	if processMetaData {
		m.metaData.ProcessMetaDatas(r.id, r.txn.MetaData, func() {
			m.ProcessingMetaDataCompleted(r.id)
		})
	}
	m.Acknowledge(r.id)
	return nil
}

func (m *Manager) applyChanges(stxID dso.ServerTransactionID, txn *dna.TxnRecord, info *objectstore.ApplyInfo, isPassiveIgnore bool) error {
	if _, err := m.store.ApplyAll(txn.Changes, stxID, info, nil, isPassiveIgnore); err != nil {
		return err
	}
	for _, root := range txn.NewRoots {
		if err := m.store.AddRoot(root.Name, root.ID); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) fail(r *record, err error) {
	dso.Errorf("transaction manager: txn %s failed: %v\n", r.id, err)
	m.mu.Lock()
	r.state = Failed
	delete(m.records, r.id)
	m.completed.Add(r.id, Failed)
	m.removeInFlight(r.refs)
	m.addUnapplied(-1)
	m.stats.Failed++
	m.mu.Unlock()
	for _, l := range m.listenerSnapshot() {
		l.TransactionCompleted(r.id, Failed)
	}
}

// broadcast sends every other client the changes to objects it holds, the objects
// those changes newly reference, and invalidations through collections it holds.
func (m *Manager) broadcast(r *record, info *objectstore.ApplyInfo) {
	for _, client := range m.clients.Clients() {
		if client == r.id.Source {
			continue
		}
		lookup := dso.NewObjectIDSet()
		changes := m.clients.CreatePrunedChangesAndAddObjectIDTo(r.txn.Changes, info, client, lookup)
		inv := m.clients.InvalidationsFor(client, info.Invalidations)
		if len(changes) == 0 && len(lookup) == 0 && inv.IsEmpty() {
			continue
		}
		msg := &Broadcast{ID: r.id, GlobalID: r.global, Changes: changes, Invalidations: inv}
		for _, id := range lookup.Sorted() {
			d, err := m.store.Dehydrate(id)
			if err != nil {
				dso.Warningf("transaction manager: unable to send %s to %s: %v\n", id, client, err)
				lookup.Remove(id)
				continue
			}
			msg.Objects = append(msg.Objects, d)
		}
		m.clients.AddReferences(client, lookup)
		m.sink.Broadcast(client, msg)
	}
	info.Invalidations.Clear()
}

// ProcessingMetaDataCompleted is called once all metadata readers of a transaction have
// finished.
func (m *Manager) ProcessingMetaDataCompleted(stxID dso.ServerTransactionID) {
	m.mu.Lock()
	if r, found := m.records[stxID]; found {
		r.metaDataPending = false
	}
	m.mu.Unlock()
	if _, err := m.Acknowledge(stxID); err != nil {
		dso.Debugf("metadata completion for %s: %v\n", stxID, err)
	}
}

// ReplicationAcknowledged is called once the passives have applied a synchronous write.
func (m *Manager) ReplicationAcknowledged(stxID dso.ServerTransactionID) {
	m.mu.Lock()
	if r, found := m.records[stxID]; found {
		r.replicationPending = false
	}
	m.mu.Unlock()
	if _, err := m.Acknowledge(stxID); err != nil {
		dso.Debugf("replication ack for %s: %v\n", stxID, err)
	}
}

// Acknowledge moves an APPLIED transaction to ACKNOWLEDGED, acknowledging it to its
// origin, if nothing is outstanding for it.  It returns false if the transaction is
// still waiting on broadcast, metadata processing or replication.
func (m *Manager) Acknowledge(stxID dso.ServerTransactionID) (bool, error) {
	m.mu.Lock()
	r, found := m.records[stxID]
	if !found {
		m.mu.Unlock()
		return false, fmt.Errorf("acknowledge of %s: %w", stxID, ErrUnknownTransaction)
	}
	if r.state != Applied || r.broadcastPending || r.metaDataPending || r.replicationPending {
		m.mu.Unlock()
		return false, nil
	}
	r.state = Acknowledged
	delete(m.records, stxID)
	m.completed.Add(stxID, Acknowledged)
	m.removeInFlight(r.refs)
	m.stats.Acknowledged++
	m.mu.Unlock()

	if m.clients.IsConnected(stxID.Source) {
		m.sink.Acknowledge(stxID.Source, stxID.TxnID)
	}
	for _, l := range m.listenerSnapshot() {
		l.TransactionCompleted(stxID, Acknowledged)
	}
	return true, nil
}

// ApplyReplicated applies a transaction streamed from the active server on a passive.
// With catchUp set, as for resends and journal replay, changes the store already has
// are skipped instead of rejected.
func (m *Manager) ApplyReplicated(txn *AppliedTxn, catchUp bool) error {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	info := objectstore.NewApplyInfo()
	if err := m.applyChanges(txn.ID, txn.Txn, info, catchUp); err != nil {
		return err
	}
	m.mu.Lock()
	if txn.GlobalID > m.lastGlobal {
		m.lastGlobal = txn.GlobalID
	}
	m.completed.Add(txn.ID, Acknowledged)
	seq := m.sequencerFor(txn.ID.Source, txn.ID.TxnID-1)
	seq.skipTo(txn.ID.TxnID)
	seq.markApplied(txn.ID.TxnID)
	m.stats.Applied++
	m.mu.Unlock()

	for _, l := range m.listenerSnapshot() {
		l.TransactionApplied(txn.ID, info)
	}
	return nil
}

// ClientConnected registers a client and the objects it holds.
func (m *Manager) ClientConnected(client dso.NodeID, refs dso.ObjectIDSet) {
	if !m.clients.StartupClient(client, refs) {
		dso.Warningf("transaction manager: client %s connected twice\n", client)
	}
}

// ClientDisconnected drops a client's held objects and its transactions that were not
// yet released for apply.  Released transactions still complete, and the client's
// release point and low water mark are kept for when it reconnects and resends.
func (m *Manager) ClientDisconnected(client dso.NodeID) {
	m.clients.ShutdownClient(client)

	m.mu.Lock()
	var dropped int
	if seq, found := m.sequencers[client]; found {
		for _, r := range seq.pending {
			delete(m.records, r.id)
			m.removeInFlight(r.refs)
			m.addUnapplied(-1)
			dropped++
		}
		seq.pending = make(map[dso.TransactionID]*record)
		delete(m.sequencers, client)
		m.retired.Add(client, seq)
	}
	m.mu.Unlock()
	if dropped != 0 {
		dso.Infof("transaction manager: dropped %d unapplied txns of disconnected client %s\n", dropped, client)
	}
}

// LowWaterMark returns the highest transaction of an origin below which every
// transaction has been applied.
func (m *Manager) LowWaterMark(origin dso.NodeID) dso.TransactionID {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq, found := m.lookupSequencer(origin); found {
		return seq.lwm
	}
	return 0
}

// InFlightReferences returns the objects referenced by transactions that have been
// received but not completed.
func (m *Manager) InFlightReferences() dso.ObjectIDSet {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := dso.NewObjectIDSet()
	for id := range m.inFlight {
		ids.Add(id)
	}
	return ids
}

// Idle returns a channel that is closed when no received transaction is waiting to be
// applied.
func (m *Manager) Idle() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.idle
}

// LastGlobalID returns the global ID of the most recently applied transaction.
func (m *Manager) LastGlobalID() dso.GlobalTransactionID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastGlobal
}

// State returns the state of a transaction in progress or still in the window of
// recently completed transactions.
func (m *Manager) State(stxID dso.ServerTransactionID) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, found := m.records[stxID]; found {
		return r.state, nil
	}
	if final, found := m.completed.Get(stxID); found {
		return final.(State), nil
	}
	return 0, fmt.Errorf("state of %s: %w", stxID, ErrUnknownTransaction)
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := m.stats
	stats.Pending = len(m.records)
	stats.InFlight = len(m.inFlight)
	stats.LastGlobalID = m.lastGlobal
	return stats
}

// TxnInfo describes a transaction in progress.
type TxnInfo struct {
	ID       string
	State    string
	Type     string
	GlobalID dso.GlobalTransactionID
	Changes  int
}

// Transactions returns the transactions in progress ordered by ID.
func (m *Manager) Transactions() []TxnInfo {
	m.mu.Lock()
	infos := make([]TxnInfo, 0, len(m.records))
	for _, r := range m.records {
		infos = append(infos, TxnInfo{
			ID:       r.id.String(),
			State:    r.state.String(),
			Type:     r.txn.Type.String(),
			GlobalID: r.global,
			Changes:  len(r.txn.Changes),
		})
	}
	m.mu.Unlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}
