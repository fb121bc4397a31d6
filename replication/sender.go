package replication

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/janelia-flyem/dso/dna"
	"github.com/janelia-flyem/dso/dso"
	"github.com/janelia-flyem/dso/message"
	"github.com/janelia-flyem/dso/objectstore"
	"github.com/janelia-flyem/dso/storage"
)

type senderState uint8

const (
	disconnected senderState = iota
	syncing
	streaming
)

func (s senderState) String() string {
	switch s {
	case disconnected:
		return "disconnected"
	case syncing:
		return "syncing"
	case streaming:
		return "standby"
	default:
		return "unknown"
	}
}

// item is a transaction or a gc result in the stream to a passive.
type item struct {
	global    dso.GlobalTransactionID
	txn       *message.ReplicatedTxn
	syncWrite bool
	gc        *message.GCResult
}

// sender streams to one passive, reconnecting with backoff after failures.
type sender struct {
	c    *Coordinator
	addr string

	mu       sync.Mutex
	state    senderState
	node     dso.NodeID
	queue    []item
	lastSent dso.GlobalTransactionID
	resyncs  int
	ready    chan struct{}
}

func newSender(c *Coordinator, addr string) *sender {
	return &sender{c: c, addr: addr, ready: make(chan struct{}, 1)}
}

func (s *sender) wake() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// enqueue adds an item to the stream.  Transactions are dropped while the passive is
// disconnected since its next resync replays them from the journal.  It returns true
// if the passive is in standby.
func (s *sender) enqueue(it item) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == disconnected {
		return false
	}
	s.queue = append(s.queue, it)
	s.wake()
	return s.state == streaming
}

func (s *sender) standby() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == streaming
}

func (s *sender) info() PassiveInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return PassiveInfo{
		Address:  s.addr,
		Node:     s.node,
		State:    s.state.String(),
		Queued:   len(s.queue),
		LastSent: s.lastSent,
		Resyncs:  s.resyncs,
	}
}

func (s *sender) setState(state senderState) {
	s.mu.Lock()
	s.state = state
	if state == disconnected {
		s.queue = nil
	}
	s.mu.Unlock()
}

func (s *sender) stopped() bool {
	select {
	case <-s.c.stop:
		return true
	default:
		return false
	}
}

func (s *sender) run() {
	defer s.c.wg.Done()
	backoff := s.c.retryMin
	for !s.stopped() {
		conn, err := s.connect()
		if err != nil {
			dso.Warningf("replication: unable to reach passive %s, retrying in %s: %v\n", s.addr, backoff, err)
			select {
			case <-time.After(backoff):
			case <-s.c.stop:
				return
			}
			if backoff *= 2; backoff > s.c.retryMax {
				backoff = s.c.retryMax
			}
			continue
		}
		backoff = s.c.retryMin

		err = s.resync(conn)
		if err == nil {
			err = s.stream(conn)
		}
		s.setState(disconnected)
		s.c.dropped(s)
		conn.Close()
		if err != nil && !s.stopped() {
			dso.Errorf("replication: lost passive %s: %v\n", s.addr, err)
			s.c.events.LogActivity(map[string]interface{}{
				"Action":  "passive-lost",
				"Passive": s.addr,
				"Error":   err.Error(),
			})
		}
	}
}

func (s *sender) connect() (Conn, error) {
	hs := &message.Handshake{Node: s.c.self, Protocol: s.c.protocol, Instance: s.c.instance}
	conn, err := s.c.dialer.Dial(s.addr, hs)
	if err != nil {
		return nil, err
	}
	if session, ok := conn.(interface{ Ack() message.HandshakeAck }); ok {
		s.mu.Lock()
		s.node = session.Ack().Server
		s.mu.Unlock()
	}
	return conn, nil
}

// resync sends the full object state followed by the journaled transactions applied
// since.  Items queued meanwhile that were covered by the resync are dropped.
func (s *sender) resync(conn Conn) error {
	s.mu.Lock()
	s.state = syncing
	s.queue = nil
	s.resyncs++
	s.mu.Unlock()

	tlog := dso.NewTimeLog()
	var snapshot dso.GlobalTransactionID
	if s.c.txns != nil {
		snapshot = s.c.txns.LastGlobalID()
	}
	ids, err := s.c.store.AllObjectIDs()
	if err != nil {
		return err
	}
	sorted := ids.Sorted()
	for start := 0; start < len(sorted); start += s.c.syncChunk {
		end := start + s.c.syncChunk
		if end > len(sorted) {
			end = len(sorted)
		}
		ds := make([]*dna.DNA, 0, end-start)
		for _, id := range sorted[start:end] {
			d, err := s.c.store.Dehydrate(id)
			if err != nil {
				var missing *objectstore.NoSuchObjectError
				if errors.As(err, &missing) {
					continue
				}
				return err
			}
			ds = append(ds, d)
		}
		data, err := dna.EncodeDNAs(ds, s.c.compress)
		if err != nil {
			return err
		}
		if _, err := conn.Send(message.ObjectSyncType, &message.ObjectSync{Objects: data}); err != nil {
			return fmt.Errorf("object sync: %v", err)
		}
		if s.stopped() {
			return nil
		}
	}
	last := &message.ObjectSync{Last: true, GlobalID: snapshot}
	for name, id := range s.c.store.Roots() {
		last.Roots = append(last.Roots, message.RootBinding{Name: name, ID: id})
	}
	if _, err := conn.Send(message.ObjectSyncType, last); err != nil {
		return fmt.Errorf("object sync: %v", err)
	}

	replayed := snapshot
	if s.c.journal != nil {
		err := s.c.journal.StreamAll(JournalTopic, func(msg storage.LogMessage) error {
			if msg.EntryType != journalTxnEntry {
				return nil
			}
			var txn message.ReplicatedTxn
			if _, err := txn.UnmarshalMsg(msg.Data); err != nil {
				return err
			}
			if txn.GlobalID <= replayed {
				return nil
			}
			txn.CatchUp = true
			if err := s.sendTxn(conn, &txn, false); err != nil {
				return err
			}
			replayed = txn.GlobalID
			return nil
		})
		if err != nil {
			return fmt.Errorf("journal replay: %v", err)
		}
	}

	s.mu.Lock()
	var kept []item
	for _, it := range s.queue {
		if it.txn != nil && it.global <= replayed {
			continue
		}
		kept = append(kept, it)
	}
	s.queue = kept
	s.state = streaming
	if replayed > s.lastSent {
		s.lastSent = replayed
	}
	s.mu.Unlock()
	tlog.Infof("replication: passive %s initialized with %d objects through global txn %d\n", s.addr, len(sorted), replayed)
	s.c.events.LogActivity(map[string]interface{}{
		"Action":   "passive-synced",
		"Passive":  s.addr,
		"Objects":  len(sorted),
		"GlobalID": uint64(replayed),
	})
	return nil
}

// stream sends queued items until a send fails or the coordinator stops.
func (s *sender) stream(conn Conn) error {
	for {
		s.mu.Lock()
		queue := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, it := range queue {
			if s.stopped() {
				return nil
			}
			if it.gc != nil {
				if _, err := conn.Send(message.GCResultType, it.gc); err != nil {
					return fmt.Errorf("gc result %d: %v", it.gc.Iteration, err)
				}
				continue
			}
			if err := s.sendTxn(conn, it.txn, it.syncWrite); err != nil {
				return err
			}
		}
		select {
		case <-s.ready:
		case <-s.c.stop:
			return nil
		}
	}
}

func (s *sender) sendTxn(conn Conn, txn *message.ReplicatedTxn, syncWrite bool) error {
	reply, err := conn.Send(message.ReplicatedTxnType, txn)
	if err != nil {
		return fmt.Errorf("txn %s: %v", txn.ID, err)
	}
	if reply == nil || reply.Type != message.PassiveAckType {
		return fmt.Errorf("txn %s: passive did not acknowledge", txn.ID)
	}
	var ack message.PassiveAck
	if err := reply.Decode(&ack); err != nil {
		return err
	}
	if ack.ID != txn.ID {
		return fmt.Errorf("passive acknowledged %s instead of %s", ack.ID, txn.ID)
	}
	s.mu.Lock()
	if txn.GlobalID > s.lastSent {
		s.lastSent = txn.GlobalID
	}
	s.mu.Unlock()
	if syncWrite {
		s.c.acked(s, txn.ID)
	}
	return nil
}
