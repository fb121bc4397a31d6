package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/janelia-flyem/dso/dna"
	"github.com/janelia-flyem/dso/dso"
	"github.com/janelia-flyem/dso/lock"
	"github.com/janelia-flyem/dso/message"
	"github.com/janelia-flyem/dso/objectstore"
	"github.com/janelia-flyem/dso/replication"
	"github.com/janelia-flyem/dso/rpc"
)

// ErrNotActive is returned for client requests made to a server that isn't active.
var ErrNotActive = errors.New("server is not active")

type commitEvent struct {
	node dso.NodeID
	data []byte
}

type objectEvent struct {
	session dso.SessionID
	node    dso.NodeID
	req     message.ObjectRequest
}

// Open implements rpc.Handler.  Clients are accepted only by an active server and are
// handed a batch of object IDs.  Peer servers are always accepted.
func (s *Server) Open(clientAddr string, hs *message.Handshake) (*message.HandshakeAck, error) {
	ack := &message.HandshakeAck{
		Server:   s.node,
		Protocol: dso.ProtocolVersion.String(),
		Instance: s.instance,
	}
	ok, err := dso.CompatibleProtocol(hs.Protocol)
	if err != nil || !ok {
		ack.Reason = fmt.Sprintf("protocol %q is not compatible with %s", hs.Protocol, dso.ProtocolVersion)
		dso.Warningf("Refused %s at %s: %s\n", hs.Node, clientAddr, ack.Reason)
		return ack, nil
	}
	switch {
	case hs.Node.IsServer():
		if hs.Node == s.node {
			ack.Reason = fmt.Sprintf("server %s can't connect to itself", hs.Node)
			return ack, nil
		}
	case hs.Node.IsClient():
		if state := s.role.State(); state != replication.ActiveState {
			ack.Reason = fmt.Sprintf("server %s is %s", s.node, state)
			return ack, nil
		}
		start, end, err := s.ids.NextBatch(s.config.Server.IDBatch)
		if err != nil {
			return nil, err
		}
		ack.IDStart, ack.IDEnd = start, end
		s.txns.ClientConnected(hs.Node, dso.NewObjectIDSet(hs.Objects...))
		dso.Infof("Client %s connected from %s holding %d objects\n", hs.Node, clientAddr, len(hs.Objects))
	default:
		ack.Reason = fmt.Sprintf("bad node %s", hs.Node)
		return ack, nil
	}
	ack.Accepted = true
	return ack, nil
}

// Closed implements rpc.Handler.
func (s *Server) Closed(session dso.SessionID, node dso.NodeID) {
	if node.IsClient() {
		s.txns.ClientDisconnected(node)
		s.locks.ClearClient(node)
		dso.Infof("Client %s disconnected\n", node)
		return
	}
	if s.role.State() == replication.PassiveStandby && s.followed(node) {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.failover(node)
		}()
	}
}

// Handle implements rpc.Handler.
func (s *Server) Handle(session dso.SessionID, f message.Frame) (message.Frame, error) {
	node, err := s.rpc.Node(session)
	if err != nil {
		return message.Frame{}, err
	}
	switch f.Type {
	case message.CommitBatchType, message.LockRequestType, message.LockReleaseType,
		message.RecallCommitType, message.LockWaitType, message.LockNotifyType, message.ObjectRequestType:
		if !node.IsClient() {
			return message.Frame{}, fmt.Errorf("%s sent by non-client %s", f.Type, node)
		}
		if s.role.State() != replication.ActiveState {
			return message.Frame{}, ErrNotActive
		}
		return s.handleClient(session, node, f)

	case message.EnrollmentType:
		return s.handleEnrollment(session, f)

	case message.ObjectSyncType, message.ReplicatedTxnType, message.GCResultType:
		if !node.IsServer() {
			return message.Frame{}, fmt.Errorf("%s sent by non-server %s", f.Type, node)
		}
		if s.role.State() == replication.ActiveState {
			return message.Frame{}, fmt.Errorf("active server %s got %s from %s", s.node, f.Type, node)
		}
		s.passive.Connected(node)
		return s.passive.Handle(f)

	default:
		return message.Frame{}, fmt.Errorf("unexpected %s from %s", f.Type, node)
	}
}

func (s *Server) handleClient(session dso.SessionID, node dso.NodeID, f message.Frame) (message.Frame, error) {
	switch f.Type {
	case message.CommitBatchType:
		var msg message.CommitBatch
		if err := f.Decode(&msg); err != nil {
			return message.Frame{}, err
		}
		return message.Frame{}, s.commits.AddEvent(s.ctx, commitEvent{node: node, data: msg.Batch})

	case message.LockRequestType:
		var msg message.LockRequest
		if err := f.Decode(&msg); err != nil {
			return message.Frame{}, err
		}
		level := lock.Level(msg.Level)
		var result lock.Result
		if msg.Try && msg.Timeout >= 0 {
			result = s.locks.TryLock(msg.Lock, node, msg.Thread, level, s.waitLimit(msg.Timeout))
		} else {
			result = s.locks.Request(msg.Lock, node, msg.Thread, level)
		}
		return replyFrame(session, message.LockResponseType, &message.LockResponse{
			Lock:   msg.Lock,
			Thread: msg.Thread,
			Level:  msg.Level,
			Status: uint8(result.Status),
			Greedy: result.Greedy,
		})

	case message.LockReleaseType:
		var msg message.LockRelease
		if err := f.Decode(&msg); err != nil {
			return message.Frame{}, err
		}
		status := s.locks.Release(msg.Lock, node, msg.Thread)
		return replyFrame(session, message.LockResponseType, &message.LockResponse{
			Lock:   msg.Lock,
			Thread: msg.Thread,
			Status: uint8(status),
		})

	case message.RecallCommitType:
		var msg message.RecallCommit
		if err := f.Decode(&msg); err != nil {
			return message.Frame{}, err
		}
		contexts := make([]lock.ClientContext, len(msg.Contexts))
		for i, lc := range msg.Contexts {
			contexts[i] = lock.ClientContext{
				Thread:  lc.Thread,
				Level:   lock.Level(lc.Level),
				State:   lock.ContextState(lc.State),
				Count:   int(lc.Count),
				Timeout: s.waitLimit(lc.Timeout),
			}
		}
		return message.Frame{}, s.locks.RecallCommit(msg.Lock, node, contexts)

	case message.LockWaitType:
		var msg message.LockWait
		if err := f.Decode(&msg); err != nil {
			return message.Frame{}, err
		}
		return message.Frame{}, s.locks.Wait(msg.Lock, node, msg.Thread, s.waitLimit(msg.Timeout))

	case message.LockNotifyType:
		var msg message.LockNotify
		if err := f.Decode(&msg); err != nil {
			return message.Frame{}, err
		}
		s.locks.Notify(msg.Lock, node, msg.Thread, msg.All)
		return message.Frame{}, nil

	case message.ObjectRequestType:
		ev := objectEvent{session: session, node: node}
		if err := f.Decode(&ev.req); err != nil {
			return message.Frame{}, err
		}
		return message.Frame{}, s.objects.AddEvent(s.ctx, ev)
	}
	return message.Frame{}, fmt.Errorf("unexpected %s from %s", f.Type, node)
}

// waitLimit converts a client timeout in milliseconds, capped by the configured
// maximum wait.
func (s *Server) waitLimit(ms int64) time.Duration {
	if max := s.config.Lock.MaxWaitMs; max > 0 && ms > max {
		ms = max
	}
	return millis(ms)
}

func replyFrame(session dso.SessionID, t message.Type, p message.Payload) (message.Frame, error) {
	f, err := message.NewFrame(session, t, p)
	if err != nil {
		return message.Frame{}, err
	}
	return *f, nil
}

// handleCommit decodes a client's batch and queues the transactions that are ready.
func (s *Server) handleCommit(event interface{}) error {
	ev := event.(commitEvent)
	b, err := dna.DecodeBatch(ev.data)
	if err != nil {
		dso.Errorf("Bad commit batch from %s: %v\n", ev.node, err)
		return err
	}
	if b.Source != ev.node {
		dso.Warningf("Batch %d from %s claimed source %s\n", b.ID, ev.node, b.Source)
		b.Source = ev.node
	}
	for _, stxID := range s.txns.Incoming(b) {
		if err := s.applies.AddEvent(context.Background(), stxID); err != nil {
			return fmt.Errorf("unable to queue apply of %s: %v", stxID, err)
		}
	}
	return nil
}

func (s *Server) handleApply(event interface{}) error {
	return s.txns.Apply(event.(dso.ServerTransactionID))
}

// handleObjectRequest sends a client the objects it asked for, optionally looking up a
// root by name.
func (s *Server) handleObjectRequest(event interface{}) error {
	ev := event.(objectEvent)
	resp := &message.ObjectResponse{RequestID: ev.req.RequestID}
	ids := ev.req.IDs
	if ev.req.Root != "" {
		if id, found := s.store.RootID(ev.req.Root); found {
			resp.RootID = id
			ids = append(ids, id)
		}
	}
	var found []*dna.DNA
	sent := dso.NewObjectIDSet()
	for _, id := range ids {
		if sent.Contains(id) {
			continue
		}
		d, err := s.store.Dehydrate(id)
		if err != nil {
			var missing *objectstore.NoSuchObjectError
			if errors.As(err, &missing) {
				resp.Missing = append(resp.Missing, id)
				continue
			}
			return err
		}
		sent.Add(id)
		found = append(found, d)
	}
	if len(found) != 0 {
		data, err := dna.EncodeDNAs(found, s.compress)
		if err != nil {
			return err
		}
		resp.Objects = data
		s.clients.AddReferences(ev.node, sent)
	}
	if err := s.rpc.Send(ev.session, message.ObjectResponseType, resp); err != nil {
		dso.Debugf("Dropped object response %d to %s: %v\n", ev.req.RequestID, ev.node, err)
	}
	return nil
}

// handleEnrollment records a peer's vote.  An active server answers with its own
// enrollment so the peer follows it.
func (s *Server) handleEnrollment(session dso.SessionID, f message.Frame) (message.Frame, error) {
	var msg message.Enrollment
	if err := f.Decode(&msg); err != nil {
		return message.Frame{}, err
	}
	if s.role.State() == replication.ActiveState {
		self := replication.NewEnrollment(s.node, s.instance, false, s.config.Server.Weights...).Message()
		self.Active = true
		return replyFrame(session, message.EnrollmentType, self)
	}
	if !s.election.Vote(replication.EnrollmentFromMessage(&msg)) {
		dso.Debugf("Ignoring enrollment of %s outside of an election\n", msg.Node)
		return message.Frame{}, nil
	}
	s.mu.Lock()
	self := s.self
	s.mu.Unlock()
	if self.Node.IsNil() {
		return message.Frame{}, nil
	}
	return replyFrame(session, message.EnrollmentType, self.Message())
}

// elect runs an election among the group and takes the resulting role.
func (s *Server) elect(ctx context.Context) error {
	s.mu.Lock()
	s.activePeer = dso.NilNodeID
	s.mu.Unlock()

	isNew := s.created && s.role.State() != replication.PassiveStandby
	self := replication.NewEnrollment(s.node, s.instance, isNew, s.config.Server.Weights...)
	winner, err := s.election.Run(ctx, self, s.announce)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	s.mu.Lock()
	active := s.activePeer
	s.mu.Unlock()
	s.events.LogActivity(map[string]interface{}{
		"Action": "election",
		"Server": s.node.String(),
		"Winner": winner.Node.String(),
		"Active": active.String(),
	})
	if active.IsNil() && winner.Node == s.node {
		return s.becomeActive()
	}
	if active.IsNil() {
		active = winner.Node
	}
	dso.Infof("Server %s is passive, following %s\n", s.node, active)
	if s.role.State() == replication.StartState {
		return s.role.Move(replication.PassiveUninitialized)
	}
	return nil
}

// announce sends this server's enrollment to each peer.  Peers in the same election
// answer with their own enrollment.
func (s *Server) announce(e replication.Enrollment) {
	s.mu.Lock()
	s.self = e
	s.mu.Unlock()
	hs := &message.Handshake{Node: s.node, Protocol: dso.ProtocolVersion.String(), Instance: s.instance}
	for _, addr := range s.config.peers() {
		s.wg.Add(1)
		go func(addr string) {
			defer s.wg.Done()
			session, err := rpc.NewSession(addr, hs)
			if err != nil {
				dso.Debugf("Unable to send enrollment to %s: %v\n", addr, err)
				return
			}
			defer session.Close()
			reply, err := session.Send(message.EnrollmentType, e.Message())
			if err != nil {
				dso.Warningf("Enrollment refused by %s: %v\n", addr, err)
				return
			}
			if reply == nil || reply.Type != message.EnrollmentType {
				return
			}
			var peer message.Enrollment
			if err := reply.Decode(&peer); err != nil {
				dso.Warningf("Bad enrollment from %s: %v\n", addr, err)
				return
			}
			if !peer.Active {
				s.election.Vote(replication.EnrollmentFromMessage(&peer))
				return
			}
			s.mu.Lock()
			s.activePeer = peer.Node
			s.mu.Unlock()
			dso.Infof("Server %s at %s is already active\n", peer.Node, addr)
		}(addr)
	}
}

// followed returns true if node is the active server streaming to this passive.
func (s *Server) followed(node dso.NodeID) bool {
	return node.IsServer() && node == s.passive.Active()
}

// failover elects a new active server if the one this passive follows doesn't
// reconnect within the election timeout.
func (s *Server) failover(active dso.NodeID) {
	timer := time.NewTimer(millis(s.config.Replication.ElectionTimeoutMs))
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-s.ctx.Done():
		return
	}
	if _, found := s.rpc.Session(active); found {
		return
	}
	dso.Warningf("Lost active server %s, holding an election\n", active)
	if err := s.elect(s.ctx); err != nil {
		dso.Errorf("Failover election failed: %v\n", err)
	}
}
