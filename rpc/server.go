/*
	Package rpc carries message frames between nodes over gorpc.

	A client opens a session with a handshake frame.  Frames sent by the client are
	handed to the server's Handler, which may answer with a reply frame.  Frames the
	server sends on its own (awards, broadcasts, acknowledgements) are queued per
	session and collected by the client through long polls.
*/

package rpc

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/janelia-flyem/dso/dso"
	"github.com/janelia-flyem/dso/message"

	"github.com/valyala/gorpc"
)

const (
	// The default address for messaging to this server
	DefaultAddress = "localhost:8002"

	// DefaultPollWait is how long a poll waits for frames before returning empty.
	DefaultPollWait = 500 * time.Millisecond

	// DefaultOutboxSize is the number of undelivered frames a session may queue.
	DefaultOutboxSize = 4096
)

var (
	ErrServerStopped = errors.New("rpc server is stopped")
	ErrBadSession    = errors.New("bad session id; not found on server")
	ErrOutboxFull    = errors.New("session outbox is full")
)

const (
	sendNewSession = "NewSession"
	sendEndSession = "EndSession"
	sendDeliver    = "Deliver"
	sendPoll       = "Poll"
)

func init() {
	var f message.Frame
	gorpc.RegisterType(f)
	var fs []message.Frame
	gorpc.RegisterType(fs)
	var s dso.SessionID
	gorpc.RegisterType(s)
	gorpc.SetErrorLogger(dso.Errorf)
}

// Handler serves the frames of a server's sessions.
type Handler interface {
	// Open decides whether to accept a handshake.  The session ID of an accepted ack
	// is filled in by the server.
	Open(clientAddr string, hs *message.Handshake) (*message.HandshakeAck, error)

	// Handle processes a frame from an open session.  A reply with NotSetType is not
	// sent back.
	Handle(session dso.SessionID, f message.Frame) (message.Frame, error)

	// Closed is called once a session has ended or been replaced.
	Closed(session dso.SessionID, node dso.NodeID)
}

type outbox struct {
	mu     sync.Mutex
	frames []message.Frame
	ready  chan struct{}
	closed bool
}

func newOutbox() *outbox {
	return &outbox{ready: make(chan struct{}, 1)}
}

func (o *outbox) push(f message.Frame, max int) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrBadSession
	}
	if len(o.frames) >= max {
		return ErrOutboxFull
	}
	o.frames = append(o.frames, f)
	select {
	case o.ready <- struct{}{}:
	default:
	}
	return nil
}

func (o *outbox) take() []message.Frame {
	o.mu.Lock()
	defer o.mu.Unlock()
	frames := o.frames
	o.frames = nil
	return frames
}

func (o *outbox) close() {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		close(o.ready)
	}
	o.mu.Unlock()
}

type Config struct {
	Address    string
	Handler    Handler
	PollWait   time.Duration
	OutboxSize int
}

// Server accepts sessions on one address.
type Server struct {
	address  string
	handler  Handler
	pollWait time.Duration
	maxQueue int

	dispatcher *gorpc.Dispatcher
	srv        *gorpc.Server
	sessions   *message.Sessions

	mu       sync.RWMutex
	outboxes map[dso.SessionID]*outbox
	stopped  bool
}

func NewServer(c Config) (*Server, error) {
	if c.Handler == nil {
		return nil, fmt.Errorf("rpc server requires a handler")
	}
	if c.Address == "" {
		c.Address = DefaultAddress
	}
	if c.PollWait <= 0 {
		c.PollWait = DefaultPollWait
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = DefaultOutboxSize
	}
	s := &Server{
		address:  c.Address,
		handler:  c.Handler,
		pollWait: c.PollWait,
		maxQueue: c.OutboxSize,
		sessions: message.NewSessions(),
		outboxes: make(map[dso.SessionID]*outbox),
	}
	s.dispatcher = newDispatcher(s)
	return s, nil
}

// clientDispatcher only describes the remote functions to clients.
var clientDispatcher = newDispatcher(&Server{})

func newDispatcher(s *Server) *gorpc.Dispatcher {
	d := gorpc.NewDispatcher()
	d.AddFunc(sendNewSession, s.newSession)
	d.AddFunc(sendEndSession, s.endSession)
	d.AddFunc(sendDeliver, s.deliver)
	d.AddFunc(sendPoll, s.poll)
	return d
}

func (s *Server) Address() string {
	return s.address
}

// Start begins accepting connections.
func (s *Server) Start() error {
	s.srv = gorpc.NewTCPServer(s.address, s.dispatcher.NewHandlerFunc())
	if err := s.srv.Start(); err != nil {
		return fmt.Errorf("unable to start rpc server on %s: %v", s.address, err)
	}
	dso.Infof("rpc server listening on %s\n", s.address)
	return nil
}

// Stop closes every session and halts the server.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	outboxes := s.outboxes
	s.outboxes = make(map[dso.SessionID]*outbox)
	s.mu.Unlock()

	for id, o := range outboxes {
		o.close()
		if node, found := s.sessions.Close(id); found {
			s.handler.Closed(id, node)
		}
	}
	if s.srv != nil {
		s.srv.Stop()
	}
	dso.Infof("halted rpc server on %s after closing %d sessions\n", s.address, len(outboxes))
}

// Send queues a frame for the session's next poll.
func (s *Server) Send(session dso.SessionID, t message.Type, p message.Payload) error {
	f, err := message.NewFrame(session, t, p)
	if err != nil {
		return err
	}
	s.mu.RLock()
	o, found := s.outboxes[session]
	s.mu.RUnlock()
	if !found {
		return ErrBadSession
	}
	return o.push(*f, s.maxQueue)
}

// SendTo queues a frame for the current session of a node.
func (s *Server) SendTo(node dso.NodeID, t message.Type, p message.Payload) error {
	session, found := s.sessions.Session(node)
	if !found {
		return fmt.Errorf("no session for %s: %w", node, ErrBadSession)
	}
	return s.Send(session, t, p)
}

// Sessions returns the number of open sessions.
func (s *Server) Sessions() int {
	return s.sessions.Len()
}

// Node returns the node of an open session.
func (s *Server) Node(session dso.SessionID) (dso.NodeID, error) {
	return s.sessions.Node(session)
}

// Session returns the open session of a node.
func (s *Server) Session(node dso.NodeID) (dso.SessionID, bool) {
	return s.sessions.Session(node)
}

// EndSession closes a session from the server side.
func (s *Server) EndSession(session dso.SessionID) error {
	return s.endSession(session)
}

func (s *Server) newSession(clientAddr string, f message.Frame) (message.Frame, error) {
	if f.Type != message.HandshakeType {
		return message.Frame{}, fmt.Errorf("expected handshake, got %s", f.Type)
	}
	var hs message.Handshake
	if err := f.Decode(&hs); err != nil {
		return message.Frame{}, err
	}
	// The old session of a reconnecting node ends before the handler sees the new
	// handshake.
	if old, found := s.sessions.Session(hs.Node); found {
		dso.Infof("rpc: %s reconnected, replacing session %d\n", hs.Node, old)
		s.endSession(old)
	}
	ack, err := s.handler.Open(clientAddr, &hs)
	if err != nil {
		return message.Frame{}, err
	}
	if ack.Accepted {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return message.Frame{}, ErrServerStopped
		}
		ack.Session = s.sessions.Open(hs.Node)
		s.outboxes[ack.Session] = newOutbox()
		s.mu.Unlock()
		dso.Debugf("rpc: opened session %d for %s at %s\n", ack.Session, hs.Node, clientAddr)
	}
	reply, err := message.NewFrame(ack.Session, message.HandshakeAckType, ack)
	if err != nil {
		return message.Frame{}, err
	}
	return *reply, nil
}

func (s *Server) endSession(id dso.SessionID) error {
	s.mu.Lock()
	o, found := s.outboxes[id]
	delete(s.outboxes, id)
	s.mu.Unlock()
	if !found {
		return ErrBadSession
	}
	o.close()
	if node, found := s.sessions.Close(id); found {
		s.handler.Closed(id, node)
	}
	return nil
}

func (s *Server) deliver(f message.Frame) (message.Frame, error) {
	if _, err := s.sessions.Node(f.Session); err != nil {
		dso.Debugf("rpc: dropping %s\n", &f)
		return message.Frame{}, err
	}
	if dso.Verbose {
		dso.Debugf("rpc: %s\n", &f)
	}
	return s.handler.Handle(f.Session, f)
}

func (s *Server) poll(id dso.SessionID) ([]message.Frame, error) {
	s.mu.RLock()
	o, found := s.outboxes[id]
	s.mu.RUnlock()
	if !found {
		return nil, ErrBadSession
	}
	if frames := o.take(); len(frames) != 0 {
		return frames, nil
	}
	timer := time.NewTimer(s.pollWait)
	defer timer.Stop()
	select {
	case _, open := <-o.ready:
		if !open {
			return nil, ErrBadSession
		}
	case <-timer.C:
	}
	return o.take(), nil
}
