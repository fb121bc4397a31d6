/*
	This file implements the client side of a session.
*/

package rpc

import (
	"fmt"
	"sync"

	"github.com/janelia-flyem/dso/dso"
	"github.com/janelia-flyem/dso/message"

	"github.com/valyala/gorpc"
)

// Session is an open connection to a remote server.
type Session struct {
	c   *gorpc.Client
	dc  *gorpc.DispatcherClient
	id  dso.SessionID
	ack message.HandshakeAck

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewSession connects to addr and performs the handshake.  A refused handshake
// returns an error carrying the server's reason.
func NewSession(addr string, hs *message.Handshake) (*Session, error) {
	f, err := message.NewFrame(0, message.HandshakeType, hs)
	if err != nil {
		return nil, err
	}
	c := gorpc.NewTCPClient(addr)
	c.Start()
	dc := clientDispatcher.NewFuncClient(c)
	if dc == nil {
		c.Stop()
		return nil, fmt.Errorf("can't create dispatcher client")
	}
	resp, err := dc.Call(sendNewSession, *f)
	if err != nil {
		c.Stop()
		return nil, err
	}
	reply, ok := resp.(message.Frame)
	if !ok {
		c.Stop()
		return nil, fmt.Errorf("remote server returned %v instead of handshake ack", resp)
	}
	var ack message.HandshakeAck
	if err := reply.Decode(&ack); err != nil {
		c.Stop()
		return nil, err
	}
	if !ack.Accepted {
		c.Stop()
		return nil, fmt.Errorf("handshake refused by %s: %s", addr, ack.Reason)
	}
	return &Session{c: c, dc: dc, id: ack.Session, ack: ack, done: make(chan struct{})}, nil
}

func (s *Session) ID() dso.SessionID {
	return s.id
}

// Ack returns the server's handshake acknowledgement.
func (s *Session) Ack() message.HandshakeAck {
	return s.ack
}

// Send delivers a payload and returns the server's reply, if any.
func (s *Session) Send(t message.Type, p message.Payload) (*message.Frame, error) {
	f, err := message.NewFrame(s.id, t, p)
	if err != nil {
		return nil, err
	}
	resp, err := s.dc.Call(sendDeliver, *f)
	if err != nil {
		return nil, err
	}
	reply, ok := resp.(message.Frame)
	if !ok {
		return nil, fmt.Errorf("remote server returned %v instead of frame", resp)
	}
	if reply.Type == message.NotSetType {
		return nil, nil
	}
	return &reply, nil
}

// Poll returns the frames the server has queued for this session, waiting briefly
// if there are none.
func (s *Session) Poll() ([]message.Frame, error) {
	resp, err := s.dc.Call(sendPoll, s.id)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, nil
	}
	frames, ok := resp.([]message.Frame)
	if !ok {
		return nil, fmt.Errorf("remote server returned %v instead of frames", resp)
	}
	return frames, nil
}

// Listen polls in the background and hands each frame to f until the session is
// closed or the server ends it.
func (s *Session) Listen(f func(message.Frame)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.done:
				return
			default:
			}
			frames, err := s.Poll()
			if err != nil {
				select {
				case <-s.done:
				default:
					dso.Warningf("rpc: session %d stopped listening: %v\n", s.id, err)
				}
				return
			}
			for _, frame := range frames {
				f(frame)
			}
		}
	}()
}

// Close ends the session on the server and disconnects.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		_, err = s.dc.Call(sendEndSession, s.id)
		s.wg.Wait()
		s.c.Stop()
	})
	return err
}
