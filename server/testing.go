/*
	This file contains functions useful for testing the server in other packages.
	Due to the way Go handles compilation of *_test.go files, these functions cannot
	be in server_test.go since they would be unavailable to test files in external
	packages.  So these functions are exported and contain the "Test" keyword.
*/

package server

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/janelia-flyem/dso/dso"
	"github.com/janelia-flyem/dso/message"
	"github.com/janelia-flyem/dso/rpc"
)

// TestAddress returns a free loopback address.
func TestAddress(t *testing.T) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("couldn't find a free port: %v\n", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// TestConfig returns the configuration of a server with an in-memory store and a
// journal in a temporary directory, listening on free loopback ports.
func TestConfig(t *testing.T, serverID uint64) *Config {
	c := DefaultConfig()
	c.Server.ServerID = serverID
	c.Server.Host = "localhost"
	c.Server.RPCAddress = TestAddress(t)
	c.Server.HTTPAddress = TestAddress(t)
	c.Server.IDBatch = 100
	c.Store.InMemory = true
	c.Journal.Path = filepath.Join(t.TempDir(), JournalDir)
	c.Replication.RetryMinMs = 10
	c.Replication.RetryMaxMs = 100
	c.Replication.ElectionTimeoutMs = 200
	return c
}

// NewTestServer starts a server with the given configuration.  It is shut down when
// the test ends.
func NewTestServer(t *testing.T, c *Config) *Server {
	s, err := NewServer(c)
	if err != nil {
		t.Fatalf("couldn't create server: %v\n", err)
	}
	if err := s.Start(); err != nil {
		s.Shutdown()
		t.Fatalf("couldn't start server: %v\n", err)
	}
	t.Cleanup(s.Shutdown)
	return s
}

// NewTestSession connects a client to a test server.
func NewTestSession(t *testing.T, s *Server, client dso.NodeID, objects ...dso.ObjectID) *rpc.Session {
	session, err := rpc.NewSession(s.RPCAddress(), &message.Handshake{
		Node:     client,
		Protocol: dso.ProtocolVersion.String(),
		Objects:  objects,
	})
	if err != nil {
		t.Fatalf("couldn't connect %s to server: %v\n", client, err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

// TestHTTPResponse returns a response from a test run of the server's management API.
// Use TestHTTP if you just want the response body bytes.
func TestHTTPResponse(t *testing.T, h http.Handler, method, urlStr string, payload io.Reader) *httptest.ResponseRecorder {
	req, err := http.NewRequest(method, urlStr, payload)
	if err != nil {
		t.Fatalf("Unsuccessful %s on %q: %v\n", method, urlStr, err)
	}
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	return resp
}

// TestHTTP returns the response body bytes for a test request, making sure any response has
// status OK.
func TestHTTP(t *testing.T, h http.Handler, method, urlStr string, payload io.Reader) []byte {
	resp := TestHTTPResponse(t, h, method, urlStr, payload)
	if resp.Code != http.StatusOK {
		t.Fatalf("Bad server response (%d) to %s on %q: %s\n", resp.Code, method, urlStr, resp.Body.String())
	}
	return resp.Body.Bytes()
}

// TestBadHTTP expects a HTTP response with an error status code.
func TestBadHTTP(t *testing.T, h http.Handler, method, urlStr string, payload io.Reader) {
	resp := TestHTTPResponse(t, h, method, urlStr, payload)
	if resp.Code == http.StatusOK {
		t.Fatalf("Expected bad server response to %s on %q, got %d instead.\n", method, urlStr, resp.Code)
	}
}
