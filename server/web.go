package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/cors"
	"github.com/zenazn/goji/web"

	"github.com/janelia-flyem/dso/dso"
	"github.com/janelia-flyem/dso/objectstore"
	"github.com/janelia-flyem/dso/storage"
)

// WebAPIPath is the prefix of all management HTTP requests.
const WebAPIPath = "/api/"

// DefaultFacadeLimit bounds the fields and elements shown for an object.
const DefaultFacadeLimit = 100

// router returns the management API, which is read-only.
func (s *Server) router() http.Handler {
	mux := web.New()
	mux.Use(recoverHandler)
	mux.Use(logHandler)

	mux.Get(WebAPIPath+"server/info", s.serverInfoHandler)
	mux.Get(WebAPIPath+"gc/stats", s.gcStatsHandler)
	mux.Get(WebAPIPath+"locks", s.locksHandler)
	mux.Get(WebAPIPath+"locks/:id", s.lockHandler)
	mux.Get(WebAPIPath+"objects/:id", s.objectHandler)
	mux.Get(WebAPIPath+"instances", s.instancesHandler)
	mux.Get(WebAPIPath+"transactions", s.transactionsHandler)
	mux.Get(WebAPIPath+"stages", s.stagesHandler)
	mux.Get(WebAPIPath+"replication", s.replicationHandler)
	mux.NotFound(func(w http.ResponseWriter, r *http.Request) {
		BadRequest(w, r, "unknown management request %s %s", r.Method, r.URL.Path)
	})

	options := cors.Options{AllowedMethods: []string{http.MethodGet}}
	if len(s.config.Server.CorsDomains) != 0 {
		options.AllowedOrigins = s.config.Server.CorsDomains
	}
	return cors.New(options).Handler(mux)
}

// ServeHTTP serves one management request, e.g., for tests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.web.Handler.ServeHTTP(w, r)
}

// BadRequest writes an error message with status 400 and logs it.
func BadRequest(w http.ResponseWriter, r *http.Request, format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)
	errorMsg := fmt.Sprintf("%s (%s).", message, r.URL.Path)
	dso.Errorf(errorMsg + "\n")
	http.Error(w, errorMsg, http.StatusBadRequest)
}

func recoverHandler(c *web.C, h http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if e := recover(); e != nil {
				dso.Criticalf("Panic serving %s: %v\n", r.URL.Path, e)
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()
		h.ServeHTTP(w, r)
	}
	return http.HandlerFunc(fn)
}

func logHandler(c *web.C, h http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		t0 := time.Now()
		h.ServeHTTP(w, r)
		dso.Debugf("HTTP %s: %s (%s)\n", r.Method, r.URL, time.Since(t0))
	}
	return http.HandlerFunc(fn)
}

func writeJSON(w http.ResponseWriter, r *http.Request, v interface{}) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		BadRequest(w, r, "unable to encode response: %v", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, string(jsonBytes))
}

func (s *Server) serverInfoHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	stats := s.store.Stats()
	memory := s.store.MemoryEstimate()
	info := struct {
		Server         string
		Instance       string
		Host           string
		Note           string
		Role           string
		Protocol       string
		RPCAddress     string `json:"RPC Address"`
		HTTPAddress    string `json:"HTTP Address"`
		Started        string
		Sessions       int
		Engine         string
		StorageLoad    storage.LoadStats `json:"Storage Load"`
		Objects        objectstore.Stats
		Memory         string
		MemoryBytes    int
		NextObjectID   dso.ObjectID
		LastGlobalTxn  uint64
		ConfigLocation string `json:",omitempty"`
	}{
		Server:         s.node.String(),
		Instance:       s.instance,
		Host:           s.config.Server.Host,
		Note:           s.config.Server.Note,
		Role:           s.role.State().String(),
		Protocol:       dso.ProtocolVersion.String(),
		RPCAddress:     s.config.Server.RPCAddress,
		HTTPAddress:    s.config.Server.HTTPAddress,
		Started:        humanize.Time(started),
		Sessions:       s.rpc.Sessions(),
		Engine:         s.db.String(),
		StorageLoad:    s.load.Load(),
		Objects:        stats,
		Memory:         humanize.Bytes(uint64(memory)),
		MemoryBytes:    memory,
		NextObjectID:   s.ids.Current(),
		LastGlobalTxn:  uint64(s.txns.LastGlobalID()),
		ConfigLocation: s.config.Location(),
	}
	writeJSON(w, r, info)
}

func (s *Server) gcStatsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, struct {
		Current interface{}
		History interface{}
	}{s.collector.Current(), s.collector.History()})
}

func (s *Server) locksHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, struct {
		Stats interface{}
		Locks interface{}
	}{s.locks.Stats(), s.locks.Locks()})
}

func (s *Server) lockHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	id := dso.LockID(c.URLParams["id"])
	info, found := s.locks.Query(id)
	if !found {
		http.Error(w, fmt.Sprintf("lock %q is not in use", id), http.StatusNotFound)
		return
	}
	writeJSON(w, r, info)
}

func (s *Server) objectHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	n, err := strconv.ParseUint(c.URLParams["id"], 10, 64)
	if err != nil {
		BadRequest(w, r, "bad object id %q", c.URLParams["id"])
		return
	}
	limit := DefaultFacadeLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if limit, err = strconv.Atoi(limitStr); err != nil {
			BadRequest(w, r, "bad limit %q", limitStr)
			return
		}
	}
	facade, err := s.store.LookupFacade(dso.ObjectID(n), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, r, facade)
}

func (s *Server) instancesHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, s.counts.Counts())
}

func (s *Server) transactionsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, struct {
		Stats        interface{}
		Transactions interface{}
	}{s.txns.Stats(), s.txns.Transactions()})
}

func (s *Server) stagesHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, s.stages.Stats())
}

func (s *Server) replicationHandler(w http.ResponseWriter, r *http.Request) {
	info := struct {
		Role     string
		Standby  int
		Passives interface{}
		Active   string `json:",omitempty"`
		Received uint64
		Winner   string `json:",omitempty"`
	}{
		Role:     s.role.State().String(),
		Standby:  s.coord.Standby(),
		Passives: s.coord.Passives(),
		Received: s.passive.Received(),
	}
	if active := s.passive.Active(); !active.IsNil() {
		info.Active = active.String()
	}
	if winner, found := s.election.Winner(); found {
		info.Winner = winner.Node.String()
	}
	writeJSON(w, r, info)
}
