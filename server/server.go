package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/twinj/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/janelia-flyem/dso/dna"
	"github.com/janelia-flyem/dso/dso"
	"github.com/janelia-flyem/dso/gc"
	"github.com/janelia-flyem/dso/lock"
	"github.com/janelia-flyem/dso/objectstore"
	"github.com/janelia-flyem/dso/replication"
	"github.com/janelia-flyem/dso/rpc"
	"github.com/janelia-flyem/dso/stage"
	"github.com/janelia-flyem/dso/storage"
	"github.com/janelia-flyem/dso/storage/badger"
	"github.com/janelia-flyem/dso/storage/filelog"
	"github.com/janelia-flyem/dso/transaction"
)

// ObjectIDSequenceName is the stored sequence handing out object ID batches to clients.
const ObjectIDSequenceName = "objectid"

// ShutdownTimeout bounds the wait for in-flight HTTP requests when stopping.
const ShutdownTimeout = 5 * time.Second

// Server ties the object store, transaction, lock, garbage collection and replication
// components to the rpc and management HTTP servers.
type Server struct {
	config   *Config
	node     dso.NodeID
	instance string
	compress dso.Compression
	created  bool

	db        storage.KeyValueDB
	load      *storage.MonitoredDB
	journal   *filelog.Logs
	events    *storage.EventLog
	counts    *objectstore.InstanceCounts
	store     *objectstore.Store
	ids       *dso.ObjectIDSequence
	clients   *transaction.ClientStateManager
	metadata  *transaction.MetaDataManager
	txns      *transaction.Manager
	locks     *lock.Manager
	collector *gc.Collector
	coord     *replication.Coordinator
	passive   *replication.Passive
	role      *replication.Role
	election  *replication.ElectionManager

	stages  *stage.Manager
	commits *stage.Stage
	applies *stage.Stage
	objects *stage.Stage

	rpc *rpc.Server
	web *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	wg     sync.WaitGroup

	mu         sync.Mutex
	started    time.Time
	stopped    bool
	self       replication.Enrollment // our enrollment in the running election
	activePeer dso.NodeID             // an active server that answered our enrollment
}

// NewServer builds a server from its configuration.  Storage engines default to
// badger.
func NewServer(c *Config, engines ...storage.Engine) (*Server, error) {
	if c == nil {
		return nil, fmt.Errorf("server needs a configuration")
	}
	c.setDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	compress, err := dso.ParseCompression(c.Store.Compression)
	if err != nil {
		return nil, err
	}
	if len(engines) == 0 {
		engines = []storage.Engine{badger.NewEngine()}
	}
	s := &Server{
		config:   c,
		node:     dso.ServerID(c.Server.ServerID),
		instance: uuid.NewV4().String(),
		compress: compress,
		counts:   objectstore.NewInstanceCounts(),
		clients:  transaction.NewClientStateManager(),
		metadata: transaction.NewMetaDataManager(),
		role:     new(replication.Role),
		election: replication.NewElectionManager(millis(c.Replication.ElectionTimeoutMs)),
		stages:   stage.NewManager(),
	}
	if err := s.initStorage(storage.NewRegistry(engines...)); err != nil {
		s.closeStorage()
		return nil, err
	}
	if err := s.initComponents(); err != nil {
		s.closeStorage()
		return nil, err
	}
	return s, nil
}

func (s *Server) initStorage(engines *storage.Registry) error {
	var err error
	sc := s.config.storeConfig()
	db, created, err := engines.NewStore(sc)
	if err != nil {
		return fmt.Errorf("unable to open %s store: %v", sc.Engine, err)
	}
	s.load = storage.NewMonitoredDB(db)
	s.db, s.created = s.load, created
	var failed storage.WriteLog
	if s.config.Journal.Path != "" {
		if s.journal, _, err = filelog.Open(s.config.journalConfig()); err != nil {
			return fmt.Errorf("unable to open journal: %v", err)
		}
		failed = s.journal
	}
	hostID := fmt.Sprintf("%s-%d", s.config.Server.Host, s.config.Server.ServerID)
	if s.events, err = storage.NewEventLog(s.config.Kafka, hostID, failed); err != nil {
		return fmt.Errorf("unable to create kafka event log: %v", err)
	}
	s.store, err = objectstore.NewStore(objectstore.Config{
		Factory:     objectstore.NewStateFactory(),
		Monitor:     s.counts,
		DB:          s.db,
		CacheBytes:  s.config.Store.CacheMB << 20,
		Compression: s.compress,
	})
	if err != nil {
		return err
	}
	reserve := s.config.Server.IDBatch * 10
	s.ids, err = dso.NewObjectIDSequence(ObjectIDSequenceName, storage.NewSequenceStore(s.db), reserve)
	return err
}

func (s *Server) initComponents() error {
	c := s.config
	var journal storage.Journal
	if s.journal != nil {
		journal = s.journal
	}
	var err error
	s.coord, err = replication.NewCoordinator(replication.Config{
		Self:      s.node,
		Instance:  s.instance,
		Protocol:  dso.ProtocolVersion.String(),
		Passives:  c.passives(),
		Store:     s.store,
		Journal:   journal,
		Events:    s.events,
		Compress:  s.compress,
		RetryMin:  millis(c.Replication.RetryMinMs),
		RetryMax:  millis(c.Replication.RetryMaxMs),
		SyncChunk: c.Replication.SyncChunk,
	})
	if err != nil {
		return err
	}

	var replicator transaction.Replicator
	if len(c.passives()) != 0 {
		replicator = s.coord
	}
	s.locks = lock.NewManager(lock.Config{Sink: lockSink{s}, Greedy: c.Lock.Greedy})
	s.txns, err = transaction.NewManager(transaction.Config{
		Store:      s.store,
		Clients:    s.clients,
		Sink:       txnSink{s},
		Replicator: replicator,
		MetaData:   s.metadata,
		Notifier: func(client dso.NodeID, n dna.Notify) {
			s.locks.Notify(n.LockID, client, n.Thread, n.All)
		},
	})
	if err != nil {
		return err
	}

	var interval time.Duration
	if c.GC.Enabled {
		interval = time.Duration(c.GC.IntervalSecs) * time.Second
	}
	s.collector, err = gc.NewCollector(gc.Config{
		Store:        s.store,
		Clients:      s.clients,
		Transactions: s.txns,
		Results:      s.coord,
		Interval:     interval,
		PauseTimeout: millis(c.GC.PauseMs),
	})
	if err != nil {
		return err
	}

	s.passive = replication.NewPassive(s.store, s.txns, s.role)
	s.role.AddListener(s)

	stages := []struct {
		name    string
		handler stage.EventHandler
		stage   **stage.Stage
	}{
		{CommitStage, s.handleCommit, &s.commits},
		{ApplyStage, s.handleApply, &s.applies},
		{ObjectsStage, s.handleObjectRequest, &s.objects},
	}
	for _, st := range stages {
		sc := c.stage(st.name)
		*st.stage, err = s.stages.CreateStage(stage.Config{
			Name:      st.name,
			Workers:   sc.Workers,
			QueueSize: sc.QueueSize,
			Handler:   st.handler,
		})
		if err != nil {
			return err
		}
	}

	s.rpc, err = rpc.NewServer(rpc.Config{Address: c.Server.RPCAddress, Handler: s})
	if err != nil {
		return err
	}
	s.web = &http.Server{Addr: c.Server.HTTPAddress, Handler: s.router()}
	return nil
}

func (s *Server) closeStorage() {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			dso.Errorf("unable to flush object store: %v\n", err)
		}
	}
	if s.events != nil {
		s.events.Close()
	}
	if s.journal != nil {
		s.journal.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
}

// Start begins serving sessions and management requests.  A server without group
// members is active at once; otherwise it holds an election among its group.
func (s *Server) Start() error {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.group, s.ctx = errgroup.WithContext(s.ctx)

	s.stages.Start()
	if err := s.rpc.Start(); err != nil {
		s.stages.Stop()
		return err
	}
	ln, err := net.Listen("tcp", s.config.Server.HTTPAddress)
	if err != nil {
		s.rpc.Stop()
		s.stages.Stop()
		return fmt.Errorf("unable to listen for http on %s: %v", s.config.Server.HTTPAddress, err)
	}
	s.group.Go(func() error {
		if err := s.web.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	s.mu.Lock()
	s.started = time.Now()
	s.mu.Unlock()

	stats := s.store.Stats()
	dso.Infof("Server %s (instance %s) listening for sessions on %s and http on %s, %s roots\n",
		s.node, s.instance, s.rpc.Address(), s.config.Server.HTTPAddress, humanize.Comma(int64(stats.Roots)))

	if len(s.config.peers()) == 0 {
		return s.becomeActive()
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.elect(s.ctx); err != nil {
			dso.Errorf("election failed: %v\n", err)
		}
	}()
	return nil
}

// becomeActive starts serving clients and streaming to passives.
func (s *Server) becomeActive() error {
	if err := s.role.Move(replication.ActiveState); err != nil {
		return err
	}
	s.coord.Start(s.txns)
	s.collector.Start()
	return nil
}

// StateChanged implements replication.StateListener.
func (s *Server) StateChanged(old, current replication.State) {
	dso.Infof("Server %s moved from %s to %s\n", s.node, old, current)
	if current == replication.ActiveState {
		// Objects synced from a former active must not be handed out again.
		if ids, err := s.store.AllObjectIDs(); err == nil {
			var max dso.ObjectID
			for id := range ids {
				if id > max {
					max = id
				}
			}
			if err := s.ids.Advance(max); err != nil {
				dso.Errorf("unable to advance object ids past %d: %v\n", max, err)
			}
		}
	}
	s.events.LogActivity(map[string]interface{}{
		"Action": "state-change",
		"Server": s.node.String(),
		"From":   old.String(),
		"To":     current.String(),
	})
}

// Wait blocks until the background goroutines stop, returning the first error.
func (s *Server) Wait() error {
	if s.group == nil {
		return nil
	}
	return s.group.Wait()
}

// Shutdown stops all serving and closes storage.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	tlog := dso.NewTimeLog()
	if s.cancel != nil {
		s.cancel()
	}
	s.collector.Stop()
	s.coord.Stop()
	s.rpc.Stop()
	s.stages.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	if err := s.web.Shutdown(ctx); err != nil {
		dso.Warningf("http server shutdown: %v\n", err)
	}
	cancel()
	s.wg.Wait()
	if s.group != nil {
		if err := s.group.Wait(); err != nil {
			dso.Errorf("http server: %v\n", err)
		}
	}
	s.metadata.Wait()
	s.locks.Close()
	s.closeStorage()
	tlog.Infof("Server %s shut down\n", s.node)
}

// Node returns the ID of this server.
func (s *Server) Node() dso.NodeID {
	return s.node
}

// Instance returns the unique ID of this run of the server.
func (s *Server) Instance() string {
	return s.instance
}

// Role returns the server's role in its group.
func (s *Server) Role() replication.State {
	return s.role.State()
}

// RPCAddress returns the address clients connect to.
func (s *Server) RPCAddress() string {
	return s.rpc.Address()
}

// Config returns the server configuration.
func (s *Server) Config() *Config {
	return s.config
}

// RegisterMetaDataReader adds a reader for a category of transaction metadata.
func (s *Server) RegisterMetaDataReader(category string, r transaction.MetaDataReader) {
	s.metadata.Register(category, r)
}

// Store returns the object store.
func (s *Server) Store() *objectstore.Store {
	return s.store
}

// Transactions returns the transaction manager.
func (s *Server) Transactions() *transaction.Manager {
	return s.txns
}

// Locks returns the lock manager.
func (s *Server) Locks() *lock.Manager {
	return s.locks
}

// Collector returns the garbage collector.
func (s *Server) Collector() *gc.Collector {
	return s.collector
}
