package badger

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/janelia-flyem/dso/dso"
	"github.com/janelia-flyem/dso/storage"

	"github.com/blang/semver"
	"github.com/dgraph-io/badger/v3"
	"github.com/twinj/uuid"
)

const (
	// DefaultVersionsToKeep is the number of versions to keep per key.  Object state
	// is versioned above the storage layer so only the latest value is kept.
	DefaultVersionsToKeep = 1

	// DefaultSyncWrites is true if all writes are synced to disk, thereby making db resilient
	// at cost of speed.
	DefaultSyncWrites = false

	// DefaultSyncSeconds is the period of the background sync.
	DefaultSyncSeconds = 30
)

// NewEngine returns the badger engine for inclusion in a storage.Registry.
func NewEngine() Engine {
	return Engine{"badger", "BadgerDB", semver.MustParse("0.2.0")}
}

// --- Engine Implementation ------

type Engine struct {
	name   string
	desc   string
	semver semver.Version
}

func (e Engine) GetName() string {
	return e.name
}

func (e Engine) GetDescription() string {
	return e.desc
}

func (e Engine) GetSemVer() semver.Version {
	return e.semver
}

func (e Engine) String() string {
	return fmt.Sprintf("%s [%s]", e.name, e.semver)
}

// NewStore returns a badger store.  The passed Config must contain a "path" string
// unless "inmemory" is true.
func (e Engine) NewStore(config storage.StoreConfig) (storage.KeyValueDB, bool, error) {
	return e.newDB(config)
}

type dbConfig struct {
	path        string
	testing     bool
	inMemory    bool
	syncWrites  bool
	syncSeconds int
}

func parseConfig(config storage.StoreConfig) (c dbConfig, err error) {
	settings := config.Config
	if c.inMemory, _, err = settings.GetBool("inmemory"); err != nil {
		return
	}
	var found bool
	if c.path, found, err = settings.GetString("path"); err != nil {
		return
	}
	if !found && !c.inMemory {
		err = fmt.Errorf("%q must be specified for BadgerDB configuration", "path")
		return
	}
	if c.testing, _, err = settings.GetBool("testing"); err != nil {
		return
	}
	if c.testing && !c.inMemory {
		c.path = filepath.Join(os.TempDir(), c.path)
	}
	if c.syncWrites, found, err = settings.GetBool("sync_writes"); err != nil {
		return
	}
	if !found {
		c.syncWrites = DefaultSyncWrites
	}
	if c.syncSeconds, found, err = settings.GetInt("sync_seconds"); err != nil {
		return
	}
	if !found {
		c.syncSeconds = DefaultSyncSeconds
	}
	return
}

// TestConfig returns a store configuration for an in-memory badger suitable for tests.
func TestConfig() storage.StoreConfig {
	return storage.StoreConfig{
		Engine: "badger",
		Config: storage.Config{
			"path":     fmt.Sprintf("dso-test-badger-%x", uuid.NewV4().Bytes()),
			"testing":  true,
			"inmemory": true,
		},
	}
}

// Periodically sync to prevent too many writes from being buffered
// if server crashes.
func syncPeriodically(db *BadgerDB, period time.Duration) {
	defer close(db.syncDone)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-db.stopSyncCh:
			dso.Debugf("Stopping sync goroutine for %s\n", db)
			return
		case <-ticker.C:
			if err := db.bdp.Sync(); err != nil {
				dso.Errorf("unable to sync %s: %v\n", db, err)
			}
		}
	}
}

// newDB returns a Badger backend, creating one at path if it doesn't exist.
func (e Engine) newDB(config storage.StoreConfig) (*BadgerDB, bool, error) {
	c, err := parseConfig(config)
	if err != nil {
		return nil, false, err
	}

	var created bool
	if c.inMemory {
		created = true
	} else if _, err := os.Stat(c.path); os.IsNotExist(err) {
		dso.Infof("Database not already at path (%s). Creating directory...\n", c.path)
		created = true
		if err := os.MkdirAll(c.path, 0744); err != nil {
			return nil, true, fmt.Errorf("can't make directory at %s: %v", c.path, err)
		}
	} else {
		dso.Infof("Found directory at %s\n", c.path)
	}

	opts := badger.DefaultOptions(c.path)
	if c.inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithNumVersionsToKeep(DefaultVersionsToKeep).
		WithSyncWrites(c.syncWrites).
		WithLogger(badgerLogger{})

	badgerDB := &BadgerDB{
		directory:  c.path,
		inMemory:   c.inMemory,
		config:     config,
		stopSyncCh: make(chan struct{}),
		syncDone:   make(chan struct{}),
	}

	tlog := dso.NewTimeLog()
	bdp, err := badger.Open(opts)
	if err != nil {
		return nil, false, err
	}
	badgerDB.bdp = bdp
	tlog.Debugf("Opened %s", badgerDB)

	if c.inMemory || c.syncSeconds <= 0 {
		close(badgerDB.syncDone)
	} else {
		go syncPeriodically(badgerDB, time.Duration(c.syncSeconds)*time.Second)
	}
	return badgerDB, created, nil
}

// Delete disposes of an on-disk store, e.g., after tests.
func (e Engine) Delete(config storage.StoreConfig) error {
	c, err := parseConfig(config)
	if err != nil {
		return err
	}
	if c.inMemory {
		return nil
	}
	if _, err := os.Stat(c.path); !os.IsNotExist(err) {
		if err := os.RemoveAll(c.path); err != nil {
			return fmt.Errorf("can't delete old datastore %q: %v", c.path, err)
		}
	}
	return nil
}

// badgerLogger sends badger's own chatter to the debug log.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{})   { dso.Errorf("badger: "+format, args...) }
func (badgerLogger) Warningf(format string, args ...interface{}) { dso.Warningf("badger: "+format, args...) }
func (badgerLogger) Infof(format string, args ...interface{})    { dso.Debugf("badger: "+format, args...) }
func (badgerLogger) Debugf(format string, args ...interface{})   { dso.Debugf("badger: "+format, args...) }

// --- The BadgerDB Implementation must satisfy a storage.KeyValueDB interface ----

type BadgerDB struct {
	// Directory of datastore
	directory string
	inMemory  bool

	// Config at time of Open()
	config storage.StoreConfig

	bdp *badger.DB

	// stopSyncCh is used to signal the sync goroutine to stop.
	stopSyncCh chan struct{}
	syncDone   chan struct{}
}

func (db *BadgerDB) String() string {
	if db.inMemory {
		return "in-memory badger"
	}
	return fmt.Sprintf("badger @ %s", db.directory)
}

// Close closes the BadgerDB
func (db *BadgerDB) Close() {
	if db == nil || db.bdp == nil {
		return
	}
	close(db.stopSyncCh)
	<-db.syncDone
	if err := db.bdp.Close(); err != nil {
		dso.Errorf("error closing %s: %v\n", db, err)
	} else {
		dso.Infof("Closed %s\n", db)
	}
	db.bdp = nil
}

// GetStoreConfig returns the configuration for this store.
func (db *BadgerDB) GetStoreConfig() storage.StoreConfig {
	return db.config
}

// Get returns a value given a key or nil if the key is absent.
func (db *BadgerDB) Get(k []byte) ([]byte, error) {
	if db == nil || db.bdp == nil {
		return nil, fmt.Errorf("can't call Get on closed BadgerDB")
	}
	var v []byte
	err := db.bdp.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		v, err = item.ValueCopy(nil)
		return err
	})
	return v, err
}

// Put writes a value with given key.
func (db *BadgerDB) Put(k, v []byte) error {
	if db == nil || db.bdp == nil {
		return fmt.Errorf("can't call Put on closed BadgerDB")
	}
	return db.bdp.Update(func(txn *badger.Txn) error {
		return txn.Set(k, v)
	})
}

// Delete removes an entry given key.
func (db *BadgerDB) Delete(k []byte) error {
	if db == nil || db.bdp == nil {
		return fmt.Errorf("can't call Delete on closed BadgerDB")
	}
	return db.bdp.Update(func(txn *badger.Txn) error {
		return txn.Delete(k)
	})
}

// ProcessPrefix calls f on each key-value pair with the given key prefix.
func (db *BadgerDB) ProcessPrefix(prefix []byte, keysOnly bool, f func(*storage.KeyValue) error) error {
	if db == nil || db.bdp == nil {
		return fmt.Errorf("can't call ProcessPrefix on closed BadgerDB")
	}
	return db.bdp.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		if keysOnly {
			opts.PrefetchValues = false
		}
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			kv := &storage.KeyValue{K: item.KeyCopy(nil)}
			if !keysOnly {
				var err error
				if kv.V, err = item.ValueCopy(nil); err != nil {
					return err
				}
			}
			if err := f(kv); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeletePrefix removes all keys with the given prefix.
func (db *BadgerDB) DeletePrefix(prefix []byte) error {
	if db == nil || db.bdp == nil {
		return fmt.Errorf("can't call DeletePrefix on closed BadgerDB")
	}
	return db.bdp.DropPrefix(prefix)
}

// ---- Batcher interface ----

type goBatch struct {
	db  *BadgerDB
	wb  *badger.WriteBatch
	err error
}

// NewBatch returns an implementation that allows batch writes
func (db *BadgerDB) NewBatch() storage.Batch {
	if db == nil || db.bdp == nil {
		dso.Criticalf("Can't call NewBatch on closed BadgerDB\n")
		return &goBatch{err: fmt.Errorf("batch on closed BadgerDB")}
	}
	return &goBatch{db: db, wb: db.bdp.NewWriteBatch()}
}

func (batch *goBatch) Delete(k []byte) {
	if batch.err != nil {
		return
	}
	batch.err = batch.wb.Delete(bytes.Clone(k))
}

func (batch *goBatch) Put(k, v []byte) {
	if batch.err != nil {
		return
	}
	batch.err = batch.wb.Set(bytes.Clone(k), bytes.Clone(v))
}

func (batch *goBatch) Commit() error {
	if batch.wb == nil {
		return batch.err
	}
	if batch.err != nil {
		batch.wb.Cancel()
		return batch.err
	}
	return batch.wb.Flush()
}
