/*
	Package storage provides a unified interface to the storage engines used by the
	server: a key-value store for durable object state, an append-only journal of
	applied transactions, and an optional kafka event log.

	Engines are handed to a Registry when the server is constructed.  Values are
	simply []byte at this level; serialization occurs above the storage level.
*/
package storage

import (
	"fmt"
	"sort"
	"sync"

	"github.com/blang/semver"
)

// Config holds engine-specific settings, typically decoded from a TOML section.
type Config map[string]interface{}

// GetString returns a string setting.
func (c Config) GetString(key string) (s string, found bool, err error) {
	v, found := c[key]
	if !found {
		return "", false, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", true, fmt.Errorf("%q setting must be a string (%v)", key, v)
	}
	return s, true, nil
}

// GetBool returns a bool setting.
func (c Config) GetBool(key string) (b bool, found bool, err error) {
	v, found := c[key]
	if !found {
		return false, false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, true, fmt.Errorf("%q setting must be a bool (%v)", key, v)
	}
	return b, true, nil
}

// GetInt returns an int setting.  TOML decodes integers as int64 so both are accepted.
func (c Config) GetInt(key string) (i int, found bool, err error) {
	v, found := c[key]
	if !found {
		return 0, false, nil
	}
	switch x := v.(type) {
	case int:
		return x, true, nil
	case int64:
		return int(x), true, nil
	default:
		return 0, true, fmt.Errorf("%q setting must be an integer (%v)", key, v)
	}
}

// StoreConfig selects an engine and holds its settings.
type StoreConfig struct {
	Engine string
	Config Config
}

// Engine is a storage engine that can open stores.
type Engine interface {
	GetName() string
	GetDescription() string
	GetSemVer() semver.Version

	// NewStore opens a store, returning true if it was newly created.
	NewStore(StoreConfig) (KeyValueDB, bool, error)
}

// Registry holds the engines available to a server instance.
type Registry struct {
	sync.RWMutex
	engines map[string]Engine
}

// NewRegistry returns a registry holding the given engines.
func NewRegistry(engines ...Engine) *Registry {
	r := &Registry{engines: make(map[string]Engine, len(engines))}
	for _, e := range engines {
		r.Register(e)
	}
	return r
}

// Register adds an engine, replacing any engine of the same name.
func (r *Registry) Register(e Engine) {
	r.Lock()
	r.engines[e.GetName()] = e
	r.Unlock()
}

// Engine returns the named engine.
func (r *Registry) Engine(name string) (Engine, error) {
	r.RLock()
	defer r.RUnlock()
	e, found := r.engines[name]
	if !found {
		return nil, fmt.Errorf("no storage engine %q available", name)
	}
	return e, nil
}

// EngineNames returns the sorted names of all registered engines.
func (r *Registry) EngineNames() []string {
	r.RLock()
	defer r.RUnlock()
	names := make([]string, 0, len(r.engines))
	for name := range r.engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewStore opens a store using the engine named in the config.
func (r *Registry) NewStore(config StoreConfig) (KeyValueDB, bool, error) {
	e, err := r.Engine(config.Engine)
	if err != nil {
		return nil, false, err
	}
	return e.NewStore(config)
}

// KeyValue stores a key-value pair.
type KeyValue struct {
	K []byte
	V []byte
}

// KeyValueDB provides an interface to the simplest storage API: a key/value store.
type KeyValueDB interface {
	// Get returns a value given a key or nil if the key is absent.
	Get(k []byte) ([]byte, error)

	// Put writes a value with given key.
	Put(k, v []byte) error

	// Delete removes an entry given key.
	Delete(k []byte) error

	// ProcessPrefix calls f on each key-value pair whose key has the given prefix,
	// in key order.  Values are nil if keysOnly is true.  An error returned by f
	// stops the iteration and is returned.
	ProcessPrefix(prefix []byte, keysOnly bool, f func(*KeyValue) error) error

	// NewBatch returns a batch of operations committed together.
	NewBatch() Batch

	// Close closes the store.
	Close()

	String() string
}

// Batch groups operations into a single write.
type Batch interface {
	// Delete adds a delete of the given key to the batch.
	Delete(k []byte)

	// Put adds a put of the given key/value to the batch.
	Put(k, v []byte)

	// Commit writes the batch.
	Commit() error
}
