package server

import (
	"bytes"
	"fmt"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/janelia-flyem/dso/dso"
	"github.com/janelia-flyem/dso/rpc"
	"github.com/janelia-flyem/dso/storage"
)

const (
	// DefaultWebAddress is the default address of the management HTTP server.
	DefaultWebAddress = "localhost:8000"

	// DefaultRPCAddress is the default address for client and peer sessions.
	DefaultRPCAddress = rpc.DefaultAddress

	DefaultEngine       = "badger"
	DefaultIDBatch      = 1000
	DefaultCacheMB      = 64
	DefaultCompression  = "snappy"
	DefaultGCInterval   = 60
	DefaultGCPauseMs    = 5000
	DefaultElectionMs   = 5000
	DefaultObjectWorker = 4

	// JournalDir is the journal directory under the store path if none is configured.
	JournalDir = "journal"
)

// Names of the stages that can be tuned in the [stages] section.
const (
	CommitStage  = "commit"
	ApplyStage   = "apply"
	ObjectsStage = "objects"
)

// DefaultHost is the most understandable alias for this server.
var DefaultHost = "localhost"

func init() {
	// Assumes Linux or Mac.
	cmd := exec.Command("/bin/hostname", "-f")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		dso.Debugf("Unable to get default Host name via /bin/hostname: %v\n", err)
		return
	}
	if host := bytes.TrimSpace(out.Bytes()); len(host) != 0 {
		DefaultHost = string(host)
	}
}

type serverConfig struct {
	Host         string
	RPCAddress   string   `toml:"rpcAddress"`
	HTTPAddress  string   `toml:"httpAddress"`
	ServerID     uint64   `toml:"serverID"`
	Weights      []int64  `toml:"weights"`
	GroupMembers []string `toml:"groupMembers"`
	Note         string
	IDBatch      uint64   `toml:"idBatch"`
	CorsDomains  []string `toml:"corsDomains"`
}

type storeConfig struct {
	Path        string
	Engine      string
	InMemory    bool   `toml:"inMemory"`
	CacheMB     int    `toml:"cacheMB"`
	SyncSeconds int    `toml:"syncSeconds"`
	Compression string `toml:"compression"`
}

type lockConfig struct {
	Greedy    bool
	MaxWaitMs int64 `toml:"maxWaitMs"`
}

type gcConfig struct {
	Enabled      bool
	IntervalSecs int   `toml:"intervalSecs"`
	PauseMs      int64 `toml:"pauseMs"`
}

type replicationConfig struct {
	Passives          []string
	RetryMinMs        int64 `toml:"retryMinMs"`
	RetryMaxMs        int64 `toml:"retryMaxMs"`
	ElectionTimeoutMs int64 `toml:"electionTimeoutMs"`
	SyncChunk         int   `toml:"syncChunk"`
}

type journalConfig struct {
	Path string
}

type stageConfig struct {
	Workers   int
	QueueSize int `toml:"queueSize"`
}

// Config is the parsed TOML configuration of a server.
type Config struct {
	Server      serverConfig
	Logging     dso.LogConfig
	Store       storeConfig
	Lock        lockConfig
	GC          gcConfig `toml:"gc"`
	Replication replicationConfig
	Kafka       storage.KafkaConfig
	Journal     journalConfig
	Stages      map[string]stageConfig

	location string
}

// DefaultConfig returns the configuration used for any setting a TOML file omits.
func DefaultConfig() *Config {
	c := new(Config)
	c.setDefaults()
	return c
}

func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = DefaultHost
	}
	if c.Server.RPCAddress == "" {
		c.Server.RPCAddress = DefaultRPCAddress
	}
	if c.Server.HTTPAddress == "" {
		c.Server.HTTPAddress = DefaultWebAddress
	}
	if c.Server.IDBatch == 0 {
		c.Server.IDBatch = DefaultIDBatch
	}
	if c.Store.Engine == "" {
		c.Store.Engine = DefaultEngine
	}
	if c.Store.CacheMB == 0 {
		c.Store.CacheMB = DefaultCacheMB
	}
	if c.Store.Compression == "" {
		c.Store.Compression = DefaultCompression
	}
	if c.GC.IntervalSecs == 0 {
		c.GC.IntervalSecs = DefaultGCInterval
	}
	if c.GC.PauseMs == 0 {
		c.GC.PauseMs = DefaultGCPauseMs
	}
	if c.Replication.ElectionTimeoutMs == 0 {
		c.Replication.ElectionTimeoutMs = DefaultElectionMs
	}
	if c.Journal.Path == "" && c.Store.Path != "" {
		c.Journal.Path = filepath.Join(c.Store.Path, JournalDir)
	}
	if c.Stages == nil {
		c.Stages = make(map[string]stageConfig)
	}
	if sc, found := c.Stages[ObjectsStage]; !found || sc.Workers == 0 {
		sc.Workers = DefaultObjectWorker
		c.Stages[ObjectsStage] = sc
	}
}

// convertPathsToAbsolute makes the paths in the configuration relative to the TOML
// file's own directory.
func (c *Config) convertPathsToAbsolute(configPath string) error {
	configDir := filepath.Dir(configPath)
	for _, p := range []*string{&c.Logging.Logfile, &c.Store.Path, &c.Journal.Path} {
		if *p == "" || filepath.IsAbs(*p) {
			continue
		}
		abs, err := filepath.Abs(filepath.Join(configDir, *p))
		if err != nil {
			return fmt.Errorf("error converting %q to absolute path: %v", *p, err)
		}
		*p = abs
	}
	return nil
}

// LoadConfig loads the server configuration from a TOML file.
func LoadConfig(filename string) (*Config, error) {
	if filename == "" {
		return nil, fmt.Errorf("no server TOML configuration file provided")
	}
	c := new(Config)
	if _, err := toml.DecodeFile(filename, c); err != nil {
		return nil, fmt.Errorf("could not decode TOML config: %v", err)
	}
	c.location = filename
	if err := c.convertPathsToAbsolute(filename); err != nil {
		return nil, fmt.Errorf("could not convert relative paths to absolute paths in TOML config: %v", err)
	}
	c.setDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	dso.Infof("Loaded configuration from %s\n", filename)
	return c, nil
}

// Location returns the file the configuration was loaded from, if any.
func (c *Config) Location() string {
	return c.location
}

// Validate rejects settings a server can't run with.
func (c *Config) Validate() error {
	if c.Server.ServerID == 0 {
		return fmt.Errorf("[server] serverID must be a positive integer")
	}
	if c.Server.RPCAddress == c.Server.HTTPAddress {
		return fmt.Errorf("rpc and http servers can't share address %q", c.Server.RPCAddress)
	}
	if _, err := dso.ParseCompression(c.Store.Compression); err != nil {
		return fmt.Errorf("[store] compression: %v", err)
	}
	if c.Store.Path == "" && !c.Store.InMemory {
		return fmt.Errorf("[store] needs a path unless inMemory is set")
	}
	if c.Store.CacheMB < 0 || c.Store.SyncSeconds < 0 {
		return fmt.Errorf("[store] cacheMB and syncSeconds can't be negative")
	}
	if c.Lock.MaxWaitMs < 0 {
		return fmt.Errorf("[lock] maxWaitMs can't be negative")
	}
	if c.GC.Enabled && c.GC.IntervalSecs < 0 {
		return fmt.Errorf("[gc] intervalSecs must be positive when gc is enabled")
	}
	if c.GC.PauseMs < 0 {
		return fmt.Errorf("[gc] pauseMs can't be negative")
	}
	r := c.Replication
	if r.RetryMinMs < 0 || r.RetryMaxMs < 0 || (r.RetryMaxMs != 0 && r.RetryMaxMs < r.RetryMinMs) {
		return fmt.Errorf("[replication] needs 0 <= retryMinMs <= retryMaxMs")
	}
	if r.ElectionTimeoutMs < 0 {
		return fmt.Errorf("[replication] electionTimeoutMs can't be negative")
	}
	if len(c.passives()) != 0 && c.Journal.Path == "" {
		return fmt.Errorf("replication to passives needs a [journal] path")
	}
	for name, sc := range c.Stages {
		switch name {
		case CommitStage, ApplyStage:
			if sc.Workers > 1 {
				return fmt.Errorf("[stages.%s] must have a single worker to keep transaction order", name)
			}
		case ObjectsStage:
		default:
			return fmt.Errorf("unknown stage %q in [stages]", name)
		}
		if sc.Workers < 0 || sc.QueueSize < 0 {
			return fmt.Errorf("[stages.%s] can't have negative settings", name)
		}
	}
	return nil
}

// passives returns the addresses an active server streams to.  Without an explicit
// list, every other group member is a passive.
func (c *Config) passives() []string {
	if len(c.Replication.Passives) != 0 {
		return c.Replication.Passives
	}
	return c.peers()
}

// peers returns the other members of the server group.
func (c *Config) peers() []string {
	var addrs []string
	for _, addr := range c.Server.GroupMembers {
		if addr != c.Server.RPCAddress {
			addrs = append(addrs, addr)
		}
	}
	return addrs
}

func (c *Config) storeConfig() storage.StoreConfig {
	settings := storage.Config{"inmemory": c.Store.InMemory}
	if c.Store.Path != "" {
		settings["path"] = c.Store.Path
	}
	if c.Store.SyncSeconds != 0 {
		settings["sync_seconds"] = c.Store.SyncSeconds
	}
	return storage.StoreConfig{Engine: c.Store.Engine, Config: settings}
}

func (c *Config) journalConfig() storage.StoreConfig {
	return storage.StoreConfig{Engine: "filelog", Config: storage.Config{"path": c.Journal.Path}}
}

func (c *Config) stage(name string) stageConfig {
	return c.Stages[name]
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
