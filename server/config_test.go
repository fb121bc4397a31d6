package server

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testConfig = `
[server]
host = "mygreatserver.test.com"
rpcAddress = "localhost:9510"
httpAddress = "localhost:9520"
serverID = 3
weights = [10, 2]
groupMembers = ["localhost:9510", "otherhost:9510"]
note = "primary in building A"
idBatch = 500

[logging]
logfile = "logs/dso.log"
max_log_size = 500 # MB
max_log_age = 30   # days

[store]
path = "data"
cacheMB = 128
compression = "zstd"

[lock]
greedy = true
maxWaitMs = 60000

[gc]
enabled = true
intervalSecs = 300

[replication]
retryMinMs = 50
retryMaxMs = 2000

[stages.objects]
workers = 8
queueSize = 1000
`

func writeConfig(t *testing.T, contents string) string {
	fname := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(fname, []byte(contents), 0644); err != nil {
		t.Fatalf("couldn't write config: %v\n", err)
	}
	return fname
}

func TestLoadConfig(t *testing.T) {
	fname := writeConfig(t, testConfig)
	c, err := LoadConfig(fname)
	if err != nil {
		t.Fatalf("bad config load: %v\n", err)
	}
	if c.Location() != fname {
		t.Errorf("expected location %q, got %q\n", fname, c.Location())
	}
	if c.Server.Host != "mygreatserver.test.com" || c.Server.ServerID != 3 || c.Server.IDBatch != 500 {
		t.Errorf("bad [server] settings: %+v\n", c.Server)
	}
	if len(c.Server.Weights) != 2 || c.Server.Weights[0] != 10 {
		t.Errorf("bad weights: %v\n", c.Server.Weights)
	}
	if peers := c.peers(); len(peers) != 1 || peers[0] != "otherhost:9510" {
		t.Errorf("expected one peer, got %v\n", peers)
	}
	if passives := c.passives(); len(passives) != 1 || passives[0] != "otherhost:9510" {
		t.Errorf("expected peers to be passives, got %v\n", passives)
	}

	dir := filepath.Dir(fname)
	if c.Store.Path != filepath.Join(dir, "data") {
		t.Errorf("store path not made absolute: %s\n", c.Store.Path)
	}
	if c.Logging.Logfile != filepath.Join(dir, "logs", "dso.log") || c.Logging.MaxSize != 500 {
		t.Errorf("bad [logging] settings: %+v\n", c.Logging)
	}
	if c.Journal.Path != filepath.Join(dir, "data", JournalDir) {
		t.Errorf("expected journal under store path, got %s\n", c.Journal.Path)
	}
	if !c.Lock.Greedy || c.Lock.MaxWaitMs != 60000 {
		t.Errorf("bad [lock] settings: %+v\n", c.Lock)
	}
	if !c.GC.Enabled || c.GC.IntervalSecs != 300 || c.GC.PauseMs != DefaultGCPauseMs {
		t.Errorf("bad [gc] settings: %+v\n", c.GC)
	}
	if c.Store.CacheMB != 128 || c.Store.Engine != DefaultEngine || c.Store.Compression != "zstd" {
		t.Errorf("bad [store] settings: %+v\n", c.Store)
	}
	if c.Replication.ElectionTimeoutMs != DefaultElectionMs {
		t.Errorf("expected default election timeout, got %d\n", c.Replication.ElectionTimeoutMs)
	}
	if sc := c.stage(ObjectsStage); sc.Workers != 8 || sc.QueueSize != 1000 {
		t.Errorf("bad objects stage: %+v\n", sc)
	}
	if sc := c.stage(CommitStage); sc.Workers != 0 {
		t.Errorf("commit stage should use the default worker, got %+v\n", sc)
	}

	sc := c.storeConfig()
	if sc.Engine != DefaultEngine || sc.Config["path"] != c.Store.Path {
		t.Errorf("bad store config: %+v\n", sc)
	}
	if jc := c.journalConfig(); jc.Config["path"] != c.Journal.Path {
		t.Errorf("bad journal config: %+v\n", jc)
	}
}

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	if c.Server.RPCAddress != DefaultRPCAddress || c.Server.HTTPAddress != DefaultWebAddress {
		t.Errorf("bad default addresses: %+v\n", c.Server)
	}
	if c.Server.IDBatch != DefaultIDBatch || c.Store.CacheMB != DefaultCacheMB {
		t.Errorf("bad defaults: %+v %+v\n", c.Server, c.Store)
	}
	if c.Journal.Path != "" {
		t.Errorf("expected no journal without a store path, got %s\n", c.Journal.Path)
	}
	if len(c.passives()) != 0 {
		t.Errorf("expected no passives by default, got %v\n", c.passives())
	}
	if err := c.Validate(); err == nil {
		t.Errorf("expected default config without a server id to fail validation\n")
	}
}

func TestBadConfigs(t *testing.T) {
	tests := []struct {
		name   string
		config string
		errMsg string
	}{
		{"no server id", "[store]\ninMemory = true\n", "serverID"},
		{"no store", "[server]\nserverID = 1\n", "inMemory"},
		{"shared address", "[server]\nserverID = 1\nrpcAddress = \"localhost:9000\"\nhttpAddress = \"localhost:9000\"\n[store]\ninMemory = true\n", "share"},
		{"bad compression", "[server]\nserverID = 1\n[store]\ninMemory = true\ncompression = \"lz4\"\n", "compression"},
		{"retry order", "[server]\nserverID = 1\n[store]\ninMemory = true\n[replication]\nretryMinMs = 100\nretryMaxMs = 10\n", "retryMinMs"},
		{"passives without journal", "[server]\nserverID = 1\n[store]\ninMemory = true\n[replication]\npassives = [\"otherhost:9510\"]\n", "journal"},
		{"parallel commits", "[server]\nserverID = 1\n[store]\ninMemory = true\n[stages.commit]\nworkers = 4\n", "single worker"},
		{"unknown stage", "[server]\nserverID = 1\n[store]\ninMemory = true\n[stages.index]\nworkers = 4\n", "unknown stage"},
		{"bad toml", "[server\nserverID = 1\n", "decode"},
	}
	for _, tc := range tests {
		_, err := LoadConfig(writeConfig(t, tc.config))
		if err == nil {
			t.Errorf("%s: expected error loading config\n", tc.name)
			continue
		}
		if !strings.Contains(err.Error(), tc.errMsg) {
			t.Errorf("%s: expected error containing %q, got %v\n", tc.name, tc.errMsg, err)
		}
	}
	if _, err := LoadConfig(""); err == nil {
		t.Errorf("expected error loading config without a file name\n")
	}
}
