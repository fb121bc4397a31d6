/*
	Package filelog implements an append-only journal of typed messages, one file
	per topic, framed with protolog.  The server journals every applied transaction
	so passive servers can be caught up after a resync.
*/
package filelog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/janelia-flyem/dso/dso"
	"github.com/janelia-flyem/dso/storage"

	"github.com/janelia-flyem/protolog"
	"github.com/twinj/uuid"
)

func parseConfig(config storage.StoreConfig) (path string, testing bool, err error) {
	var found bool
	if path, found, err = config.Config.GetString("path"); err != nil {
		return
	}
	if !found {
		err = fmt.Errorf("%q must be specified for log configuration", "path")
		return
	}
	if testing, _, err = config.Config.GetBool("testing"); err != nil {
		return
	}
	if testing {
		path = filepath.Join(os.TempDir(), path)
	}
	return
}

// TestConfig returns a journal configuration in a fresh temporary directory.
func TestConfig() storage.StoreConfig {
	return storage.StoreConfig{
		Engine: "filelog",
		Config: storage.Config{
			"path":    fmt.Sprintf("dso-test-filelog-%x", uuid.NewV4().Bytes()),
			"testing": true,
		},
	}
}

// Open returns a file-based journal, creating its directory if it doesn't exist.
func Open(config storage.StoreConfig) (*Logs, bool, error) {
	path, _, err := parseConfig(config)
	if err != nil {
		return nil, false, err
	}

	var created bool
	if _, err := os.Stat(path); os.IsNotExist(err) {
		dso.Infof("Log not already at path (%s). Creating ...\n", path)
		if err := os.MkdirAll(path, 0755); err != nil {
			return nil, false, err
		}
		created = true
	} else {
		dso.Infof("Found log at %s\n", path)
	}
	return &Logs{
		path:  path,
		files: make(map[string]*fileLog),
	}, created, nil
}

// Delete removes the journal directory, e.g., after tests.
func Delete(config storage.StoreConfig) error {
	path, _, err := parseConfig(config)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("can't delete append-only log directory %q: %v", path, err)
		}
	}
	return nil
}

type fileLog struct {
	*os.File
	sync.RWMutex
}

// Logs is a set of append-only topic files in one directory.
type Logs struct {
	path  string
	files map[string]*fileLog // key = topic
	sync.RWMutex
}

var badTopicChars = regexp.MustCompile(`[^a-zA-Z0-9\._\-]+`)

func (flogs *Logs) filename(topic string) string {
	return filepath.Join(flogs.path, badTopicChars.ReplaceAllString(topic, "-")+".log")
}

func (flogs *Logs) getWriteLog(topic string) (*fileLog, error) {
	flogs.RLock()
	fl, found := flogs.files[topic]
	flogs.RUnlock()
	if found {
		return fl, nil
	}

	flogs.Lock()
	defer flogs.Unlock()
	if fl, found = flogs.files[topic]; found {
		return fl, nil
	}
	f, err := os.OpenFile(flogs.filename(topic), os.O_WRONLY|os.O_CREATE|os.O_APPEND|os.O_SYNC, 0755)
	if err != nil {
		return nil, err
	}
	fl = &fileLog{File: f}
	flogs.files[topic] = fl
	return fl, nil
}

// TopicAppend appends a message to the topic's file.
func (flogs *Logs) TopicAppend(topic string, msg storage.LogMessage) error {
	fl, err := flogs.getWriteLog(topic)
	if err != nil {
		return fmt.Errorf("append log %q: %v", flogs, err)
	}
	fl.Lock()
	w := protolog.NewTypedWriter(msg.EntryType, fl.File)
	_, err = w.Write(msg.Data)
	fl.Unlock()
	if err != nil {
		err = fmt.Errorf("append log %q, topic %q: %v", flogs, topic, err)
	}
	return err
}

// StreamAll sends each message of a topic to f in append order.
func (flogs *Logs) StreamAll(topic string, f func(storage.LogMessage) error) error {
	flogs.RLock()
	fl, found := flogs.files[topic]
	flogs.RUnlock()
	if found {
		// block appends so we never read a partial record.
		fl.RLock()
		defer fl.RUnlock()
	}

	file, err := os.Open(flogs.filename(topic))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	r := protolog.NewReader(file)
	for {
		entryType, data, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading log topic %q: %v", topic, err)
		}
		msg := storage.LogMessage{EntryType: entryType, Data: append([]byte(nil), data...)}
		if err := f(msg); err != nil {
			return err
		}
	}
}

// ReadAll returns all messages of a topic.
func (flogs *Logs) ReadAll(topic string) ([]storage.LogMessage, error) {
	var msgs []storage.LogMessage
	err := flogs.StreamAll(topic, func(msg storage.LogMessage) error {
		msgs = append(msgs, msg)
		return nil
	})
	return msgs, err
}

// Truncate removes all messages of a topic.
func (flogs *Logs) Truncate(topic string) error {
	if err := flogs.TopicClose(topic); err != nil {
		return err
	}
	if err := os.Remove(flogs.filename(topic)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// TopicClose closes the topic's file.  A later append reopens it.
func (flogs *Logs) TopicClose(topic string) error {
	flogs.Lock()
	fl, found := flogs.files[topic]
	delete(flogs.files, topic)
	flogs.Unlock()
	if !found {
		return nil
	}
	fl.Lock()
	defer fl.Unlock()
	return fl.Close()
}

// Close closes all topic files.
func (flogs *Logs) Close() {
	flogs.Lock()
	for topic, fl := range flogs.files {
		if err := fl.Close(); err != nil {
			dso.Errorf("closing log file %q: %v\n", fl.Name(), err)
		}
		delete(flogs.files, topic)
	}
	flogs.Unlock()
}

func (flogs *Logs) String() string {
	return fmt.Sprintf("write logs @ %s", flogs.path)
}
