package transaction

import (
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/janelia-flyem/dso/dna"
	"github.com/janelia-flyem/dso/dso"
)

// MetaDataReader consumes the metadata descriptors of one category carried by applied
// transactions, e.g. to maintain a search index.
type MetaDataReader interface {
	ReadMetaData(stxID dso.ServerTransactionID, md dna.MetaData) error
}

// MetaDataManager hands transaction metadata to registered readers.
type MetaDataManager struct {
	mu      sync.RWMutex
	readers map[string][]MetaDataReader
	wg      sync.WaitGroup
}

func NewMetaDataManager() *MetaDataManager {
	return &MetaDataManager{readers: make(map[string][]MetaDataReader)}
}

// Register adds a reader for a metadata category.
func (mm *MetaDataManager) Register(category string, r MetaDataReader) {
	mm.mu.Lock()
	mm.readers[category] = append(mm.readers[category], r)
	mm.mu.Unlock()
}

// ProcessMetaDatas runs the readers for each descriptor concurrently and calls done
// once every reader has returned.  Descriptors with no reader are dropped.
func (mm *MetaDataManager) ProcessMetaDatas(stxID dso.ServerTransactionID, mds []dna.MetaData, done func()) {
	mm.mu.RLock()
	var g errgroup.Group
	for _, md := range mds {
		md := md
		for _, r := range mm.readers[md.Category] {
			r := r
			g.Go(func() error {
				return r.ReadMetaData(stxID, md)
			})
		}
	}
	mm.mu.RUnlock()

	mm.wg.Add(1)
	go func() {
		defer mm.wg.Done()
		if err := g.Wait(); err != nil {
			dso.Errorf("metadata processing for txn %s: %v\n", stxID, err)
		}
		done()
	}()
}

// Wait blocks until all outstanding metadata processing is done.
func (mm *MetaDataManager) Wait() {
	mm.wg.Wait()
}
