package caldav

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Index holds the two lookups built from one fetch of remote objects.
// It is not modified after Build returns.
type Index struct {
	ByUID  map[string]RemoteObject
	ByName map[string]RemoteObject
}

// IndexStats describes how an index was built.
type IndexStats struct {
	Fetched   int  `json:"fetched"`
	WithBody  int  `json:"with_body"`
	UIDs      int  `json:"uids"`
	Unbounded bool `json:"unbounded"` // bounded query returned nothing, refetched without a window
	Rebuilt   bool `json:"rebuilt"`   // rebuilt from a multiget that requested bodies
}

// NewIndex builds both lookups from a set of remote objects.
func NewIndex(objects []RemoteObject) *Index {
	idx := &Index{
		ByUID:  make(map[string]RemoteObject, len(objects)),
		ByName: make(map[string]RemoteObject, len(objects)),
	}
	for _, obj := range objects {
		obj.ETag = NormalizeETag(obj.ETag)
		if name := storageNameOf(obj.Path); name != "" {
			idx.ByName[name] = obj
		}
		if uid := ExtractUID(obj.Data); uid != "" {
			if _, exists := idx.ByUID[uid]; !exists {
				idx.ByUID[uid] = obj
			}
		}
	}
	return idx
}

// Lookup finds the remote object for a UID, by storage name first and then
// by the UID found in document bodies.
func (idx *Index) Lookup(uid string) (RemoteObject, bool) {
	if idx == nil {
		return RemoteObject{}, false
	}
	if obj, ok := idx.ByName[StorageName(uid)]; ok {
		return obj, true
	}
	obj, ok := idx.ByUID[uid]
	return obj, ok
}

// Indexer fetches remote objects for a collection and indexes them.
type Indexer struct {
	transport Transport
	log       *logrus.Entry
}

// NewIndexer creates an indexer.
func NewIndexer(transport Transport, log *logrus.Entry) *Indexer {
	return &Indexer{
		transport: transport,
		log:       log.WithField("component", "indexer"),
	}
}

// Build fetches and indexes the collection. It never fails: fetch errors are
// logged and produce an empty index, which is also what a first sync sees.
func (ix *Indexer) Build(ctx context.Context, collection string, window *Window) (*Index, IndexStats) {
	var stats IndexStats

	objects, err := ix.transport.QueryObjects(ctx, collection, window)
	if err != nil {
		ix.log.WithError(err).WithField("bounded", window != nil).Warn("Remote listing failed")
	}

	if len(objects) == 0 && window != nil {
		ix.log.Info("Bounded listing returned no objects, refetching without a time range")
		stats.Unbounded = true
		objects, err = ix.transport.QueryObjects(ctx, collection, nil)
		if err != nil {
			ix.log.WithError(err).Warn("Unbounded listing failed")
		}
	}

	idx := NewIndex(objects)

	if len(idx.ByUID) == 0 && len(objects) > 0 {
		paths := make([]string, 0, len(objects))
		for _, obj := range objects {
			paths = append(paths, obj.Path)
		}
		ix.log.WithField("objects", len(objects)).Info("No UIDs recovered from listing, requesting calendar data explicitly")
		richer, err := ix.transport.MultiGetObjects(ctx, collection, paths)
		if err != nil {
			ix.log.WithError(err).Warn("Multiget for calendar data failed")
		} else if len(richer) > 0 {
			objects = richer
			idx = NewIndex(objects)
			stats.Rebuilt = true
		}
	}

	stats.Fetched = len(objects)
	for _, obj := range objects {
		if obj.Data != "" {
			stats.WithBody++
		}
	}
	stats.UIDs = len(idx.ByUID)

	ix.log.WithFields(logrus.Fields{
		"fetched":   stats.Fetched,
		"with_body": stats.WithBody,
		"uids":      stats.UIDs,
		"unbounded": stats.Unbounded,
		"rebuilt":   stats.Rebuilt,
	}).Info("Indexed remote objects")
	recordIndexed(stats)

	return idx, stats
}
