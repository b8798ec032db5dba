package caldav

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/macjediwizard/calpush/internal/db"
	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func timePtr(t time.Time) *time.Time {
	return &t
}

// timedActivity returns an activity lasting one hour from start.
func timedActivity(id, title string, start time.Time) *db.Activity {
	end := start.Add(time.Hour)
	return &db.Activity{
		ID:      id,
		Title:   title,
		Date:    start.Format("2006-01-02"),
		StartAt: timePtr(start),
		EndAt:   timePtr(end),
	}
}

type memWrite struct {
	Path    string
	IfMatch string
	Create  bool
	Data    string
	Status  int
}

// memTransport is an in-memory CalDAV collection with ETag preconditions.
type memTransport struct {
	mu            sync.Mutex
	objects       map[string]RemoteObject
	nextETag      int
	writes        []memWrite
	queries       []*Window
	multigets     int
	collections   []Collection
	discoverErr   error
	listErr       error
	boundedEmpty  bool
	omitBodies    bool
	multigetEmpty bool
}

func newMemTransport() *memTransport {
	return &memTransport{objects: make(map[string]RemoteObject)}
}

func (m *memTransport) store(path, data string) string {
	m.nextETag++
	etag := fmt.Sprintf(`"v%d"`, m.nextETag)
	m.objects[path] = RemoteObject{Path: path, ETag: etag, Data: data}
	return etag
}

// seed stores an object outside of any write accounting.
func (m *memTransport) seed(path, data string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store(path, data)
}

func (m *memTransport) sorted() []RemoteObject {
	paths := make([]string, 0, len(m.objects))
	for p := range m.objects {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	out := make([]RemoteObject, 0, len(paths))
	for _, p := range paths {
		out = append(out, m.objects[p])
	}
	return out
}

func (m *memTransport) FindCollections(ctx context.Context) ([]Collection, error) {
	return m.collections, m.discoverErr
}

func (m *memTransport) QueryObjects(ctx context.Context, collection string, window *Window) ([]RemoteObject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = append(m.queries, window)
	if m.listErr != nil {
		return nil, m.listErr
	}
	if window != nil && m.boundedEmpty {
		return nil, nil
	}
	objects := m.sorted()
	if m.omitBodies {
		for i := range objects {
			objects[i].Data = ""
		}
	}
	return objects, nil
}

func (m *memTransport) MultiGetObjects(ctx context.Context, collection string, paths []string) ([]RemoteObject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.multigets++
	if m.multigetEmpty {
		return nil, nil
	}
	out := make([]RemoteObject, 0, len(paths))
	for _, p := range paths {
		if obj, ok := m.objects[p]; ok {
			out = append(out, obj)
		}
	}
	return out, nil
}

func (m *memTransport) FindByUID(ctx context.Context, collection, uid string) ([]RemoteObject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RemoteObject
	for _, obj := range m.sorted() {
		if ExtractUID(obj.Data) == uid {
			out = append(out, obj)
		}
	}
	return out, nil
}

func (m *memTransport) FetchETag(ctx context.Context, objectPath string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[objectPath]
	if !ok {
		return "", ErrNotFound
	}
	return obj.ETag, nil
}

func (m *memTransport) Create(ctx context.Context, objectPath string, data []byte) (*WriteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := memWrite{Path: objectPath, Create: true, Data: string(data)}
	res := &WriteResult{Header: http.Header{}}
	if _, exists := m.objects[objectPath]; exists {
		res.StatusCode = http.StatusPreconditionFailed
	} else {
		res.StatusCode = http.StatusCreated
		res.ETag = m.store(objectPath, string(data))
	}
	w.Status = res.StatusCode
	m.writes = append(m.writes, w)
	return res, nil
}

func (m *memTransport) Update(ctx context.Context, objectPath string, data []byte, ifMatch string) (*WriteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := memWrite{Path: objectPath, IfMatch: ifMatch, Data: string(data)}
	res := &WriteResult{Header: http.Header{}}
	obj, exists := m.objects[objectPath]
	switch {
	case ifMatch == "*" && !exists:
		res.StatusCode = http.StatusPreconditionFailed
	case ifMatch != "" && ifMatch != "*" && (!exists || obj.ETag != ifMatch):
		res.StatusCode = http.StatusPreconditionFailed
	case exists:
		res.StatusCode = http.StatusNoContent
	default:
		res.StatusCode = http.StatusCreated
	}
	if Classify(res.StatusCode) == WriteSuccess {
		res.ETag = m.store(objectPath, string(data))
	}
	w.Status = res.StatusCode
	m.writes = append(m.writes, w)
	return res, nil
}

// conflictTransport answers writes from a scripted status list and
// records every write.
type conflictTransport struct {
	statuses []int // consumed per write; the last one repeats
	header   http.Header
	body     string
	etag     string
	fetchErr error
	writeErr error
	uidHits  []RemoteObject
	index    []RemoteObject
	writes   []memWrite
	fetches  []string
}

func (c *conflictTransport) nextStatus() int {
	if len(c.statuses) == 0 {
		return http.StatusConflict
	}
	s := c.statuses[0]
	if len(c.statuses) > 1 {
		c.statuses = c.statuses[1:]
	}
	return s
}

func (c *conflictTransport) respond(w memWrite) (*WriteResult, error) {
	if c.writeErr != nil {
		return nil, c.writeErr
	}
	w.Status = c.nextStatus()
	c.writes = append(c.writes, w)
	return &WriteResult{StatusCode: w.Status, Header: c.header, Body: c.body}, nil
}

func (c *conflictTransport) FindCollections(ctx context.Context) ([]Collection, error) {
	return []Collection{{Path: "/cal/"}}, nil
}

func (c *conflictTransport) QueryObjects(ctx context.Context, collection string, window *Window) ([]RemoteObject, error) {
	return c.index, nil
}

func (c *conflictTransport) MultiGetObjects(ctx context.Context, collection string, paths []string) ([]RemoteObject, error) {
	return nil, nil
}

func (c *conflictTransport) FindByUID(ctx context.Context, collection, uid string) ([]RemoteObject, error) {
	return c.uidHits, nil
}

func (c *conflictTransport) FetchETag(ctx context.Context, objectPath string) (string, error) {
	c.fetches = append(c.fetches, objectPath)
	if c.fetchErr != nil {
		return "", c.fetchErr
	}
	return c.etag, nil
}

func (c *conflictTransport) Create(ctx context.Context, objectPath string, data []byte) (*WriteResult, error) {
	return c.respond(memWrite{Path: objectPath, Create: true, Data: string(data)})
}

func (c *conflictTransport) Update(ctx context.Context, objectPath string, data []byte, ifMatch string) (*WriteResult, error) {
	return c.respond(memWrite{Path: objectPath, IfMatch: ifMatch, Data: string(data)})
}

var (
	_ Transport = (*memTransport)(nil)
	_ Transport = (*conflictTransport)(nil)
)
