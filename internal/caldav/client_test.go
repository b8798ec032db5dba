package caldav

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/macjediwizard/calpush/internal/db"
)

type davObject struct {
	etag string
	data string
}

type davPut struct {
	Path        string
	IfMatch     string
	IfNoneMatch string
	ContentType string
	Body        string
}

// davServer is a minimal CalDAV collection at /cal/.
type davServer struct {
	mu      sync.Mutex
	objects map[string]davObject // keyed by escaped path
	puts    []davPut
	reports []string
	auth    []string
	etagSeq int
	noData  bool // omit calendar-data from calendar-query answers
}

func newDAVServer() *davServer {
	return &davServer{objects: make(map[string]davObject)}
}

var (
	requestHrefPattern = regexp.MustCompile(`<D:href>([^<]+)</D:href>`)
	textMatchPattern   = regexp.MustCompile(`<C:text-match[^>]*>([^<]*)</C:text-match>`)
)

func (s *davServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.auth = append(s.auth, r.Header.Get("Authorization"))
	body, _ := io.ReadAll(r.Body)
	path := r.URL.EscapedPath()

	switch r.Method {
	case http.MethodPut:
		s.puts = append(s.puts, davPut{
			Path:        path,
			IfMatch:     r.Header.Get("If-Match"),
			IfNoneMatch: r.Header.Get("If-None-Match"),
			ContentType: r.Header.Get("Content-Type"),
			Body:        string(body),
		})
		obj, exists := s.objects[path]
		if r.Header.Get("If-None-Match") == "*" && exists {
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}
		if m := r.Header.Get("If-Match"); m != "" && (!exists || (m != "*" && m != obj.etag)) {
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}
		s.etagSeq++
		etag := fmt.Sprintf(`"etag-%d"`, s.etagSeq)
		s.objects[path] = davObject{etag: etag, data: string(body)}
		w.Header().Set("ETag", etag)
		if exists {
			w.WriteHeader(http.StatusNoContent)
		} else {
			w.WriteHeader(http.StatusCreated)
		}

	case "REPORT":
		s.reports = append(s.reports, string(body))
		var paths []string
		withData := !s.noData
		switch {
		case bytes.Contains(body, []byte("calendar-multiget")):
			for _, m := range requestHrefPattern.FindAllSubmatch(body, -1) {
				if _, ok := s.objects[string(m[1])]; ok {
					paths = append(paths, string(m[1]))
				}
			}
			withData = true
		case bytes.Contains(body, []byte("text-match")):
			uid := string(textMatchPattern.FindSubmatch(body)[1])
			for p, obj := range s.objects {
				if ExtractUID(obj.data) == uid {
					paths = append(paths, p)
				}
			}
			withData = bytes.Contains(body, []byte("calendar-data"))
		default:
			for p := range s.objects {
				paths = append(paths, p)
			}
		}
		sort.Strings(paths)
		s.writeObjects(w, path, paths, withData)

	case "PROPFIND":
		obj, ok := s.objects[path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/xml; charset=utf-8")
		w.WriteHeader(http.StatusMultiStatus)
		fmt.Fprintf(w, `<?xml version="1.0" encoding="utf-8"?>
<D:multistatus xmlns:D="DAV:"><D:response><D:href>%s</D:href><D:propstat><D:prop><D:getetag>%s</D:getetag></D:prop><D:status>HTTP/1.1 200 OK</D:status></D:propstat></D:response></D:multistatus>`, path, xmlEscape(obj.etag))

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *davServer) writeObjects(w http.ResponseWriter, collection string, paths []string, withData bool) {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?>` + "\n")
	b.WriteString(`<D:multistatus xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">`)
	fmt.Fprintf(&b, `<D:response><D:href>%s</D:href><D:propstat><D:prop></D:prop><D:status>HTTP/1.1 200 OK</D:status></D:propstat></D:response>`, collection)
	for _, p := range paths {
		obj := s.objects[p]
		b.WriteString(`<D:response><D:href>` + p + `</D:href><D:propstat><D:prop>`)
		b.WriteString(`<D:getetag>` + xmlEscape(obj.etag) + `</D:getetag>`)
		if withData {
			b.WriteString(`<C:calendar-data>` + xmlEscape(obj.data) + `</C:calendar-data>`)
		}
		b.WriteString(`</D:prop><D:status>HTTP/1.1 200 OK</D:status></D:propstat></D:response>`)
	}
	b.WriteString(`</D:multistatus>`)

	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusMultiStatus)
	io.WriteString(w, b.String())
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	client, err := NewClient(ClientConfig{URL: url, Username: "user", Password: "pass"}, testLogger())
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	return client
}

func TestNewClient(t *testing.T) {
	t.Run("returns error for empty URL", func(t *testing.T) {
		_, err := NewClient(ClientConfig{Username: "user", Password: "pass"}, testLogger())
		if !errors.Is(err, ErrConnectionFailed) {
			t.Errorf("expected ErrConnectionFailed, got %v", err)
		}
	})

	t.Run("creates client with valid URL", func(t *testing.T) {
		client, err := NewClient(ClientConfig{URL: "https://caldav.example.com", Username: "user", Password: "pass"}, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if client.baseURL != "https://caldav.example.com" {
			t.Errorf("expected baseURL to be set, got %q", client.baseURL)
		}
		if client.username != "user" {
			t.Errorf("expected username 'user', got %q", client.username)
		}
		if client.httpClient.Timeout != defaultTimeout {
			t.Errorf("expected default timeout, got %v", client.httpClient.Timeout)
		}
	})

	t.Run("bearer token replaces basic auth", func(t *testing.T) {
		client, err := NewClient(ClientConfig{URL: "https://caldav.example.com", BearerToken: "tok"}, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !client.bearer {
			t.Error("expected bearer mode")
		}
	})
}

func TestClientBuildURL(t *testing.T) {
	testCases := []struct {
		name     string
		baseURL  string
		path     string
		expected string
	}{
		{"returns baseURL for empty path", "https://caldav.example.com/cal", "", "https://caldav.example.com/cal"},
		{"handles absolute path", "https://caldav.example.com/cal", "/dav/calendars/event.ics", "https://caldav.example.com/dav/calendars/event.ics"},
		{"handles relative path", "https://caldav.example.com/cal", "event.ics", "https://caldav.example.com/cal/event.ics"},
		{"removes trailing slash from baseURL for relative path", "https://caldav.example.com/cal/", "event.ics", "https://caldav.example.com/cal/event.ics"},
		{"handles baseURL without path for absolute path", "https://caldav.example.com", "/calendars/event.ics", "https://caldav.example.com/calendars/event.ics"},
		{"keeps escaped segments", "https://caldav.example.com", "/cal/a%20b.ics", "https://caldav.example.com/cal/a%20b.ics"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			client := &Client{baseURL: tc.baseURL}
			if got := client.buildURL(tc.path); got != tc.expected {
				t.Errorf("expected %q, got %q", tc.expected, got)
			}
		})
	}
}

func TestPushScenarioAgainstServer(t *testing.T) {
	srv := newDAVServer()
	ts := httptest.NewServer(srv)
	defer ts.Close()

	client := newTestClient(t, ts.URL)
	engine := NewSyncEngine(nil, EngineConfig{}, nil, nil, testLogger())
	activities := []*db.Activity{timedActivity("t1", "Design review", jan5)}

	first := engine.Push(context.Background(), client, "/cal/", activities)
	if first.Created != 1 || first.Failed != 0 {
		t.Fatalf("first run: %s", first.Message())
	}
	if len(srv.puts) != 1 {
		t.Fatalf("expected 1 PUT, got %d", len(srv.puts))
	}

	put := srv.puts[0]
	if put.Path != "/cal/t1.ics" {
		t.Errorf("PUT path = %q, want /cal/t1.ics", put.Path)
	}
	if put.IfNoneMatch != "*" || put.IfMatch != "" {
		t.Errorf("create preconditions = If-None-Match %q, If-Match %q", put.IfNoneMatch, put.IfMatch)
	}
	if put.ContentType != "text/calendar; charset=utf-8" {
		t.Errorf("Content-Type = %q", put.ContentType)
	}
	lines := contentLines([]byte(put.Body))
	for _, want := range []string{"UID:t1", "DTSTART:20260105T090000Z", "DTEND:20260105T100000Z", "SUMMARY:Design review"} {
		if !hasLine(lines, want) {
			t.Errorf("PUT body missing %q", want)
		}
	}

	// First run: bounded listing found nothing, so an unbounded one followed.
	if len(srv.reports) != 2 {
		t.Fatalf("expected 2 REPORTs in the first run, got %d", len(srv.reports))
	}
	if !strings.Contains(srv.reports[0], `<C:time-range start="20260104T090000Z" end="20260106T100000Z"/>`) {
		t.Errorf("bounded REPORT missing time-range:\n%s", srv.reports[0])
	}
	if strings.Contains(srv.reports[1], "time-range") {
		t.Error("fallback REPORT should not carry a time-range")
	}

	etag := srv.objects["/cal/t1.ics"].etag
	second := engine.Push(context.Background(), client, "/cal/", activities)
	if second.Updated != 1 || second.Created != 0 || second.Failed != 0 {
		t.Fatalf("second run: %s", second.Message())
	}
	if len(srv.puts) != 2 {
		t.Fatalf("expected 2 PUTs, got %d", len(srv.puts))
	}
	put = srv.puts[1]
	if put.Path != "/cal/t1.ics" || put.IfMatch != etag || put.IfNoneMatch != "" {
		t.Errorf("update PUT = %+v, want If-Match %s on /cal/t1.ics", put, etag)
	}
	if len(srv.objects) != 1 {
		t.Errorf("expected exactly one remote object, got %d", len(srv.objects))
	}

	for _, a := range srv.auth {
		if !strings.HasPrefix(a, "Basic ") {
			t.Errorf("expected basic auth on every request, got %q", a)
		}
	}
}

func TestPushLargeCollectionTwice(t *testing.T) {
	srv := newDAVServer()
	ts := httptest.NewServer(srv)
	defer ts.Close()

	const count = 200
	activities := make([]*db.Activity, 0, count)
	for i := 0; i < count; i++ {
		a := timedActivity(fmt.Sprintf("bulk-%03d", i), fmt.Sprintf("Standup %d", i), jan5.Add(time.Duration(i)*time.Hour))
		a.Description = strings.Repeat("agenda ", 60)
		activities = append(activities, a)
	}

	client := newTestClient(t, ts.URL)
	engine := NewSyncEngine(nil, EngineConfig{}, nil, nil, testLogger())

	first := engine.Push(context.Background(), client, "/cal/", activities)
	if first.Created != count || first.Failed != 0 {
		t.Fatalf("first run: %s", first.Message())
	}

	second := engine.Push(context.Background(), client, "/cal/", activities)
	if second.Updated != count || second.Created != 0 || second.Recovered != 0 || second.Failed != 0 {
		t.Fatalf("second run: %s", second.Message())
	}
	if second.Index.Fetched != count {
		t.Errorf("listing returned %d objects, want %d", second.Index.Fetched, count)
	}
	if len(srv.objects) != count {
		t.Errorf("expected %d remote objects, got %d", count, len(srv.objects))
	}

	// The listing must exceed the write-response cap to be meaningful.
	paths := make([]string, 0, len(srv.objects))
	for p := range srv.objects {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	rec := httptest.NewRecorder()
	srv.writeObjects(rec, "/cal/", paths, true)
	if rec.Body.Len() <= maxResponse {
		t.Fatalf("listing is only %d bytes", rec.Body.Len())
	}
}

func TestClientListingWithoutBodies(t *testing.T) {
	srv := newDAVServer()
	srv.noData = true
	srv.objects["/cal/legacy-1.ics"] = davObject{etag: `"x"`, data: "BEGIN:VCALENDAR\r\nBEGIN:VEVENT\r\nUID:t1\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n"}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	client := newTestClient(t, ts.URL)
	idx, stats := NewIndexer(client, testLogger()).Build(context.Background(), "/cal/", nil)

	if !stats.Rebuilt {
		t.Fatal("expected the index to be rebuilt from a multiget")
	}
	obj, ok := idx.Lookup("t1")
	if !ok || obj.Path != "/cal/legacy-1.ics" || obj.ETag != `"x"` {
		t.Errorf("Lookup(t1) = %+v, %v", obj, ok)
	}
	if !strings.Contains(srv.reports[1], "<D:href>/cal/legacy-1.ics</D:href>") {
		t.Errorf("multiget should name the listed href:\n%s", srv.reports[1])
	}
}

func TestClientFindByUIDAndFetchETag(t *testing.T) {
	srv := newDAVServer()
	srv.objects["/cal/a.ics"] = davObject{etag: `"a1"`, data: "UID:alpha\r\n"}
	srv.objects["/cal/b.ics"] = davObject{etag: `"b1"`, data: "UID:beta\r\n"}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	client := newTestClient(t, ts.URL)
	ctx := context.Background()

	hits, err := client.FindByUID(ctx, "/cal/", "beta")
	if err != nil {
		t.Fatalf("FindByUID failed: %v", err)
	}
	if len(hits) != 1 || hits[0].Path != "/cal/b.ics" || hits[0].ETag != `"b1"` {
		t.Fatalf("FindByUID = %+v", hits)
	}
	if hits[0].Data != "UID:beta\r\n" {
		t.Errorf("FindByUID should return the object body, got %q", hits[0].Data)
	}
	if !strings.Contains(srv.reports[0], `collation="i;octet"`) {
		t.Error("UID query should use octet collation")
	}

	etag, err := client.FetchETag(ctx, "/cal/a.ics")
	if err != nil {
		t.Fatalf("FetchETag failed: %v", err)
	}
	if etag != `"a1"` {
		t.Errorf("FetchETag = %q", etag)
	}

	_, err = client.FetchETag(ctx, "/cal/missing.ics")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestClientWrites(t *testing.T) {
	srv := newDAVServer()
	ts := httptest.NewServer(srv)
	defer ts.Close()

	client := newTestClient(t, ts.URL)
	ctx := context.Background()
	data := []byte(mustEncode(t, "w1"))

	res, err := client.Create(ctx, "/cal/w1.ics", data)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if res.StatusCode != http.StatusCreated || res.ETag == "" {
		t.Errorf("Create = %d etag %q", res.StatusCode, res.ETag)
	}

	res, err = client.Create(ctx, "/cal/w1.ics", data)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if Classify(res.StatusCode) != WriteMismatch {
		t.Errorf("second create should be rejected, got %d", res.StatusCode)
	}

	res, err = client.Update(ctx, "/cal/w1.ics", data, `"wrong"`)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if res.StatusCode != http.StatusPreconditionFailed {
		t.Errorf("stale If-Match should fail, got %d", res.StatusCode)
	}

	res, err = client.Update(ctx, "/cal/w1.ics", data, "*")
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if res.StatusCode != http.StatusNoContent {
		t.Errorf("If-Match * on an existing object should succeed, got %d", res.StatusCode)
	}

	res, err = client.Update(ctx, "/cal/w1.ics", data, "")
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if res.StatusCode != http.StatusNoContent {
		t.Errorf("unconditional update should succeed, got %d", res.StatusCode)
	}
	if got := srv.puts[len(srv.puts)-1].IfMatch; got != "" {
		t.Errorf("unconditional update sent If-Match %q", got)
	}
}

func TestClientBearerToken(t *testing.T) {
	srv := newDAVServer()
	srv.objects["/cal/a.ics"] = davObject{etag: `"a1"`}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	client, err := NewClient(ClientConfig{URL: ts.URL, BearerToken: "secret-token", Username: "ignored"}, testLogger())
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	if _, err := client.FetchETag(context.Background(), "/cal/a.ics"); err != nil {
		t.Fatalf("FetchETag failed: %v", err)
	}
	if got := srv.auth[0]; got != "Bearer secret-token" {
		t.Errorf("Authorization = %q, want bearer token", got)
	}
}

func TestClientRequestErrors(t *testing.T) {
	testCases := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"server error", http.StatusInternalServerError, "", ErrInvalidResponse},
		{"forbidden", http.StatusForbidden, "", ErrInvalidResponse},
		{"not found", http.StatusNotFound, "", ErrNotFound},
		{"malformed XML", http.StatusMultiStatus, "<not-xml", ErrInvalidResponse},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				io.WriteString(w, tc.body)
			}))
			defer ts.Close()

			client := newTestClient(t, ts.URL)
			_, err := client.QueryObjects(context.Background(), "/cal/", nil)
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}

	t.Run("unreachable server", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		url := ts.URL
		ts.Close()

		client := newTestClient(t, url)
		_, err := client.Create(context.Background(), "/cal/x.ics", []byte("x"))
		if !errors.Is(err, ErrConnectionFailed) {
			t.Errorf("expected ErrConnectionFailed, got %v", err)
		}
	})
}

func TestClientTestConnection(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusInternalServerError} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(status)
			}))
			defer ts.Close()

			client := newTestClient(t, ts.URL)
			if err := client.TestConnection(context.Background()); !errors.Is(err, ErrConnectionFailed) {
				t.Errorf("expected ErrConnectionFailed, got %v", err)
			}
		})
	}
}

const discoveryPrincipal = `<?xml version="1.0" encoding="utf-8"?>
<D:multistatus xmlns:D="DAV:">
  <D:response>
    <D:href>/</D:href>
    <D:propstat>
      <D:prop><D:current-user-principal><D:href>/principals/user/</D:href></D:current-user-principal></D:prop>
      <D:status>HTTP/1.1 200 OK</D:status>
    </D:propstat>
  </D:response>
</D:multistatus>`

const discoveryHomeSet = `<?xml version="1.0" encoding="utf-8"?>
<D:multistatus xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <D:response>
    <D:href>/principals/user/</D:href>
    <D:propstat>
      <D:prop><C:calendar-home-set><D:href>/cal/</D:href></C:calendar-home-set></D:prop>
      <D:status>HTTP/1.1 200 OK</D:status>
    </D:propstat>
  </D:response>
</D:multistatus>`

const discoveryCalendars = `<?xml version="1.0" encoding="utf-8"?>
<D:multistatus xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <D:response>
    <D:href>/cal/</D:href>
    <D:propstat>
      <D:prop><D:resourcetype><D:collection/></D:resourcetype></D:prop>
      <D:status>HTTP/1.1 200 OK</D:status>
    </D:propstat>
  </D:response>
  <D:response>
    <D:href>/cal/holidays/</D:href>
    <D:propstat>
      <D:prop>
        <D:resourcetype><D:collection/><C:calendar/></D:resourcetype>
        <D:displayname>Holidays</D:displayname>
        <C:supported-calendar-component-set><C:comp name="VEVENT"/></C:supported-calendar-component-set>
      </D:prop>
      <D:status>HTTP/1.1 200 OK</D:status>
    </D:propstat>
  </D:response>
  <D:response>
    <D:href>/cal/work/</D:href>
    <D:propstat>
      <D:prop>
        <D:resourcetype><D:collection/><C:calendar/></D:resourcetype>
        <D:displayname>Work</D:displayname>
        <C:supported-calendar-component-set><C:comp name="VEVENT"/><C:comp name="VTODO"/></C:supported-calendar-component-set>
      </D:prop>
      <D:status>HTTP/1.1 200 OK</D:status>
    </D:propstat>
  </D:response>
</D:multistatus>`

const discoveryPrivileges = `<?xml version="1.0" encoding="utf-8"?>
<D:multistatus xmlns:D="DAV:">
  <D:response>
    <D:href>/cal/holidays/</D:href>
    <D:propstat>
      <D:prop><D:current-user-privilege-set><D:privilege><D:read/></D:privilege></D:current-user-privilege-set></D:prop>
      <D:status>HTTP/1.1 200 OK</D:status>
    </D:propstat>
  </D:response>
  <D:response>
    <D:href>/cal/work/</D:href>
    <D:propstat>
      <D:prop><D:current-user-privilege-set><D:privilege><D:read/></D:privilege><D:privilege><D:write/></D:privilege></D:current-user-privilege-set></D:prop>
      <D:status>HTTP/1.1 200 OK</D:status>
    </D:propstat>
  </D:response>
</D:multistatus>`

func TestClientFindCollections(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "PROPFIND" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var answer string
		switch {
		case bytes.Contains(body, []byte("current-user-principal")):
			answer = discoveryPrincipal
		case bytes.Contains(body, []byte("calendar-home-set")):
			answer = discoveryHomeSet
		case bytes.Contains(body, []byte("current-user-privilege-set")):
			answer = discoveryPrivileges
		default:
			answer = discoveryCalendars
		}
		w.Header().Set("Content-Type", "application/xml; charset=utf-8")
		w.WriteHeader(http.StatusMultiStatus)
		io.WriteString(w, answer)
	}))
	defer ts.Close()

	client := newTestClient(t, ts.URL)
	collections, err := client.FindCollections(context.Background())
	if err != nil {
		t.Fatalf("FindCollections failed: %v", err)
	}
	if len(collections) != 2 {
		t.Fatalf("expected 2 calendars, got %d: %+v", len(collections), collections)
	}

	byPath := make(map[string]Collection)
	for _, c := range collections {
		byPath[strings.TrimSuffix(c.Path, "/")] = c
	}
	if !byPath["/cal/holidays"].ReadOnly {
		t.Error("holidays should be read-only")
	}
	if byPath["/cal/work"].ReadOnly {
		t.Error("work should be writable")
	}

	selected, err := SelectCollection(collections)
	if err != nil {
		t.Fatalf("SelectCollection failed: %v", err)
	}
	if strings.TrimSuffix(selected.Path, "/") != "/cal/work" {
		t.Errorf("selected %q, want /cal/work/", selected.Path)
	}
}

func TestClientFindCollectionsFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	client := newTestClient(t, ts.URL)
	_, err := client.FindCollections(context.Background())
	if !errors.Is(err, ErrDiscoveryFailed) {
		t.Errorf("expected ErrDiscoveryFailed, got %v", err)
	}
}

func TestParseObjects(t *testing.T) {
	body := `<?xml version="1.0"?>
<d:multistatus xmlns:d="DAV:" xmlns:cal="urn:ietf:params:xml:ns:caldav">
  <d:response>
    <d:href>/cal/</d:href>
    <d:propstat><d:prop><d:getetag>"col"</d:getetag></d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat>
  </d:response>
  <d:response>
    <d:href>https://dav.example.com/cal/a%20b.ics</d:href>
    <d:propstat><d:prop><d:getetag>"1"</d:getetag><cal:calendar-data>UID:ab</cal:calendar-data></d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat>
  </d:response>
  <d:response>
    <d:href>/cal/split.ics</d:href>
    <d:propstat><d:prop><d:getetag>"2"</d:getetag></d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat>
    <d:propstat><d:prop><cal:calendar-data/></d:prop><d:status>HTTP/1.1 404 Not Found</d:status></d:propstat>
  </d:response>
  <d:response>
    <d:href>/cal/gone.ics</d:href>
    <d:status>HTTP/1.1 404 Not Found</d:status>
  </d:response>
  <d:response>
    <d:href>/cal/null.ics</d:href>
    <d:propstat><d:prop><d:getetag>null</d:getetag></d:prop></d:propstat>
  </d:response>
</d:multistatus>`

	objects, err := parseObjects([]byte(body), "/cal/")
	if err != nil {
		t.Fatalf("parseObjects failed: %v", err)
	}

	want := []RemoteObject{
		{Path: "/cal/a%20b.ics", ETag: `"1"`, Data: "UID:ab"},
		{Path: "/cal/split.ics", ETag: `"2"`},
		{Path: "/cal/null.ics"},
	}
	if len(objects) != len(want) {
		t.Fatalf("expected %d objects, got %d: %+v", len(want), len(objects), objects)
	}
	for i := range want {
		if objects[i] != want[i] {
			t.Errorf("object %d = %+v, want %+v", i, objects[i], want[i])
		}
	}
}

func TestPrivilegeSetWritable(t *testing.T) {
	testCases := []struct {
		name string
		xml  string
		want bool
	}{
		{"read only", `<D:current-user-privilege-set xmlns:D="DAV:"><D:privilege><D:read/></D:privilege></D:current-user-privilege-set>`, false},
		{"write", `<D:current-user-privilege-set xmlns:D="DAV:"><D:privilege><D:read/></D:privilege><D:privilege><D:write/></D:privilege></D:current-user-privilege-set>`, true},
		{"write-content", `<D:current-user-privilege-set xmlns:D="DAV:"><D:privilege><D:write-content/></D:privilege></D:current-user-privilege-set>`, true},
		{"bind", `<D:current-user-privilege-set xmlns:D="DAV:"><D:privilege><D:bind/></D:privilege></D:current-user-privilege-set>`, true},
		{"all", `<D:current-user-privilege-set xmlns:D="DAV:"><D:privilege><D:all/></D:privilege></D:current-user-privilege-set>`, true},
		{"empty", `<D:current-user-privilege-set xmlns:D="DAV:"></D:current-user-privilege-set>`, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var set privilegeSet
			if err := xml.Unmarshal([]byte(tc.xml), &set); err != nil {
				t.Fatalf("unmarshal failed: %v", err)
			}
			if got := set.writable(); got != tc.want {
				t.Errorf("writable = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestStatusOK(t *testing.T) {
	testCases := []struct {
		status string
		want   bool
	}{
		{"", true},
		{"HTTP/1.1 200 OK", true},
		{"HTTP/1.1 201 Created", true},
		{"  HTTP/1.1 200 OK  ", true},
		{"HTTP/1.1 404 Not Found", false},
		{"HTTP/1.1 403 Forbidden", false},
		{"HTTP/1.1 500 Internal Error", false},
		{"garbage", false},
	}
	for _, tc := range testCases {
		if got := statusOK(tc.status); got != tc.want {
			t.Errorf("statusOK(%q) = %v, want %v", tc.status, got, tc.want)
		}
	}
}

func TestRequestBodies(t *testing.T) {
	t.Run("calendar query without window", func(t *testing.T) {
		body := calendarQueryBody(nil)
		if strings.Contains(body, "time-range") {
			t.Error("unbounded query should not have a time-range")
		}
		for _, want := range []string{"<D:getetag/>", "<C:calendar-data/>", `name="VCALENDAR"`, `name="VEVENT"`} {
			if !strings.Contains(body, want) {
				t.Errorf("query missing %q", want)
			}
		}
	})

	t.Run("uid query escapes the UID", func(t *testing.T) {
		body := uidQueryBody(`a<b&"c"`)
		if !strings.Contains(body, `a&lt;b&amp;&#34;c&#34;`) {
			t.Errorf("UID not escaped:\n%s", body)
		}
		if !strings.Contains(body, `<C:prop-filter name="UID">`) {
			t.Error("missing UID prop-filter")
		}
		if !strings.Contains(body, "<D:getetag/>") || !strings.Contains(body, "<C:calendar-data/>") {
			t.Error("uid query should request the ETag and the object body")
		}
	})

	t.Run("multiget lists every href", func(t *testing.T) {
		body := multigetBody([]string{"/cal/a.ics", "/cal/b&c.ics"})
		for _, want := range []string{"<D:href>/cal/a.ics</D:href>", "<D:href>/cal/b&amp;c.ics</D:href>", "<C:calendar-data/>"} {
			if !strings.Contains(body, want) {
				t.Errorf("multiget missing %q", want)
			}
		}
		var probe struct {
			XMLName xml.Name
		}
		if err := xml.Unmarshal([]byte(body), &probe); err != nil {
			t.Errorf("multiget body is not valid XML: %v", err)
		}
	})
}
