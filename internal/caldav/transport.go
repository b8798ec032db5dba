package caldav

import (
	"context"
	"net/http"
	"net/url"
	"path"
	"strings"
)

// RemoteObject is one stored event on the server.
type RemoteObject struct {
	Path string `json:"path"`
	ETag string `json:"etag,omitempty"` // empty when the server did not return one
	Data string `json:"data,omitempty"` // raw iCalendar document, may be empty
}

// Collection is a calendar collection visible to the authenticated principal.
type Collection struct {
	Path                string   `json:"path"`
	Name                string   `json:"name"`
	Description         string   `json:"description,omitempty"`
	SupportedComponents []string `json:"supported_components,omitempty"`
	ReadOnly            bool     `json:"read_only"`
}

// WriteResult is the server response to a PUT.
type WriteResult struct {
	StatusCode int
	Header     http.Header
	Body       string
	ETag       string
}

// Transport is the protocol surface the push engine depends on. *Client
// implements it against a real CalDAV server.
type Transport interface {
	FindCollections(ctx context.Context) ([]Collection, error)
	QueryObjects(ctx context.Context, collection string, window *Window) ([]RemoteObject, error)
	MultiGetObjects(ctx context.Context, collection string, paths []string) ([]RemoteObject, error)
	FindByUID(ctx context.Context, collection, uid string) ([]RemoteObject, error)
	FetchETag(ctx context.Context, objectPath string) (string, error)
	Create(ctx context.Context, objectPath string, data []byte) (*WriteResult, error)
	Update(ctx context.Context, objectPath string, data []byte, ifMatch string) (*WriteResult, error)
}

// WriteClass classifies a write response.
type WriteClass int

const (
	WriteFailure WriteClass = iota
	WriteSuccess
	WriteConflict // 409: naming or UID collision
	WriteMismatch // 412: ETag precondition failed
)

// String returns the class name used in logs.
func (c WriteClass) String() string {
	switch c {
	case WriteSuccess:
		return "success"
	case WriteConflict:
		return "conflict"
	case WriteMismatch:
		return "mismatch"
	default:
		return "failure"
	}
}

// Classify maps an HTTP status code to a write class.
func Classify(status int) WriteClass {
	switch {
	case status >= 200 && status < 300:
		return WriteSuccess
	case status == http.StatusConflict:
		return WriteConflict
	case status == http.StatusPreconditionFailed:
		return WriteMismatch
	default:
		return WriteFailure
	}
}

// NormalizeETag returns "" for missing tags, including the literal strings
// some clients produce when serialising an absent value.
func NormalizeETag(etag string) string {
	etag = strings.TrimSpace(etag)
	switch strings.ToLower(etag) {
	case "", "undefined", "null":
		return ""
	}
	return etag
}

// ObjectPath returns the path of an activity's object inside a collection.
func ObjectPath(collection, uid string) string {
	return strings.TrimSuffix(collection, "/") + "/" + url.PathEscape(StorageName(uid))
}

// storageNameOf returns the decoded last path segment of an object location.
func storageNameOf(location string) string {
	if u, err := url.Parse(location); err == nil && u.Path != "" {
		location = u.EscapedPath()
	}
	tail := path.Base(strings.TrimSuffix(location, "/"))
	if tail == "." || tail == "/" {
		return ""
	}
	if decoded, err := url.PathUnescape(tail); err == nil {
		return decoded
	}
	return tail
}
