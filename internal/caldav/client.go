package caldav

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

var (
	ErrConnectionFailed = errors.New("connection failed")
	ErrDiscoveryFailed  = errors.New("collection discovery failed")
	ErrNoCollections    = errors.New("no calendar collections found")
	ErrNotFound         = errors.New("resource not found")
	ErrInvalidResponse  = errors.New("invalid server response")
	ErrMalformedContent = errors.New("malformed calendar content")
)

const (
	defaultTimeout = 30 * time.Second
	minTLSVersion  = tls.VersionTLS12
	maxResponse    = 64 << 10
	maxMultistatus = 32 << 20
	calendarType   = "text/calendar; charset=utf-8"
	xmlContentType = "application/xml; charset=utf-8"
)

// ClientConfig holds what is needed to reach a CalDAV server.
type ClientConfig struct {
	URL               string
	Username          string
	Password          string
	BearerToken       string // used instead of basic auth when set
	Timeout           time.Duration
	RequestsPerSecond float64 // <= 0 disables pacing
	Burst             int
}

// Client implements Transport against a CalDAV server. Discovery goes
// through go-webdav; listing and conditional writes are issued directly so
// that servers omitting bodies or ETags are tolerated.
type Client struct {
	baseURL      string
	username     string
	password     string
	bearer       bool
	httpClient   *http.Client
	caldavClient *caldav.Client
	log          *logrus.Entry
}

// rateLimitedTransport paces outgoing requests.
type rateLimitedTransport struct {
	base    http.RoundTripper
	limiter *rate.Limiter
}

func (t *rateLimitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.base.RoundTrip(req)
}

// NewClient creates a new CalDAV client.
func NewClient(cfg ClientConfig, log *logrus.Entry) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: base URL is required", ErrConnectionFailed)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	transport := &rateLimitedTransport{
		base: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: minTLSVersion,
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     30 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
		limiter: rate.NewLimiter(limit, burst),
	}

	httpClient := &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}

	var davClient webdav.HTTPClient
	bearer := cfg.BearerToken != ""
	if bearer {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)
		httpClient = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.BearerToken}))
		httpClient.Timeout = timeout
		davClient = httpClient
	} else {
		davClient = webdav.HTTPClientWithBasicAuth(httpClient, cfg.Username, cfg.Password)
	}

	caldavClient, err := caldav.NewClient(davClient, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create CalDAV client: %w", ErrConnectionFailed, err)
	}

	return &Client{
		baseURL:      cfg.URL,
		username:     cfg.Username,
		password:     cfg.Password,
		bearer:       bearer,
		httpClient:   httpClient,
		caldavClient: caldavClient,
		log:          log.WithField("component", "caldav"),
	}, nil
}

// TestConnection tests the connection to the CalDAV server.
func (c *Client) TestConnection(ctx context.Context) error {
	_, err := c.caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return nil
}

// FindCollections discovers the calendar collections of the current user
// and marks those the principal cannot write to.
func (c *Client) FindCollections(ctx context.Context) ([]Collection, error) {
	principal, err := c.caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to find principal: %w", ErrDiscoveryFailed, err)
	}

	homeSet, err := c.caldavClient.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to find home set: %w", ErrDiscoveryFailed, err)
	}

	cals, err := c.caldavClient.FindCalendars(ctx, homeSet)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to find calendars: %w", ErrDiscoveryFailed, err)
	}

	readOnly, err := c.readOnlyCollections(ctx, homeSet)
	if err != nil {
		c.log.WithError(err).Debug("Privilege lookup failed, treating all collections as writable")
	}

	collections := make([]Collection, 0, len(cals))
	for _, cal := range cals {
		collections = append(collections, Collection{
			Path:                cal.Path,
			Name:                cal.Name,
			Description:         cal.Description,
			SupportedComponents: cal.SupportedComponentSet,
			ReadOnly:            readOnly[collectionKey(cal.Path)],
		})
	}
	return collections, nil
}

// readOnlyCollections lists the children of the home set whose reported
// privilege set grants no write access. Children without a privilege set
// are left out.
func (c *Client) readOnlyCollections(ctx context.Context, homeSet string) (map[string]bool, error) {
	resp, err := c.request(ctx, "PROPFIND", homeSet, "1", privilegePropfindBody)
	if err != nil {
		return nil, err
	}
	ms, err := parseMultistatus([]byte(resp.Body))
	if err != nil {
		return nil, err
	}

	readOnly := make(map[string]bool)
	for i := range ms.Responses {
		r := &ms.Responses[i]
		p, ok := r.okProps()
		if !ok || p.PrivilegeSet == nil {
			continue
		}
		if !p.PrivilegeSet.writable() {
			readOnly[collectionKey(r.Href)] = true
		}
	}
	return readOnly, nil
}

// QueryObjects lists the events of a collection with their ETags and
// bodies. A nil window lists everything.
func (c *Client) QueryObjects(ctx context.Context, collection string, window *Window) ([]RemoteObject, error) {
	resp, err := c.request(ctx, "REPORT", collection, "1", calendarQueryBody(window))
	if err != nil {
		return nil, err
	}
	return parseObjects([]byte(resp.Body), collection)
}

// MultiGetObjects fetches the given objects with their bodies.
func (c *Client) MultiGetObjects(ctx context.Context, collection string, paths []string) ([]RemoteObject, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	resp, err := c.request(ctx, "REPORT", collection, "1", multigetBody(paths))
	if err != nil {
		return nil, err
	}
	return parseObjects([]byte(resp.Body), collection)
}

// FindByUID returns the objects whose UID property equals uid.
func (c *Client) FindByUID(ctx context.Context, collection, uid string) ([]RemoteObject, error) {
	resp, err := c.request(ctx, "REPORT", collection, "1", uidQueryBody(uid))
	if err != nil {
		return nil, err
	}
	return parseObjects([]byte(resp.Body), collection)
}

// FetchETag reads the current ETag of one object. It returns "" without an
// error when the server reports none.
func (c *Client) FetchETag(ctx context.Context, objectPath string) (string, error) {
	resp, err := c.request(ctx, "PROPFIND", objectPath, "0", etagPropfindBody)
	if err != nil {
		return "", err
	}
	ms, err := parseMultistatus([]byte(resp.Body))
	if err != nil {
		return "", err
	}
	for i := range ms.Responses {
		if p, ok := ms.Responses[i].okProps(); ok && p.ETag != "" {
			return NormalizeETag(p.ETag), nil
		}
	}
	return "", nil
}

// Create writes a new object, refusing to overwrite an existing one.
func (c *Client) Create(ctx context.Context, objectPath string, data []byte) (*WriteResult, error) {
	return c.put(ctx, objectPath, data, map[string]string{"If-None-Match": "*"})
}

// Update overwrites an object. ifMatch is sent as If-Match when non-empty.
func (c *Client) Update(ctx context.Context, objectPath string, data []byte, ifMatch string) (*WriteResult, error) {
	headers := map[string]string{}
	if ifMatch != "" {
		headers["If-Match"] = ifMatch
	}
	return c.put(ctx, objectPath, data, headers)
}

// put never turns an HTTP status into an error; the caller classifies it.
func (c *Client) put(ctx context.Context, objectPath string, data []byte, headers map[string]string) (*WriteResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.buildURL(objectPath), bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", calendarType)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	res, err := c.do(req, maxResponse)
	if err != nil {
		return nil, err
	}
	if Classify(res.StatusCode) != WriteSuccess {
		c.log.WithFields(logrus.Fields{
			"path":    objectPath,
			"status":  res.StatusCode,
			"headers": res.Header,
			"body":    truncate(res.Body, maxLoggedBody),
		}).Debug("PUT rejected")
	}
	return res, nil
}

// request issues a WebDAV method with an XML body and requires a
// multistatus (or plain 200) answer.
func (c *Client) request(ctx context.Context, method, path, depth, body string) (*WriteResult, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.buildURL(path), strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", xmlContentType)
	req.Header.Set("Depth", depth)

	res, err := c.do(req, maxMultistatus)
	if err != nil {
		return nil, err
	}
	switch res.StatusCode {
	case http.StatusMultiStatus, http.StatusOK:
		return res, nil
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, method, path)
	default:
		c.log.WithFields(logrus.Fields{
			"method": method,
			"path":   path,
			"status": res.StatusCode,
			"body":   truncate(res.Body, maxLoggedBody),
		}).Debug("WebDAV request rejected")
		return nil, fmt.Errorf("%w: %s returned status %d", ErrInvalidResponse, method, res.StatusCode)
	}
}

// do sends a request and reads the whole (bounded) response.
func (c *Client) do(req *http.Request, limit int64) (*WriteResult, error) {
	if !c.bearer && c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return &WriteResult{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       string(body),
		ETag:       NormalizeETag(resp.Header.Get("ETag")),
	}, nil
}

// buildURL constructs the full URL for a path.
// If path is absolute (starts with /), extract host from baseURL and combine.
// Otherwise, append path to baseURL.
func (c *Client) buildURL(path string) string {
	if path == "" {
		return c.baseURL
	}

	if strings.HasPrefix(path, "/") {
		if idx := strings.Index(c.baseURL, "://"); idx != -1 {
			rest := c.baseURL[idx+3:]
			if slashIdx := strings.Index(rest, "/"); slashIdx != -1 {
				return c.baseURL[:idx+3] + rest[:slashIdx] + path
			}
		}
		return strings.TrimSuffix(c.baseURL, "/") + path
	}

	return strings.TrimSuffix(c.baseURL, "/") + "/" + path
}

var _ Transport = (*Client)(nil)
