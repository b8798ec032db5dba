package caldav

import (
	"net/url"
	"regexp"
	"strings"
)

// preconditionMode says how a ladder tier conditions its write.
type preconditionMode int

const (
	preconditionFetch      preconditionMode = iota // PROPFIND the current ETag, then If-Match it
	preconditionAny                                // If-Match: *
	preconditionNone                               // no precondition header
	preconditionResolveUID                         // find the object by UID, then If-Match its ETag
)

func (m preconditionMode) String() string {
	switch m {
	case preconditionFetch:
		return "fetched-etag"
	case preconditionAny:
		return "match-any"
	case preconditionNone:
		return "none"
	case preconditionResolveUID:
		return "uid-query"
	default:
		return "unknown"
	}
}

// ladderState is what a tier knows when it is asked for its attempt.
type ladderState struct {
	uid          string
	computedPath string
	conflictPath string // location reported by the server, or the seed
}

// attempt is one write a tier wants to make. path is empty for
// preconditionResolveUID, where the target comes from the server.
type attempt struct {
	tier int
	path string
	mode preconditionMode
}

// tierStrategy returns the attempt for a tier, or false to skip it.
type tierStrategy func(s ladderState) (attempt, bool)

// conflictLadder is evaluated in order after a create or update is rejected
// with 409 or 412. Every tier writes the same encoded document.
//
// The unconditional write (tier 4) runs before the UID query (tier 5). On a
// genuinely concurrent edit it can overwrite a newer remote version; the
// order is kept because changing it changes which write wins.
var conflictLadder = []tierStrategy{
	knownLocationTier,
	computedLocationTier,
	matchAnyTier,
	unconditionalTier,
	uidLookupTier,
}

// LadderTiers is the number of recovery tiers evaluated per activity.
const LadderTiers = 5

func knownLocationTier(s ladderState) (attempt, bool) {
	if s.conflictPath == "" {
		return attempt{}, false
	}
	return attempt{tier: 1, path: s.conflictPath, mode: preconditionFetch}, true
}

// computedLocationTier only runs while no location is known. Reconcile
// always seeds one, so in practice tier 1 covers the computed path.
func computedLocationTier(s ladderState) (attempt, bool) {
	if s.conflictPath != "" {
		return attempt{}, false
	}
	return attempt{tier: 2, path: s.computedPath, mode: preconditionFetch}, true
}

func matchAnyTier(s ladderState) (attempt, bool) {
	return attempt{tier: 3, path: s.computedPath, mode: preconditionAny}, true
}

func unconditionalTier(s ladderState) (attempt, bool) {
	return attempt{tier: 4, path: s.computedPath, mode: preconditionNone}, true
}

func uidLookupTier(s ladderState) (attempt, bool) {
	return attempt{tier: 5, mode: preconditionResolveUID}, true
}

// hrefPattern matches a DAV href element with any namespace prefix.
var hrefPattern = regexp.MustCompile(`<(?:[A-Za-z][\w.-]*:)?href>\s*([^<\s]+)\s*</(?:[A-Za-z][\w.-]*:)?href>`)

// conflictLocation extracts the colliding resource location from a write
// response: Location or Content-Location header first, then the first href
// in the body. It returns "" when neither is present.
func conflictLocation(res *WriteResult) string {
	if res == nil {
		return ""
	}
	for _, h := range []string{"Location", "Content-Location"} {
		if v := strings.TrimSpace(res.Header.Get(h)); v != "" {
			return locationPath(v)
		}
	}
	if m := hrefPattern.FindStringSubmatch(res.Body); m != nil {
		return locationPath(m[1])
	}
	return ""
}

// locationPath reduces an absolute URL to its path so it can be written
// through the client's base URL.
func locationPath(location string) string {
	u, err := url.Parse(location)
	if err != nil || u.Host == "" {
		return location
	}
	if p := u.EscapedPath(); p != "" {
		return p
	}
	return location
}

func samePath(a, b string) bool {
	return strings.TrimSuffix(locationPath(a), "/") == strings.TrimSuffix(locationPath(b), "/")
}
