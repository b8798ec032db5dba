package caldav

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"net/url"
	"strings"
)

const xmlHeader = `<?xml version="1.0" encoding="utf-8" ?>` + "\n"

// multistatus is the subset of a DAV multistatus body the client reads.
type multistatus struct {
	XMLName   xml.Name   `xml:"DAV: multistatus"`
	Responses []response `xml:"DAV: response"`
}

type response struct {
	Href      string     `xml:"DAV: href"`
	Status    string     `xml:"DAV: status"`
	PropStats []propstat `xml:"DAV: propstat"`
}

type propstat struct {
	Prop   prop   `xml:"DAV: prop"`
	Status string `xml:"DAV: status"`
}

type prop struct {
	ETag         string        `xml:"DAV: getetag"`
	CalendarData string        `xml:"urn:ietf:params:xml:ns:caldav calendar-data"`
	PrivilegeSet *privilegeSet `xml:"DAV: current-user-privilege-set"`
}

type privilegeSet struct {
	Privileges []struct {
		Granted []anyElement `xml:",any"`
	} `xml:"DAV: privilege"`
}

type anyElement struct {
	XMLName xml.Name
}

// writable reports whether the set grants any privilege that allows PUT.
func (p *privilegeSet) writable() bool {
	for _, priv := range p.Privileges {
		for _, g := range priv.Granted {
			switch g.XMLName.Local {
			case "all", "write", "write-content", "bind":
				return true
			}
		}
	}
	return false
}

// statusOK accepts a missing status line or any 2xx one.
func statusOK(status string) bool {
	status = strings.TrimSpace(status)
	if status == "" {
		return true
	}
	fields := strings.Fields(status)
	return len(fields) >= 2 && strings.HasPrefix(fields[1], "2")
}

func parseMultistatus(body []byte) (*multistatus, error) {
	var ms multistatus
	if err := xml.Unmarshal(body, &ms); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}
	return &ms, nil
}

// okProps merges the props of every successful propstat in a response.
func (r *response) okProps() (prop, bool) {
	if !statusOK(r.Status) {
		return prop{}, false
	}
	var merged prop
	found := false
	for _, ps := range r.PropStats {
		if !statusOK(ps.Status) {
			continue
		}
		found = true
		if ps.Prop.ETag != "" {
			merged.ETag = ps.Prop.ETag
		}
		if ps.Prop.CalendarData != "" {
			merged.CalendarData = ps.Prop.CalendarData
		}
		if ps.Prop.PrivilegeSet != nil {
			merged.PrivilegeSet = ps.Prop.PrivilegeSet
		}
	}
	return merged, found || len(r.PropStats) == 0
}

// parseObjects turns a REPORT multistatus into remote objects. Paths are
// kept in their escaped wire form; the collection's own entry is dropped.
func parseObjects(body []byte, collection string) ([]RemoteObject, error) {
	ms, err := parseMultistatus(body)
	if err != nil {
		return nil, err
	}

	objects := make([]RemoteObject, 0, len(ms.Responses))
	for i := range ms.Responses {
		r := &ms.Responses[i]
		href := locationPath(strings.TrimSpace(r.Href))
		if href == "" || samePath(href, collection) {
			continue
		}
		p, ok := r.okProps()
		if !ok {
			continue
		}
		objects = append(objects, RemoteObject{
			Path: href,
			ETag: NormalizeETag(p.ETag),
			Data: p.CalendarData,
		})
	}
	return objects, nil
}

// collectionKey normalises a collection href for comparison with paths
// reported by discovery.
func collectionKey(href string) string {
	p := locationPath(strings.TrimSpace(href))
	if decoded, err := url.PathUnescape(p); err == nil {
		p = decoded
	}
	return strings.TrimSuffix(p, "/")
}

func xmlEscape(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

func calendarQueryBody(window *Window) string {
	var timeRange string
	if window != nil {
		timeRange = fmt.Sprintf(`<C:time-range start="%s" end="%s"/>`, formatUTC(window.Start), formatUTC(window.End))
	}
	return xmlHeader + `<C:calendar-query xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <D:prop>
    <D:getetag/>
    <C:calendar-data/>
  </D:prop>
  <C:filter>
    <C:comp-filter name="VCALENDAR">
      <C:comp-filter name="VEVENT">` + timeRange + `</C:comp-filter>
    </C:comp-filter>
  </C:filter>
</C:calendar-query>`
}

func uidQueryBody(uid string) string {
	return xmlHeader + `<C:calendar-query xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <D:prop>
    <D:getetag/>
    <C:calendar-data/>
  </D:prop>
  <C:filter>
    <C:comp-filter name="VCALENDAR">
      <C:comp-filter name="VEVENT">
        <C:prop-filter name="UID">
          <C:text-match collation="i;octet">` + xmlEscape(uid) + `</C:text-match>
        </C:prop-filter>
      </C:comp-filter>
    </C:comp-filter>
  </C:filter>
</C:calendar-query>`
}

func multigetBody(paths []string) string {
	var b strings.Builder
	b.WriteString(xmlHeader)
	b.WriteString(`<C:calendar-multiget xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <D:prop>
    <D:getetag/>
    <C:calendar-data/>
  </D:prop>
`)
	for _, p := range paths {
		b.WriteString("  <D:href>")
		b.WriteString(xmlEscape(p))
		b.WriteString("</D:href>\n")
	}
	b.WriteString(`</C:calendar-multiget>`)
	return b.String()
}

const etagPropfindBody = xmlHeader + `<D:propfind xmlns:D="DAV:">
  <D:prop>
    <D:getetag/>
  </D:prop>
</D:propfind>`

const privilegePropfindBody = xmlHeader + `<D:propfind xmlns:D="DAV:">
  <D:prop>
    <D:current-user-privilege-set/>
  </D:prop>
</D:propfind>`
