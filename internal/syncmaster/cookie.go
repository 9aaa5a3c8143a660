package syncmaster

import (
	"encoding/base64"
	"encoding/json"
	"strconv"

	"github.com/meshvault/meshvault/pkg/errors"
	"github.com/meshvault/meshvault/pkg/seq"
	"github.com/meshvault/meshvault/pkg/types"
)

// cookieHeader/delayHeader are response header fields; the HTTP router
// copies them onto the reply as-is (they are not turned into Set-Cookie
// headers). They play the role of the original's
// "sugar_network_sync"/"sugar_network_delay" cookie pair.
const (
	cookieHeader = "Sync-Cookie"
	delayHeader  = "Sync-Delay"
	unsetValue   = "unset"
)

// cookie tracks, per sync key ("sn_pull" or a file-sync directory name),
// how much of that stream the caller still wants. It round-trips through
// the Sync-Cookie header and the "cookie" request argument so a
// paginated pull resumes where the last one left off
// without the master keeping per-client server-side state.
type cookie map[string]*seq.Sequence

func newCookie() cookie { return cookie{} }

// get returns the sequence for key, creating an empty one if absent.
func (c cookie) get(key string) *seq.Sequence {
	s, ok := c[key]
	if !ok {
		s = seq.New()
		c[key] = s
	}
	return s
}

// include unions every key's sequence from other into c.
func (c cookie) include(other cookie) {
	for key, s := range other {
		for _, r := range s.Ranges() {
			c.get(key).Include(r.Start, r.End)
		}
	}
}

// empty reports whether every tracked sequence is empty.
func (c cookie) empty() bool {
	for _, s := range c {
		if !s.Empty() {
			return false
		}
	}
	return true
}

type wireCookie map[string]*seq.Sequence

// decodeCookie parses the caller's passed-in cookie value, returning an
// empty cookie if none was sent.
func decodeCookie(raw string) (cookie, error) {
	c := newCookie()
	if raw == "" || raw == unsetValue {
		return c, nil
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeCookieCorrupt, err, "malformed sync cookie").WithComponent("syncmaster")
	}
	var wire wireCookie
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, errors.Wrap(errors.ErrCodeCookieCorrupt, err, "malformed sync cookie").WithComponent("syncmaster")
	}
	for key, s := range wire {
		c[key] = s
	}
	return c, nil
}

// store renders c onto resp, or clears both cookie fields if c is empty.
func (c cookie) store(resp *types.Response, delaySeconds int) error {
	if c.empty() {
		resp.Headers[cookieHeader] = unsetValue
		resp.Headers[delayHeader] = unsetValue
		return nil
	}
	toStore := wireCookie{}
	for key, s := range c {
		if !s.Empty() {
			toStore[key] = s
		}
	}
	data, err := json.Marshal(toStore)
	if err != nil {
		return err
	}
	resp.Headers[cookieHeader] = base64.StdEncoding.EncodeToString(data)
	if delaySeconds > 0 {
		resp.Headers[delayHeader] = strconv.Itoa(delaySeconds)
	}
	return nil
}
