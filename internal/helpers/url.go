package helpers

import (
	"errors"
	"net"
	"net/url"
	"path"
	"sort"
	"strings"
)

var clickIDs = map[string]bool{
	"gclid": true, "dclid": true, "fbclid": true, "msclkid": true, "igshid": true,
	"mc_cid": true, "mc_eid": true, "ref_src": true,
}

func isTracking(key string) bool {
	k := strings.ToLower(key)
	return strings.HasPrefix(k, "utm_") || clickIDs[k]
}

// CanonicalURL rewrites raw into the form used to compare pages: https by
// default, lowercase host without its default port, a cleaned path, no
// fragment and a sorted query without tracking parameters.
func CanonicalURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("empty url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" && u.Host == "" {
		if strings.HasPrefix(raw, "//") {
			raw = "https:" + raw
		} else {
			raw = "https://" + raw
		}
		if u, err = url.Parse(raw); err != nil {
			return "", err
		}
	}
	if u.Scheme == "" {
		u.Scheme = "https"
	}
	u.Scheme = strings.ToLower(u.Scheme)

	host, port := strings.ToLower(u.Hostname()), u.Port()
	if host == "" {
		return "", errors.New("url missing host")
	}
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		u.Host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		u.Host = "[" + host + "]"
	} else {
		u.Host = host
	}

	p := path.Clean("/" + u.Path)
	if p != "/" && strings.HasSuffix(u.Path, "/") {
		p += "/"
	}
	u.Path, u.RawPath = p, ""
	u.Fragment, u.RawFragment = "", ""

	q := u.Query()
	for k, vs := range q {
		if isTracking(k) {
			delete(q, k)
			continue
		}
		sort.Strings(vs)
	}
	u.RawQuery = q.Encode()
	u.ForceQuery = false
	return u.String(), nil
}

// DedupKey returns the canonical form of raw, or raw itself when it does
// not parse. Two spellings of the same page share a key.
func DedupKey(raw string) string {
	canonical, err := CanonicalURL(raw)
	if err != nil {
		return strings.TrimSpace(raw)
	}
	return canonical
}
