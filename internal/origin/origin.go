// Package origin implements the relay's browser Origin policy for websocket
// upgrades and CORS.
package origin

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// Normalize validates a browser Origin header and returns it as
// scheme://host[:port] together with the host[:port] part. Default ports are
// dropped. The special value "null" is returned as-is with an empty host.
func Normalize(header string) (normalized, host string, ok bool) {
	header = strings.TrimSpace(header)
	switch header {
	case "":
		return "", "", false
	case "null":
		return "null", "", true
	}

	u, err := url.Parse(header)
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}
	host, ok = canonicalHost(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// Allowed reports whether a normalized origin may talk to requestHost.
//
// With a non-empty allow list each entry is "*" or a normalized origin.
// Otherwise only same-host requests pass; the scheme is not compared since
// the relay may sit behind a TLS-terminating proxy.
func Allowed(normalized, originHost, requestHost string, allowList []string) bool {
	if len(allowList) > 0 {
		for _, allowed := range allowList {
			if allowed == "*" || allowed == normalized {
				return true
			}
		}
		return false
	}
	scheme, _, found := strings.Cut(normalized, "://")
	if !found {
		return false
	}
	reqHost, ok := canonicalHost(requestHost, scheme)
	return ok && reqHost == originHost
}

// CheckRequest applies the policy to r. Requests without an Origin header
// (native clients) are always allowed.
func CheckRequest(r *http.Request, allowList []string) bool {
	header := r.Header.Get("Origin")
	if strings.TrimSpace(header) == "" {
		return true
	}
	normalized, host, ok := Normalize(header)
	return ok && Allowed(normalized, host, r.Host, allowList)
}

func canonicalHost(authority, scheme string) (string, bool) {
	authority = strings.ToLower(strings.TrimSpace(authority))
	if authority == "" {
		return "", false
	}
	hostname, port := authority, ""
	if h, p, err := net.SplitHostPort(authority); err == nil {
		hostname, port = h, p
		if port == "" {
			return "", false
		}
	} else if strings.HasPrefix(authority, "[") && strings.HasSuffix(authority, "]") {
		hostname = authority[1 : len(authority)-1]
	} else if strings.Contains(authority, ":") {
		return "", false
	}
	if hostname == "" {
		return "", false
	}
	if port != "" {
		n := 0
		for _, c := range port {
			if c < '0' || c > '9' {
				return "", false
			}
			n = n*10 + int(c-'0')
			if n > 65535 {
				return "", false
			}
		}
		if n == 0 {
			return "", false
		}
	}
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if strings.Contains(hostname, ":") {
		hostname = "[" + hostname + "]"
	}
	if port == "" {
		return hostname, true
	}
	return hostname + ":" + port, true
}
