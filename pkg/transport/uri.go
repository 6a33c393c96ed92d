package transport

import "strings"

// ParseFailoverURIList is a minimal stand-in for the external URI parser
// named out of scope by spec §1/§9 ("no URI-string parsing"). It exists
// only so the failover transport has something concrete to round-robin
// over in tests; it accepts the common "failover:(tcp://host:port,tcp://
// host2:port2)" form and a bare comma-separated list, extracting just the
// host:port pairs. It does not parse query-string options; those are the
// external parser's job and arrive at this package already as Go values
// (HandshakeParams, dial TLS config, etc).
func ParseFailoverURIList(uri string) []string {
	uri = strings.TrimSpace(uri)
	uri = strings.TrimPrefix(uri, "failover:")
	uri = strings.TrimPrefix(uri, "(")
	uri = strings.TrimSuffix(uri, ")")

	var out []string
	for _, part := range strings.Split(uri, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if idx := strings.Index(part, "://"); idx >= 0 {
			part = part[idx+3:]
		}
		if idx := strings.IndexAny(part, "?"); idx >= 0 {
			part = part[:idx]
		}
		out = append(out, part)
	}
	return out
}
