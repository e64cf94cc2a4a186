// Package netutil normalizes host names and addresses before dialing.
package netutil

import (
	"net"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

// AuthorityAddr returns a given authority (a host/IP, or host:port / ip:port)
// and returns a host:port. The port 443 is added if needed.
func AuthorityAddr(scheme, authority string) (addr string) {
	host, port := AuthorityHostPort(scheme, authority)
	// IPv6 address literal, without a port:
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		return host + ":" + port
	}
	addr = net.JoinHostPort(host, port)
	return
}

// AuthorityHostPort splits an authority, defaulting the port by scheme
// and converting an internationalized host to its ASCII form.
func AuthorityHostPort(scheme, authority string) (host, port string) {
	host, port, err := net.SplitHostPort(authority)
	if err != nil { // authority didn't have a port
		port = "443"
		if scheme == "http" {
			port = "80"
		}
		host = authority
	}
	host = ToASCII(host)
	return
}

// HostPort joins host and port the way they appear in a Host header and
// a dial address.
func HostPort(host string, port int) string {
	return net.JoinHostPort(ToASCII(host), strconv.Itoa(port))
}

// ToASCII returns the IDNA ASCII form of host, or host itself if it
// has none.
func ToASCII(host string) string {
	if a, err := idna.ToASCII(host); err == nil {
		return a
	}
	return host
}
