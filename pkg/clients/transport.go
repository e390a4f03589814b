package clients

import (
	"net"
	"net/http"
	"time"
)

// DefaultTransport caps per-host connections so a stalled gateway cannot pile
// up unbounded goroutines waiting on sockets.
func DefaultTransport() *http.Transport {
	return &http.Transport{
		MaxConnsPerHost:     50,
		MaxIdleConnsPerHost: 10,
		MaxIdleConns:        50,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
