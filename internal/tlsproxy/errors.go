package tlsproxy

import "errors"

var (
	errNoServerName  = errors.New("tlsproxy: no SNI server name")
	errNoCertificate = errors.New("tlsproxy: no certificate for host")
	errNoUpstream    = errors.New("tlsproxy: no upstream configured for host")
)
