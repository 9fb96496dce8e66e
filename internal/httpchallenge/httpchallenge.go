// Package httpchallenge implements the plaintext HTTP service: it serves
// ACME HTTP-01 challenge tokens under /.well-known/acme-challenge/ and
// redirects everything else to HTTPS.
package httpchallenge

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/mikesi/mproxy/internal/mlog"
)

const challengeBasePath = "/.well-known/acme-challenge/"

// Handler serves ACME challenge tokens out of challengePath and redirects
// every other request to its HTTPS equivalent.
type Handler struct {
	challengePath string
	httpsPort     int
}

// New builds a Handler that reads tokens from challengePath. httpsPort is
// appended to the redirect Location unless it is the default 443.
func New(challengePath string, httpsPort int) *Handler {
	return &Handler{challengePath: challengePath, httpsPort: httpsPort}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, challengeBasePath) {
		h.serveChallenge(w, r)
		return
	}
	h.redirectToHTTPS(w, r)
}

func (h *Handler) serveChallenge(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.URL.Path, challengeBasePath)
	if token == "" || strings.ContainsAny(token, "/\\") {
		http.NotFound(w, r)
		return
	}
	tokenPath := filepath.Join(h.challengePath, token)

	content, err := os.ReadFile(tokenPath)
	if err != nil {
		mlog.Log().Info("challenge token not found", zap.String("token", token))
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}

// redirectToHTTPS sends a 307 so the original method and body (if any)
// are preserved, matching the upstream proxy behind this service.
func (h *Handler) redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	host := r.Host
	if host == "" {
		http.NotFound(w, r)
		return
	}
	if idx := strings.IndexByte(host, ':'); idx >= 0 {
		host = host[:idx]
	}
	if h.httpsPort != 0 && h.httpsPort != 443 {
		host = fmt.Sprintf("%s:%d", host, h.httpsPort)
	}

	location := fmt.Sprintf("https://%s%s", host, requestURI(r))
	w.Header().Set("Location", location)
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusTemporaryRedirect)
}

func requestURI(r *http.Request) string {
	if r.URL.RawQuery == "" {
		if r.URL.Path == "" {
			return "/"
		}
		return r.URL.Path
	}
	return r.URL.Path + "?" + r.URL.RawQuery
}
