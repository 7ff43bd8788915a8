package services

import (
	"net/http"
	"strings"

	"github.com/MegaGrindStone/ollama-web-chat/internal/models"
)

// DefaultUserHeader is the request header HeaderAuth reads when none is configured.
const DefaultUserHeader = "X-User-ID"

// HeaderAuth resolves sessions from a request header set by an authenticating reverse proxy. The
// service itself never verifies credentials.
type HeaderAuth struct {
	header string
}

// NewHeaderAuth creates a HeaderAuth reading the given header, DefaultUserHeader if empty.
func NewHeaderAuth(header string) HeaderAuth {
	if header == "" {
		header = DefaultUserHeader
	}
	return HeaderAuth{header: header}
}

// Session returns the session of the user named by the header, or models.ErrUnauthorized when the
// header is absent or blank.
func (h HeaderAuth) Session(r *http.Request) (models.Session, error) {
	userID := strings.TrimSpace(r.Header.Get(h.header))
	if userID == "" {
		return models.Session{}, models.ErrUnauthorized
	}
	return models.Session{UserID: userID}, nil
}
