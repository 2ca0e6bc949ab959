package hub

import (
	"errors"
	"net/http"

	"github.com/coder/websocket"

	"github.com/yap-chat/yap/internal/message"
)

var (
	ErrMissingCredential   = errors.New("missing authorization header")
	ErrMalformedCredential = errors.New("authorization header is not visible ascii")
	ErrUnknownToken        = errors.New("unauthorized token")
)

// Authorize resolves the Authorization header of a stream request to a user.
// It reads the token table only and never allocates a connection id.
func (h *Hub) Authorize(header http.Header) (message.UserID, error) {
	values := header.Values("Authorization")
	if len(values) == 0 {
		return 0, ErrMissingCredential
	}
	raw := values[0]
	for i := 0; i < len(raw); i++ {
		if (raw[i] < 0x20 || raw[i] > 0x7e) && raw[i] != '\t' {
			return 0, ErrMalformedCredential
		}
	}
	user, ok := h.LookupToken(message.LoginToken(raw))
	if !ok {
		return 0, ErrUnknownToken
	}
	return user, nil
}

// ServeWS authenticates the request, upgrades it to a websocket and admits the
// stream. Missing or malformed credentials answer 400, unknown tokens 401.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	user, err := h.Authorize(r.Header)
	switch {
	case errors.Is(err, ErrUnknownToken):
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: h.cfg.AllowAnyOrigin,
	})
	if err != nil {
		h.log.Warnw("websocket accept error", "user", user, "error", err)
		return
	}

	if _, err := h.Admit(r.Context(), conn, user); err != nil {
		h.log.Infow("admit refused", "user", user, "error", err)
		conn.Close(websocket.StatusTryAgainLater, "server shutting down")
	}
}
