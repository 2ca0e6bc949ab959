package api

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/yap-chat/yap/internal/core"
	"github.com/yap-chat/yap/internal/hub"
	"github.com/yap-chat/yap/internal/keys"
	"github.com/yap-chat/yap/internal/message"
	"github.com/yap-chat/yap/internal/shutdown"
	"github.com/yap-chat/yap/internal/store"
)

var (
	errMissingToken = errors.New("missing authorization header")
	errUnknownToken = errors.New("unauthorized token")
	errRegisterOff  = errors.New("registration is disabled")
)

type ctxKey struct{}

func userFrom(ctx context.Context) message.UserID {
	u, _ := ctx.Value(ctxKey{}).(message.UserID)
	return u
}

// caller resolves the Authorization token. ok is false when no header was
// sent; an unknown token is an error.
func (s *Server) caller(r *http.Request) (user message.UserID, ok bool, err error) {
	raw := r.Header.Get("Authorization")
	if raw == "" {
		return 0, false, nil
	}
	token, err := message.ParseToken(raw)
	if err != nil {
		return 0, true, errUnknownToken
	}
	user, known := s.sessions.LookupToken(token)
	if !known {
		return 0, true, errUnknownToken
	}
	return user, true, nil
}

func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok, err := s.caller(r)
		switch {
		case err != nil:
			s.writeError(w, err)
			return
		case !ok:
			s.writeError(w, errMissingToken)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, user)))
	})
}

func (s *Server) askContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.cfg.AskTimeout)
}

type credentials struct {
	Email        string `json:"email"`
	PasswordHash string `json:"password_hash"`
	Pubkey       string `json:"pubkey"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if !s.decode(w, r, &req) {
		return
	}
	ctx, cancel := s.askContext(r)
	defer cancel()

	uid, err := s.backend.Login(ctx, req.Email, req.PasswordHash)
	if err != nil {
		s.writeError(w, err)
		return
	}
	token, err := message.NewLoginToken()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.sessions.RegisterToken(ctx, uid, token); err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Infow("user logged in", "user", uid, "token", token.Redacted())
	s.writeJSON(w, http.StatusOK, map[string]string{"tk": string(token)})
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.EnableRegister {
		s.writeError(w, errRegisterOff)
		return
	}
	var req credentials
	if !s.decode(w, r, &req) {
		return
	}
	if req.Email == "" || req.PasswordHash == "" {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "email and password_hash are required"})
		return
	}
	pub, err := keys.ParsePublicKey(req.Pubkey)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	ctx, cancel := s.askContext(r)
	defer cancel()

	uid, err := s.backend.Register(ctx, req.Email, req.PasswordHash, keys.Encode(pub))
	if err != nil {
		s.writeError(w, err)
		return
	}
	fp := keys.Fingerprint(pub)
	s.log.Infow("user registered", "user", uid, "fingerprint", fp)
	s.writeJSON(w, http.StatusOK, registered{UID: uid, Fingerprint: fp})
}

type registered struct {
	UID         message.UserID `json:"uid"`
	Fingerprint string         `json:"fingerprint"`
}

type keySet struct {
	Pubkey      string `json:"pubkey"`
	Fingerprint string `json:"fingerprint"`
	BoxKey      string `json:"box_key"`
	Verified    *bool  `json:"verified,omitempty"`
}

// userKeys publishes the key material another user needs to seal messages
// for uid. The public key is visible at every masking level. With a
// fingerprint query the response also says whether it names uid's key.
func (s *Server) userKeys(w http.ResponseWriter, r *http.Request) {
	lookup, ok := s.userParam(w, r, "uid")
	if !ok {
		return
	}
	var claimed ed25519.PublicKey
	if fp := r.URL.Query().Get("fingerprint"); fp != "" {
		var err error
		if claimed, err = keys.ParseFingerprint(fp); err != nil {
			s.writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
			return
		}
	}
	ctx, cancel := s.askContext(r)
	defer cancel()

	profile, err := s.backend.UserData(ctx, lookup, nil)
	if err != nil {
		s.writeError(w, err)
		return
	}
	pub, err := keys.ParsePublicKey(profile.Pubkey)
	if err != nil {
		s.writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: err.Error()})
		return
	}
	box, err := keys.BoxKey(pub)
	if err != nil {
		s.writeError(w, err)
		return
	}
	ks := keySet{
		Pubkey:      profile.Pubkey,
		Fingerprint: keys.Fingerprint(pub),
		BoxKey:      box,
	}
	if claimed != nil {
		match := claimed.Equal(pub)
		ks.Verified = &match
	}
	s.writeJSON(w, http.StatusOK, ks)
}

func (s *Server) userData(w http.ResponseWriter, r *http.Request) {
	lookup, ok := s.userParam(w, r, "uid")
	if !ok {
		return
	}
	var asker *message.UserID
	user, present, err := s.caller(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if present {
		asker = &user
	}
	ctx, cancel := s.askContext(r)
	defer cancel()

	profile, err := s.backend.UserData(ctx, lookup, asker)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, profile)
}

func (s *Server) unread(w http.ResponseWriter, r *http.Request) {
	sender, ok := s.userParam(w, r, "uid")
	if !ok {
		return
	}
	ctx, cancel := s.askContext(r)
	defer cancel()

	msgs, err := s.backend.Unread(ctx, sender, userFrom(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []message.PersistedMessage{}
	}
	s.writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	var req message.ServerBound
	if !s.decode(w, r, &req) {
		return
	}
	ctx, cancel := s.askContext(r)
	defer cancel()

	msg, err := s.backend.SendDirect(ctx, userFrom(r.Context()), req.To, req.Content)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, msg)
}

func (s *Server) postGroupMessage(w http.ResponseWriter, r *http.Request) {
	gid, err := strconv.ParseUint(chi.URLParam(r, "gid"), 10, 32)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid group id"})
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	ctx, cancel := s.askContext(r)
	defer cancel()

	id, err := s.backend.SendGroup(ctx, userFrom(r.Context()), message.GroupID(gid), req.Content)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]message.GroupMessageID{"message_id": id})
}

func (s *Server) addFriend(w http.ResponseWriter, r *http.Request) {
	friend, ok := s.userParam(w, r, "uid")
	if !ok {
		return
	}
	ctx, cancel := s.askContext(r)
	defer cancel()

	if err := s.backend.AddFriend(ctx, userFrom(r.Context()), friend); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setVisibility(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Visibility string `json:"visibility"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	v, err := store.ParseVisibility(req.Visibility)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	ctx, cancel := s.askContext(r)
	defer cancel()

	if err := s.backend.SetVisibility(ctx, userFrom(r.Context()), v); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	if err := s.sessions.ClearSession(r.Context(), user); err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Infow("user logged out", "user", user)
	w.WriteHeader(http.StatusNoContent)
}

type healthReport struct {
	Phase       string `json:"phase"`
	Goroutines  int    `json:"goroutines"`
	Connections int    `json:"connections"`
}

// health reports the shutdown phase with goroutine and live connection
// counts. A draining server still answers 200.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	phase := shutdown.Running
	if s.phase != nil {
		phase = s.phase()
	}
	s.writeJSON(w, http.StatusOK, healthReport{
		Phase:       phase.String(),
		Goroutines:  runtime.NumGoroutine(),
		Connections: s.sessions.ClientCount(),
	})
}

func (s *Server) userParam(w http.ResponseWriter, r *http.Request, name string) (message.UserID, bool) {
	uid, err := message.ParseUserID(chi.URLParam(r, name))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid user id"})
		return 0, false
	}
	return uid, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return false
	}
	return true
}

type errorBody struct {
	Error string `json:"error"`
}

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errMissingToken), errors.Is(err, errUnknownToken),
		errors.Is(err, core.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, errRegisterOff):
		return http.StatusForbidden
	case errors.Is(err, core.ErrUserExists):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, core.ErrNoReply):
		return http.StatusBadGateway
	case errors.Is(err, hub.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.log.Errorw("request failed", "error", err)
		msg = "internal error"
	}
	s.writeJSON(w, status, errorBody{Error: msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warnw("write response body", "status", status, "error", err)
	}
}
