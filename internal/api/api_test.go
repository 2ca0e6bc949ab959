package api

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/yap-chat/yap/internal/core"
	"github.com/yap-chat/yap/internal/hub"
	"github.com/yap-chat/yap/internal/keys"
	"github.com/yap-chat/yap/internal/message"
	"github.com/yap-chat/yap/internal/shutdown"
	"github.com/yap-chat/yap/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const waitFor = 2 * time.Second

// stack runs a hub, a core and the HTTP server on a loopback listener.
type stack struct {
	base   string
	hub    *hub.Hub
	sig    *shutdown.Coordinator
	hubC   chan struct{}
	coreC  chan struct{}
	serveC chan error
}

func newStack(t *testing.T, enableRegister bool) *stack {
	t.Helper()
	hcfg := hub.DefaultConfig()
	hcfg.Heartbeat = 0
	hcfg.AllowAnyOrigin = true
	return newStackWith(t, enableRegister, 64, hcfg)
}

// newStackWith sizes the hub/core queues to queue and uses hcfg for the hub.
func newStackWith(t *testing.T, enableRegister bool, queue int, hcfg hub.Config) *stack {
	t.Helper()
	gw, err := store.Open("sqlite", filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)

	toCore := make(chan message.Inbound, queue)
	fromCore := make(chan message.Outbound, queue)
	requests := make(chan core.Pending, queue)

	st := &stack{
		sig:    shutdown.New(),
		hubC:   make(chan struct{}),
		coreC:  make(chan struct{}),
		serveC: make(chan error, 1),
	}
	st.hub = hub.New(hcfg, fromCore, toCore, zap.NewNop())
	c := core.New(gw, toCore, fromCore, requests, zap.NewNop())
	srv := NewServer(Config{EnableRegister: enableRegister, AskTimeout: waitFor}, core.NewAsker(requests, zap.NewNop()), st.hub, zap.NewNop())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	st.base = "http://" + ln.Addr().String()

	go func() { defer close(st.hubC); st.hub.Run(st.sig) }()
	go func() { defer close(st.coreC); c.Run(st.sig) }()
	go func() { st.serveC <- srv.Serve(ln, st.sig) }()

	t.Cleanup(func() {
		for st.sig.Broadcast() != shutdown.Halted {
		}
		<-st.hubC
		<-st.coreC
		<-st.serveC
		_ = gw.Close()
		http.DefaultClient.CloseIdleConnections()
	})
	return st
}

func (st *stack) do(t *testing.T, method, path, token string, body any) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, st.base+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func newPubkey(t *testing.T) string {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return keys.Encode(pub)
}

func (st *stack) signup(t *testing.T, email string) (message.UserID, string) {
	t.Helper()
	code, data := st.do(t, http.MethodPost, "/register", "", credentials{Email: email, PasswordHash: "h-" + email, Pubkey: newPubkey(t)})
	require.Equal(t, http.StatusOK, code, string(data))
	var reg struct {
		UID message.UserID `json:"uid"`
	}
	require.NoError(t, json.Unmarshal(data, &reg))

	code, data = st.do(t, http.MethodPost, "/login", "", credentials{Email: email, PasswordHash: "h-" + email})
	require.Equal(t, http.StatusOK, code, string(data))
	var login struct {
		Token string `json:"tk"`
	}
	require.NoError(t, json.Unmarshal(data, &login))
	require.Len(t, login.Token, message.TokenLength)
	return reg.UID, login.Token
}

func (st *stack) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+st.base[len("http"):]+"/ws", &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {token}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func readPayload(t *testing.T, conn *websocket.Conn) message.ClientBound {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	p, err := message.DecodeClientBound(data)
	require.NoError(t, err)
	return p
}

func TestRegisterLoginAndProfile(t *testing.T) {
	st := newStack(t, true)
	uid, tk := st.signup(t, "alice@example.com")

	code, data := st.do(t, http.MethodGet, fmt.Sprintf("/users/%d", uid), tk, nil)
	require.Equal(t, http.StatusOK, code)
	var self store.PublicProfile
	require.NoError(t, json.Unmarshal(data, &self))
	require.NotNil(t, self.PasswordHash)
	assert.Equal(t, "h-alice@example.com", *self.PasswordHash)

	code, data = st.do(t, http.MethodGet, fmt.Sprintf("/users/%d", uid), "", nil)
	require.Equal(t, http.StatusOK, code)
	var anon store.PublicProfile
	require.NoError(t, json.Unmarshal(data, &anon))
	assert.Nil(t, anon.PasswordHash)
	assert.Nil(t, anon.Email)

	code, _ = st.do(t, http.MethodGet, "/users/9999", "", nil)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = st.do(t, http.MethodGet, "/users/abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestLoginAndRegisterFailures(t *testing.T) {
	st := newStack(t, true)
	st.signup(t, "bob@example.com")

	code, data := st.do(t, http.MethodPost, "/login", "", credentials{Email: "bob@example.com", PasswordHash: "nope"})
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.JSONEq(t, `{"error":"invalid credentials"}`, string(data))

	code, _ = st.do(t, http.MethodPost, "/register", "", credentials{Email: "bob@example.com", PasswordHash: "x", Pubkey: newPubkey(t)})
	assert.Equal(t, http.StatusBadRequest, code)

	code, data = st.do(t, http.MethodPost, "/register", "", credentials{Email: "new@example.com", PasswordHash: "x", Pubkey: "not-a-key"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, string(data), "base58")

	code, _ = st.do(t, http.MethodPost, "/register", "", "not an object")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestRegisterDisabled(t *testing.T) {
	st := newStack(t, false)
	code, _ := st.do(t, http.MethodPost, "/register", "", credentials{Email: "c@example.com", PasswordHash: "x", Pubkey: newPubkey(t)})
	assert.Equal(t, http.StatusForbidden, code)
}

func TestRegisterReturnsFingerprintAndKeysRoute(t *testing.T) {
	st := newStack(t, true)
	pk := newPubkey(t)
	code, data := st.do(t, http.MethodPost, "/register", "", credentials{Email: "k@example.com", PasswordHash: "x", Pubkey: pk})
	require.Equal(t, http.StatusOK, code, string(data))
	var reg registered
	require.NoError(t, json.Unmarshal(data, &reg))

	pub, err := keys.ParseFingerprint(reg.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, pk, keys.Encode(pub))

	code, data = st.do(t, http.MethodGet, fmt.Sprintf("/users/%d/keys", reg.UID), "", nil)
	require.Equal(t, http.StatusOK, code, string(data))
	var ks keySet
	require.NoError(t, json.Unmarshal(data, &ks))
	assert.Equal(t, pk, ks.Pubkey)
	assert.Equal(t, reg.Fingerprint, ks.Fingerprint)
	assert.NotEmpty(t, ks.BoxKey)
	assert.NotEqual(t, pk, ks.BoxKey)
	assert.Nil(t, ks.Verified)

	code, data = st.do(t, http.MethodGet, fmt.Sprintf("/users/%d/keys?fingerprint=%s", reg.UID, reg.Fingerprint), "", nil)
	require.Equal(t, http.StatusOK, code, string(data))
	ks = keySet{}
	require.NoError(t, json.Unmarshal(data, &ks))
	require.NotNil(t, ks.Verified)
	assert.True(t, *ks.Verified)

	other, err := keys.ParsePublicKey(newPubkey(t))
	require.NoError(t, err)
	code, data = st.do(t, http.MethodGet, fmt.Sprintf("/users/%d/keys?fingerprint=%s", reg.UID, keys.Fingerprint(other)), "", nil)
	require.Equal(t, http.StatusOK, code, string(data))
	ks = keySet{}
	require.NoError(t, json.Unmarshal(data, &ks))
	require.NotNil(t, ks.Verified)
	assert.False(t, *ks.Verified)

	// A fingerprint with a broken checksum is rejected outright.
	broken := reg.Fingerprint[:len(reg.Fingerprint)-1] + "1"
	if broken == reg.Fingerprint {
		broken = reg.Fingerprint[:len(reg.Fingerprint)-1] + "2"
	}
	code, _ = st.do(t, http.MethodGet, fmt.Sprintf("/users/%d/keys?fingerprint=%s", reg.UID, broken), "", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestProtectedRoutesNeedToken(t *testing.T) {
	st := newStack(t, true)

	code, _ := st.do(t, http.MethodPost, "/messages", "", message.ServerBound{To: 1, Content: "x"})
	assert.Equal(t, http.StatusUnauthorized, code)

	bogus, err := message.NewLoginToken()
	require.NoError(t, err)
	code, _ = st.do(t, http.MethodPost, "/logout", string(bogus), nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = st.do(t, http.MethodGet, "/users/1", string(bogus), nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestMessageDeliveredAndConfirmed(t *testing.T) {
	st := newStack(t, true)
	alice, aliceTk := st.signup(t, "alice@example.com")
	bob, bobTk := st.signup(t, "bob@example.com")

	aliceConn := st.dial(t, aliceTk)
	bobConn := st.dial(t, bobTk)
	require.Eventually(t, func() bool { return st.hub.ClientCount() == 2 }, waitFor, 10*time.Millisecond)

	code, data := st.do(t, http.MethodPost, "/messages", aliceTk, message.ServerBound{To: bob, Content: "hi bob"})
	require.Equal(t, http.StatusOK, code, string(data))
	var sent message.PersistedMessage
	require.NoError(t, json.Unmarshal(data, &sent))

	got, ok := readPayload(t, bobConn).(message.NewDirectMessage)
	require.True(t, ok)
	assert.Equal(t, sent.ID, got.MessageID)
	assert.Equal(t, alice, got.From)
	assert.Equal(t, "hi bob", got.Content)

	confirm, ok := readPayload(t, aliceConn).(message.ReadConfirmation)
	require.True(t, ok)
	assert.Equal(t, message.ReadConfirmation{MessageID: sent.ID, Reader: bob}, confirm)

	code, data = st.do(t, http.MethodGet, fmt.Sprintf("/users/%d/unread", alice), bobTk, nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `[]`, string(data))
}

// drain reads conn until it fails and counts the frames received.
func drain(conn *websocket.Conn) *atomic.Int64 {
	var n atomic.Int64
	go func() {
		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				return
			}
			n.Add(1)
		}
	}()
	return &n
}

func TestFloodWithMinimalQueuesKeepsServing(t *testing.T) {
	hcfg := hub.DefaultConfig()
	hcfg.Heartbeat = 0
	hcfg.AllowAnyOrigin = true
	hcfg.EventQueue = 1
	hcfg.InboundRate = 0
	st := newStackWith(t, true, 1, hcfg)

	_, aliceTk := st.signup(t, "alice@example.com")
	bob, bobTk := st.signup(t, "bob@example.com")
	aliceConn := st.dial(t, aliceTk)
	bobConn := st.dial(t, bobTk)
	require.Eventually(t, func() bool { return st.hub.ClientCount() == 2 }, waitFor, 10*time.Millisecond)
	drain(aliceConn)
	toBob := drain(bobConn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*waitFor)
	defer cancel()
	frame := []byte(fmt.Sprintf(`{"to":%d,"content":"flood"}`, bob))
	for i := 0; i < 300; i++ {
		require.NoError(t, aliceConn.Write(ctx, websocket.MessageText, frame))
	}

	code, data := st.do(t, http.MethodGet, fmt.Sprintf("/users/%d", bob), "", nil)
	require.Equal(t, http.StatusOK, code, string(data))

	code, data = st.do(t, http.MethodPost, "/messages", aliceTk, message.ServerBound{To: bob, Content: "still here"})
	require.Equal(t, http.StatusOK, code, string(data))
	assert.Eventually(t, func() bool { return toBob.Load() > 0 }, waitFor, 10*time.Millisecond)
}

func TestStreamMessageIsPersisted(t *testing.T) {
	st := newStack(t, true)
	alice, aliceTk := st.signup(t, "alice@example.com")
	bob, bobTk := st.signup(t, "bob@example.com")

	conn := st.dial(t, aliceTk)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	frame := fmt.Sprintf(`{"to":%d,"content":"offline note"}`, bob)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(frame)))

	var unread []message.PersistedMessage
	require.Eventually(t, func() bool {
		code, data := st.do(t, http.MethodGet, fmt.Sprintf("/users/%d/unread", alice), bobTk, nil)
		if code != http.StatusOK || json.Unmarshal(data, &unread) != nil {
			return false
		}
		return len(unread) == 1
	}, waitFor, 20*time.Millisecond)
	assert.Equal(t, "offline note", unread[0].Content)
	assert.False(t, unread[0].Read)
}

func TestLogoutClosesStreamsAndToken(t *testing.T) {
	st := newStack(t, true)
	_, tk := st.signup(t, "dora@example.com")
	conn := st.dial(t, tk)
	require.Eventually(t, func() bool { return st.hub.ClientCount() == 1 }, waitFor, 10*time.Millisecond)

	code, _ := st.do(t, http.MethodPost, "/logout", tk, nil)
	assert.Equal(t, http.StatusNoContent, code)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	_, _, err := conn.Read(ctx)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))

	code, _ = st.do(t, http.MethodPost, "/logout", tk, nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestVisibilityAndFriends(t *testing.T) {
	st := newStack(t, true)
	owner, ownerTk := st.signup(t, "owner@example.com")
	friend, friendTk := st.signup(t, "friend@example.com")

	code, _ := st.do(t, http.MethodPut, "/users/me/visibility", ownerTk, map[string]string{"visibility": "Private"})
	require.Equal(t, http.StatusNoContent, code)
	code, _ = st.do(t, http.MethodPut, "/users/me/visibility", ownerTk, map[string]string{"visibility": "everyone"})
	assert.Equal(t, http.StatusBadRequest, code)

	path := fmt.Sprintf("/users/%d", owner)
	_, data := st.do(t, http.MethodGet, path, friendTk, nil)
	var before store.PublicProfile
	require.NoError(t, json.Unmarshal(data, &before))
	assert.Nil(t, before.Friends)

	code, _ = st.do(t, http.MethodPost, fmt.Sprintf("/friends/%d", friend), ownerTk, nil)
	require.Equal(t, http.StatusNoContent, code)

	_, data = st.do(t, http.MethodGet, path, friendTk, nil)
	var after store.PublicProfile
	require.NoError(t, json.Unmarshal(data, &after))
	require.NotNil(t, after.Email)
	assert.Equal(t, []message.UserID{friend}, after.Friends)

	code, _ = st.do(t, http.MethodPost, "/friends/9999", ownerTk, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestGroupMessage(t *testing.T) {
	st := newStack(t, true)
	_, tk := st.signup(t, "g@example.com")

	code, data := st.do(t, http.MethodPost, "/groups/3/messages", tk, map[string]string{"content": "hey all"})
	require.Equal(t, http.StatusOK, code, string(data))
	assert.Contains(t, string(data), "message_id")

	code, _ = st.do(t, http.MethodPost, "/groups/x/messages", tk, map[string]string{"content": "hey"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHealth(t *testing.T) {
	st := newStack(t, true)
	code, data := st.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, code)
	var h healthReport
	require.NoError(t, json.Unmarshal(data, &h))
	assert.Equal(t, "running", h.Phase)
	assert.Equal(t, 0, h.Connections)
	assert.Positive(t, h.Goroutines)
}

func TestWriteJSON_LogsEncodeFailure(t *testing.T) {
	logs, recorded := observer.New(zap.WarnLevel)
	s := &Server{log: zap.New(logs).Sugar()}

	rec := httptest.NewRecorder()
	s.writeJSON(rec, http.StatusOK, map[string]float64{"x": math.Inf(1)})

	assert.Equal(t, http.StatusOK, rec.Code)
	entries := recorded.FilterMessage("write response body").All()
	require.Len(t, entries, 1)
	assert.EqualValues(t, http.StatusOK, entries[0].ContextMap()["status"])
}

func TestShutdown_OneBroadcastKeepsServingTwoStopAll(t *testing.T) {
	st := newStack(t, true)
	_, tk := st.signup(t, "early@example.com")
	conn := st.dial(t, tk)

	require.Equal(t, shutdown.Draining, st.sig.Broadcast())

	// Hub, core and HTTP are all still serving.
	st.signup(t, "late@example.com")
	code, data := st.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, code)
	var h healthReport
	require.NoError(t, json.Unmarshal(data, &h))
	assert.Equal(t, "draining", h.Phase)
	for _, done := range []chan struct{}{st.hubC, st.coreC} {
		select {
		case <-done:
			t.Fatalf("loop stopped after a single broadcast")
		default:
		}
	}

	require.Equal(t, shutdown.Halted, st.sig.Broadcast())
	for _, done := range []chan struct{}{st.hubC, st.coreC} {
		select {
		case <-done:
		case <-time.After(waitFor):
			t.Fatalf("loop did not stop after halt")
		}
	}
	select {
	case err := <-st.serveC:
		assert.NoError(t, err)
		st.serveC <- err
	case <-time.After(waitFor):
		t.Fatalf("http server did not stop after halt")
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	_, _, err := conn.Read(ctx)
	assert.Error(t, err)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{errMissingToken, http.StatusUnauthorized},
		{errUnknownToken, http.StatusUnauthorized},
		{core.ErrInvalidCredentials, http.StatusUnauthorized},
		{errRegisterOff, http.StatusForbidden},
		{core.ErrUserExists, http.StatusBadRequest},
		{core.ErrNotFound, http.StatusNotFound},
		{core.ErrUnsupported, http.StatusNotImplemented},
		{fmt.Errorf("%w: deadline", core.ErrNoReply), http.StatusBadGateway},
		{hub.ErrStopped, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}
