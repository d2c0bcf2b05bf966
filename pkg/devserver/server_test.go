package devserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/dosolink/pkg/wire"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()

	if cfg.Version == "" {
		cfg.Version = "1.2.0"
	}
	cfg.Logger = zerolog.Nop()

	s, err := NewServer(cfg)
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.StopTicker()
		ts.Close()
	})
	return s, ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func authenticate(t *testing.T, conn *websocket.Conn, secret string) wire.AuthResult {
	t.Helper()

	var challenge wire.AuthChallenge
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&challenge))
	require.Equal(t, wire.EventAuthChallenge, challenge.Event)
	require.Len(t, challenge.Challenge, 64)

	require.NoError(t, conn.WriteJSON(wire.AuthResponse{
		Method:    wire.MethodAuthResponse,
		Signature: wire.SignChallenge(secret, challenge.Challenge),
	}))

	var result wire.AuthResult
	require.NoError(t, conn.ReadJSON(&result))
	return result
}

func roundTrip(t *testing.T, conn *websocket.Conn, req *wire.Envelope) *wire.Envelope {
	t.Helper()

	require.NoError(t, conn.WriteJSON(req))

	var reply wire.Envelope
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&reply))
	return &reply
}

func TestServer_Handshake(t *testing.T) {
	_, ts := newTestServer(t, Config{SharedSecret: testSecret})

	t.Run("valid signature", func(t *testing.T) {
		conn := dial(t, ts)
		result := authenticate(t, conn, testSecret)
		assert.True(t, result.Success)
		assert.Equal(t, wire.EventAuthSuccess, result.Event)
	})

	t.Run("wrong secret", func(t *testing.T) {
		conn := dial(t, ts)
		result := authenticate(t, conn, "wrong")
		assert.False(t, result.Success)
		assert.Equal(t, "Invalid signature", result.Message)
	})

	t.Run("requests before auth are refused", func(t *testing.T) {
		conn := dial(t, ts)

		var challenge wire.AuthChallenge
		require.NoError(t, conn.ReadJSON(&challenge))

		reply := roundTrip(t, conn, &wire.Envelope{ID: 3, Kind: wire.TypePing})
		assert.Equal(t, uint64(3), reply.ID)
		assert.Equal(t, wire.TypeError, reply.Kind)
		assert.Contains(t, reply.Error, "authentication required")
	})
}

func TestServer_Handlers(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	conn := dial(t, ts)

	t.Run("hello", func(t *testing.T) {
		req, err := wire.NewEnvelope(wire.TypeHello, wire.HelloRequest{ClientVersion: "1.0.0"})
		require.NoError(t, err)
		req.ID = 1

		reply := roundTrip(t, conn, req)
		assert.Equal(t, uint64(1), reply.ID)

		var hello wire.HelloResponse
		require.NoError(t, reply.DecodePayload(&hello))
		assert.Equal(t, "1.2.0", hello.ProtocolVersion)
	})

	t.Run("ping", func(t *testing.T) {
		reply := roundTrip(t, conn, &wire.Envelope{ID: 2, Kind: wire.TypePing})
		assert.Equal(t, uint64(2), reply.ID)
		assert.Equal(t, wire.TypePong, reply.Kind)
	})

	t.Run("echo", func(t *testing.T) {
		reply := roundTrip(t, conn, &wire.Envelope{ID: 3, Kind: wire.TypeEcho, Payload: json.RawMessage(`{"text":"hi"}`)})
		assert.Equal(t, uint64(3), reply.ID)
		assert.JSONEq(t, `{"text":"hi"}`, string(reply.Payload))
	})

	t.Run("unknown type", func(t *testing.T) {
		reply := roundTrip(t, conn, &wire.Envelope{ID: 4, Kind: "nope"})
		assert.Equal(t, uint64(4), reply.ID)
		assert.Equal(t, wire.TypeError, reply.Kind)
		assert.Error(t, reply.Err())
	})

	t.Run("malformed frame", func(t *testing.T) {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"requestId":"x"}`)))

		var reply wire.Envelope
		require.NoError(t, conn.ReadJSON(&reply))
		assert.Equal(t, wire.TypeError, reply.Kind)
		assert.Equal(t, uint64(0), reply.ID)
	})

	t.Run("drop never replies", func(t *testing.T) {
		require.NoError(t, conn.WriteJSON(&wire.Envelope{ID: 5, Kind: wire.TypeDrop}))

		reply := roundTrip(t, conn, &wire.Envelope{ID: 6, Kind: wire.TypePing})
		assert.Equal(t, uint64(6), reply.ID)
	})
}

func TestServer_RateLimit(t *testing.T) {
	_, ts := newTestServer(t, Config{RequestsPerMinute: 1})
	conn := dial(t, ts)

	reply := roundTrip(t, conn, &wire.Envelope{ID: 1, Kind: wire.TypePing})
	assert.Equal(t, wire.TypePong, reply.Kind)

	reply = roundTrip(t, conn, &wire.Envelope{ID: 2, Kind: wire.TypePing})
	assert.Equal(t, uint64(2), reply.ID)
	assert.Equal(t, wire.TypeError, reply.Kind)
	assert.Contains(t, reply.Error, "rate limit exceeded")
}

func TestServer_RegisterAndLogin(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	conn := dial(t, ts)

	req, err := wire.NewEnvelope(wire.TypeIdentityRegister, wire.RegisterRequest{Fingerprint: "fp"})
	require.NoError(t, err)
	req.ID = 1

	reply := roundTrip(t, conn, req)
	require.NoError(t, reply.Err())

	var creds wire.Credentials
	require.NoError(t, reply.DecodePayload(&creds))
	assert.Len(t, creds.ID, 36)
	assert.Len(t, creds.Secret, 32)

	login, err := wire.NewEnvelope(wire.TypeIdentityLogin, creds)
	require.NoError(t, err)
	login.ID = 2

	reply = roundTrip(t, conn, login)
	require.NoError(t, reply.Err())

	var resp wire.LoginResponse
	require.NoError(t, reply.DecodePayload(&resp))
	assert.True(t, resp.Accepted)
	assert.Equal(t, creds.ID, resp.ID)

	bad, err := wire.NewEnvelope(wire.TypeIdentityLogin, wire.Credentials{ID: creds.ID, Secret: "wrong"})
	require.NoError(t, err)
	bad.ID = 3

	reply = roundTrip(t, conn, bad)
	assert.Error(t, reply.Err())
}

func TestServer_TickBroadcast(t *testing.T) {
	s, ts := newTestServer(t, Config{TickInterval: 20 * time.Millisecond})
	conn := dial(t, ts)

	s.StartTicker()

	var event wire.Envelope
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&event))

	assert.Equal(t, wire.TypeTick, event.Kind)
	assert.Equal(t, uint64(0), event.ID)

	var tick wire.TickEvent
	require.NoError(t, event.DecodePayload(&tick))
	assert.Positive(t, tick.Seq)
}

func TestServer_StartStop(t *testing.T) {
	s, err := NewServer(Config{Host: "127.0.0.1", Port: 0, Version: "1.0.0", Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, s.Start())
	require.NotEmpty(t, s.Addr())

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestServer_Healthz(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "1.2.0", body["version"])
}

func TestServer_Metrics(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer(Config{Port: -1, Version: "1.0.0"})
	assert.Error(t, err)

	_, err = NewServer(Config{})
	assert.Error(t, err)
}
