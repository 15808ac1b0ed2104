package identity

import (
	"context"
	"encoding/json"
	"net"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/metercam/internal/config"
	"github.com/temoto/metercam/internal/tele"
	"github.com/temoto/metercam/log2"
)

const (
	testClientID = "AA:BB:CC:DD:EE:FF"
	testTopic    = "esp32/uuid_exchange"
	testDocument = `{"uuid":"","description":"basement water","wifi_ssid":"home","wifi_password":"secret",
"mqtt_server":"broker.local","mqtt_port":1883,"interval":10000}`
)

type tenv struct {
	session  *Session
	tr       *tele.MockTransport
	storage  *config.MockStorage
	restarts []string
}

func newEnv(t testing.TB, identity string) *tenv {
	env := &tenv{
		tr:      tele.NewMockTransport(t),
		storage: config.NewMockStorage(testDocument),
	}
	log := log2.NewTest(t, log2.LDebug)
	env.session = NewSession(Options{
		Log:           log,
		CorrelationID: testClientID,
		Description:   "basement water",
		Identity:      identity,
		Topic:         testTopic,
		Publisher:     env.tr,
		Store:         config.NewStore(log, env.storage),
		Restart:       func(reason string) { env.restarts = append(env.restarts, reason) },
	})
	require.NoError(t, env.tr.Connect(context.Background()))
	return env
}

func (env *tenv) persistedUUID(t testing.TB) string {
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(env.storage.Bytes(), &doc))
	return doc["uuid"].(string)
}

func response(clientID, uuid string) []byte {
	b, _ := Response{Type: KindResponse, ClientID: clientID, UUID: uuid}.Marshal()
	return b
}

func TestSessionAccept(t *testing.T) {
	t.Parallel()

	env := newEnv(t, "")
	assert.Equal(t, StateUnbound, env.session.State())
	require.NoError(t, env.session.Request())
	assert.Equal(t, StateRequesting, env.session.State())

	pub := env.tr.Published()
	require.Len(t, pub, 1)
	assert.Equal(t, testTopic, pub[0].Topic)
	assert.JSONEq(t, `{"type":"request","client_id":"AA:BB:CC:DD:EE:FF","description":"basement water"}`, string(pub[0].Payload))

	env.tr.Deliver("esp32/uuid_exchange", response(testClientID, "node-42"))
	env.tr.Poll(env.session.HandleMessage)

	assert.Equal(t, StateBound, env.session.State())
	assert.Equal(t, "node-42", env.session.Identity())
	assert.Equal(t, "node-42", env.persistedUUID(t))
	assert.Equal(t, []string{"identity assigned"}, env.restarts)

	// duplicate response after Bound changes nothing
	assert.False(t, env.session.HandleMessage(testTopic, response(testClientID, "node-43")))
	assert.Equal(t, "node-42", env.persistedUUID(t))
	assert.Equal(t, 1, env.storage.Writes)
	assert.Len(t, env.restarts, 1)
}

func TestSessionRequestOnce(t *testing.T) {
	t.Parallel()

	env := newEnv(t, "")
	for i := 0; i < 10; i++ {
		require.NoError(t, env.session.Request())
		env.tr.Poll(env.session.HandleMessage)
	}
	assert.Len(t, env.tr.Published(), 1)
	assert.Equal(t, StateRequesting, env.session.State())
}

func TestSessionRequestDisconnected(t *testing.T) {
	t.Parallel()

	env := newEnv(t, "")
	env.tr.Disconnect()
	err := env.session.Request()
	assert.True(t, errors.Cause(err) == tele.ErrDisconnected, errors.ErrorStack(err))
	assert.Equal(t, StateRequesting, env.session.State())

	// no retry in this process even when link is back
	require.NoError(t, env.tr.Connect(context.Background()))
	require.NoError(t, env.session.Request())
	assert.Len(t, env.tr.Published(), 0)
}

func TestSessionBoundFromStorage(t *testing.T) {
	t.Parallel()

	env := newEnv(t, "node-7")
	assert.Equal(t, StateBound, env.session.State())
	assert.Equal(t, "node-7", env.session.Identity())
	require.NoError(t, env.session.Request())
	assert.Len(t, env.tr.Published(), 0)
	assert.False(t, env.session.HandleMessage(testTopic, response(testClientID, "node-42")))
	assert.Equal(t, 0, env.storage.Writes)
	assert.Len(t, env.restarts, 0)
}

func TestSessionIgnore(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		payload string
	}{
		{"mismatch", `{"type":"client_response","client_id":"11:22:33:44:55:66","uuid":"node-42"}`},
		{"mismatch-one-char", `{"type":"client_response","client_id":"AA:BB:CC:DD:EE:FE","uuid":"node-42"}`},
		{"mismatch-case", `{"type":"client_response","client_id":"aa:bb:cc:dd:ee:ff","uuid":"node-42"}`},
		{"kind-request", `{"type":"request","client_id":"AA:BB:CC:DD:EE:FF","uuid":"node-42"}`},
		{"kind-missing", `{"client_id":"AA:BB:CC:DD:EE:FF","uuid":"node-42"}`},
		{"uuid-missing", `{"type":"client_response","client_id":"AA:BB:CC:DD:EE:FF"}`},
		{"uuid-empty", `{"type":"client_response","client_id":"AA:BB:CC:DD:EE:FF","uuid":""}`},
		{"uuid-number", `{"type":"client_response","client_id":"AA:BB:CC:DD:EE:FF","uuid":42}`},
		{"client-missing", `{"type":"client_response","uuid":"node-42"}`},
		{"not-json", `hello`},
		{"array", `["client_response"]`},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			env := newEnv(t, "")
			require.NoError(t, env.session.Request())
			assert.False(t, env.session.HandleMessage(testTopic, []byte(c.payload)))
			assert.Equal(t, StateRequesting, env.session.State())
			assert.Equal(t, "", env.session.Identity())
			assert.Equal(t, "", env.persistedUUID(t))
			assert.Equal(t, 0, env.storage.Writes)
			assert.Len(t, env.restarts, 0)
		})
	}
}

func TestSessionIgnoreUnlessRequested(t *testing.T) {
	t.Parallel()

	env := newEnv(t, "")
	assert.False(t, env.session.HandleMessage(testTopic, response(testClientID, "node-42")))
	assert.Equal(t, StateUnbound, env.session.State())
	assert.Equal(t, 0, env.storage.Writes)
}

func TestSessionPersistError(t *testing.T) {
	t.Parallel()

	env := newEnv(t, "")
	require.NoError(t, env.session.Request())
	env.storage.WriteErr = errors.New("disk full")
	assert.False(t, env.session.HandleMessage(testTopic, response(testClientID, "node-42")))
	assert.Equal(t, StateRequesting, env.session.State())
	assert.Equal(t, "", env.session.Identity())
	assert.Len(t, env.restarts, 0)

	// storage recovered, next response is accepted
	env.storage.WriteErr = nil
	assert.True(t, env.session.HandleMessage(testTopic, response(testClientID, "node-42")))
	assert.Equal(t, "node-42", env.persistedUUID(t))
	assert.Len(t, env.restarts, 1)
}

func TestHardwareAddr(t *testing.T) {
	t.Parallel()

	hw, err := net.ParseMAC("aa:bb:cc:dd:ee:ff")
	require.NoError(t, err)
	assert.Equal(t, testClientID, FormatHardwareAddr(hw))
	assert.Equal(t, "metercam-AABBCCDDEEFF", TransportClientID(testClientID))

	_, err = HardwareAddr("no-such-interface-42")
	assert.Error(t, err)
}

func TestParseRequest(t *testing.T) {
	t.Parallel()

	r, ok := ParseRequest([]byte(`{"type":"request","client_id":"AA:BB:CC:DD:EE:FF","description":"x"}`))
	assert.True(t, ok)
	assert.Equal(t, NewRequest(testClientID, "x"), r)
	_, ok = ParseRequest(response(testClientID, "node-42"))
	assert.False(t, ok)
	_, ok = ParseRequest([]byte(`{"type":"request"}`))
	assert.False(t, ok)
}
