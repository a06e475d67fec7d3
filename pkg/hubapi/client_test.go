package hubapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/httprunner/devicesim/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientEndpoints(t *testing.T) {
	var statusBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v1/hubs/which":
			_, _ = w.Write([]byte(`{"host":"hub.local","port":9000,"region":"eu"}`))
		case r.Method == http.MethodPut && r.URL.Path == "/v1/devices/udid-1/status":
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&statusBody))
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodPost && r.URL.Path == "/v1/hubs/book":
			_, _ = w.Write([]byte(`{"hub":{"host":"hub.local","port":9001},"params":{"k":"v"}}`))
		case r.Method == http.MethodPost && r.URL.Path == "/v1/sessions/42/commands":
			_, _ = w.Write([]byte(`{"id":12345678901}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client, err := New(srv.URL+"/v1", "tok", srv.Client())
	require.NoError(t, err)
	ctx := context.Background()

	hub, err := client.WhichHub(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hub.local", hub.Host)
	assert.Equal(t, 9000, hub.Port)
	assert.Contains(t, string(hub.Raw), "region")

	require.NoError(t, client.UpdateStatus(ctx, StatusReport{DeviceUDID: "udid-1", State: protocol.StateActivated}))
	assert.Equal(t, "ACTIVATED", statusBody["state"])
	assert.Equal(t, "udid-1", statusBody["deviceUDID"])
	_, hasMessage := statusBody["message"]
	assert.False(t, hasMessage)

	booking, err := client.BookSession(ctx, 107198)
	require.NoError(t, err)
	assert.Equal(t, 9001, booking.Hub.Port)
	assert.JSONEq(t, `{"k":"v"}`, string(booking.Params))

	id, err := client.CreateCommand(ctx, srv.URL+"/v1/sessions/42", protocol.Action{Type: protocol.ActionTap})
	require.NoError(t, err)
	assert.Equal(t, "12345678901", id)
}

func TestClientStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("not-authorized"))
	}))
	defer srv.Close()

	client, err := New(srv.URL, "bad", nil)
	require.NoError(t, err)
	err = client.UpdateDevice(context.Background(), DeviceRegistration{UDID: "u"})
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusUnauthorized))

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "/devices/update", se.Path)
	assert.Equal(t, "not-authorized", se.Body)
}

func TestNewRejectsEmptyBaseURL(t *testing.T) {
	_, err := New("  ", "tok", nil)
	assert.Error(t, err)
}
