package runtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/streamflow/internal/runtime/jsoncodec"
)

func TestBrokerStatus(t *testing.T) {
	b := fakeBroker(t)
	_, err := b.Subscriber(Topic("orders"), Consume(func(context.Context, Message[string]) error { return nil }), WithName("orders-handler"))
	require.NoError(t, err)
	_, err = b.Publisher("receipts")
	require.NoError(t, err)

	status := b.Status()
	assert.False(t, status.Started)
	assert.Equal(t, "channel", status.System)
	assert.Equal(t, "channel", status.Capabilities.Name)

	startBroker(t, b)
	_, err = b.Publish(context.Background(), "orders", "x")
	require.NoError(t, err)

	status = b.Status()
	assert.True(t, status.Started)
	require.Len(t, status.Handlers, 1)
	assert.Equal(t, "orders-handler", status.Handlers[0].Name)
	assert.Equal(t, uint64(1), status.Handlers[0].Stats.Snapshot().MessagesProcessed)
	assert.Equal(t, []string{"receipts"}, status.Publishers)
	assert.Positive(t, status.Resources.Goroutines)
	assert.False(t, status.CollectedAt.IsZero())
}

func TestIntrospectionHandlerServesStatus(t *testing.T) {
	b := fakeBroker(t)
	startBroker(t, b)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	rec := httptest.NewRecorder()
	b.IntrospectionHandler("https://ops.example.com").ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "https://ops.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	var doc map[string]any
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, true, doc["started"])
	assert.Equal(t, "channel", doc["system"])
}

func TestIntrospectionHandlerMethods(t *testing.T) {
	b := fakeBroker(t)
	handler := b.IntrospectionHandler("*")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/status", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/status", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAllowedOrigin(t *testing.T) {
	assert.Equal(t, "", allowedOrigin(nil, "https://a.example"))
	assert.Equal(t, "", allowedOrigin([]string{"https://b.example"}, "https://a.example"))
	assert.Equal(t, "https://A.example", allowedOrigin([]string{"https://a.example"}, "https://A.example"))
	assert.Equal(t, "*", allowedOrigin([]string{"*"}, ""))
}
