// pkg/api/ws_test.go
package api

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shadowsync/shadowd/pkg/model"
)

func TestWatchDeliversSnapshotThenChanges(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()
	ctx := context.Background()

	_, err := s.reconciler.ApplyReport(ctx, "wh-001",
		map[string]interface{}{"temperature": 120.0}, time.Time{})
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/shadows/wh-001/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	// Initial full-state snapshot.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var snapshot model.ChangeEvent
	require.NoError(t, conn.ReadJSON(&snapshot))
	assert.Equal(t, model.EventTypeSnapshot, snapshot.Type)
	assert.Equal(t, int64(1), snapshot.Version)
	assert.Equal(t, 120.0, snapshot.ReportedState["temperature"])

	// Reading the snapshot guarantees the subscription is registered, so
	// this mutation's event must reach us.
	_, err = s.reconciler.ApplyReport(ctx, "wh-001",
		map[string]interface{}{"temperature": 125.0}, time.Time{})
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var change model.ChangeEvent
	require.NoError(t, conn.ReadJSON(&change))
	assert.Equal(t, model.EventTypeState, change.Type)
	assert.Equal(t, int64(2), change.Version)
	assert.Equal(t, []string{"temperature"}, change.ChangedCapabilities)
}

func TestWatchUnknownDeviceStartsQuiet(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/shadows/wh-404/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	// No snapshot for a device without a shadow; nothing arrives until the
	// document is created.
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var ev model.ChangeEvent
	err = conn.ReadJSON(&ev)
	require.Error(t, err)
}
