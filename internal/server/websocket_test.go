package server

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MeKo-Tech/leafscan/internal/testutil"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialSeverity(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/severity", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	return conn
}

func TestSeverityWebSocket_StreamsCrops(t *testing.T) {
	s, _ := newTestServer(t)
	conn := dialSeverity(t, s)

	multi := true
	require.NoError(t, conn.WriteJSON(WebSocketRequest{
		Image:     testutil.EncodePNG(t, testutil.DefaultScene().Render()),
		Filename:  "field.png",
		MultiLeaf: &multi,
	}))

	var crops []WebSocketMessage
	var final WebSocketMessage
	for {
		var msg WebSocketMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type != "crop" {
			final = msg
			break
		}
		crops = append(crops, msg)
	}

	require.Len(t, crops, 2)
	for _, c := range crops {
		assert.NotNil(t, c.Record)
		assert.Equal(t, final.RequestID, c.RequestID)
	}
	require.Equal(t, "report", final.Type)
	require.NotNil(t, final.Report)
	require.Len(t, final.Report.Records, 2)
	assert.Equal(t, 0, final.Report.Records[0].BoxIndex)
	assert.InDelta(t, 10.0, final.Report.Records[0].SeverityPercent, 1e-9)
	assert.InDelta(t, 25.0, final.Report.Records[1].SeverityPercent, 1e-9)
	require.NotNil(t, final.Report.Mean)
	assert.InDelta(t, 17.5, *final.Report.Mean, 1e-9)
}

func TestSeverityWebSocket_Errors(t *testing.T) {
	s, _ := newTestServer(t)
	conn := dialSeverity(t, s)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	var msg WebSocketMessage
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "error", msg.Type)
	assert.Equal(t, "invalid_request", msg.Error.Error)

	require.NoError(t, conn.WriteJSON(WebSocketRequest{
		Image:    testutil.EncodePNG(t, testutil.Scene{Width: 32, Height: 32}.Render()),
		Filename: "soil.png",
	}))
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "error", msg.Type)
	assert.Equal(t, "no_detections", msg.Error.Error)
	assert.Equal(t, 422, msg.Error.Code)
}

func TestSeverityWebSocket_SurvivesLongEstimation(t *testing.T) {
	s, fake := newTestServer(t)
	s.wsReadTimeout = 200 * time.Millisecond
	s.wsPingInterval = time.Hour
	fake.SetSegmentDelay(500 * time.Millisecond)
	conn := dialSeverity(t, s)

	require.NoError(t, conn.WriteJSON(WebSocketRequest{
		Image:    testutil.EncodePNG(t, testutil.DefaultScene().Render()),
		Filename: "field.png",
	}))
	var msg WebSocketMessage
	for msg.Type != "report" {
		require.NoError(t, conn.ReadJSON(&msg))
		require.NotEqual(t, "error", msg.Type)
	}

	require.NoError(t, conn.WriteJSON(WebSocketRequest{
		Image:    testutil.EncodePNG(t, testutil.Scene{Width: 32, Height: 32}.Render()),
		Filename: "soil.png",
	}))
	require.NoError(t, conn.ReadJSON(&msg), "connection is still open after the slow request")
	assert.Equal(t, "error", msg.Type)
	assert.Equal(t, "no_detections", msg.Error.Error)
}
