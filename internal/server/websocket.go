package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/MeKo-Tech/leafscan/internal/severity"
	"github.com/MeKo-Tech/leafscan/internal/utils"
	"github.com/gorilla/websocket"
)

const (
	defaultWSReadTimeout  = 60 * time.Second
	defaultWSPingInterval = 30 * time.Second
	wsWriteTimeout        = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WebSocketRequest asks for one severity estimation. Image carries the
// encoded file bytes (base64 in JSON).
type WebSocketRequest struct {
	Image     []byte `json:"image"`
	Filename  string `json:"filename"`
	Pad       *int   `json:"pad,omitempty"`
	MultiLeaf *bool  `json:"multi_leaf,omitempty"`
	DetModel  string `json:"det_model,omitempty"`
	SegModel  string `json:"seg_model,omitempty"`
}

// WebSocketMessage is every server to client frame. Type is one of
// "crop", "report" or "error".
type WebSocketMessage struct {
	Type      string                   `json:"type"`
	RequestID string                   `json:"request_id"`
	Record    *severity.SeverityRecord `json:"record,omitempty"`
	Skipped   *severity.Skipped        `json:"skipped,omitempty"`
	Report    *SeverityResponse        `json:"report,omitempty"`
	Error     *ErrorResponse           `json:"error,omitempty"`
}

// wsConn serializes writes; crop callbacks arrive from worker goroutines.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) send(msg WebSocketMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	websocketMessagesTotal.WithLabelValues("sent").Inc()
	return nil
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
}

// severityWebSocketHandler streams per-crop outcomes as they finish,
// followed by the full report.
func (s *Server) severityWebSocketHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade connection to WebSocket", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	websocketConnections.Inc()
	defer websocketConnections.Dec()
	slog.Info("WebSocket connection established", "remote_addr", r.RemoteAddr)

	c := &wsConn{conn: conn}
	extendRead := func() error { return conn.SetReadDeadline(time.Now().Add(s.wsReadTimeout)) }
	_ = extendRead()
	conn.SetPongHandler(func(string) error { return extendRead() })

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		ticker := time.NewTicker(s.wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.ping(); err != nil {
					return
				}
			}
		}
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Error("WebSocket error", "error", err)
			}
			return
		}
		websocketMessagesTotal.WithLabelValues("received").Inc()
		if messageType != websocket.TextMessage {
			continue
		}
		if err := s.handleWebSocketRequest(ctx, c, data); err != nil {
			slog.Warn("WebSocket write failed", "error", err)
			return
		}
		// A long estimation can outlast the deadline set before it.
		_ = extendRead()
	}
}

// handleWebSocketRequest runs one estimation. The returned error is a
// connection failure; pipeline errors are sent to the client.
func (s *Server) handleWebSocketRequest(ctx context.Context, c *wsConn, data []byte) error {
	requestID := newRequestID()
	fail := func(err error) error {
		analysisRequestsTotal.WithLabelValues("websocket", "error").Inc()
		status, code := statusFor(err)
		return c.send(WebSocketMessage{Type: "error", RequestID: requestID, Error: &ErrorResponse{
			Error: code, Message: err.Error(), Code: status, RequestID: requestID,
		}})
	}

	var req WebSocketRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fail(fmt.Errorf("%w: failed to parse request: %w", errBadRequest, err))
	}
	if len(req.Image) == 0 {
		return fail(fmt.Errorf("%w: no image data provided", errBadRequest))
	}
	if req.Filename == "" {
		req.Filename = "image.png"
	}
	filename := filepath.Base(req.Filename)
	if !utils.IsSupportedImage(filename) {
		return fail(fmt.Errorf("%w: unsupported image type %q", errBadRequest, filepath.Ext(filename)))
	}
	img, err := utils.DecodeImage(bytes.NewReader(req.Image))
	if err != nil {
		return fail(fmt.Errorf("%w: %w", errBadRequest, err))
	}
	if req.Pad != nil && *req.Pad < 0 {
		return fail(fmt.Errorf("%w: pad must be a non-negative integer", errBadRequest))
	}

	est, err := s.estimatorFor("severity", requestOptions{
		Pad: req.Pad, MultiLeaf: req.MultiLeaf, DetModel: req.DetModel, SegModel: req.SegModel,
	})
	if err != nil {
		return fail(err)
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.TimeoutSec)*time.Second)
	defer cancel()

	var sendErr error
	var once sync.Once
	start := time.Now()
	rep, err := est.EstimateStream(ctx, img, s.artifactName(requestID, filename), func(o severity.CropOutcome) {
		msg := WebSocketMessage{Type: "crop", RequestID: requestID, Record: o.Record, Skipped: o.Skip}
		if err := c.send(msg); err != nil {
			once.Do(func() {
				sendErr = err
				cancel()
			})
		}
	})
	analysisDuration.WithLabelValues("websocket").Observe(time.Since(start).Seconds())
	if sendErr != nil {
		return sendErr
	}
	if err != nil {
		return fail(err)
	}

	analysisRequestsTotal.WithLabelValues("websocket", "success").Inc()
	resp := &SeverityResponse{RequestID: requestID, UploadFilename: filename, Report: rep, Artifacts: artifacts(rep)}
	if mean, ok := rep.MeanSeverity(); ok {
		resp.Mean = &mean
	}
	return c.send(WebSocketMessage{Type: "report", RequestID: requestID, Report: resp})
}
