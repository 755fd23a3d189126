package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/switchyard/internal/auth"
	"github.com/haasonsaas/switchyard/internal/events"
	"github.com/haasonsaas/switchyard/internal/gwerrors"
	"github.com/haasonsaas/switchyard/internal/observability"
	"github.com/haasonsaas/switchyard/internal/sessions"
)

const (
	wsProtocolVersion = 1
	wsSendBuffer      = 64
	wsTickInterval    = 15 * time.Second
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
)

type wsFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Event   string          `json:"event,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload any             `json:"payload,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
	Seq     *int64          `json:"seq,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wsConnectParams struct {
	MinProtocol int          `json:"minProtocol"`
	MaxProtocol int          `json:"maxProtocol"`
	Client      wsClientInfo `json:"client"`
	Auth        *struct {
		Token string `json:"token"`
	} `json:"auth,omitempty"`
	// Events lists the bus topics to forward. Empty means none.
	Events []string `json:"events,omitempty"`
}

type wsClientInfo struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
}

type wsSessionKeyParams struct {
	SessionKey string `json:"sessionKey"`
}

type wsSessionsListParams struct {
	Channel string `json:"channel,omitempty"`
	Prefix  string `json:"prefix,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

type wsSessionsPatchParams struct {
	SessionKey string         `json:"sessionKey"`
	Patch      sessions.Patch `json:"patch"`
}

type wsControlPlane struct {
	server   *Server
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func (s *Server) newWSControlPlane() http.Handler {
	return &wsControlPlane{
		server: s,
		logger: s.logger.With("surface", "ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

type wsConn struct {
	control *wsControlPlane
	conn    *websocket.Conn
	send    chan []byte
	written chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	id      string
	seq     int64

	connected  atomic.Bool
	principal  *auth.Principal
	headerAuth *auth.Principal
	sub        *events.Subscription
	topics     map[string]bool

	sendMu sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func (h *wsControlPlane) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(observability.ExtractHTTP(context.WithoutCancel(r.Context()), r.Header))
	c := &wsConn{
		control: h,
		conn:    conn,
		send:    make(chan []byte, wsSendBuffer),
		written: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		id:      uuid.NewString(),
	}
	if token := auth.BearerToken(r); token != "" && h.server.tokens.Enabled() {
		if p, err := h.server.tokens.Verify(token); err == nil {
			c.headerAuth = p
		}
	}
	h.server.metrics.ConnectionOpened()
	defer h.server.metrics.ConnectionClosed()
	c.run()
}

func (c *wsConn) run() {
	go c.writeLoop()
	c.readLoop()
	c.close()
}

func (c *wsConn) close() {
	if c.sub != nil {
		c.sub.Unsubscribe()
	}
	c.cancel()
	c.wg.Wait()
	c.sendMu.Lock()
	c.closed = true
	close(c.send)
	c.sendMu.Unlock()
	// Let the writer flush what is buffered, such as a handshake error.
	<-c.written
	_ = c.conn.Close()
}

func (c *wsConn) readLoop() {
	c.conn.SetReadLimit(c.control.server.cfg.Load().Gateway.MaxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		if messageType != websocket.TextMessage {
			continue
		}

		frame, err := decodeFrame(data)
		if err != nil {
			id := ""
			if frame != nil {
				id = frame.ID
			}
			c.sendError(id, string(gwerrors.CodeParse), err.Error())
			continue
		}

		if !c.connected.Load() {
			if frame.Method != "connect" {
				c.sendError(frame.ID, "handshake_required", "first request must be connect")
				continue
			}
			if err := c.handleConnect(frame); err != nil {
				c.sendError(frame.ID, string(gwerrors.CodeOf(err)), err.Error())
				return
			}
			continue
		}

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.dispatch(frame)
		}()
	}
}

func (c *wsConn) writeLoop() {
	defer close(c.written)
	ping := time.NewTicker(wsTickInterval)
	defer ping.Stop()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				_ = c.conn.Close()
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.conn.Close()
				return
			}
		}
	}
}

// decodeFrame parses and schema-checks one request. The frame is returned
// alongside a validation error when its id could be read.
func decodeFrame(raw []byte) (*wsFrame, error) {
	var frame wsFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, err
	}
	if frame.Type == "" {
		frame.Type = "req"
	}
	if err := validateRequestFrame(raw, &frame); err != nil {
		return &frame, err
	}
	return &frame, nil
}

func (c *wsConn) handleConnect(frame *wsFrame) error {
	var params wsConnectParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return &gwerrors.ParseError{Reason: err.Error()}
	}
	minProtocol, maxProtocol := params.MinProtocol, params.MaxProtocol
	if minProtocol <= 0 {
		minProtocol = wsProtocolVersion
	}
	if maxProtocol <= 0 {
		maxProtocol = wsProtocolVersion
	}
	if wsProtocolVersion < minProtocol || wsProtocolVersion > maxProtocol {
		return &gwerrors.ParseError{Reason: fmt.Sprintf("unsupported protocol range %d-%d", minProtocol, maxProtocol)}
	}

	srv := c.control.server
	if srv.tokens.Enabled() {
		p := c.headerAuth
		if p == nil && params.Auth != nil {
			verified, err := srv.tokens.Verify(params.Auth.Token)
			if err != nil {
				return &gwerrors.AuthError{Reason: gwerrors.AuthMissing, Message: "invalid gateway token"}
			}
			p = verified
		}
		if p == nil {
			return &gwerrors.AuthError{Reason: gwerrors.AuthMissing, Message: "gateway token required"}
		}
		c.principal = p
		c.ctx = auth.WithPrincipal(c.ctx, p)
	}

	if len(params.Events) > 0 {
		c.topics = make(map[string]bool, len(params.Events))
		for _, t := range params.Events {
			c.topics[t] = true
		}
		sub, err := srv.bus.Subscribe(events.TopicAll, c.forward)
		if err != nil {
			return err
		}
		c.sub = sub
	}

	if err := c.sendResponse(frame.ID, true, c.hello(), nil); err != nil {
		return err
	}
	c.connected.Store(true)
	c.control.logger.Debug("ws client connected", "conn", c.id, "client", params.Client.ID)
	return nil
}

func (c *wsConn) hello() map[string]any {
	return map[string]any{
		"type":     "hello-ok",
		"protocol": wsProtocolVersion,
		"connId":   c.id,
		"methods":  supportedMethods(),
		"policy": map[string]any{
			"maxFrameBytes":  c.control.server.cfg.Load().Gateway.MaxFrameBytes,
			"tickIntervalMs": wsTickInterval.Milliseconds(),
		},
		"snapshot": c.control.server.Health(),
	}
}

func (c *wsConn) forward(ev events.Event) {
	if !c.topics[events.TopicAll] && !c.topics[ev.Topic] {
		return
	}
	_ = c.sendEvent(ev.Type, ev)
}

func (c *wsConn) dispatch(frame *wsFrame) {
	srv := c.control.server
	ctx := observability.WithRequestID(c.ctx, frame.ID)
	ctx, span := srv.tracer.Start(ctx, "rpc."+frame.Method, trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("rpc.method", frame.Method), attribute.String("ws.conn", c.id)))
	defer span.End()

	start := time.Now()
	payload, err := c.handle(ctx, frame)
	code := "ok"
	if err != nil {
		code = string(gwerrors.CodeOf(err))
		observability.RecordError(span, err)
		level := slog.LevelDebug
		if gwerrors.IsLockContention(err) || code == string(gwerrors.CodeInternal) {
			level = slog.LevelError
		}
		c.control.logger.Log(ctx, level, "rpc failed", "method", frame.Method, "code", code, "error", err)
		c.sendError(frame.ID, code, err.Error())
	} else {
		_ = c.sendResponse(frame.ID, true, payload, nil)
	}
	srv.metrics.RPCHandled(methodName(frame.Method), code, time.Since(start))
}

func (c *wsConn) handle(ctx context.Context, frame *wsFrame) (any, error) {
	srv := c.control.server
	switch frame.Method {
	case "health":
		return srv.Health(), nil
	case "ping":
		return map[string]any{"timestamp": time.Now().UnixMilli()}, nil
	case "agent":
		var req AgentRequest
		if err := decodeParams(frame.Params, &req); err != nil {
			return nil, err
		}
		if req.Channel == "" && c.principal != nil {
			req.Channel = c.principal.Channel
		}
		return srv.Agent(ctx, req)
	case "sessions.get":
		var p wsSessionKeyParams
		if err := decodeParams(frame.Params, &p); err != nil {
			return nil, err
		}
		return srv.GetSession(ctx, p.SessionKey)
	case "sessions.list":
		var p wsSessionsListParams
		if err := decodeParams(frame.Params, &p); err != nil {
			return nil, err
		}
		list, err := srv.ListSessions(ctx, sessions.ListOptions{Channel: p.Channel, Prefix: p.Prefix, Limit: p.Limit})
		if err != nil {
			return nil, err
		}
		return map[string]any{"sessions": list}, nil
	case "sessions.patch":
		var p wsSessionsPatchParams
		if err := decodeParams(frame.Params, &p); err != nil {
			return nil, err
		}
		return srv.PatchSession(ctx, p.SessionKey, p.Patch)
	case "sessions.stop":
		var p wsSessionKeyParams
		if err := decodeParams(frame.Params, &p); err != nil {
			return nil, err
		}
		return srv.StopSession(ctx, p.SessionKey), nil
	case "models.list":
		return srv.ModelList(), nil
	case "connect":
		return nil, &gwerrors.ParseError{Reason: "already connected"}
	}
	return nil, &gwerrors.NotFoundError{Kind: "method", ID: frame.Method}
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &gwerrors.ParseError{Reason: err.Error()}
	}
	return nil
}

func (c *wsConn) sendResponse(id string, ok bool, payload any, err *wsError) error {
	return c.enqueue(wsFrame{Type: "res", ID: id, OK: &ok, Payload: payload, Error: err})
}

func (c *wsConn) sendEvent(event string, payload any) error {
	seq := atomic.AddInt64(&c.seq, 1)
	return c.enqueue(wsFrame{Type: "event", Event: event, Payload: payload, Seq: &seq})
}

func (c *wsConn) sendError(id, code, message string) {
	_ = c.sendResponse(id, false, nil, &wsError{Code: code, Message: message})
}

func (c *wsConn) enqueue(frame wsFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

func supportedMethods() []string {
	return []string{
		"connect",
		"health",
		"ping",
		"agent",
		"sessions.get",
		"sessions.list",
		"sessions.patch",
		"sessions.stop",
		"models.list",
	}
}

// methodName normalizes an RPC method for metrics labels.
func methodName(m string) string {
	m = strings.TrimSpace(m)
	for _, known := range supportedMethods() {
		if m == known {
			return m
		}
	}
	return "unknown"
}
