package backend

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	pongWait     = 60 * time.Second // Time allowed to read the next pong
	pingPeriod   = 30 * time.Second // Send pings at this interval (must be < pongWait)
	writeWait    = 10 * time.Second // Time allowed to write a control message
	maxMsgSize   = 16 * 1024 * 1024 // Preview frames can be large
	eventBuffer  = 256              // Outbound event channel buffer
	reconnectMax = 30 * time.Second // Reconnect backoff cap
)

// Binary frame kinds on the ComfyUI websocket.
const (
	binaryPreviewImage    = 1 // 4-byte format tag + image bytes
	binaryPreviewImageRaw = 2 // image bytes only
)

// ComfyClient implements Client against a ComfyUI-style backend:
// HTTP endpoints for submission, uploads, artifacts and queue state, and a
// websocket event channel mixing JSON text envelopes with binary preview
// frames.
//
// The client owns reconnection: when the websocket drops, it emits a
// disconnected event, redials with capped backoff, and on success emits
// reconnected followed by a fresh status_update derived from the queue
// snapshot.
//
// Example:
//
//	c := backend.NewComfyClient("127.0.0.1:8188")
//	id, err := c.Connect(ctx, 5*time.Second)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Close()
type ComfyClient struct {
	host     string
	clientID string
	httpc    *http.Client
	logger   *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	events chan Event
	done   chan struct{}
	once   sync.Once
}

// ComfyOption configures a ComfyClient.
type ComfyOption func(*ComfyClient)

// ComfyWithHTTPClient overrides the HTTP client used for submit, upload,
// artifact, and queue requests.
func ComfyWithHTTPClient(httpc *http.Client) ComfyOption {
	return func(c *ComfyClient) {
		if httpc != nil {
			c.httpc = httpc
		}
	}
}

// ComfyWithLogger sets the logger for reconnect and frame warnings.
func ComfyWithLogger(logger *slog.Logger) ComfyOption {
	return func(c *ComfyClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewComfyClient creates a client for the backend at host ("host:port",
// no scheme). The client is inert until Connect.
func NewComfyClient(host string, opts ...ComfyOption) *ComfyClient {
	c := &ComfyClient{
		host:     host,
		clientID: uuid.NewString(),
		httpc:    &http.Client{Timeout: 30 * time.Second},
		logger:   slog.Default(),
		events:   make(chan Event, eventBuffer),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials the websocket event channel and starts the read pump.
// Returns the client identifier the backend will associate submissions
// with.
func (c *ComfyClient) Connect(ctx context.Context, timeout time.Duration) (string, error) {
	conn, err := c.dial(ctx, timeout)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readPump(conn)
	go c.pingLoop(conn)
	return c.clientID, nil
}

func (c *ComfyClient) dial(ctx context.Context, timeout time.Duration) (*websocket.Conn, error) {
	wsURL := url.URL{
		Scheme:   "ws",
		Host:     c.host,
		Path:     "/ws",
		RawQuery: "clientId=" + c.clientID,
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, _, err := dialer.DialContext(ctx, wsURL.String(), nil)
	if err != nil {
		return nil, &Error{Transport: true, Message: fmt.Sprintf("websocket dial %s: %v", c.host, err)}
	}
	conn.SetReadLimit(maxMsgSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	return conn, nil
}

// pingLoop keeps the connection alive. It exits when the connection is
// replaced or the client closes.
func (c *ComfyClient) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			current := c.conn
			c.mu.Unlock()
			if current != conn {
				return
			}
			deadline := time.Now().Add(writeWait)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// readPump consumes frames until the connection fails, then drives
// reconnection.
func (c *ComfyClient) readPump(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			if c.isClosed() {
				return
			}
			c.emit(Event{Kind: EventDisconnected})
			next := c.reconnect()
			if next == nil {
				return
			}
			conn = next
			continue
		}
		switch msgType {
		case websocket.TextMessage:
			c.handleText(data)
		case websocket.BinaryMessage:
			c.handleBinary(data)
		}
	}
}

// reconnect redials with capped backoff until it succeeds or the client
// closes. On success it emits reconnected and a fresh status_update.
func (c *ComfyClient) reconnect() *websocket.Conn {
	backoff := time.Second
	for {
		select {
		case <-c.done:
			return nil
		case <-time.After(backoff):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		conn, err := c.dial(ctx, 10*time.Second)
		cancel()
		if err != nil {
			c.logger.Warn("backend: reconnect failed", "host", c.host, "error", err)
			backoff *= 2
			if backoff > reconnectMax {
				backoff = reconnectMax
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		go c.pingLoop(conn)

		c.emit(Event{Kind: EventReconnected})
		snapCtx, snapCancel := context.WithTimeout(context.Background(), 10*time.Second)
		snap, err := c.QueueSnapshot(snapCtx)
		snapCancel()
		if err == nil {
			c.emit(Event{Kind: EventStatusUpdate, QueueRemaining: snap.Pending})
		}
		return conn
	}
}

// wsEnvelope is the JSON text frame wrapper.
type wsEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// handleText maps a JSON envelope to a stream event.
func (c *ComfyClient) handleText(raw []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.logger.Warn("backend: unparseable text frame", "host", c.host, "error", err)
		return
	}

	switch env.Type {
	case "status":
		var data struct {
			Status struct {
				ExecInfo struct {
					QueueRemaining int `json:"queue_remaining"`
				} `json:"exec_info"`
			} `json:"status"`
		}
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return
		}
		c.emit(Event{Kind: EventStatusUpdate, QueueRemaining: data.Status.ExecInfo.QueueRemaining})

	case "execution_start":
		var data struct {
			PromptID string `json:"prompt_id"`
		}
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return
		}
		c.emit(Event{Kind: EventExecutionStart, PromptID: data.PromptID})

	case "executing":
		var data struct {
			PromptID string  `json:"prompt_id"`
			Node     *string `json:"node"`
		}
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return
		}
		ev := Event{Kind: EventExecuting, PromptID: data.PromptID}
		if data.Node != nil {
			ev.NodeID = *data.Node
		}
		c.emit(ev)

	case "executed":
		var data struct {
			PromptID string                 `json:"prompt_id"`
			Node     string                 `json:"node"`
			Output   map[string]interface{} `json:"output"`
		}
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return
		}
		c.emit(Event{Kind: EventNodeExecuted, PromptID: data.PromptID, NodeID: data.Node, Output: data.Output})

	case "progress":
		var data struct {
			PromptID string `json:"prompt_id"`
			Node     string `json:"node"`
			Value    int    `json:"value"`
			Max      int    `json:"max"`
		}
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return
		}
		c.emit(Event{Kind: EventProgress, PromptID: data.PromptID, NodeID: data.Node, Value: data.Value, Max: data.Max})

	case "execution_success":
		var data struct {
			PromptID string `json:"prompt_id"`
		}
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return
		}
		c.emit(Event{Kind: EventExecutionSuccess, PromptID: data.PromptID})

	case "execution_error":
		var data struct {
			PromptID         string                 `json:"prompt_id"`
			NodeID           string                 `json:"node_id"`
			NodeType         string                 `json:"node_type"`
			ExceptionType    string                 `json:"exception_type"`
			ExceptionMessage string                 `json:"exception_message"`
			Details          map[string]interface{} `json:"details"`
		}
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return
		}
		c.emit(Event{
			Kind:     EventExecutionError,
			PromptID: data.PromptID,
			NodeID:   data.NodeID,
			Err: &ErrorPayload{
				Code:    data.ExceptionType,
				Message: data.ExceptionMessage,
				NodeID:  data.NodeID,
				Details: data.Details,
			},
		})

	case "execution_queued", "pending":
		var data struct {
			PromptID string `json:"prompt_id"`
		}
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return
		}
		c.emit(Event{Kind: EventPending, PromptID: data.PromptID})
	}
}

// handleBinary maps a binary frame to a preview event. Frames start with a
// 4-byte big-endian kind tag; preview frames additionally carry a 4-byte
// format tag before the image bytes.
func (c *ComfyClient) handleBinary(raw []byte) {
	if len(raw) < 4 {
		return
	}
	kind := binary.BigEndian.Uint32(raw[:4])
	switch kind {
	case binaryPreviewImage:
		if len(raw) < 8 {
			return
		}
		format := "jpeg"
		if binary.BigEndian.Uint32(raw[4:8]) == 2 {
			format = "png"
		}
		c.emit(Event{
			Kind: EventPreview,
			Data: raw[8:],
			Meta: map[string]interface{}{"format": format},
		})
	case binaryPreviewImageRaw:
		c.emit(Event{Kind: EventPreview, Data: raw[4:]})
	default:
		c.logger.Warn("backend: unknown binary frame kind", "host", c.host, "kind", kind)
	}
}

// emit delivers an event unless the client is closed. A full buffer drops
// the event rather than stalling the read pump; the dispatcher tolerates
// gaps in progress/preview streams. The send holds the same lock Close
// takes before closing the channel, so a frame racing Close cannot land on
// a closed channel.
func (c *ComfyClient) emit(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("backend: event buffer full, dropping", "host", c.host, "kind", ev.Kind)
	}
}

func (c *ComfyClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Submit posts the workflow to the backend's queue endpoint and returns
// the assigned prompt ID.
func (c *ComfyClient) Submit(ctx context.Context, workflow map[string]interface{}, metadata map[string]interface{}) (string, error) {
	body := map[string]interface{}{
		"prompt":    workflow,
		"client_id": c.clientID,
	}
	if len(metadata) > 0 {
		body["extra_data"] = metadata
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", &Error{Message: fmt.Sprintf("marshal workflow: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.httpURL("/prompt"), bytes.NewReader(payload))
	if err != nil {
		return "", &Error{Message: fmt.Sprintf("create request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", &Error{Transport: true, Message: fmt.Sprintf("post workflow: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", c.submitError(resp)
	}

	var result struct {
		PromptID string `json:"prompt_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", &Error{Message: fmt.Sprintf("decode submit response: %v", err)}
	}
	if result.PromptID == "" {
		return "", &Error{Message: "submit response missing prompt_id"}
	}
	return result.PromptID, nil
}

// submitError converts a non-200 submit response into a classifiable
// *Error, preserving the backend's error code and node details.
func (c *ComfyClient) submitError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var body struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
			Details string `json:"details"`
		} `json:"error"`
		NodeErrors map[string]interface{} `json:"node_errors"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && (body.Error.Type != "" || body.Error.Message != "") {
		message := body.Error.Message
		if body.Error.Details != "" {
			message += ": " + body.Error.Details
		}
		return &Error{
			StatusCode: resp.StatusCode,
			Code:       body.Error.Type,
			Message:    message,
			NodeErrors: body.NodeErrors,
		}
	}
	return &Error{
		StatusCode: resp.StatusCode,
		Message:    string(bytes.TrimSpace(raw)),
	}
}

// UploadAttachment stores a file on the backend and returns the stored
// name the workflow should reference.
func (c *ComfyClient) UploadAttachment(ctx context.Context, filename string, data []byte) (string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("image", filename)
	if err != nil {
		return "", &Error{Message: fmt.Sprintf("create form file: %v", err)}
	}
	if _, err := part.Write(data); err != nil {
		return "", &Error{Message: fmt.Sprintf("write form file: %v", err)}
	}
	if err := writer.Close(); err != nil {
		return "", &Error{Message: fmt.Sprintf("close form: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.httpURL("/upload/image"), &buf)
	if err != nil {
		return "", &Error{Message: fmt.Sprintf("create request: %v", err)}
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", &Error{Transport: true, Message: fmt.Sprintf("upload attachment: %v", err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &Error{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(raw))}
	}

	var result struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", &Error{Message: fmt.Sprintf("decode upload response: %v", err)}
	}
	if result.Name == "" {
		result.Name = filename
	}
	return result.Name, nil
}

// Interrupt asks the backend to abort the current execution. ComfyUI's
// interrupt endpoint acts on whatever is running, so the prompt ID only
// gates the call: interruption is skipped when promptID is empty.
func (c *ComfyClient) Interrupt(ctx context.Context, promptID string) error {
	if promptID == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.httpURL("/interrupt"), nil)
	if err != nil {
		return &Error{Message: fmt.Sprintf("create request: %v", err)}
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return &Error{Transport: true, Message: fmt.Sprintf("interrupt: %v", err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &Error{StatusCode: resp.StatusCode, Message: "interrupt rejected"}
	}
	return nil
}

// Events returns the ordered event stream.
func (c *ComfyClient) Events() <-chan Event {
	return c.events
}

// FetchArtifact retrieves an output artifact by name.
func (c *ComfyClient) FetchArtifact(ctx context.Context, filename, subfolder, artifactType string) ([]byte, error) {
	query := url.Values{}
	query.Set("filename", filename)
	if subfolder != "" {
		query.Set("subfolder", subfolder)
	}
	if artifactType != "" {
		query.Set("type", artifactType)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.httpURL("/view")+"?"+query.Encode(), nil)
	if err != nil {
		return nil, &Error{Message: fmt.Sprintf("create request: %v", err)}
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, &Error{Transport: true, Message: fmt.Sprintf("fetch artifact: %v", err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{StatusCode: resp.StatusCode, Message: "artifact not available: " + filename}
	}
	return io.ReadAll(resp.Body)
}

// QueueSnapshot reports the backend's queue occupancy from its HTTP
// surface.
func (c *ComfyClient) QueueSnapshot(ctx context.Context) (QueueSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.httpURL("/queue"), nil)
	if err != nil {
		return QueueSnapshot{}, &Error{Message: fmt.Sprintf("create request: %v", err)}
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return QueueSnapshot{}, &Error{Transport: true, Message: fmt.Sprintf("fetch queue: %v", err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return QueueSnapshot{}, &Error{StatusCode: resp.StatusCode, Message: "queue state not available"}
	}

	var body struct {
		Running []json.RawMessage `json:"queue_running"`
		Pending []json.RawMessage `json:"queue_pending"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return QueueSnapshot{}, &Error{Message: fmt.Sprintf("decode queue response: %v", err)}
	}
	return QueueSnapshot{Running: len(body.Running), Pending: len(body.Pending)}, nil
}

// Close tears down the transport and closes the event stream. The event
// channel is closed under the emit lock, after which emit refuses sends.
func (c *ComfyClient) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		conn := c.conn
		c.conn = nil
		close(c.events)
		c.mu.Unlock()

		close(c.done)
		if conn != nil {
			deadline := time.Now().Add(writeWait)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			_ = conn.Close()
		}
	})
	return nil
}

func (c *ComfyClient) httpURL(path string) string {
	return "http://" + c.host + path
}
