package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/cuemby/foreman/pkg/config"
	"github.com/cuemby/foreman/pkg/events"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/metrics"
	"github.com/cuemby/foreman/pkg/orcherr"
	"github.com/cuemby/foreman/pkg/runtime"
	"github.com/cuemby/foreman/pkg/types"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ConnState is a position in the connection lifecycle of spec.md §4.3.
type ConnState int

const (
	Disconnected ConnState = iota
	Dialing
	Authenticating
	Authenticated
	Reconnecting
)

// DefaultRPCTimeout is applied to control calls unless the caller overrides
// it (spec.md §4.3's default 30s).
const DefaultRPCTimeout = 30 * time.Second

// DefaultQueueDepth bounds how many RPCs queue while reconnecting before
// further calls fail fast with Disconnected.
const DefaultQueueDepth = 64

// envelope is the wire frame: {type, request_id, payload}.
type envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type pendingCall struct {
	resultCh chan envelope
}

type queuedRPC struct {
	reqType string
	payload interface{}
	resultCh chan envelope
	errCh    chan error
}

// Client maintains the single authenticated duplex connection to the
// execution backend and exposes the contractual RPCs plus event streaming.
// It also implements runtime.Provider.
type Client struct {
	url   string
	token string
	bus   *events.Bus

	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	state   ConnState
	lastSeq uint64

	pendingMu sync.Mutex
	pending   map[string]*pendingCall

	rpcQueue chan queuedRPC

	stopCh chan struct{}
}

// NewClient constructs a Client. url should be a ws:// or wss:// endpoint.
func NewClient(url, token string, bus *events.Bus) *Client {
	return &Client{
		url:      url,
		token:    token,
		bus:      bus,
		dialer:   websocket.DefaultDialer,
		pending:  make(map[string]*pendingCall),
		rpcQueue: make(chan queuedRPC, DefaultQueueDepth),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the connect-and-retry loop in the background.
func (c *Client) Start() {
	go c.run()
}

// Stop tears down the connection and stops reconnect attempts.
func (c *Client) Stop() {
	close(c.stopCh)
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.mu.Unlock()
}

func (c *Client) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) getState() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// run dials, authenticates and streams until a fatal error (auth failure)
// or Stop(). Transport losses reconnect with exponential backoff + jitter
// (base 1s, cap 30s, unbounded retries), using only
// backoff.NewExponentialBackOff/NextBackOff for the same version-stability
// reason as pkg/lifecycle.
func (c *Client) run() {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = config.ReconnectBaseDelay
	bo.MaxInterval = config.ReconnectMaxDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.25

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		fatal, err := c.connectAndServe()
		if err != nil {
			log.Logger.Warn().Err(err).Msg("gateway connection ended")
		}
		if fatal {
			c.setState(Disconnected)
			return
		}

		c.setState(Reconnecting)
		c.publishGatewayEvent(types.EventGatewayReconnecting, nil)
		metrics.GatewayReconnectsTotal.Inc()

		delay := bo.NextBackOff()
		select {
		case <-time.After(delay):
		case <-c.stopCh:
			return
		}
	}
}

// connectAndServe performs one dial-authenticate-stream cycle. It returns
// fatal=true only for authentication failure (spec.md §4.3: no reconnect
// retry on auth failure).
func (c *Client) connectAndServe() (fatal bool, err error) {
	c.setState(Dialing)
	dialCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := c.dialer.DialContext(dialCtx, c.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial failed: %w", err)
	}

	c.setState(Authenticating)
	connID, protoVersion, err := c.authenticate(conn)
	if err != nil {
		_ = conn.Close()
		return orcherr.KindOf(err) == orcherr.Fatal, fmt.Errorf("authentication failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.state = Authenticated
	c.mu.Unlock()

	log.Logger.Info().Str("connection_id", connID).Str("protocol_version", protoVersion).Msg("gateway authenticated")
	c.publishGatewayEvent(types.EventGatewayConnected, map[string]interface{}{
		"connection_id":    connID,
		"protocol_version": protoVersion,
	})

	c.flushQueue()

	readErr := c.readLoop(conn)

	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	c.publishGatewayEvent(types.EventGatewayDisconnected, nil)

	return false, readErr
}

func (c *Client) authenticate(conn *websocket.Conn) (connID, protoVersion string, err error) {
	connectMsg := envelope{Type: "connect", RequestID: uuid.NewString()}
	payload, _ := json.Marshal(map[string]interface{}{
		"token":     c.token,
		"client_id": "foreman",
		"scopes":    []string{"sessions"},
	})
	connectMsg.Payload = payload

	if err := conn.WriteJSON(connectMsg); err != nil {
		return "", "", err
	}

	var reply envelope
	if err := conn.ReadJSON(&reply); err != nil {
		return "", "", err
	}
	if reply.Type != "hello-ok" {
		return "", "", orcherr.New(orcherr.Fatal, fmt.Sprintf("unexpected handshake reply: %s", reply.Type))
	}

	var hello struct {
		ConnectionID    string `json:"connection_id"`
		ProtocolVersion string `json:"protocol_version"`
	}
	if err := json.Unmarshal(reply.Payload, &hello); err != nil {
		return "", "", err
	}
	return hello.ConnectionID, hello.ProtocolVersion, nil
}

// readLoop consumes frames until the connection errors, dispatching event
// pushes to the bus and RPC responses to their pending caller.
func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		var frame envelope
		if err := conn.ReadJSON(&frame); err != nil {
			return err
		}

		switch frame.Type {
		case "event":
			c.handleEventFrame(frame)
		default:
			c.deliverResponse(frame)
		}
	}
}

func (c *Client) handleEventFrame(frame envelope) {
	var wireEvent struct {
		Seq     uint64                 `json:"seq"`
		Type    types.EventType        `json:"type"`
		AgentID string                 `json:"agent_id,omitempty"`
		TeamID  string                 `json:"team_id,omitempty"`
		Payload map[string]interface{} `json:"payload,omitempty"`
	}
	if err := json.Unmarshal(frame.Payload, &wireEvent); err != nil {
		log.Logger.Warn().Err(err).Msg("malformed gateway event frame")
		return
	}

	c.mu.Lock()
	expected := c.lastSeq + 1
	gap := c.lastSeq != 0 && wireEvent.Seq != expected
	c.lastSeq = wireEvent.Seq
	c.mu.Unlock()

	if gap {
		metrics.GatewayResyncGapsTotal.Inc()
		c.publishGatewayEvent(types.EventGatewayResyncGap, map[string]interface{}{
			"expected_seq": expected,
			"actual_seq":   wireEvent.Seq,
		})
	}

	c.bus.PublishDurable(context.Background(), &types.Event{
		Type:    wireEvent.Type,
		Source:  "gateway",
		AgentID: wireEvent.AgentID,
		TeamID:  wireEvent.TeamID,
		Payload: wireEvent.Payload,
	})
}

func (c *Client) deliverResponse(frame envelope) {
	c.pendingMu.Lock()
	p, ok := c.pending[frame.RequestID]
	if ok {
		delete(c.pending, frame.RequestID)
	}
	c.pendingMu.Unlock()
	if ok {
		p.resultCh <- frame
	}
}

func (c *Client) publishGatewayEvent(eventType types.EventType, payload map[string]interface{}) {
	c.bus.PublishDurable(context.Background(), &types.Event{
		Type:    eventType,
		Source:  "gateway",
		Payload: payload,
	})
}

// flushQueue drains queued RPCs in FIFO order after a successful reconnect.
func (c *Client) flushQueue() {
	for {
		select {
		case q := <-c.rpcQueue:
			result, err := c.call(context.Background(), q.reqType, q.payload, DefaultRPCTimeout)
			if err != nil {
				q.errCh <- err
				continue
			}
			q.resultCh <- result
		default:
			return
		}
	}
}

// call sends reqType+payload and waits for the correlated response. While
// dialing, authenticating or reconnecting, the call is queued up to
// DefaultQueueDepth; beyond that, or while Disconnected, it fails fast.
func (c *Client) call(ctx context.Context, reqType string, payload interface{}, timeout time.Duration) (envelope, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.GatewayRPCDuration, reqType)

	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()

	if conn == nil || state != Authenticated {
		if state == Reconnecting || state == Dialing || state == Authenticating {
			resultCh := make(chan envelope, 1)
			errCh := make(chan error, 1)
			select {
			case c.rpcQueue <- queuedRPC{reqType: reqType, payload: payload, resultCh: resultCh, errCh: errCh}:
				select {
				case r := <-resultCh:
					return r, nil
				case err := <-errCh:
					return envelope{}, err
				case <-ctx.Done():
					return envelope{}, ctx.Err()
				}
			default:
				return envelope{}, orcherr.New(orcherr.Transient, "gateway RPC queue full: Disconnected")
			}
		}
		return envelope{}, orcherr.New(orcherr.Transient, "gateway Disconnected")
	}

	reqID := uuid.NewString()
	body, err := json.Marshal(payload)
	if err != nil {
		return envelope{}, orcherr.Wrap(orcherr.InvalidInput, "marshal RPC payload failed", err)
	}

	result := make(chan envelope, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = &pendingCall{resultCh: result}
	c.pendingMu.Unlock()

	frame := envelope{Type: reqType, RequestID: reqID, Payload: body}
	c.mu.Lock()
	writeErr := conn.WriteJSON(frame)
	c.mu.Unlock()
	if writeErr != nil {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
		return envelope{}, orcherr.Wrap(orcherr.Transient, "gateway RPC write failed", writeErr)
	}

	select {
	case r := <-result:
		return r, nil
	case <-time.After(timeout):
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
		return envelope{}, orcherr.New(orcherr.Transient, "gateway RPC timed out")
	case <-ctx.Done():
		return envelope{}, ctx.Err()
	}
}
