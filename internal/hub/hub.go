package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrNotConnected = errors.New("hub: not connected")

// message covers every frame exchanged with the hub. Fields are a union
// across the handful of message types we speak.
type message struct {
	ID          int64                  `json:"id,omitempty"`
	Type        string                 `json:"type"`
	AccessToken string                 `json:"access_token,omitempty"`
	EventType   string                 `json:"event_type,omitempty"`
	Domain      string                 `json:"domain,omitempty"`
	Service     string                 `json:"service,omitempty"`
	ServiceData map[string]interface{} `json:"service_data,omitempty"`
	Success     *bool                  `json:"success,omitempty"`
	Result      json.RawMessage        `json:"result,omitempty"`
	Event       *event                 `json:"event,omitempty"`
	Error       *resultError           `json:"error,omitempty"`
}

type resultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type event struct {
	EventType string `json:"event_type"`
	Data      struct {
		EntityID string       `json:"entity_id"`
		NewState *EntityState `json:"new_state"`
	} `json:"data"`
}

// Client holds one WebSocket session to the hub: it authenticates, primes
// an entity-state cache via get_states, keeps the cache fresh from
// state_changed events and issues id-matched service calls. Run reconnects
// with backoff until its context is cancelled.
type Client struct {
	cfg *Config

	writeMu   sync.Mutex
	conn      *websocket.Conn
	connected atomic.Bool

	nextID    atomic.Int64
	pendingMu sync.Mutex
	pending   map[int64]chan message

	stateMu sync.RWMutex
	states  map[string]EntityState

	onState func(EntityState)
}

func NewClient(cfg *Config) *Client {
	return &Client{
		cfg:     cfg,
		pending: make(map[int64]chan message),
		states:  make(map[string]EntityState),
	}
}

// OnStateChange registers the observer fed with every cached entity state,
// both from the bootstrap snapshot and from live events. Must be set
// before Run.
func (c *Client) OnStateChange(fn func(EntityState)) {
	c.onState = fn
}

// Run maintains the hub session until ctx is cancelled, reconnecting with
// exponential backoff.
func (c *Client) Run(ctx context.Context) {
	wait := c.cfg.reconnectMin()
	for ctx.Err() == nil {
		conn, err := c.dial(ctx)
		if err != nil {
			log.Warn().Err(err).Dur("retry_in", wait).Msg("Hub connection failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			wait *= 2
			if wait > c.cfg.reconnectMax() {
				wait = c.cfg.reconnectMax()
			}
			continue
		}
		wait = c.cfg.reconnectMin()

		err = c.serve(ctx, conn)
		c.connected.Store(false)
		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Msg("Hub connection lost")
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	var hello message
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read auth prompt: %w", err)
	}

	switch hello.Type {
	case "auth_required":
		if err := conn.WriteJSON(message{Type: "auth", AccessToken: c.cfg.AccessToken}); err != nil {
			conn.Close()
			return nil, fmt.Errorf("send auth: %w", err)
		}
		var result message
		if err := conn.ReadJSON(&result); err != nil {
			conn.Close()
			return nil, fmt.Errorf("read auth result: %w", err)
		}
		if result.Type != "auth_ok" {
			conn.Close()
			return nil, fmt.Errorf("authentication rejected: %s", result.Type)
		}
	case "auth_ok":
		// hub without auth
	default:
		conn.Close()
		return nil, fmt.Errorf("unexpected hello message %q", hello.Type)
	}

	log.Info().Str("url", c.cfg.URL).Msg("Connected to hub")
	return conn, nil
}

// serve owns one authenticated connection: it starts the read loop,
// bootstraps the subscription and state cache, then blocks until the
// connection drops or ctx ends.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()
	defer func() {
		c.writeMu.Lock()
		c.conn = nil
		c.writeMu.Unlock()
		conn.Close()
	}()

	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(conn) }()

	if err := c.bootstrap(ctx); err != nil {
		conn.Close()
		<-readErr
		return fmt.Errorf("bootstrap: %w", err)
	}
	c.connected.Store(true)

	select {
	case err := <-readErr:
		return err
	case <-ctx.Done():
		conn.Close()
		<-readErr
		return ctx.Err()
	}
}

func (c *Client) bootstrap(ctx context.Context) error {
	if _, err := c.request(ctx, message{Type: "subscribe_events", EventType: "state_changed"}); err != nil {
		return fmt.Errorf("subscribe events: %w", err)
	}

	res, err := c.request(ctx, message{Type: "get_states"})
	if err != nil {
		return fmt.Errorf("get states: %w", err)
	}

	var states []EntityState
	if err := json.Unmarshal(res.Result, &states); err != nil {
		return fmt.Errorf("decode states: %w", err)
	}

	now := time.Now()
	c.stateMu.Lock()
	for i := range states {
		states[i].ReceivedAt = now
		c.states[states[i].EntityID] = states[i]
	}
	c.stateMu.Unlock()

	if c.onState != nil {
		for _, st := range states {
			c.onState(st)
		}
	}

	log.Info().Int("entities", len(states)).Msg("Hub state cache primed")
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}

		switch msg.Type {
		case "result":
			c.pendingMu.Lock()
			ch, ok := c.pending[msg.ID]
			c.pendingMu.Unlock()
			if ok {
				ch <- msg
			} else {
				log.Debug().Int64("id", msg.ID).Msg("Result for unknown request id")
			}
		case "event":
			c.handleEvent(msg.Event)
		default:
			log.Debug().Str("type", msg.Type).Msg("Ignoring hub message")
		}
	}
}

func (c *Client) handleEvent(ev *event) {
	if ev == nil || ev.EventType != "state_changed" || ev.Data.NewState == nil {
		return
	}
	st := *ev.Data.NewState
	st.ReceivedAt = time.Now()

	c.stateMu.Lock()
	c.states[st.EntityID] = st
	c.stateMu.Unlock()

	if c.onState != nil {
		c.onState(st)
	}
}

// request sends an id-stamped message and waits for its matching result.
func (c *Client) request(ctx context.Context, msg message) (message, error) {
	id := c.nextID.Add(1)
	msg.ID = id

	ch := make(chan message, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.write(msg); err != nil {
		return message{}, err
	}

	timer := time.NewTimer(c.cfg.requestTimeout())
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.Success != nil && !*res.Success {
			if res.Error != nil {
				return res, fmt.Errorf("hub rejected %s: %s", msg.Type, res.Error.Message)
			}
			return res, fmt.Errorf("hub rejected %s", msg.Type)
		}
		return res, nil
	case <-ctx.Done():
		return message{}, ctx.Err()
	case <-timer.C:
		return message{}, fmt.Errorf("timed out waiting for %s result", msg.Type)
	}
}

func (c *Client) write(msg message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	return c.conn.WriteJSON(msg)
}

// State returns the cached state for an entity.
func (c *Client) State(entityID string) (EntityState, bool) {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	st, ok := c.states[entityID]
	return st, ok
}

func (c *Client) Connected() bool {
	return c.connected.Load()
}

func (c *Client) callService(ctx context.Context, domain, service, entityID string, data map[string]interface{}) error {
	if !c.connected.Load() {
		return fmt.Errorf("%s.%s on %s: %w", domain, service, entityID, ErrNotConnected)
	}

	payload := map[string]interface{}{"entity_id": entityID}
	for k, v := range data {
		payload[k] = v
	}

	if _, err := c.request(ctx, message{Type: "call_service", Domain: domain, Service: service, ServiceData: payload}); err != nil {
		return fmt.Errorf("%s.%s on %s: %w", domain, service, entityID, err)
	}

	log.Debug().
		Str("domain", domain).
		Str("service", service).
		Str("entity", entityID).
		Msg("Service call dispatched")
	return nil
}

func (c *Client) SetClimateMode(ctx context.Context, entityID, mode string) error {
	return c.callService(ctx, "climate", "set_hvac_mode", entityID, map[string]interface{}{"hvac_mode": mode})
}

func (c *Client) SetClimateTemperature(ctx context.Context, entityID string, value float64) error {
	return c.callService(ctx, "climate", "set_temperature", entityID, map[string]interface{}{"temperature": value})
}

func (c *Client) SetNumberValue(ctx context.Context, entityID string, value float64) error {
	return c.callService(ctx, "number", "set_value", entityID, map[string]interface{}{"value": value})
}

func (c *Client) TurnOn(ctx context.Context, entityID string) error {
	return c.callService(ctx, "switch", "turn_on", entityID, nil)
}

func (c *Client) TurnOff(ctx context.Context, entityID string) error {
	return c.callService(ctx, "switch", "turn_off", entityID, nil)
}
