package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// clientFrame is a client-to-server command.
type clientFrame struct {
	Action  string          `json:"action"` // subscribe|unsubscribe|track|untrack|broadcast
	Topic   string          `json:"topic"`
	Filter  string          `json:"filter,omitempty"`
	Event   string          `json:"event,omitempty"`
	State   *PresenceState  `json:"state,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// serverFrame is a server-to-client push.
type serverFrame struct {
	Topic     string          `json:"topic"`
	Kind      string          `json:"kind"` // change|presence|broadcast
	Change    *ChannelEvent   `json:"change,omitempty"`
	Presence  *PresenceEvent  `json:"presence,omitempty"`
	Broadcast *BroadcastEvent `json:"broadcast,omitempty"`
}

// WSClient is a websocket implementation of the Channel, PresenceJoiner and
// Broadcaster contracts. One socket multiplexes all topics; the connection is
// (re)dialed lazily on the first subscribe after a drop, and a read failure
// is fanned out to every live subscription so the multiplexer can resubscribe
// through its own backoff path.
type WSClient struct {
	url    string
	token  string
	logger *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	subs  map[string]*wsChangeSub
	pres  map[string]*wsPresenceSub
	bcast map[string]*wsBroadcastSub
}

// NewWSClient creates a client for the backend realtime endpoint.
func NewWSClient(url, token string, logger *zap.Logger) *WSClient {
	return &WSClient{
		url:    url,
		token:  token,
		logger: logger,
		subs:   make(map[string]*wsChangeSub),
		pres:   make(map[string]*wsPresenceSub),
		bcast:  make(map[string]*wsBroadcastSub),
	}
}

func (c *WSClient) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}

	header := map[string][]string{"Authorization": {"Bearer " + c.token}}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
	if err != nil {
		return nil, fmt.Errorf("dial realtime: %w", err)
	}
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	c.conn = conn

	go c.readLoop(conn)
	go c.pingLoop(conn)
	return conn, nil
}

func (c *WSClient) writeFrame(f clientFrame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("realtime: not connected")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(f)
}

func (c *WSClient) readLoop(conn *websocket.Conn) {
	for {
		var frame serverFrame
		if err := conn.ReadJSON(&frame); err != nil {
			c.failAll(conn, err)
			return
		}
		c.dispatch(frame)
	}
}

func (c *WSClient) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for range ticker.C {
		c.mu.Lock()
		current := c.conn == conn
		c.mu.Unlock()
		if !current {
			return
		}
		c.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		err := conn.WriteMessage(websocket.PingMessage, nil)
		c.writeMu.Unlock()
		if err != nil {
			c.failAll(conn, err)
			return
		}
	}
}

// failAll drops the connection and reports the error to every subscription.
// Subscriptions are removed; the multiplexer reopens them against a fresh
// lazily-dialed connection.
func (c *WSClient) failAll(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return // a newer connection already took over
	}
	c.conn = nil
	subs := c.subs
	pres := c.pres
	bcast := c.bcast
	c.subs = make(map[string]*wsChangeSub)
	c.pres = make(map[string]*wsPresenceSub)
	c.bcast = make(map[string]*wsBroadcastSub)
	c.mu.Unlock()

	_ = conn.Close()
	c.logger.Warn("realtime connection lost", zap.Error(err))

	for _, s := range subs {
		s.fail(err)
	}
	for _, s := range pres {
		s.close()
	}
	for _, s := range bcast {
		s.close()
	}
}

func (c *WSClient) dispatch(frame serverFrame) {
	c.mu.Lock()
	sub := c.subs[frame.Topic]
	ps := c.pres[frame.Topic]
	var bs *wsBroadcastSub
	if frame.Broadcast != nil {
		bs = c.bcast[frame.Topic+"/"+frame.Broadcast.Event]
	}
	c.mu.Unlock()

	switch frame.Kind {
	case "change":
		if sub != nil && frame.Change != nil {
			sub.deliver(*frame.Change)
		}
	case "presence":
		if ps != nil && frame.Presence != nil {
			ps.deliver(*frame.Presence)
		}
	case "broadcast":
		if bs != nil && frame.Broadcast != nil {
			bs.deliver(*frame.Broadcast)
		}
	}
}

// Subscribe implements Channel.
func (c *WSClient) Subscribe(ctx context.Context, topic, filter string) (Subscription, error) {
	if _, err := c.ensureConn(ctx); err != nil {
		return nil, err
	}
	sub := &wsChangeSub{
		client: c,
		topic:  topic,
		events: make(chan ChannelEvent, 64),
		errs:   make(chan error, 1),
	}
	c.mu.Lock()
	c.subs[topic] = sub
	c.mu.Unlock()

	if err := c.writeFrame(clientFrame{Action: "subscribe", Topic: topic, Filter: filter}); err != nil {
		c.mu.Lock()
		delete(c.subs, topic)
		c.mu.Unlock()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return sub, nil
}

// JoinPresence implements PresenceJoiner.
func (c *WSClient) JoinPresence(ctx context.Context, topic string, self PresenceState) (PresenceSubscription, error) {
	if _, err := c.ensureConn(ctx); err != nil {
		return nil, err
	}
	sub := &wsPresenceSub{
		client: c,
		topic:  topic,
		events: make(chan PresenceEvent, 64),
	}
	c.mu.Lock()
	c.pres[topic] = sub
	c.mu.Unlock()

	if err := c.writeFrame(clientFrame{Action: "track", Topic: topic, State: &self}); err != nil {
		c.mu.Lock()
		delete(c.pres, topic)
		c.mu.Unlock()
		return nil, fmt.Errorf("track %s: %w", topic, err)
	}
	return sub, nil
}

// SendBroadcast implements Broadcaster.
func (c *WSClient) SendBroadcast(ctx context.Context, topic, event string, payload any) error {
	if _, err := c.ensureConn(ctx); err != nil {
		return err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode broadcast: %w", err)
	}
	return c.writeFrame(clientFrame{Action: "broadcast", Topic: topic, Event: event, Payload: raw})
}

// OnBroadcast implements Broadcaster.
func (c *WSClient) OnBroadcast(ctx context.Context, topic, event string) (BroadcastSubscription, error) {
	if _, err := c.ensureConn(ctx); err != nil {
		return nil, err
	}
	sub := &wsBroadcastSub{
		client: c,
		key:    topic + "/" + event,
		topic:  topic,
		events: make(chan BroadcastEvent, 64),
	}
	c.mu.Lock()
	c.bcast[sub.key] = sub
	c.mu.Unlock()

	if err := c.writeFrame(clientFrame{Action: "subscribe", Topic: topic, Event: event}); err != nil {
		c.mu.Lock()
		delete(c.bcast, sub.key)
		c.mu.Unlock()
		return nil, fmt.Errorf("subscribe broadcast %s/%s: %w", topic, event, err)
	}
	return sub, nil
}

// Close tears the connection down and ends all subscriptions.
func (c *WSClient) Close() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.failAll(conn, fmt.Errorf("client closed"))
	}
}

// Each subscription fences channel closure behind its own mutex: dispatch
// can hold a sub pointer it fetched before a concurrent Unsubscribe removed
// it from the registry, so deliver must observe closed before sending.
type wsChangeSub struct {
	client *WSClient
	topic  string

	mu     sync.Mutex
	closed bool
	events chan ChannelEvent
	errs   chan error
}

func (s *wsChangeSub) Events() <-chan ChannelEvent { return s.events }
func (s *wsChangeSub) Errors() <-chan error        { return s.errs }

func (s *wsChangeSub) deliver(evt ChannelEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- evt:
	default:
		// Backpressure: drop. The consistency poll covers the loss.
	}
}

func (s *wsChangeSub) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.errs <- err
	close(s.events)
	close(s.errs)
}

func (s *wsChangeSub) Unsubscribe() {
	c := s.client
	c.mu.Lock()
	if c.subs[s.topic] == s {
		delete(c.subs, s.topic)
	}
	c.mu.Unlock()
	_ = c.writeFrame(clientFrame{Action: "unsubscribe", Topic: s.topic})
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
	close(s.errs)
}

type wsPresenceSub struct {
	client *WSClient
	topic  string

	mu     sync.Mutex
	closed bool
	events chan PresenceEvent
}

func (s *wsPresenceSub) Events() <-chan PresenceEvent { return s.events }

func (s *wsPresenceSub) deliver(evt PresenceEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- evt:
	default:
	}
}

func (s *wsPresenceSub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
}

func (s *wsPresenceSub) Unsubscribe() {
	c := s.client
	c.mu.Lock()
	if c.pres[s.topic] == s {
		delete(c.pres, s.topic)
	}
	c.mu.Unlock()
	_ = c.writeFrame(clientFrame{Action: "untrack", Topic: s.topic})
	s.close()
}

type wsBroadcastSub struct {
	client *WSClient
	key    string
	topic  string

	mu     sync.Mutex
	closed bool
	events chan BroadcastEvent
}

func (s *wsBroadcastSub) Events() <-chan BroadcastEvent { return s.events }

func (s *wsBroadcastSub) deliver(evt BroadcastEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- evt:
	default:
	}
}

func (s *wsBroadcastSub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
}

func (s *wsBroadcastSub) Unsubscribe() {
	c := s.client
	c.mu.Lock()
	if c.bcast[s.key] == s {
		delete(c.bcast, s.key)
	}
	c.mu.Unlock()
	_ = c.writeFrame(clientFrame{Action: "unsubscribe", Topic: s.topic})
	s.close()
}
