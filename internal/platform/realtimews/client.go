// Package realtimews implements the live side of the platform boundary over
// a single WebSocket connection to the backend's realtime gateway. All
// topics (per-room message streams, presence, typing broadcasts) are
// multiplexed as JSON envelopes on one socket. The client keeps the
// connection alive with a heartbeat loop and silently re-dials on failure,
// re-joining every topic and re-announcing tracked presence.
package realtimews

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/parley/chat-client/internal/platform"
)

// Config holds realtime gateway connection settings.
type Config struct {
	URL               string        // ws://host/realtime
	DialTimeout       time.Duration // handshake deadline
	HeartbeatInterval time.Duration // how often to ping
	ReconnectWait     time.Duration // time between re-dial attempts
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:               "ws://localhost:4000/realtime",
		DialTimeout:       5 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		ReconnectWait:     2 * time.Second,
	}
}

// Client is a realtime gateway connection. It implements
// platform.MessageStream, platform.PresenceChannel and
// platform.BroadcastChannel.
type Client struct {
	config Config

	mu        sync.Mutex
	conn      net.Conn
	src       io.Reader // conn, possibly preceded by handshake-buffered bytes
	handlers  map[string]func(Envelope)
	joined    map[string]struct{}
	lastTrack *platform.PresenceEntry

	writeMu sync.Mutex // serializes outbound frames

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the realtime gateway and starts the read and heartbeat
// loops. It returns an error if the initial handshake fails.
func Dial(config Config) (*Client, error) {
	c := &Client{
		config:   config,
		handlers: make(map[string]func(Envelope)),
		joined:   make(map[string]struct{}),
		done:     make(chan struct{}),
	}
	if err := c.connect(); err != nil {
		return nil, err
	}
	log.Printf("[realtime] connected to %s", config.URL)

	go c.readLoop()
	go c.heartbeatLoop()
	return c, nil
}

// connect performs the WebSocket handshake and installs the new connection.
func (c *Client) connect() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.DialTimeout)
	defer cancel()

	conn, br, _, err := ws.Dial(ctx, c.config.URL)
	if err != nil {
		return fmt.Errorf("realtimews: dial %s: %w", c.config.URL, err)
	}

	var src io.Reader = conn
	if br != nil {
		// The handshake read ahead into the buffer; drain it before the conn.
		src = io.MultiReader(br, conn)
	}

	c.mu.Lock()
	c.conn = conn
	c.src = src
	c.mu.Unlock()
	return nil
}

// readLoop reads frames until the client is closed, dispatching envelopes to
// the handler registered for their topic. Read failures trigger a silent
// reconnect.
func (c *Client) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		data, err := c.readMessage()
		if err != nil {
			if c.closed() {
				return
			}
			log.Printf("[realtime] read error: %v", err)
			c.reconnect()
			continue
		}
		if data == nil {
			// Control frame or non-text data; nothing to dispatch.
			continue
		}

		env, err := decodeEnvelope(data)
		if err != nil {
			log.Printf("[realtime] dropping frame: %v", err)
			continue
		}

		c.mu.Lock()
		handler := c.handlers[env.Topic]
		c.mu.Unlock()
		if handler != nil {
			handler(env)
		}
	}
}

// readMessage reads the next complete text message, servicing protocol-level
// control frames itself so their replies go through the write mutex like
// every other outbound frame. Returns nil data for control and non-text
// frames.
func (c *Client) readMessage() ([]byte, error) {
	c.mu.Lock()
	src := c.src
	c.mu.Unlock()

	rd := &wsutil.Reader{
		Source:         src,
		State:          ws.StateClientSide,
		OnIntermediate: c.handleControl,
	}

	hdr, err := rd.NextFrame()
	if err != nil {
		return nil, err
	}
	if hdr.OpCode.IsControl() {
		return nil, c.handleControl(hdr, rd)
	}

	data, err := io.ReadAll(rd)
	if err != nil {
		return nil, err
	}
	if hdr.OpCode != ws.OpText {
		return nil, nil
	}
	return data, nil
}

// handleControl services one control frame. Ping replies hold the write
// mutex for the whole pong frame so it can never interleave mid-frame with a
// concurrent send or heartbeat.
func (c *Client) handleControl(hdr ws.Header, rd io.Reader) error {
	payload := make([]byte, hdr.Length)
	if _, err := io.ReadFull(rd, payload); err != nil {
		return err
	}

	switch hdr.OpCode {
	case ws.OpPing:
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return wsutil.WriteClientMessage(conn, ws.OpPong, payload)

	case ws.OpClose:
		code, reason := ws.ParseCloseFrameData(payload)
		return wsutil.ClosedError{Code: code, Reason: reason}
	}
	return nil
}

// reconnect re-dials until it succeeds or the client is closed, then
// re-joins every topic and re-announces tracked presence so the backend's
// next snapshot still includes this client.
func (c *Client) reconnect() {
	for {
		select {
		case <-c.done:
			return
		case <-time.After(c.config.ReconnectWait):
		}

		if err := c.connect(); err != nil {
			log.Printf("[realtime] reconnect failed: %v", err)
			continue
		}
		log.Printf("[realtime] reconnected to %s", c.config.URL)

		c.mu.Lock()
		topics := make([]string, 0, len(c.joined))
		for topic := range c.joined {
			topics = append(topics, topic)
		}
		lastTrack := c.lastTrack
		c.mu.Unlock()

		for _, topic := range topics {
			if err := c.send(Envelope{Topic: topic, Event: EventJoin}); err != nil {
				log.Printf("[realtime] re-join %s failed: %v", topic, err)
			}
		}
		if lastTrack != nil {
			env, err := newEnvelope(TopicPresence, EventTrack, lastTrack)
			if err == nil {
				if err := c.send(env); err != nil {
					log.Printf("[realtime] presence re-announce failed: %v", err)
				}
			}
		}
		return
	}
}

// heartbeatLoop pings the gateway on a fixed interval to keep intermediaries
// from dropping the idle connection. Ping failures are left for the read
// loop to notice.
func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()

			c.writeMu.Lock()
			err := wsutil.WriteClientMessage(conn, ws.OpPing, nil)
			c.writeMu.Unlock()
			if err != nil && !c.closed() {
				log.Printf("[realtime] heartbeat failed: %v", err)
			}
		}
	}
}

// send writes one envelope as a masked text frame.
func (c *Client) send(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("realtimews: marshal envelope: %w", err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteClientMessage(conn, ws.OpText, data)
}

// join registers the topic handler and announces membership to the gateway.
func (c *Client) join(topic string, handler func(Envelope)) error {
	c.mu.Lock()
	c.handlers[topic] = handler
	c.joined[topic] = struct{}{}
	c.mu.Unlock()

	return c.send(Envelope{Topic: topic, Event: EventJoin})
}

// leave removes the topic handler and tells the gateway to stop delivery.
func (c *Client) leave(topic string) error {
	c.mu.Lock()
	delete(c.handlers, topic)
	delete(c.joined, topic)
	c.mu.Unlock()

	if c.closed() {
		return nil
	}
	return c.send(Envelope{Topic: topic, Event: EventLeave})
}

// subscription wraps leave in an idempotent cancellation handle.
func (c *Client) subscription(topic string) platform.Subscription {
	var once sync.Once
	return platform.SubscriptionFunc(func() error {
		var err error
		once.Do(func() {
			err = c.leave(topic)
		})
		return err
	})
}

// Subscribe registers a handler for newly persisted messages in the room.
func (c *Client) Subscribe(roomID string, handler func(platform.Message)) (platform.Subscription, error) {
	topic := TopicMessages(roomID)
	err := c.join(topic, func(env Envelope) {
		if env.Event != EventInsert {
			return
		}
		var m platform.Message
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			log.Printf("[realtime] message decode error on %s: %v", topic, err)
			return
		}
		if err := m.Validate(); err != nil {
			log.Printf("[realtime] dropping malformed message event: %v", err)
			return
		}
		handler(m)
	})
	if err != nil {
		return nil, err
	}
	return c.subscription(topic), nil
}

// Track announces this client's presence on the shared channel. The entry is
// remembered for re-announcement after a reconnect.
func (c *Client) Track(ctx context.Context, entry platform.PresenceEntry) error {
	env, err := newEnvelope(TopicPresence, EventTrack, entry)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.lastTrack = &entry
	c.joined[TopicPresence] = struct{}{}
	c.mu.Unlock()

	return c.send(env)
}

// OnSync registers a handler for full-state presence snapshots.
func (c *Client) OnSync(handler func([]platform.PresenceEntry)) (platform.Subscription, error) {
	err := c.join(TopicPresence, func(env Envelope) {
		if env.Event != EventSync {
			return
		}
		var entries []platform.PresenceEntry
		if err := json.Unmarshal(env.Payload, &entries); err != nil {
			log.Printf("[realtime] presence snapshot decode error: %v", err)
			return
		}
		handler(entries)
	})
	if err != nil {
		return nil, err
	}
	return c.subscription(TopicPresence), nil
}

// Send broadcasts a typing event. Fire-and-forget: no delivery guarantee.
func (c *Client) Send(event platform.TypingEvent) error {
	env, err := newEnvelope(TopicTyping, EventBroadcast, event)
	if err != nil {
		return err
	}
	return c.send(env)
}

// OnEvent registers a handler for typing events from other clients.
func (c *Client) OnEvent(handler func(platform.TypingEvent)) (platform.Subscription, error) {
	err := c.join(TopicTyping, func(env Envelope) {
		if env.Event != EventBroadcast {
			return
		}
		var event platform.TypingEvent
		if err := json.Unmarshal(env.Payload, &event); err != nil {
			log.Printf("[realtime] typing event decode error: %v", err)
			return
		}
		handler(event)
	})
	if err != nil {
		return nil, err
	}
	return c.subscription(TopicTyping), nil
}

// Close shuts down the loops and the underlying connection. Safe to call
// more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		log.Printf("[realtime] client closed")
	})
	return nil
}

// closed reports whether Close has been called.
func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
