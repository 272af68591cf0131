package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/radarflight/fleetsync/pkg/logger"
)

// ErrStreamTerminated is delivered to every subscriber once reconnection
// attempts are exhausted. It is the only "disconnected" state callers ever
// observe.
var ErrStreamTerminated = errors.New("stream connection terminated: reconnect attempts exhausted")

// MessageTypeFlightUpdate is the streaming message type for aircraft
// position updates.
const MessageTypeFlightUpdate = "flight_update"

// FlightUpdate is the payload delivered on /topic/aircraft/{id} channels
type FlightUpdate struct {
	Type      string  `json:"type"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float64 `json:"altitude"`
	Speed     float64 `json:"speed"`
	Heading   float64 `json:"heading"`
}

// Event is one delivery to a channel subscriber. Err is non-nil exactly
// once, as the terminal event after reconnection gives up.
type Event struct {
	Channel string
	Data    json.RawMessage
	Err     error
}

// MessageFunc handles events for one channel subscription
type MessageFunc func(Event)

// Subscription is the cancellation handle for one channel subscription
type Subscription struct {
	stream  *Stream
	channel string
	id      int
}

// Cancel removes the subscription. Future messages for the channel are no
// longer delivered to this subscriber.
func (s *Subscription) Cancel() {
	s.stream.unsubscribe(s)
}

// wireFrame is the envelope exchanged with the upstream streaming endpoint.
// Client frames carry an action; server frames carry the channel plus the
// message body, which is passed through to subscribers untouched.
type wireFrame struct {
	Action  string `json:"action,omitempty"`
	Channel string `json:"channel"`
}

// Stream multiplexes per-channel subscriptions over one persistent
// websocket connection. The connection is opened lazily on the first
// subscription and re-established automatically with a fixed backoff; on
// reconnect all active channel subscriptions are replayed, so callers never
// observe the gap.
type Stream struct {
	url            string
	dialer         *websocket.Dialer
	bearerToken    string
	reconnectDelay time.Duration
	maxAttempts    int
	logger         *logger.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	subs    map[string]map[int]MessageFunc
	nextID  int
	running bool
	dead    bool
	closeCh chan struct{}
}

// NewStream creates a streaming client for the given websocket URL.
// maxAttempts of 0 retries forever.
func NewStream(url, bearerToken string, reconnectDelay time.Duration, maxAttempts int, loggerObj *logger.Logger) *Stream {
	return &Stream{
		url:            url,
		dialer:         &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		bearerToken:    bearerToken,
		reconnectDelay: reconnectDelay,
		maxAttempts:    maxAttempts,
		logger:         loggerObj.Named("stream"),
		subs:           make(map[string]map[int]MessageFunc),
		closeCh:        make(chan struct{}),
	}
}

// Subscribe registers onMessage for the given channel key, starting the
// underlying connection if this is the first subscription.
func (s *Stream) Subscribe(channel string, onMessage MessageFunc) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dead {
		return nil, ErrStreamTerminated
	}

	s.nextID++
	id := s.nextID

	first := len(s.subs[channel]) == 0
	if s.subs[channel] == nil {
		s.subs[channel] = make(map[int]MessageFunc)
	}
	s.subs[channel][id] = onMessage

	if first && s.conn != nil {
		// Connection already up: announce the new channel immediately.
		// Failure here is recovered by the reconnect path.
		if err := s.conn.WriteJSON(wireFrame{Action: "subscribe", Channel: channel}); err != nil {
			s.logger.Debug("Subscribe frame failed, deferring to reconnect", logger.Error(err))
		}
	}

	if !s.running {
		s.running = true
		go s.run()
	}

	return &Subscription{stream: s, channel: channel, id: id}, nil
}

// Close tears down the connection and stops reconnecting
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return
	}
	s.dead = true
	close(s.closeCh)
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

func (s *Stream) unsubscribe(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if handlers, ok := s.subs[sub.channel]; ok {
		delete(handlers, sub.id)
		if len(handlers) == 0 {
			delete(s.subs, sub.channel)
			if s.conn != nil {
				// Best-effort: the server stops sending for this channel
				if err := s.conn.WriteJSON(wireFrame{Action: "unsubscribe", Channel: sub.channel}); err != nil {
					s.logger.Debug("Unsubscribe frame failed", logger.Error(err))
				}
			}
		}
	}
}

// run owns the connection lifecycle: connect, replay subscriptions, pump
// messages, and reconnect with a fixed backoff until the attempt cap.
func (s *Stream) run() {
	attempts := 0

	for {
		select {
		case <-s.closeCh:
			return
		default:
		}

		conn, err := s.connect()
		if err != nil {
			attempts++
			s.logger.Warn("Stream connection failed",
				logger.Int("attempt", attempts),
				logger.Error(err))

			if s.maxAttempts > 0 && attempts >= s.maxAttempts {
				s.terminate()
				return
			}

			select {
			case <-s.closeCh:
				return
			case <-time.After(s.reconnectDelay):
			}
			continue
		}

		// Connected: replay every active channel subscription
		attempts = 0
		if err := s.replaySubscriptions(conn); err != nil {
			s.logger.Warn("Failed to replay subscriptions", logger.Error(err))
			conn.Close()
			continue
		}

		s.readPump(conn)

		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		conn.Close()
	}
}

func (s *Stream) connect() (*websocket.Conn, error) {
	header := make(map[string][]string)
	if s.bearerToken != "" {
		header["Authorization"] = []string{"Bearer " + s.bearerToken}
	}

	conn, _, err := s.dialer.Dial(s.url, header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", s.url, err)
	}

	s.mu.Lock()
	if s.dead {
		s.mu.Unlock()
		conn.Close()
		return nil, ErrStreamTerminated
	}
	s.conn = conn
	s.mu.Unlock()

	s.logger.Info("Stream connected", logger.String("url", s.url))
	return conn, nil
}

func (s *Stream) replaySubscriptions(conn *websocket.Conn) error {
	s.mu.Lock()
	channels := make([]string, 0, len(s.subs))
	for channel := range s.subs {
		channels = append(channels, channel)
	}
	s.mu.Unlock()

	for _, channel := range channels {
		if err := conn.WriteJSON(wireFrame{Action: "subscribe", Channel: channel}); err != nil {
			return fmt.Errorf("failed to resubscribe %s: %w", channel, err)
		}
	}
	return nil
}

// readPump reads frames until the connection breaks, dispatching each one
// to the channel's subscribers in wire-arrival order.
func (s *Stream) readPump(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("Stream read error", logger.Error(err))
			}
			return
		}

		var frame wireFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.logger.Debug("Discarding malformed stream frame", logger.Error(err))
			continue
		}
		if frame.Channel == "" {
			continue
		}

		s.dispatch(Event{Channel: frame.Channel, Data: raw})
	}
}

func (s *Stream) dispatch(event Event) {
	s.mu.Lock()
	handlers := make([]MessageFunc, 0, len(s.subs[event.Channel]))
	for _, h := range s.subs[event.Channel] {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(event)
	}
}

// terminate delivers the terminal error to every subscriber and marks the
// stream unusable.
func (s *Stream) terminate() {
	s.mu.Lock()
	s.dead = true
	all := make(map[string][]MessageFunc)
	for channel, handlers := range s.subs {
		for _, h := range handlers {
			all[channel] = append(all[channel], h)
		}
	}
	s.subs = make(map[string]map[int]MessageFunc)
	s.mu.Unlock()

	s.logger.Error("Stream terminated, reconnect attempts exhausted",
		logger.String("url", s.url))

	for channel, handlers := range all {
		for _, h := range handlers {
			h(Event{Channel: channel, Err: ErrStreamTerminated})
		}
	}
}

// AircraftChannel returns the streaming channel key for one aircraft
func AircraftChannel(aircraftID string) string {
	return "/topic/aircraft/" + aircraftID
}
