package session

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/gofiber/websocket/v2"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// WebSocketMessage defines the structure for messages sent over WebSocket.
type WebSocketMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Client represents a connected WebSocket feed or viewer.
type Client struct {
	conn    *websocket.Conn
	send    chan []byte
	userID  primitive.ObjectID
	sensors map[string]bool
}

// SensorHub manages the connected feeds. A feed announces which sensors it
// can provide; sensor readings it pushes are routed to whichever session
// subscription is listening for that sensor. The hub also broadcasts
// session state transitions to every connected client.
type SensorHub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu        sync.RWMutex
	announced map[string]int
	feeds     map[string]func(map[string]any)
}

func NewSensorHub() *SensorHub {
	return &SensorHub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		announced:  make(map[string]int),
		feeds:      make(map[string]func(map[string]any)),
	}
}

// Run starts the hub's message processing loops.
func (h *SensorHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			log.Printf("SensorHub: client registered (UserID: %s)", client.userID.Hex())

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				for name := range client.sensors {
					h.announced[name]--
					if h.announced[name] <= 0 {
						delete(h.announced, name)
					}
				}
				close(client.send)
			}
			h.mu.Unlock()
			log.Printf("SensorHub: client unregistered (UserID: %s)", client.userID.Hex())

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Report implements Notifier: session state transitions are pushed to every
// connected client. Best-effort; a stalled hub never blocks the session.
func (h *SensorHub) Report(event string, err error) {
	payload := map[string]any{"event": event}
	if err != nil {
		payload["error"] = err.Error()
	}
	raw, merr := json.Marshal(payload)
	if merr != nil {
		return
	}
	message, merr := json.Marshal(WebSocketMessage{Type: "session_state", Payload: raw})
	if merr != nil {
		return
	}

	select {
	case h.broadcast <- message:
	default:
	}

	if err != nil {
		log.Printf("SensorHub: %s: %v", event, err)
		return
	}
	log.Printf("SensorHub: %s", event)
}

// Sources returns a SensorSource per configured sensor name, each backed by
// whatever feed announces that sensor when the session starts.
func (h *SensorHub) Sources(names []string) []SensorSource {
	sources := make([]SensorSource, 0, len(names))
	for _, name := range names {
		sources = append(sources, &feedSource{hub: h, name: name})
	}
	return sources
}

func (h *SensorHub) announce(c *Client, names []string) {
	h.mu.Lock()
	for _, name := range names {
		if !c.sensors[name] {
			c.sensors[name] = true
			h.announced[name]++
		}
	}
	h.mu.Unlock()
	log.Printf("SensorHub: client %s announced sensors %v", c.userID.Hex(), names)
}

func (h *SensorHub) subscribe(name string, deliver func(map[string]any)) (Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.announced[name] == 0 {
		return nil, errors.Errorf("no connected feed announces sensor %q", name)
	}
	h.feeds[name] = deliver
	return &feedSubscription{hub: h, name: name}, nil
}

func (h *SensorHub) dispatch(name string, payload map[string]any) {
	h.mu.RLock()
	deliver := h.feeds[name]
	h.mu.RUnlock()

	if deliver != nil {
		deliver(payload)
	}
}

// feedSource is a SensorSource bound to a named sensor on the hub.
// Activation fails when no connected feed has announced the sensor, which
// degrades that capability for the session without blocking the rest.
type feedSource struct {
	hub  *SensorHub
	name string
}

func (f *feedSource) Name() string {
	return f.name
}

func (f *feedSource) Activate(ctx context.Context, deliver func(payload map[string]any)) (Subscription, error) {
	return f.hub.subscribe(f.name, deliver)
}

type feedSubscription struct {
	hub  *SensorHub
	name string
}

func (s *feedSubscription) Cancel() error {
	s.hub.mu.Lock()
	delete(s.hub.feeds, s.name)
	s.hub.mu.Unlock()
	return nil
}

// SensorSocketHandler provides the HTTP handler for sensor feed connections.
type SensorSocketHandler struct {
	hub         *SensorHub
	coordinator *Coordinator
	monitor     *Monitor
}

func NewSensorSocketHandler(hub *SensorHub, coordinator *Coordinator, monitor *Monitor) *SensorSocketHandler {
	return &SensorSocketHandler{
		hub:         hub,
		coordinator: coordinator,
		monitor:     monitor,
	}
}

// ServeHTTP handles the WebSocket upgrade and connection lifecycle.
func (sh *SensorSocketHandler) ServeHTTP(c *websocket.Conn) {
	userID, ok := c.Locals("user_id").(primitive.ObjectID)
	if !ok {
		log.Println("SensorHub: unauthorized connection attempt.")
		c.Close()
		return
	}

	client := &Client{
		conn:    c,
		send:    make(chan []byte, 256),
		userID:  userID,
		sensors: make(map[string]bool),
	}
	sh.hub.register <- client

	go client.writePump()
	client.readPump(sh)
}

// readPump pumps messages from the WebSocket connection to the hub.
func (c *Client) readPump(sh *SensorSocketHandler) {
	defer func() {
		if sh.monitor != nil {
			sh.monitor.ClosePeer(c.userID.Hex())
		}
		sh.hub.unregister <- c
		c.conn.Close()
	}()
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			log.Printf("SensorHub: read error: %v", err)
			break
		}

		var msg WebSocketMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Printf("SensorHub: error unmarshaling message: %v", err)
			continue
		}

		switch msg.Type {
		case "announce":
			var payload struct {
				Sensors []string `json:"sensors"`
			}
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				log.Printf("SensorHub: error unmarshaling announce payload: %v", err)
				continue
			}
			sh.hub.announce(c, payload.Sensors)

		case "sensor_data":
			var payload struct {
				Sensor string         `json:"sensor"`
				Data   map[string]any `json:"data"`
			}
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				log.Printf("SensorHub: error unmarshaling sensor_data payload: %v", err)
				continue
			}
			sh.hub.dispatch(payload.Sensor, payload.Data)

		case "webrtc_offer":
			if sh.monitor == nil {
				continue
			}
			var offer webrtc.SessionDescription
			if err := json.Unmarshal(msg.Payload, &offer); err != nil {
				log.Printf("SensorHub: error unmarshaling webrtc_offer payload: %v", err)
				continue
			}
			sess := sh.coordinator.Current()
			if sess == nil {
				log.Println("SensorHub: webrtc_offer with no session to monitor")
				continue
			}
			answer, err := sh.monitor.HandleOffer(offer, c.userID.Hex(), sess.ID.Hex())
			if err != nil {
				log.Printf("SensorHub: error handling webrtc_offer: %v", err)
				continue
			}
			answerBytes, _ := json.Marshal(answer)
			response := WebSocketMessage{Type: "webrtc_answer", Payload: answerBytes}
			responseBytes, _ := json.Marshal(response)
			c.send <- responseBytes

		case "webrtc_ice_candidate":
			if sh.monitor == nil {
				continue
			}
			var candidate webrtc.ICECandidateInit
			if err := json.Unmarshal(msg.Payload, &candidate); err != nil {
				log.Printf("SensorHub: error unmarshaling webrtc_ice_candidate payload: %v", err)
				continue
			}
			sh.monitor.HandleICECandidate(candidate, c.userID.Hex())

		default:
			log.Printf("SensorHub: unknown message type: %s", msg.Type)
		}
	}
}

// writePump pumps messages from the hub to the WebSocket connection.
func (c *Client) writePump() {
	defer c.conn.Close()
	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			log.Printf("SensorHub: write error: %v", err)
			return
		}
	}
}
