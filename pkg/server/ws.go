package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/allolib/allosynth/pkg/audio"
	"github.com/allolib/allosynth/pkg/config"
	"github.com/allolib/allosynth/pkg/engine"
	"github.com/allolib/allosynth/pkg/log"
)

// WebSocketServer streams rendered audio to WebSocket clients and accepts
// voice triggers from them.
type WebSocketServer struct {
	upgrader     websocket.Upgrader
	audioBus     *audio.Bus
	controller   engine.Controller
	config       *config.Config
	clients      map[string]*Client
	clientsMutex sync.RWMutex
}

// NewWebSocketServer creates a new WebSocket server
func NewWebSocketServer(audioBus *audio.Bus, controller engine.Controller, cfg *config.Config) *WebSocketServer {
	return &WebSocketServer{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		audioBus:   audioBus,
		controller: controller,
		config:     cfg,
		clients:    make(map[string]*Client),
	}
}

// HandleConnection handles incoming WebSocket connections
func (s *WebSocketServer) HandleConnection(w http.ResponseWriter, r *http.Request) {
	connConfig, err := ParseConnectionConfig(GetPathParam(r, "stream"), r.URL.Query(), s.config.WebSocket.QueueSize)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("Failed to upgrade WebSocket connection: %v", err)
		return
	}

	client := NewClient(conn, s.audioBus, s.controller, s.config)
	s.addClient(client)

	log.Infof("WebSocket client connected: %s for streams %v", client.ID, connConfig.Streams)

	client.Process(connConfig)

	s.removeClient(client.ID)
	log.Infof("WebSocket client disconnected: %s", client.ID)
}

// ClientCount returns the number of connected clients
func (s *WebSocketServer) ClientCount() int {
	s.clientsMutex.RLock()
	defer s.clientsMutex.RUnlock()
	return len(s.clients)
}

// addClient adds a client to the server's list
func (s *WebSocketServer) addClient(client *Client) {
	s.clientsMutex.Lock()
	defer s.clientsMutex.Unlock()
	s.clients[client.ID] = client
}

// removeClient removes a client from the server's list
func (s *WebSocketServer) removeClient(clientID string) {
	s.clientsMutex.Lock()
	defer s.clientsMutex.Unlock()
	delete(s.clients, clientID)
}

// Client represents a single WebSocket client
type Client struct {
	ID         string
	conn       *websocket.Conn
	audioBus   *audio.Bus
	controller engine.Controller
	config     *config.Config
	subscriber *audio.Subscriber
	sendChan   chan interface{} // []byte (JSON) or *audio.Block
	quitChan   chan struct{}    // closed when the subscription ends
	stopChan   chan struct{}    // closed when writePump returns
}

// NewClient creates a new client
func NewClient(conn *websocket.Conn, audioBus *audio.Bus, controller engine.Controller, cfg *config.Config) *Client {
	return &Client{
		ID:         conn.RemoteAddr().String(),
		conn:       conn,
		audioBus:   audioBus,
		controller: controller,
		config:     cfg,
		sendChan:   make(chan interface{}, 100),
		quitChan:   make(chan struct{}),
		stopChan:   make(chan struct{}),
	}
}

// Process subscribes the client to the bus and pumps blocks until the
// connection closes.
func (c *Client) Process(connConfig *ConnectionConfig) {
	c.subscriber = audio.NewSubscriber(c.ID, connConfig.QueueSize)
	c.subscriber.SetStreamFilter(connConfig.Streams)
	c.audioBus.Subscribe(c.subscriber)
	defer c.audioBus.Unsubscribe(c.ID)

	streams := connConfig.Streams
	if len(streams) == 0 {
		streams = []audio.Stream{audio.StreamMaster, audio.StreamBus}
	}
	if formatMsg, err := CreateAudioFormatMessage(c.controller.AudioFormat(), streams); err == nil {
		c.sendChan <- formatMsg
	}

	go c.writePump()
	go c.readPump()

	for block := range c.subscriber.Channel {
		select {
		case c.sendChan <- block:
		default:
			log.Warnf("Dropping block for client %s (send channel full)", c.ID)
		}
	}
	close(c.quitChan)
	<-c.stopChan
}

// send queues a text message without blocking.
func (c *Client) send(msg []byte) {
	select {
	case c.sendChan <- msg:
	default:
		log.Warnf("Dropping message for client %s (send channel full)", c.ID)
	}
}

// writePump pumps messages from the send channel to the WebSocket
// connection. Blocks are aggregated per stream and flushed every flush
// interval.
func (c *Client) writePump() {
	defer func() {
		c.conn.Close()
		close(c.stopChan)
	}()

	pending := make(map[audio.Stream]*audio.Block)

	ticker := time.NewTicker(c.config.WebSocket.AudioFlushInterval)
	defer ticker.Stop()

	// Ping ticker to keep connection alive
	pingTicker := time.NewTicker(c.config.WebSocket.PingInterval)
	defer pingTicker.Stop()

	flush := func() error {
		for stream, agg := range pending {
			data := audio.GetBuffer(agg.EncodedSize())
			agg.EncodeTo(data)
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WebSocket.WriteTimeout))
			err := c.conn.WriteMessage(websocket.BinaryMessage, data)
			audio.PutBuffer(data)
			audio.PutSamples(agg.Samples)
			delete(pending, stream)
			if err != nil {
				return err
			}
		}
		return nil
	}

	for {
		select {
		case <-c.quitChan:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WebSocket.WriteTimeout))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.sendChan:
			switch msg := message.(type) {
			case []byte:
				c.conn.SetWriteDeadline(time.Now().Add(c.config.WebSocket.WriteTimeout))
				if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					log.Errorf("Error writing text message to WebSocket: %v", err)
					return
				}
			case *audio.Block:
				agg, ok := pending[msg.Stream]
				if ok && agg.Channels != msg.Channels {
					if err := flush(); err != nil {
						log.Errorf("Error writing audio to WebSocket: %v", err)
						return
					}
					ok = false
				}
				if !ok {
					agg = &audio.Block{
						Stream:     msg.Stream,
						Sequence:   msg.Sequence,
						SampleRate: msg.SampleRate,
						Channels:   msg.Channels,
					}
					pending[msg.Stream] = agg
				}
				agg.Samples = append(agg.Samples, msg.Samples...)
			}

		case <-ticker.C:
			if err := flush(); err != nil {
				log.Errorf("Error writing audio to WebSocket: %v", err)
				return
			}

		case <-pingTicker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WebSocket.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Errorf("Error sending ping to WebSocket: %v", err)
				return
			}
			log.Debugf("Sent ping to client %s", c.ID)
		}
	}
}

// readPump reads control messages until the connection fails, then
// closes the subscriber so Process returns.
func (c *Client) readPump() {
	defer func() {
		c.subscriber.Close()
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(c.config.WebSocket.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.config.WebSocket.ReadTimeout))
		log.Debugf("Received pong from client %s", c.ID)
		return nil
	})

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Errorf("WebSocket read error: %v", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.config.WebSocket.ReadTimeout))
		if kind == websocket.TextMessage {
			c.handleControl(data)
		}
	}
}

func (c *Client) handleControl(data []byte) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("invalid message", http.StatusBadRequest)
		return
	}

	switch msg.Type {
	case MessageTypeTriggerOn:
		fields, err := ParseFields(msg.Fields)
		if err != nil {
			c.sendError(err.Error(), http.StatusBadRequest)
			return
		}
		id, err := c.controller.TriggerVoice(msg.VoiceType, fields)
		if err != nil {
			c.sendError(err.Error(), errorStatus(err))
			return
		}
		if reply, err := CreateVoiceMessage(id); err == nil {
			c.send(reply)
		}
	case MessageTypeTriggerOff:
		if err := c.controller.ReleaseVoice(msg.ID); err != nil {
			c.sendError(err.Error(), errorStatus(err))
		}
	default:
		c.sendError("unknown message type "+msg.Type, http.StatusBadRequest)
	}
}

func (c *Client) sendError(text string, code int) {
	if msg, err := CreateErrorMessage(text, code); err == nil {
		c.send(msg)
	}
}
