package params

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/hypebeast/go-osc/osc"
	"github.com/sirupsen/logrus"

	"github.com/allolib/allosynth/pkg/log"
	"github.com/allolib/allosynth/pkg/pose"
	"github.com/allolib/allosynth/pkg/synth"
	"github.com/allolib/allosynth/pkg/voice"
)

// OSC addresses.
const (
	AddrVoiceOn       = "/voice/on"
	AddrVoiceOff      = "/voice/off"
	AddrSequencePlay  = "/sequence/play"
	AddrSequenceStop  = "/sequence/stop"
	AddrListenerPose  = "/listener/pose"
	AddrVoiceTrigger  = "/voice/triggered"
	AddrVoiceReleased = "/voice/released"
)

var ErrBadArguments = errors.New("bad OSC arguments")

// Target receives the commands decoded from OSC messages.
type Target interface {
	TriggerVoice(typeName string, fields []voice.ParamField) (int, error)
	ReleaseVoice(id int) error
	PlaySequence(name string, startTime float64) error
	StopSequence()
	SetListenerPose(p pose.Pose)
}

// Source reports voice lifecycle events for publication.
type Source interface {
	RegisterTriggerOnCallback(cb synth.TriggerOnCallback)
	RegisterFreeCallback(cb synth.FreeCallback)
}

// Server receives control messages over UDP and publishes voice events to
// registered listeners.
type Server struct {
	addr       string
	target     Target
	dispatcher *osc.StandardDispatcher
	server     *osc.Server

	mutex     sync.Mutex
	conn      net.PacketConn
	listeners map[string]*osc.Client
	closed    bool

	outbox chan *osc.Message
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewServer creates a server that will listen on addr.
func NewServer(addr string, target Target) *Server {
	s := &Server{
		addr:       addr,
		target:     target,
		dispatcher: osc.NewStandardDispatcher(),
		listeners:  make(map[string]*osc.Client),
		outbox:     make(chan *osc.Message, 256),
		done:       make(chan struct{}),
	}
	handlers := map[string]func(*osc.Message) error{
		AddrVoiceOn:      s.handleVoiceOn,
		AddrVoiceOff:     s.handleVoiceOff,
		AddrSequencePlay: s.handleSequencePlay,
		AddrSequenceStop: s.handleSequenceStop,
		AddrListenerPose: s.handleListenerPose,
	}
	for addr, h := range handlers {
		if err := s.dispatcher.AddMsgHandler(addr, func(msg *osc.Message) {
			if err := h(msg); err != nil {
				log.WithFields(logrus.Fields{"address": addr, "message": msg.String()}).Warnf("OSC message rejected: %v", err)
			}
		}); err != nil {
			log.Errorf("Register OSC handler %s: %v", addr, err)
		}
	}
	s.server = &osc.Server{Addr: addr, Dispatcher: s.dispatcher}
	return s
}

// AddListener publishes voice events to hostPort.
func (s *Server) AddListener(hostPort string) error {
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return fmt.Errorf("listener address %q: %w", hostPort, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("listener port %q: %w", portStr, err)
	}
	if host == "" {
		host = "127.0.0.1"
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.listeners[hostPort] = osc.NewClient(host, port)
	log.Infof("OSC listener added: %s", hostPort)
	return nil
}

// RemoveListener stops publishing to hostPort.
func (s *Server) RemoveListener(hostPort string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.listeners, hostPort)
}

// Watch publishes the voice events of src.
func (s *Server) Watch(src Source) {
	src.RegisterTriggerOnCallback(func(v voice.Voice, offsetFrames, id int, userData any) bool {
		s.publish(osc.NewMessage(AddrVoiceTrigger, int32(id), voice.BaseOf(v).TypeName()))
		return true
	})
	src.RegisterFreeCallback(func(v voice.Voice) {
		s.publish(osc.NewMessage(AddrVoiceReleased, int32(voice.BaseOf(v).ID())))
	})
}

// publish queues msg without blocking; it is called from render goroutines.
func (s *Server) publish(msg *osc.Message) {
	select {
	case s.outbox <- msg:
	default:
		log.WarnOnce("osc-outbox-full", "OSC outbox full, dropping %s", msg.Address)
	}
}

// Start binds the UDP socket and starts serving.
func (s *Server) Start() error {
	conn, err := net.ListenPacket("udp", s.addr)
	if err != nil {
		return fmt.Errorf("listen OSC %s: %w", s.addr, err)
	}
	s.mutex.Lock()
	s.conn = conn
	s.mutex.Unlock()

	s.wg.Add(2)
	go s.serve(conn)
	go s.sendLoop()
	log.Infof("OSC server listening on %s", conn.LocalAddr())
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

func (s *Server) serve(conn net.PacketConn) {
	defer s.wg.Done()
	for {
		err := s.server.Serve(conn)
		s.mutex.Lock()
		closed := s.closed
		s.mutex.Unlock()
		if closed {
			return
		}
		log.Warnf("OSC receive error: %v", err)
	}
}

func (s *Server) sendLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.outbox:
			s.mutex.Lock()
			clients := make([]*osc.Client, 0, len(s.listeners))
			for _, c := range s.listeners {
				clients = append(clients, c)
			}
			s.mutex.Unlock()
			for _, c := range clients {
				if err := c.Send(msg); err != nil {
					log.Debugf("OSC send %s: %v", msg.Address, err)
				}
			}
		}
	}
}

// Stop closes the socket and waits for the goroutines.
func (s *Server) Stop() {
	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return
	}
	s.closed = true
	conn := s.conn
	s.mutex.Unlock()

	close(s.done)
	if conn != nil {
		conn.Close()
	}
	s.wg.Wait()
	log.Info("OSC server stopped")
}

func (s *Server) handleVoiceOn(msg *osc.Message) error {
	if len(msg.Arguments) < 1 {
		return fmt.Errorf("%w: missing voice type", ErrBadArguments)
	}
	name, ok := msg.Arguments[0].(string)
	if !ok {
		return fmt.Errorf("%w: voice type must be a string", ErrBadArguments)
	}
	fields, err := Fields(msg.Arguments[1:])
	if err != nil {
		return err
	}
	id, err := s.target.TriggerVoice(name, fields)
	if err != nil {
		return err
	}
	log.Debugf("OSC triggered %s voice %d", name, id)
	return nil
}

func (s *Server) handleVoiceOff(msg *osc.Message) error {
	if len(msg.Arguments) != 1 {
		return fmt.Errorf("%w: want a voice id", ErrBadArguments)
	}
	id, ok := number(msg.Arguments[0])
	if !ok {
		return fmt.Errorf("%w: voice id must be a number", ErrBadArguments)
	}
	return s.target.ReleaseVoice(int(id))
}

func (s *Server) handleSequencePlay(msg *osc.Message) error {
	if len(msg.Arguments) < 1 {
		return fmt.Errorf("%w: missing sequence name", ErrBadArguments)
	}
	name, ok := msg.Arguments[0].(string)
	if !ok {
		return fmt.Errorf("%w: sequence name must be a string", ErrBadArguments)
	}
	start := 0.0
	if len(msg.Arguments) > 1 {
		if start, ok = number(msg.Arguments[1]); !ok {
			return fmt.Errorf("%w: start time must be a number", ErrBadArguments)
		}
	}
	return s.target.PlaySequence(name, start)
}

func (s *Server) handleSequenceStop(msg *osc.Message) error {
	s.target.StopSequence()
	return nil
}

func (s *Server) handleListenerPose(msg *osc.Message) error {
	if len(msg.Arguments) != 7 {
		return fmt.Errorf("%w: want x y z qw qx qy qz", ErrBadArguments)
	}
	var v [7]float64
	for i, arg := range msg.Arguments {
		f, ok := number(arg)
		if !ok {
			return fmt.Errorf("%w: pose argument %d is not a number", ErrBadArguments, i)
		}
		v[i] = f
	}
	s.target.SetListenerPose(pose.Pose{
		Pos:  pose.Vec3{X: v[0], Y: v[1], Z: v[2]},
		Quat: pose.Quat{W: v[3], X: v[4], Y: v[5], Z: v[6]}.Normalize(),
	})
	return nil
}

// Fields converts OSC arguments to trigger fields: numbers and booleans
// become floats, strings stay strings.
func Fields(args []interface{}) ([]voice.ParamField, error) {
	fields := make([]voice.ParamField, 0, len(args))
	for i, arg := range args {
		if s, ok := arg.(string); ok {
			fields = append(fields, voice.StringField(s))
			continue
		}
		f, ok := number(arg)
		if !ok {
			return nil, fmt.Errorf("%w: argument %d has unsupported type %T", ErrBadArguments, i, arg)
		}
		fields = append(fields, voice.FloatField(f))
	}
	return fields, nil
}

func number(arg interface{}) (float64, bool) {
	switch v := arg.(type) {
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}
