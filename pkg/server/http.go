package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/allolib/allosynth/pkg/engine"
	"github.com/allolib/allosynth/pkg/log"
	"github.com/allolib/allosynth/pkg/pose"
	"github.com/allolib/allosynth/pkg/sequencer"
)

// HTTPServer handles REST API requests
type HTTPServer struct {
	controller engine.Controller
	wsServer   *WebSocketServer
	router     http.Handler
}

// NewHTTPServer creates a new HTTP server
func NewHTTPServer(controller engine.Controller, wsServer *WebSocketServer) *HTTPServer {
	server := &HTTPServer{
		controller: controller,
		wsServer:   wsServer,
	}
	server.registerRoutes()
	return server
}

// ServeHTTP implements the http.Handler interface
func (s *HTTPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log.Debugf("Received request: %s %s", r.Method, r.URL.Path)
	s.router.ServeHTTP(w, r)
}

// registerRoutes sets up the API routes
func (s *HTTPServer) registerRoutes() {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/types", s.handleVoiceTypes)
	mux.HandleFunc("/api/voices", s.handleVoices)
	mux.HandleFunc("/api/sequences", s.handleSequences)
	mux.HandleFunc("/api/listener", s.handleListener)
	mux.HandleFunc("/api/recording", s.handleRecording)

	// Paths with parameters go through the param router; the rest fall
	// through to the mux.
	pr := NewParamRouter()
	pr.Handle("/api/voices/{id}", s.handleVoiceByID)
	pr.Handle("/api/sequences/stop", s.handleStopSequence)
	pr.Handle("/api/sequences/{name}/play", s.handlePlaySequence)
	if s.wsServer != nil {
		pr.Handle("/ws/audio/{stream}", s.wsServer.HandleConnection)
	}
	pr.Fallback = mux
	s.router = pr
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("Writing response: %v", err)
	}
}

// errorStatus maps engine errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, engine.ErrUnknownVoiceType):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrVoiceNotFound), errors.Is(err, sequencer.ErrSequenceNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrVoiceVetoed):
		return http.StatusConflict
	case errors.Is(err, engine.ErrAllocationFailed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleHealth returns a short engine summary
func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.controller.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"active_voices": len(stats.Synth.ActiveVoices),
		"blocks":        stats.Blocks,
		"playing":       stats.Sequence.Playing,
	})
}

func (s *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.controller.Stats())
}

func (s *HTTPServer) handleVoiceTypes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.controller.VoiceTypes())
}

// handleVoices handles requests for the /api/voices endpoint
func (s *HTTPServer) handleVoices(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.controller.Voices())
	case http.MethodPost:
		s.handleTriggerVoice(w, r)
	case http.MethodDelete:
		s.controller.AllNotesOff()
		writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// TriggerRequest is the request body for starting a voice
type TriggerRequest struct {
	Type   string        `json:"type"`
	Fields []interface{} `json:"fields"`
}

func (s *HTTPServer) handleTriggerVoice(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		http.Error(w, "Voice type is required", http.StatusBadRequest)
		return
	}
	fields, err := ParseFields(req.Fields)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id, err := s.controller.TriggerVoice(req.Type, fields)
	if err != nil {
		http.Error(w, err.Error(), errorStatus(err))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{"id": id})
}

// handleVoiceByID handles requests for /api/voices/{id}
func (s *HTTPServer) handleVoiceByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, err := strconv.Atoi(GetPathParam(r, "id"))
	if err != nil {
		http.Error(w, "Invalid voice id", http.StatusBadRequest)
		return
	}
	if err := s.controller.ReleaseVoice(id); err != nil {
		http.Error(w, err.Error(), errorStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

func (s *HTTPServer) handleSequences(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	names := s.controller.Sequences()
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, names)
}

// PlayRequest is the optional request body for playing a sequence
type PlayRequest struct {
	StartTime float64 `json:"start_time"`
}

func (s *HTTPServer) handlePlaySequence(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req PlayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	name := GetPathParam(r, "name")
	if err := s.controller.PlaySequence(name, req.StartTime); err != nil {
		http.Error(w, err.Error(), errorStatus(err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "playing", "sequence": name})
}

func (s *HTTPServer) handleStopSequence(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.controller.StopSequence()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *HTTPServer) handleListener(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.controller.ListenerPose())
	case http.MethodPut:
		p := pose.Identity()
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if p.Quat == (pose.Quat{}) {
			http.Error(w, "Orientation must be a non-zero quaternion", http.StatusBadRequest)
			return
		}
		p.Quat = p.Quat.Normalize()
		s.controller.SetListenerPose(p)
		writeJSON(w, http.StatusOK, p)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleRecording starts a recording on POST and stops it on DELETE,
// saving it under the name query parameter when one is given.
func (s *HTTPServer) handleRecording(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.controller.StartRecording()
		writeJSON(w, http.StatusOK, map[string]string{"status": "recording"})
	case http.MethodDelete:
		name := r.URL.Query().Get("name")
		if err := s.controller.StopRecording(name); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "sequence": name})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}
