package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/allolib/allosynth/pkg/audio"
	"github.com/allolib/allosynth/pkg/config"
	"github.com/allolib/allosynth/pkg/engine"
	"github.com/allolib/allosynth/pkg/pose"
	"github.com/allolib/allosynth/pkg/sequencer"
	"github.com/allolib/allosynth/pkg/synth"
	"github.com/allolib/allosynth/pkg/voice"
)

type fakeController struct {
	mutex     sync.Mutex
	nextID    int
	voices    map[int]string
	fields    [][]voice.ParamField
	played    []string
	starts    []float64
	stopped   int
	allOff    int
	recording bool
	saved     string
	listener  pose.Pose
}

func newFakeController() *fakeController {
	return &fakeController{voices: make(map[int]string), listener: pose.Identity()}
}

func (f *fakeController) TriggerVoice(typeName string, fields []voice.ParamField) (int, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	switch typeName {
	case "Sine":
	case "Full":
		return -1, engine.ErrAllocationFailed
	default:
		return -1, engine.ErrUnknownVoiceType
	}
	id := f.nextID
	f.nextID++
	f.voices[id] = typeName
	f.fields = append(f.fields, fields)
	return id, nil
}

func (f *fakeController) ReleaseVoice(id int) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if _, ok := f.voices[id]; !ok {
		return fmt.Errorf("%w: %d", engine.ErrVoiceNotFound, id)
	}
	delete(f.voices, id)
	return nil
}

func (f *fakeController) AllNotesOff() {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.allOff++
}

func (f *fakeController) VoiceTypes() []string { return []string{"PositionedSine", "Sine"} }

func (f *fakeController) Voices() []synth.VoiceInfo {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	var out []synth.VoiceInfo
	for id, name := range f.voices {
		out = append(out, synth.VoiceInfo{ID: id, Type: name})
	}
	return out
}

func (f *fakeController) Sequences() []string { return []string{"intro"} }

func (f *fakeController) PlaySequence(name string, startTime float64) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if name != "intro" {
		return fmt.Errorf("%w: %s", sequencer.ErrSequenceNotFound, name)
	}
	f.played = append(f.played, name)
	f.starts = append(f.starts, startTime)
	return nil
}

func (f *fakeController) StopSequence() {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.stopped++
}

func (f *fakeController) StartRecording() {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.recording = true
}

func (f *fakeController) StopRecording(name string) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.recording = false
	f.saved = name
	return nil
}

func (f *fakeController) ListenerPose() pose.Pose {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.listener
}

func (f *fakeController) SetListenerPose(p pose.Pose) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.listener = p
}

func (f *fakeController) AudioFormat() audio.DriverConfig {
	return audio.DriverConfig{SampleRate: 48000, FramesPerBuffer: 4, ChannelsOut: 2}
}

func (f *fakeController) Stats() engine.Stats {
	return engine.Stats{Backend: "fake", Blocks: 7, Synth: synth.Stats{ActiveVoices: f.Voices()}}
}

func (f *fakeController) Shutdown() error { return nil }

func testServer(t *testing.T) (*httptest.Server, *fakeController, *audio.Bus) {
	t.Helper()
	cfg := config.Default()
	cfg.WebSocket.AudioFlushInterval = 10 * time.Millisecond
	ctrl := newFakeController()
	bus := audio.NewBus()
	ws := NewWebSocketServer(bus, ctrl, cfg)
	srv := httptest.NewServer(NewHTTPServer(ctrl, ws))
	t.Cleanup(func() {
		bus.Shutdown()
		srv.Close()
	})
	return srv, ctrl, bus
}

func do(t *testing.T, method, url, body string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, string(data)
}

func TestREST(t *testing.T) {
	srv, ctrl, _ := testServer(t)

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		wantBody   string
	}{
		{"health", http.MethodGet, "/health", "", http.StatusOK, `"blocks":7`},
		{"types", http.MethodGet, "/api/types", "", http.StatusOK, `["PositionedSine","Sine"]`},
		{"trigger", http.MethodPost, "/api/voices", `{"type":"Sine","fields":[0.5,440,"x",true]}`, http.StatusCreated, `{"id":0}`},
		{"list voices", http.MethodGet, "/api/voices", "", http.StatusOK, `"type":"Sine"`},
		{"trigger unknown", http.MethodPost, "/api/voices", `{"type":"Organ"}`, http.StatusBadRequest, "unknown voice type"},
		{"trigger full", http.MethodPost, "/api/voices", `{"type":"Full"}`, http.StatusServiceUnavailable, ""},
		{"trigger no type", http.MethodPost, "/api/voices", `{}`, http.StatusBadRequest, ""},
		{"trigger bad body", http.MethodPost, "/api/voices", `{`, http.StatusBadRequest, ""},
		{"trigger bad field", http.MethodPost, "/api/voices", `{"type":"Sine","fields":[[1]]}`, http.StatusBadRequest, ""},
		{"release", http.MethodDelete, "/api/voices/0", "", http.StatusOK, "released"},
		{"release again", http.MethodDelete, "/api/voices/0", "", http.StatusNotFound, ""},
		{"release bad id", http.MethodDelete, "/api/voices/abc", "", http.StatusBadRequest, ""},
		{"all notes off", http.MethodDelete, "/api/voices", "", http.StatusOK, ""},
		{"voices bad method", http.MethodPut, "/api/voices", "", http.StatusMethodNotAllowed, ""},
		{"sequences", http.MethodGet, "/api/sequences", "", http.StatusOK, `["intro"]`},
		{"play", http.MethodPost, "/api/sequences/intro/play", `{"start_time":2.5}`, http.StatusAccepted, "playing"},
		{"play no body", http.MethodPost, "/api/sequences/intro/play", "", http.StatusAccepted, ""},
		{"play missing", http.MethodPost, "/api/sequences/outro/play", "", http.StatusNotFound, ""},
		{"play bad method", http.MethodGet, "/api/sequences/intro/play", "", http.StatusMethodNotAllowed, ""},
		{"stop", http.MethodPost, "/api/sequences/stop", "", http.StatusOK, "stopped"},
		{"listener", http.MethodPut, "/api/listener", `{"pos":{"x":1,"y":0,"z":-2},"quat":{"w":2,"x":0,"y":0,"z":0}}`, http.StatusOK, `"w":1`},
		{"listener zero quat", http.MethodPut, "/api/listener", `{"quat":{"w":0}}`, http.StatusBadRequest, ""},
		{"get listener", http.MethodGet, "/api/listener", "", http.StatusOK, `"z":-2`},
		{"record", http.MethodPost, "/api/recording", "", http.StatusOK, "recording"},
		{"stop record", http.MethodDelete, "/api/recording?name=take", "", http.StatusOK, "take"},
		{"stats", http.MethodGet, "/api/stats", "", http.StatusOK, `"backend":"fake"`},
		{"not found", http.MethodGet, "/api/nothing", "", http.StatusNotFound, ""},
	}

	for _, test := range tests {
		resp, body := do(t, test.method, srv.URL+test.path, test.body)
		if resp.StatusCode != test.wantStatus {
			t.Errorf("%s: status = %d, want %d (body %q)", test.name, resp.StatusCode, test.wantStatus, body)
			continue
		}
		if !strings.Contains(body, test.wantBody) {
			t.Errorf("%s: body = %q, want it to contain %q", test.name, body, test.wantBody)
		}
	}

	if len(ctrl.fields) != 1 || len(ctrl.fields[0]) != 4 || ctrl.fields[0][2] != voice.StringField("x") || ctrl.fields[0][3] != voice.FloatField(1) {
		t.Errorf("trigger fields = %v", ctrl.fields)
	}
	if len(ctrl.starts) != 2 || ctrl.starts[0] != 2.5 || ctrl.starts[1] != 0 {
		t.Errorf("play start times = %v, want [2.5 0]", ctrl.starts)
	}
	if ctrl.stopped != 1 || ctrl.allOff != 1 || ctrl.saved != "take" {
		t.Errorf("stopped %d, all off %d, saved %q", ctrl.stopped, ctrl.allOff, ctrl.saved)
	}
	if ctrl.listener.Pos != (pose.Vec3{X: 1, Z: -2}) || ctrl.listener.Quat != pose.IdentityQuat {
		t.Errorf("listener = %+v", ctrl.listener)
	}
}

func TestParamRouter(t *testing.T) {
	pr := NewParamRouter()
	var got string
	pr.Handle("/a/fixed", func(w http.ResponseWriter, r *http.Request) { got = "fixed" })
	pr.Handle("/a/{x}", func(w http.ResponseWriter, r *http.Request) { got = "x=" + GetPathParam(r, "x") })
	pr.Handle("/a/{x}/b/{y}", func(w http.ResponseWriter, r *http.Request) {
		got = GetPathParam(r, "x") + "," + GetPathParam(r, "y")
	})
	pr.Fallback = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { got = "fallback" })

	tests := []struct {
		path string
		want string
	}{
		{"/a/fixed", "fixed"},
		{"/a/42", "x=42"},
		{"/a/42/", "x=42"},
		{"/a/1/b/2", "1,2"},
		{"/a/1/c/2", "fallback"},
		{"/", "fallback"},
	}
	for _, test := range tests {
		got = ""
		pr.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, test.path, nil))
		if got != test.want {
			t.Errorf("%s routed to %q, want %q", test.path, got, test.want)
		}
	}
}

func TestParseConnectionConfig(t *testing.T) {
	tests := []struct {
		stream  string
		query   map[string][]string
		want    []audio.Stream
		wantErr bool
	}{
		{"master", nil, []audio.Stream{audio.StreamMaster}, false},
		{"all", nil, nil, false},
		{"master", map[string][]string{"stream": {"bus"}}, []audio.Stream{audio.StreamMaster, audio.StreamBus}, false},
		{"video", nil, nil, true},
	}
	for _, test := range tests {
		cfg, err := ParseConnectionConfig(test.stream, test.query, 0)
		if (err != nil) != test.wantErr {
			t.Errorf("ParseConnectionConfig(%q) error = %v, wantErr %v", test.stream, err, test.wantErr)
			continue
		}
		if err != nil {
			continue
		}
		if fmt.Sprint(cfg.Streams) != fmt.Sprint(test.want) || cfg.QueueSize != 256 {
			t.Errorf("ParseConnectionConfig(%q) = %v queue %d, want %v queue 256", test.stream, cfg.Streams, cfg.QueueSize, test.want)
		}
	}
}

func dialWS(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial(%s) = %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func TestWebSocket_AudioStream(t *testing.T) {
	srv, _, bus := testServer(t)
	conn := dialWS(t, srv, "/ws/audio/master")

	kind, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var format AudioFormatMessage
	if kind != websocket.TextMessage || json.Unmarshal(data, &format) != nil {
		t.Fatalf("first message = %d %q, want audio_format JSON", kind, data)
	}
	if format.Type != MessageTypeAudioFormat || format.SampleRate != 48000 || format.Channels != 2 || format.SampleFormat != "f32le" {
		t.Errorf("format = %+v", format)
	}

	for bus.GetSubscriberCount() == 0 {
		time.Sleep(time.Millisecond)
	}
	bus.Publish(&audio.Block{Stream: audio.StreamBus, Channels: 1, SampleRate: 48000, Samples: []float32{9}})
	bus.Publish(&audio.Block{Stream: audio.StreamMaster, Sequence: 5, Channels: 2, SampleRate: 48000, Samples: []float32{1, 2, 3, 4}})
	bus.Publish(&audio.Block{Stream: audio.StreamMaster, Sequence: 6, Channels: 2, SampleRate: 48000, Samples: []float32{5, 6}})

	var samples []float32
	for len(samples) < 6 {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage() = %v", err)
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		b, err := audio.DecodeBlock(data)
		if err != nil {
			t.Fatalf("DecodeBlock() = %v", err)
		}
		if b.Channels != 2 {
			t.Errorf("block channels = %d, want 2 (bus blocks filtered out)", b.Channels)
		}
		if len(samples) == 0 && b.Sequence != 5 {
			t.Errorf("first block sequence = %d, want 5", b.Sequence)
		}
		samples = append(samples, b.Samples...)
	}
	if fmt.Sprint(samples) != "[1 2 3 4 5 6]" {
		t.Errorf("samples = %v, want [1 2 3 4 5 6]", samples)
	}
}

func TestWebSocket_Control(t *testing.T) {
	srv, ctrl, _ := testServer(t)
	conn := dialWS(t, srv, "/ws/audio/all")
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatal(err)
	}

	readText := func() map[string]interface{} {
		t.Helper()
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				t.Fatalf("ReadMessage() = %v", err)
			}
			if kind != websocket.TextMessage {
				continue
			}
			var m map[string]interface{}
			if err := json.Unmarshal(data, &m); err != nil {
				t.Fatalf("reply %q: %v", data, err)
			}
			return m
		}
	}

	tests := []struct {
		msg      string
		wantType string
	}{
		{`{"type":"trigger_on","voice_type":"Sine","fields":[0.1,220]}`, MessageTypeVoice},
		{`{"type":"trigger_on","voice_type":"Organ"}`, MessageTypeError},
		{`{"type":"trigger_off","id":99}`, MessageTypeError},
		{`{"type":"dance"}`, MessageTypeError},
		{`not json`, MessageTypeError},
	}
	for _, test := range tests {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(test.msg)); err != nil {
			t.Fatal(err)
		}
		if got := readText(); got["type"] != test.wantType {
			t.Errorf("reply to %s = %v, want type %s", test.msg, got, test.wantType)
		}
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"trigger_off","id":0}`)); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for len(ctrl.Voices()) != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := ctrl.Voices(); len(got) != 0 {
		t.Errorf("voices after trigger_off = %v, want none", got)
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{engine.ErrUnknownVoiceType, http.StatusBadRequest},
		{fmt.Errorf("x: %w", engine.ErrVoiceNotFound), http.StatusNotFound},
		{sequencer.ErrSequenceNotFound, http.StatusNotFound},
		{engine.ErrVoiceVetoed, http.StatusConflict},
		{engine.ErrAllocationFailed, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, test := range tests {
		if got := errorStatus(test.err); got != test.want {
			t.Errorf("errorStatus(%v) = %d, want %d", test.err, got, test.want)
		}
	}
}
