package server

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/allolib/allosynth/pkg/audio"
	"github.com/allolib/allosynth/pkg/voice"
)

// WebSocket message types
const (
	MessageTypeAudioFormat = "audio_format"
	MessageTypeError       = "error"
	MessageTypeVoice       = "voice"
	MessageTypeTriggerOn   = "trigger_on"
	MessageTypeTriggerOff  = "trigger_off"
)

// AudioFormatMessage is sent as the first message to inform clients about audio format
type AudioFormatMessage struct {
	Type            string   `json:"type"`
	SampleRate      int      `json:"sample_rate"`
	Channels        int      `json:"channels"`
	BusChannels     int      `json:"bus_channels"`
	FramesPerBuffer int      `json:"frames_per_buffer"`
	SampleFormat    string   `json:"sample_format"`
	Streams         []string `json:"streams"`
}

// ErrorMessage is sent when an error occurs
type ErrorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
	Code  int    `json:"code,omitempty"`
}

// VoiceMessage acknowledges a trigger_on with the id of the started voice.
type VoiceMessage struct {
	Type string `json:"type"`
	ID   int    `json:"id"`
}

// ControlMessage is a client request on the audio socket.
type ControlMessage struct {
	Type      string        `json:"type"`
	VoiceType string        `json:"voice_type,omitempty"`
	Fields    []interface{} `json:"fields,omitempty"`
	ID        int           `json:"id,omitempty"`
}

// CreateAudioFormatMessage creates the initial audio format message
func CreateAudioFormatMessage(format audio.DriverConfig, streams []audio.Stream) ([]byte, error) {
	msg := AudioFormatMessage{
		Type:            MessageTypeAudioFormat,
		SampleRate:      format.SampleRate,
		Channels:        format.ChannelsOut,
		BusChannels:     format.ChannelsBus,
		FramesPerBuffer: format.FramesPerBuffer,
		SampleFormat:    "f32le",
	}
	for _, s := range streams {
		msg.Streams = append(msg.Streams, string(s))
	}
	return json.Marshal(msg)
}

// CreateErrorMessage creates an error message
func CreateErrorMessage(errMsg string, code int) ([]byte, error) {
	msg := ErrorMessage{
		Type:  MessageTypeError,
		Error: errMsg,
		Code:  code,
	}

	return json.Marshal(msg)
}

// CreateVoiceMessage creates a trigger acknowledgement
func CreateVoiceMessage(id int) ([]byte, error) {
	return json.Marshal(VoiceMessage{Type: MessageTypeVoice, ID: id})
}

// ParseFields converts JSON values to trigger fields: numbers and booleans
// become floats, strings stay strings.
func ParseFields(values []interface{}) ([]voice.ParamField, error) {
	fields := make([]voice.ParamField, 0, len(values))
	for i, v := range values {
		switch x := v.(type) {
		case float64:
			fields = append(fields, voice.FloatField(x))
		case string:
			fields = append(fields, voice.StringField(x))
		case bool:
			f := 0.0
			if x {
				f = 1
			}
			fields = append(fields, voice.FloatField(f))
		default:
			return nil, fmt.Errorf("field %d: unsupported value %v", i, v)
		}
	}
	return fields, nil
}

// ConnectionConfig holds configuration for WebSocket connections
type ConnectionConfig struct {
	Streams   []audio.Stream
	QueueSize int
}

// ParseConnectionConfig builds the connection configuration from the stream
// path parameter and the query. "all" or an empty stream subscribes to every
// stream; the query may add more with repeated stream parameters.
func ParseConnectionConfig(stream string, params map[string][]string, queueSize int) (*ConnectionConfig, error) {
	config := &ConnectionConfig{QueueSize: queueSize}
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}

	names := append([]string{stream}, params["stream"]...)
	for _, name := range names {
		switch strings.ToLower(name) {
		case "", "all":
		case string(audio.StreamMaster):
			config.Streams = append(config.Streams, audio.StreamMaster)
		case string(audio.StreamBus):
			config.Streams = append(config.Streams, audio.StreamBus)
		default:
			return nil, fmt.Errorf("unknown stream %q", name)
		}
	}
	return config, nil
}
