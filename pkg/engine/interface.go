package engine

import (
	"time"

	"github.com/allolib/allosynth/pkg/audio"
	"github.com/allolib/allosynth/pkg/pose"
	"github.com/allolib/allosynth/pkg/synth"
	"github.com/allolib/allosynth/pkg/voice"
)

// Controller is what the HTTP, WebSocket, OSC and terminal front ends
// drive. Engine implements it.
type Controller interface {
	TriggerVoice(typeName string, fields []voice.ParamField) (int, error)
	ReleaseVoice(id int) error
	AllNotesOff()
	VoiceTypes() []string
	Voices() []synth.VoiceInfo

	Sequences() []string
	PlaySequence(name string, startTime float64) error
	StopSequence()

	StartRecording()
	StopRecording(name string) error

	ListenerPose() pose.Pose
	SetListenerPose(p pose.Pose)

	AudioFormat() audio.DriverConfig
	Stats() Stats
	Shutdown() error
}

// SequenceState describes the sequencer.
type SequenceState struct {
	Name       string  `json:"name"`
	Playing    bool    `json:"playing"`
	MasterTime float64 `json:"master_time"`
	TimeMaster string  `json:"time_master"`
	Tempo      float64 `json:"tempo,omitempty"`
}

// Stats is a snapshot of the running engine.
type Stats struct {
	Backend       string         `json:"backend"`
	SampleRate    int            `json:"sample_rate"`
	BlockSize     int            `json:"block_size"`
	Blocks        uint64         `json:"blocks"`
	GraphicFrames uint64         `json:"graphic_frames"`
	DrawCalls     int            `json:"draw_calls"`
	AudioThreads  int            `json:"audio_threads"`
	Uptime        time.Duration  `json:"uptime"`
	Listener      pose.Pose      `json:"listener"`
	Sequence      SequenceState  `json:"sequence"`
	Synth         synth.Stats    `json:"synth"`
	Bus           audio.BusStats `json:"bus"`
}
