package synth

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/allolib/allosynth/pkg/audio"
	"github.com/allolib/allosynth/pkg/graphics"
	"github.com/allolib/allosynth/pkg/log"
	"github.com/allolib/allosynth/pkg/voice"
)

// ErrUnknownTimeMaster is returned by ParseTimeMasterMode.
var ErrUnknownTimeMaster = errors.New("unknown time master mode")

// TimeMasterMode selects which driver performs list maintenance.
type TimeMasterMode int

const (
	TimeMasterAudio TimeMasterMode = iota
	TimeMasterGraphics
	TimeMasterUpdate
	TimeMasterCPU
	TimeMasterFree
)

func (m TimeMasterMode) String() string {
	switch m {
	case TimeMasterAudio:
		return "audio"
	case TimeMasterGraphics:
		return "graphics"
	case TimeMasterUpdate:
		return "update"
	case TimeMasterCPU:
		return "cpu"
	case TimeMasterFree:
		return "free"
	default:
		return "unknown"
	}
}

// ParseTimeMasterMode maps a config name to a mode.
func ParseTimeMasterMode(s string) (TimeMasterMode, error) {
	switch s {
	case "audio":
		return TimeMasterAudio, nil
	case "graphics":
		return TimeMasterGraphics, nil
	case "update":
		return TimeMasterUpdate, nil
	case "cpu":
		return TimeMasterCPU, nil
	case "free", "async":
		return TimeMasterFree, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownTimeMaster, s)
	}
}

// Creator builds a new voice of a registered type.
type Creator func() voice.Voice

type (
	// TriggerOnCallback runs before a voice is queued; returning false
	// cancels the trigger.
	TriggerOnCallback func(v voice.Voice, offsetFrames, id int, userData any) bool
	// TriggerOffCallback runs before a turn-off is queued; returning false
	// cancels it.
	TriggerOffCallback func(id int) bool
	// FreeCallback runs when a voice is returned to the free list.
	FreeCallback func(v voice.Voice)
	// PostProcessCallback runs on the output block after all voices.
	PostProcessCallback func(io *audio.IOData)
)

type turnOffRequest struct {
	id     int
	offset int
}

// Options configures a PolySynth.
type Options struct {
	TimeMaster       TimeMasterMode
	TurnOffQueueSize int
	CPUGranularity   time.Duration
}

// DefaultOptions returns audio time mastering with a 1024 entry turn-off
// queue.
func DefaultOptions() Options {
	return Options{
		TimeMaster:       TimeMasterAudio,
		TurnOffQueueSize: 1024,
		CPUGranularity:   time.Millisecond,
	}
}

// PolySynth allocates voices and renders the active ones.
//
// Each voice is in exactly one of three lists: free, pending (triggered, not
// yet rendered) and active. The free and pending lists have their own
// locks. Only the time master adds to or removes from the active list;
// other renderers walk it under a read lock. Turn-offs from any goroutine
// go through a lock-free ring drained by the time master.
type PolySynth struct {
	mode TimeMasterMode

	freeMutex sync.Mutex
	free      []voice.Voice

	insertMutex sync.Mutex
	pending     []voice.Voice

	activeMutex sync.RWMutex
	active      []voice.Voice

	turnOff   *Ring[turnOffRequest]
	idCounter atomic.Int32

	registryMutex sync.RWMutex
	creators      map[string]Creator
	noAlloc       map[string]bool

	callbackMutex sync.RWMutex
	onCallbacks   []TriggerOnCallback
	offCallbacks  []TriggerOffCallback
	freeCallbacks []FreeCallback
	postProcess   []PostProcessCallback

	channelMap []int
	scratch    *audio.IOData
	mixer      audio.Mixer

	cpuGranularity time.Duration
	cpuStop        chan struct{}
	cpuDone        chan struct{}
	closeOnce      sync.Once
}

// NewPolySynth creates an allocator. With TimeMasterCPU a background
// goroutine performs list maintenance until Close.
func NewPolySynth(opts Options) *PolySynth {
	if opts.TurnOffQueueSize <= 0 {
		opts.TurnOffQueueSize = DefaultOptions().TurnOffQueueSize
	}
	if opts.CPUGranularity <= 0 {
		opts.CPUGranularity = DefaultOptions().CPUGranularity
	}
	s := &PolySynth{
		mode:           opts.TimeMaster,
		turnOff:        NewRing[turnOffRequest](opts.TurnOffQueueSize),
		creators:       make(map[string]Creator),
		noAlloc:        make(map[string]bool),
		cpuGranularity: opts.CPUGranularity,
	}
	if s.mode == TimeMasterCPU {
		s.startCPUClock()
	}
	return s
}

// TimeMaster returns the configured mode.
func (s *PolySynth) TimeMaster() TimeMasterMode { return s.mode }

func (s *PolySynth) startCPUClock() {
	s.cpuStop = make(chan struct{})
	s.cpuDone = make(chan struct{})
	go func() {
		defer close(s.cpuDone)
		ticker := time.NewTicker(s.cpuGranularity)
		defer ticker.Stop()
		for {
			select {
			case <-s.cpuStop:
				return
			case <-ticker.C:
				s.Maintain()
			}
		}
	}()
}

// Close stops the CPU clock goroutine if one is running.
func (s *PolySynth) Close() {
	s.closeOnce.Do(func() {
		if s.cpuStop != nil {
			close(s.cpuStop)
			<-s.cpuDone
		}
	})
}

// Maintain runs one round of list maintenance: pending voices become
// active, queued turn-offs are applied, and finished voices are freed.
// The time master calls it once per tick.
func (s *PolySynth) Maintain() {
	s.ProcessVoices()
	s.ProcessVoiceTurnOff()
	s.ProcessInactiveVoices()
}

// RegisterVoiceType registers the factory used by GetVoice for name.
func (s *PolySynth) RegisterVoiceType(name string, creator Creator) {
	s.registryMutex.Lock()
	defer s.registryMutex.Unlock()
	s.creators[name] = creator
}

// VoiceTypes returns the registered type names.
func (s *PolySynth) VoiceTypes() []string {
	s.registryMutex.RLock()
	defer s.registryMutex.RUnlock()
	names := make([]string, 0, len(s.creators))
	for name := range s.creators {
		names = append(names, name)
	}
	return names
}

// DisableAllocation stops GetVoice from constructing new voices of name;
// only voices already in the free list are handed out.
func (s *PolySynth) DisableAllocation(name string) {
	s.registryMutex.Lock()
	defer s.registryMutex.Unlock()
	s.noAlloc[name] = true
}

// EnableAllocation undoes DisableAllocation.
func (s *PolySynth) EnableAllocation(name string) {
	s.registryMutex.Lock()
	defer s.registryMutex.Unlock()
	delete(s.noAlloc, name)
}

func (s *PolySynth) RegisterTriggerOnCallback(cb TriggerOnCallback) {
	s.callbackMutex.Lock()
	defer s.callbackMutex.Unlock()
	s.onCallbacks = append(s.onCallbacks, cb)
}

func (s *PolySynth) RegisterTriggerOffCallback(cb TriggerOffCallback) {
	s.callbackMutex.Lock()
	defer s.callbackMutex.Unlock()
	s.offCallbacks = append(s.offCallbacks, cb)
}

func (s *PolySynth) RegisterFreeCallback(cb FreeCallback) {
	s.callbackMutex.Lock()
	defer s.callbackMutex.Unlock()
	s.freeCallbacks = append(s.freeCallbacks, cb)
}

func (s *PolySynth) RegisterPostProcessCallback(cb PostProcessCallback) {
	s.callbackMutex.Lock()
	defer s.callbackMutex.Unlock()
	s.postProcess = append(s.postProcess, cb)
}

// adopt prepares a voice the allocator has not seen before. Only the
// embedded Base is reset; the voice's own Init ran in its constructor.
func adopt(v voice.Voice) *voice.Base {
	b := voice.BaseOf(v)
	if b.List() == voice.ListNone {
		b.Init()
		if b.TypeName() == "" {
			b.SetTypeName(typeNameOf(v))
		}
	}
	return b
}

func typeNameOf(v voice.Voice) string {
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}

// InsertFreeVoice puts v on the free list. Voices already owned by a list
// are left where they are.
func (s *PolySynth) InsertFreeVoice(v voice.Voice) {
	b := adopt(v)

	s.freeMutex.Lock()
	defer s.freeMutex.Unlock()
	switch l := b.List(); l {
	case voice.ListNone, voice.ListHeld:
		s.insertFreeLocked(v)
	default:
		log.Debugf("Not freeing voice %d (%s), it is %s", b.ID(), b.TypeName(), l)
	}
}

// insertFreeLocked appends v to the free list. freeMutex must be held.
func (s *PolySynth) insertFreeLocked(v voice.Voice) {
	b := voice.BaseOf(v)
	b.SetID(-1)
	b.SetUserData(nil)
	b.SetList(voice.ListFree)
	s.free = append(s.free, v)
}

// AllocatePolyphony creates n voices of name and puts them on the free
// list. It returns how many were created.
func (s *PolySynth) AllocatePolyphony(name string, n int) int {
	s.registryMutex.RLock()
	creator, ok := s.creators[name]
	s.registryMutex.RUnlock()
	if !ok {
		log.Warnf("Cannot allocate polyphony for unregistered voice type %q", name)
		return 0
	}
	for i := 0; i < n; i++ {
		v := creator()
		voice.BaseOf(v).SetTypeName(name)
		s.InsertFreeVoice(v)
	}
	return n
}

// GetVoice returns a free voice of type name, or a new one from the
// registered factory when forceAlloc is set and allocation for name is
// enabled. It returns nil when neither is possible; the caller drops the
// trigger.
func (s *PolySynth) GetVoice(name string, forceAlloc bool) voice.Voice {
	s.freeMutex.Lock()
	for i, v := range s.free {
		b := voice.BaseOf(v)
		if b.TypeName() == name {
			s.free = append(s.free[:i], s.free[i+1:]...)
			b.SetList(voice.ListHeld)
			s.freeMutex.Unlock()
			return v
		}
	}
	s.freeMutex.Unlock()

	if !forceAlloc {
		return nil
	}

	s.registryMutex.RLock()
	creator, ok := s.creators[name]
	disabled := s.noAlloc[name]
	s.registryMutex.RUnlock()

	if disabled {
		log.Debugf("No free %s voice and allocation is disabled", name)
		return nil
	}
	if !ok {
		log.Warnf("Voice type %q is not registered", name)
		return nil
	}

	v := creator()
	b := voice.BaseOf(v)
	b.SetTypeName(name)
	adopt(v)
	b.SetList(voice.ListHeld)
	log.WithFields(logrus.Fields{"type": name}).Debug("Allocated new voice")
	return v
}

// TriggerOn queues v to start offsetFrames into the next rendered block and
// returns its id. A negative id keeps the voice's current id or assigns the
// next one from the counter. A voice that is already pending or active is
// restarted in place; one taken straight from the free list is moved off it.
// It returns -1 when a trigger-on callback cancels the trigger, or when v is
// still being reclaimed. A cancelled held voice goes back to the free list; a
// cancelled retrigger leaves the voice where it was.
func (s *PolySynth) TriggerOn(v voice.Voice, offsetFrames, id int, userData any) int {
	b := adopt(v)
	if b.List() == voice.ListFreeing {
		log.Debugf("Voice %d (%s) is being reclaimed, dropping trigger on", b.ID(), b.TypeName())
		return -1
	}
	if id < 0 {
		if b.ID() >= 0 {
			id = b.ID()
		} else {
			id = int(s.idCounter.Add(1) - 1)
		}
	}

	s.callbackMutex.RLock()
	callbacks := s.onCallbacks
	s.callbackMutex.RUnlock()
	for _, cb := range callbacks {
		if !cb(v, offsetFrames, id, userData) {
			log.Debugf("Trigger on for voice %d (%s) cancelled by callback", id, b.TypeName())
			s.InsertFreeVoice(v)
			return -1
		}
	}

	s.freeMutex.Lock()
	defer s.freeMutex.Unlock()
	s.insertMutex.Lock()
	defer s.insertMutex.Unlock()

	l := b.List()
	if l == voice.ListActive || l == voice.ListFreeing {
		// the sweep moves active voices under activeMutex alone
		s.activeMutex.Lock()
		defer s.activeMutex.Unlock()
		l = b.List()
	}
	switch l {
	case voice.ListFreeing:
		log.Debugf("Voice %d (%s) is being reclaimed, dropping trigger on", b.ID(), b.TypeName())
		return -1
	case voice.ListPending, voice.ListActive:
		b.SetID(id)
		b.SetUserData(userData)
		voice.TriggerOn(v, offsetFrames)
		return id
	case voice.ListFree:
		s.free = removeVoice(s.free, v)
	}

	b.SetID(id)
	b.SetUserData(userData)
	voice.TriggerOn(v, offsetFrames)
	b.SetList(voice.ListPending)
	s.pending = append(s.pending, v)
	return id
}

func removeVoice(list []voice.Voice, v voice.Voice) []voice.Voice {
	for i, w := range list {
		if w == v {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// TriggerOff queues the voice with id to stop at the start of the next
// block.
func (s *PolySynth) TriggerOff(id int) bool {
	return s.TriggerOffAt(id, 0)
}

// TriggerOffAt queues the voice with id to stop offsetFrames into the next
// rendered block. The turn-off is applied by the time master.
func (s *PolySynth) TriggerOffAt(id, offsetFrames int) bool {
	s.callbackMutex.RLock()
	callbacks := s.offCallbacks
	s.callbackMutex.RUnlock()
	for _, cb := range callbacks {
		if !cb(id) {
			return false
		}
	}

	if !s.turnOff.Push(turnOffRequest{id: id, offset: offsetFrames}) {
		log.WarnOnce("synth-turnoff-full", "Turn-off queue full (%d entries), dropping turn-off for voice %d", s.turnOff.Cap(), id)
		return false
	}
	return true
}

// AllNotesOff queues a turn-off for every pending and active voice.
func (s *PolySynth) AllNotesOff() {
	s.insertMutex.Lock()
	ids := make([]int, 0, len(s.pending))
	for _, v := range s.pending {
		ids = append(ids, voice.BaseOf(v).ID())
	}
	s.insertMutex.Unlock()

	s.activeMutex.RLock()
	for _, v := range s.active {
		ids = append(ids, voice.BaseOf(v).ID())
	}
	s.activeMutex.RUnlock()

	for _, id := range ids {
		s.TriggerOff(id)
	}
}

// ProcessVoices moves pending voices into the active list.
func (s *PolySynth) ProcessVoices() {
	s.insertMutex.Lock()
	if len(s.pending) == 0 {
		s.insertMutex.Unlock()
		return
	}
	pending := s.pending
	s.pending = nil

	s.activeMutex.Lock()
	for _, v := range pending {
		voice.BaseOf(v).SetList(voice.ListActive)
	}
	s.active = append(s.active, pending...)
	s.activeMutex.Unlock()
	s.insertMutex.Unlock()
}

// ProcessVoiceTurnOff applies queued turn-offs to active voices. Unknown
// ids, including voices already reclaimed, are ignored.
func (s *PolySynth) ProcessVoiceTurnOff() {
	for {
		req, ok := s.turnOff.Pop()
		if !ok {
			return
		}
		if v := s.activeVoice(req.id); v != nil {
			voice.TriggerOff(v, req.offset)
		}
	}
}

func (s *PolySynth) activeVoice(id int) voice.Voice {
	s.activeMutex.RLock()
	defer s.activeMutex.RUnlock()
	for _, v := range s.active {
		b := voice.BaseOf(v)
		if b.ID() == id && b.Active() {
			return v
		}
	}
	return nil
}

// ProcessInactiveVoices runs the free callbacks for voices that are no
// longer active, while their ids are still set, then returns them to the
// free list.
func (s *PolySynth) ProcessInactiveVoices() {
	var freed []voice.Voice

	s.activeMutex.Lock()
	kept := s.active[:0]
	for _, v := range s.active {
		if b := voice.BaseOf(v); b.Active() {
			kept = append(kept, v)
		} else {
			b.SetList(voice.ListFreeing)
			freed = append(freed, v)
		}
	}
	clear(s.active[len(kept):])
	s.active = kept
	s.activeMutex.Unlock()

	if len(freed) == 0 {
		return
	}

	s.callbackMutex.RLock()
	callbacks := s.freeCallbacks
	s.callbackMutex.RUnlock()
	for _, v := range freed {
		for _, cb := range callbacks {
			cb(v)
		}
	}

	s.freeMutex.Lock()
	for _, v := range freed {
		s.insertFreeLocked(v)
	}
	s.freeMutex.Unlock()
}

// ActiveVoices calls fn for each active voice, most recently triggered
// first, under the active list read lock. fn must not call the
// maintenance methods.
func (s *PolySynth) ActiveVoices(fn func(v voice.Voice)) {
	s.activeMutex.RLock()
	defer s.activeMutex.RUnlock()
	for i := len(s.active) - 1; i >= 0; i-- {
		fn(s.active[i])
	}
}

// ActiveList calls fn with the active list, in trigger order, under its
// read lock. fn must not retain the slice or call the maintenance methods.
func (s *PolySynth) ActiveList(fn func(active []voice.Voice)) {
	s.activeMutex.RLock()
	defer s.activeMutex.RUnlock()
	fn(s.active)
}

// VoiceByID returns the pending or active voice with id, or nil.
func (s *PolySynth) VoiceByID(id int) voice.Voice {
	s.insertMutex.Lock()
	for _, v := range s.pending {
		if voice.BaseOf(v).ID() == id {
			s.insertMutex.Unlock()
			return v
		}
	}
	s.insertMutex.Unlock()

	s.activeMutex.RLock()
	defer s.activeMutex.RUnlock()
	for _, v := range s.active {
		if voice.BaseOf(v).ID() == id {
			return v
		}
	}
	return nil
}

// SetChannelMap routes voice output channel i to output channel m[i].
// Voices then render into a scratch block with len(m) channels. A nil map
// renders voices straight into the output.
func (s *PolySynth) SetChannelMap(m []int) {
	s.activeMutex.Lock()
	defer s.activeMutex.Unlock()
	s.channelMap = append([]int(nil), m...)
	if len(m) == 0 {
		s.channelMap = nil
	}
}

// RenderAudio renders every active voice into io. When audio is the time
// master it also performs list maintenance around the walk.
func (s *PolySynth) RenderAudio(io *audio.IOData) {
	master := s.mode == TimeMasterAudio
	if master {
		s.ProcessVoices()
		s.ProcessVoiceTurnOff()
	}

	s.activeMutex.RLock()
	fpb := io.FramesPerBuffer()
	for i := len(s.active) - 1; i >= 0; i-- {
		v := s.active[i]
		if !voice.BaseOf(v).Active() {
			continue
		}
		if s.channelMap != nil {
			s.renderMapped(v, io)
		} else {
			RenderVoice(v, io, fpb)
		}
	}
	s.activeMutex.RUnlock()

	s.PostProcess(io)

	if master {
		s.ProcessInactiveVoices()
	}
}

// PostProcess runs the post-process callbacks over the whole block.
func (s *PolySynth) PostProcess(io *audio.IOData) {
	s.callbackMutex.RLock()
	callbacks := s.postProcess
	s.callbackMutex.RUnlock()
	for _, cb := range callbacks {
		io.SetRange(0, io.FramesPerBuffer())
		cb(io)
	}
}

func (s *PolySynth) renderMapped(v voice.Voice, io *audio.IOData) {
	fpb := io.FramesPerBuffer()
	if s.scratch == nil {
		s.scratch = audio.NewIOData(fpb, len(s.channelMap), io.ChannelsBus(), io.SampleRate())
	} else if s.scratch.FramesPerBuffer() != fpb || s.scratch.ChannelsOut() != len(s.channelMap) || s.scratch.ChannelsBus() != io.ChannelsBus() {
		s.scratch.Resize(fpb, len(s.channelMap), io.ChannelsBus())
	}
	s.scratch.SetSampleRate(io.SampleRate())
	for i := 0; i < io.ChannelsBus(); i++ {
		s.scratch.SetBus(i, io.Bus(i))
	}
	s.scratch.ZeroOut()

	if !RenderVoice(v, s.scratch, fpb) {
		return
	}
	for i, out := range s.channelMap {
		if out < 0 || out >= io.ChannelsOut() {
			log.WarnOnce(fmt.Sprintf("synth-channel-map-%d", out), "Channel map target %d exceeds %d output channels", out, io.ChannelsOut())
			continue
		}
		s.mixer.MixGain(io.Out(out), s.scratch.Out(i), 1)
	}
}

// RenderVoice renders one block of v into io, honoring its start and end
// offsets. It reports whether the voice produced output this block.
func RenderVoice(v voice.Voice, io *audio.IOData, framesPerBuffer int) bool {
	b := voice.BaseOf(v)
	start := b.StartOffsetFrames(framesPerBuffer)
	end := b.EndOffsetFrames(framesPerBuffer)
	if end >= 0 && end < start {
		// ended before it started
		b.Free()
		return false
	}
	if start >= framesPerBuffer {
		return false
	}
	windowEnd := framesPerBuffer
	if end >= 0 && b.FreesAtEnd() {
		windowEnd = end
	}
	io.SetRange(start, windowEnd)
	v.OnProcessAudio(io)
	b.BlockRendered(end)
	return true
}

// RenderGraphics draws every active voice, most recent first.
func (s *PolySynth) RenderGraphics(g graphics.Graphics) {
	if s.mode == TimeMasterGraphics {
		s.ProcessVoices()
		s.ProcessVoiceTurnOff()
	}
	s.ActiveVoices(func(v voice.Voice) {
		if voice.BaseOf(v).Active() {
			v.OnProcessGraphics(g)
		}
	})
	if s.mode == TimeMasterGraphics {
		s.ProcessInactiveVoices()
	}
}

// Update advances every active voice by dt seconds.
func (s *PolySynth) Update(dt float64) {
	if s.mode == TimeMasterUpdate {
		s.ProcessVoices()
		s.ProcessVoiceTurnOff()
	}
	s.ActiveVoices(func(v voice.Voice) {
		if voice.BaseOf(v).Active() {
			v.Update(dt)
		}
	})
	if s.mode == TimeMasterUpdate {
		s.ProcessInactiveVoices()
	}
}

// Lists is a snapshot of the three voice lists.
type Lists struct {
	Free    []voice.Voice
	Pending []voice.Voice
	Active  []voice.Voice
}

// Lists takes a consistent snapshot of all three lists.
func (s *PolySynth) Lists() Lists {
	s.freeMutex.Lock()
	defer s.freeMutex.Unlock()
	s.insertMutex.Lock()
	defer s.insertMutex.Unlock()
	s.activeMutex.RLock()
	defer s.activeMutex.RUnlock()

	return Lists{
		Free:    append([]voice.Voice(nil), s.free...),
		Pending: append([]voice.Voice(nil), s.pending...),
		Active:  append([]voice.Voice(nil), s.active...),
	}
}

// TypeStats counts the voices of one type in each list.
type TypeStats struct {
	Free    int `json:"free"`
	Pending int `json:"pending"`
	Active  int `json:"active"`
}

// Stats summarizes the allocator.
type Stats struct {
	TimeMaster   string               `json:"time_master"`
	NextID       int                  `json:"next_id"`
	QueuedOff    int                  `json:"queued_turn_offs"`
	Types        map[string]TypeStats `json:"types"`
	ActiveVoices []VoiceInfo          `json:"active_voices"`
}

// VoiceInfo describes one sounding voice.
type VoiceInfo struct {
	ID     int                `json:"id"`
	Type   string             `json:"type"`
	Params []voice.ParamField `json:"-"`
	Fields string             `json:"params"`
}

// Stats returns per-type list counts and the sounding voices.
func (s *PolySynth) Stats() Stats {
	lists := s.Lists()
	st := Stats{
		TimeMaster: s.mode.String(),
		NextID:     int(s.idCounter.Load()),
		QueuedOff:  s.turnOff.Len(),
		Types:      make(map[string]TypeStats),
	}
	count := func(vs []voice.Voice, add func(*TypeStats)) {
		for _, v := range vs {
			name := voice.BaseOf(v).TypeName()
			ts := st.Types[name]
			add(&ts)
			st.Types[name] = ts
		}
	}
	count(lists.Free, func(ts *TypeStats) { ts.Free++ })
	count(lists.Pending, func(ts *TypeStats) { ts.Pending++ })
	count(lists.Active, func(ts *TypeStats) { ts.Active++ })

	for i := len(lists.Active) - 1; i >= 0; i-- {
		v := lists.Active[i]
		b := voice.BaseOf(v)
		params := v.TriggerParams()
		st.ActiveVoices = append(st.ActiveVoices, VoiceInfo{
			ID:     b.ID(),
			Type:   b.TypeName(),
			Params: params,
			Fields: voice.FormatFields(params),
		})
	}
	return st
}
