package scene

import (
	"sync"

	"github.com/allolib/allosynth/pkg/voice"
)

type audioWorker struct {
	index   int
	scratch voiceScratch
	voices  []voice.Voice
	ids     []int
}

// audioThreads renders a block's voices on a fixed set of goroutines. The
// caller assigns voices round robin, bumps the generation to wake every
// worker and waits until the busy count is back to zero.
type audioThreads struct {
	scene   *DynamicScene
	workers []*audioWorker

	mutex      sync.Mutex
	start      *sync.Cond
	done       *sync.Cond
	generation uint64
	busy       int
	stopped    bool
	ctx        blockContext

	wg sync.WaitGroup
}

func newAudioThreads(s *DynamicScene, n int) *audioThreads {
	t := &audioThreads{scene: s}
	t.start = sync.NewCond(&t.mutex)
	t.done = sync.NewCond(&t.mutex)

	t.wg.Add(n)
	for i := 0; i < n; i++ {
		w := &audioWorker{index: i}
		t.workers = append(t.workers, w)
		go t.loop(w)
	}
	return t
}

func (t *audioThreads) loop(w *audioWorker) {
	defer t.wg.Done()

	var seen uint64
	t.mutex.Lock()
	for {
		for t.generation == seen && !t.stopped {
			t.start.Wait()
		}
		if t.stopped {
			t.mutex.Unlock()
			return
		}
		seen = t.generation
		ctx := t.ctx
		t.mutex.Unlock()

		for _, v := range w.voices {
			t.scene.renderVoice(v, &w.scratch, ctx)
		}

		t.mutex.Lock()
		t.busy--
		if t.busy == 0 {
			t.done.Broadcast()
		}
	}
}

// render spreads active over the workers and blocks until all of them have
// finished the block. active is in trigger order.
func (t *audioThreads) render(ctx blockContext, active []voice.Voice) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	for _, w := range t.workers {
		w.voices = w.voices[:0]
		w.ids = w.ids[:0]
		w.scratch.io = ensureScratch(w.scratch.io, ctx.io, t.scene.voiceChannels, t.scene.busChannels)
	}
	n := 0
	for i := len(active) - 1; i >= 0; i-- {
		v := active[i]
		b := voice.BaseOf(v)
		if !b.Active() {
			continue
		}
		w := t.workers[n%len(t.workers)]
		w.voices = append(w.voices, v)
		w.ids = append(w.ids, b.ID())
		n++
	}
	if n == 0 || t.stopped {
		return
	}

	t.ctx = ctx
	t.busy = len(t.workers)
	t.generation++
	t.start.Broadcast()
	for t.busy > 0 {
		t.done.Wait()
	}
	t.ctx = blockContext{}
}

func (t *audioThreads) stop() {
	t.mutex.Lock()
	t.stopped = true
	t.start.Broadcast()
	t.mutex.Unlock()
	t.wg.Wait()
}
