package recorder

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aura-webinar/coachcall/internal/media"
)

// maxQueued bounds each source's backlog; older samples are dropped.
const maxQueued = media.ChunkSamples * 25

// SourceNode is one audio input of the mixer with its own gain stage.
type SourceNode struct {
	track  *media.Track
	gain   float64 // guarded by Mixer.mu
	cancel func()

	mu    sync.Mutex
	queue []int16
}

// NodeInfo describes a connected source.
type NodeInfo struct {
	TrackID string
	Label   string
	Gain    float64
}

func (n *SourceNode) push(samples []int16) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.queue = append(n.queue, samples...)
	if over := len(n.queue) - maxQueued; over > 0 {
		n.queue = append(n.queue[:0], n.queue[over:]...)
	}
}

// pull removes up to len(dst) samples into dst and reports how many were available.
func (n *SourceNode) pull(dst []int16) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	k := copy(dst, n.queue)
	n.queue = append(n.queue[:0], n.queue[k:]...)
	return k
}

// Mixer sums every connected source into one destination track, one chunk per tick.
type Mixer struct {
	logger *zap.Logger
	dest   *media.Track

	mu      sync.Mutex
	nodes   map[string]*SourceNode
	order   []string
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewMixer creates a mixer with an idle destination.
func NewMixer(logger *zap.Logger) *Mixer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mixer{
		logger: logger,
		dest:   media.NewTrack(media.KindAudio, "mixed audio", media.Settings{}, nil),
		nodes:  make(map[string]*SourceNode),
	}
}

// Destination is the mixed output track.
func (m *Mixer) Destination() *media.Track { return m.dest }

// Connect routes t into the destination through a gain stage. Connecting the same track again
// only updates its gain.
func (m *Mixer) Connect(t *media.Track, gain float64) {
	if t == nil || t.Kind() != media.KindAudio {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.nodes[t.ID()]; ok {
		n.gain = gain
		return
	}
	chunks, cancel := t.SubscribeAudio(16)
	n := &SourceNode{track: t, gain: gain, cancel: cancel}
	m.nodes[t.ID()] = n
	m.order = append(m.order, t.ID())
	go func() {
		for c := range chunks {
			n.push(c.Samples)
		}
	}()
	m.logger.Debug("audio source connected", zap.String("label", t.Label()), zap.Float64("gain", gain))
}

// Disconnect removes a source.
func (m *Mixer) Disconnect(trackID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[trackID]
	if !ok {
		return
	}
	n.cancel()
	delete(m.nodes, trackID)
	for i, id := range m.order {
		if id == trackID {
			m.order = append(m.order[:i:i], m.order[i+1:]...)
			break
		}
	}
}

// Nodes lists the connected sources in connection order.
func (m *Mixer) Nodes() []NodeInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]NodeInfo, 0, len(m.order))
	for _, id := range m.order {
		n := m.nodes[id]
		out = append(out, NodeInfo{TrackID: id, Label: n.track.Label(), Gain: n.gain})
	}
	return out
}

// Start begins producing one mixed chunk every 20ms.
func (m *Mixer) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.loop(m.stop, m.done)
}

func (m *Mixer) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(media.ChunkDuration)
	defer t.Stop()
	var ts time.Duration
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			m.dest.WriteAudio(m.mix(), ts)
			ts += media.ChunkDuration
		}
	}
}

// mix pulls one chunk from every source and sums them with gain and clipping.
func (m *Mixer) mix() []int16 {
	type input struct {
		node *SourceNode
		gain float64
	}
	m.mu.Lock()
	inputs := make([]input, 0, len(m.order))
	for _, id := range m.order {
		n := m.nodes[id]
		inputs = append(inputs, input{node: n, gain: n.gain})
	}
	m.mu.Unlock()

	acc := make([]float64, media.ChunkSamples)
	buf := make([]int16, media.ChunkSamples)
	for _, in := range inputs {
		k := in.node.pull(buf)
		for i := 0; i < k; i++ {
			acc[i] += float64(buf[i]) * in.gain
		}
	}
	out := make([]int16, media.ChunkSamples)
	for i, v := range acc {
		out[i] = int16(math.Max(math.MinInt16, math.Min(math.MaxInt16, math.Round(v))))
	}
	return out
}

// Stop halts the mixer, disconnects every source and ends the destination.
func (m *Mixer) Stop() {
	m.mu.Lock()
	running, stop, done := m.running, m.stop, m.done
	m.running = false
	for _, n := range m.nodes {
		n.cancel()
	}
	m.nodes = make(map[string]*SourceNode)
	m.order = nil
	m.mu.Unlock()
	if running {
		close(stop)
		<-done
	}
	m.dest.Stop()
}
