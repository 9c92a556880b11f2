package recorder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-webinar/coachcall/internal/media"
)

func constant(v int16) []int16 {
	s := make([]int16, media.ChunkSamples)
	for i := range s {
		s[i] = v
	}
	return s
}

func TestMixerSumsDistinctSources(t *testing.T) {
	m := NewMixer(nil)
	defer m.Stop()
	localMic := media.NewTrack(media.KindAudio, "microphone", media.Settings{}, nil)
	remoteMic := media.NewTrack(media.KindAudio, "remote microphone", media.Settings{}, nil)
	screenAudio := media.NewTrack(media.KindAudio, "screen audio", media.Settings{}, nil)

	m.Connect(localMic, 1)
	m.Connect(remoteMic, 1)
	m.Connect(screenAudio, 0.8)
	m.Connect(localMic, 1)
	m.Connect(media.NewTrack(media.KindVideo, "camera", media.Settings{}, nil), 1)

	nodes := m.Nodes()
	require.Len(t, nodes, 3, "one node per distinct audio track")
	assert.Equal(t, localMic.ID(), nodes[0].TrackID)
	assert.Equal(t, remoteMic.ID(), nodes[1].TrackID)
	assert.Equal(t, 0.8, nodes[2].Gain)

	localMic.WriteAudio(constant(1000), 0)
	remoteMic.WriteAudio(constant(2000), 0)
	screenAudio.WriteAudio(constant(1000), 0)
	require.Eventually(t, func() bool {
		for _, id := range []string{localMic.ID(), remoteMic.ID(), screenAudio.ID()} {
			m.mu.Lock()
			n := m.nodes[id]
			m.mu.Unlock()
			n.mu.Lock()
			queued := len(n.queue)
			n.mu.Unlock()
			if queued < media.ChunkSamples {
				return false
			}
		}
		return true
	}, time.Second, time.Millisecond)

	out := m.mix()
	require.Len(t, out, media.ChunkSamples)
	assert.Equal(t, int16(3800), out[0])
	assert.Equal(t, int16(0), m.mix()[0], "drained sources contribute silence")
}

func TestMixerClipsAndDisconnects(t *testing.T) {
	m := NewMixer(nil)
	defer m.Stop()
	a := media.NewTrack(media.KindAudio, "a", media.Settings{}, nil)
	b := media.NewTrack(media.KindAudio, "b", media.Settings{}, nil)
	m.Connect(a, 1)
	m.Connect(b, 1)

	a.WriteAudio(constant(30000), 0)
	b.WriteAudio(constant(30000), 0)
	require.Eventually(t, func() bool {
		m.mu.Lock()
		na, nb := m.nodes[a.ID()], m.nodes[b.ID()]
		m.mu.Unlock()
		na.mu.Lock()
		nb.mu.Lock()
		defer na.mu.Unlock()
		defer nb.mu.Unlock()
		return len(na.queue) > 0 && len(nb.queue) > 0
	}, time.Second, time.Millisecond)
	assert.Equal(t, int16(32767), m.mix()[0])

	m.Disconnect(a.ID())
	require.Len(t, m.Nodes(), 1)
	assert.Equal(t, b.ID(), m.Nodes()[0].TrackID)
}

func TestMixerProducesChunksOnDestination(t *testing.T) {
	m := NewMixer(nil)
	chunks, cancel := m.Destination().SubscribeAudio(4)
	defer cancel()
	m.Start()
	select {
	case c := <-chunks:
		assert.Len(t, c.Samples, media.ChunkSamples)
	case <-time.After(time.Second):
		t.Fatal("no mixed chunk")
	}
	m.Stop()
	assert.True(t, m.Destination().Ended())
}

func TestMixerGainUpdatesWhileRunning(t *testing.T) {
	m := NewMixer(nil)
	mic := media.NewTrack(media.KindAudio, "microphone", media.Settings{}, nil)
	m.Connect(mic, 1)
	m.Start()

	deadline := time.Now().Add(200 * time.Millisecond)
	for i := 0; time.Now().Before(deadline); i++ {
		m.Connect(mic, float64(i%2))
		mic.WriteAudio(constant(100), 0)
		time.Sleep(time.Millisecond)
	}
	m.Connect(mic, 0.5)
	nodes := m.Nodes()
	require.Len(t, nodes, 1, "reconnecting only updates the gain")
	assert.Equal(t, 0.5, nodes[0].Gain)

	m.Stop()
	assert.Empty(t, m.Nodes())
}
