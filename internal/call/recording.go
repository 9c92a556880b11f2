package call

import (
	"go.uber.org/zap"

	"github.com/aura-webinar/coachcall/internal/lifecycle"
	"github.com/aura-webinar/coachcall/internal/recorder"
	"github.com/pion/webrtc/v3"
)

// scheduleAutoStart re-checks the recording guard after the debounce delay. Both triggers
// schedule a check; whichever runs first starts the recorder and the other finds it active.
func (c *Controller) scheduleAutoStart(reason string) {
	c.after(c.cfg.AutoStartDelay, func() { c.maybeStartRecording(reason) })
}

func (c *Controller) maybeStartRecording(reason string) {
	guard := lifecycle.Guard{
		PeerConnection:  c.pm.State().Connection != webrtc.PeerConnectionStateClosed,
		LocalMediaReady: c.localReady(),
		Recording:       c.recStarting || c.recStarted || c.rec.State() != recorder.StateIdle,
	}
	if !c.coord.ShouldRecord(guard) {
		c.logger.Debug("recording not started", zap.String("trigger", reason),
			zap.String("role", string(c.coord.Role())), zap.Bool("recording", guard.Recording))
		return
	}
	c.startRecording(reason)
}

// startRecording runs the recorder start off the loop. Teardown waits for it through recStarts
// before stopping the recorder.
func (c *Controller) startRecording(reason string) {
	c.recStarting = true
	local, remote := c.local, c.remote.Set()
	c.logger.Info("starting recording", zap.String("trigger", reason))
	c.recStarts.Add(1)
	go func() {
		defer c.recStarts.Done()
		err := c.rec.Start(c.ctx, local, remote)
		c.post(func() {
			c.recStarting = false
			if err != nil {
				c.logger.Warn("recording failed to start, call continues", zap.Error(err))
				return
			}
			c.recStarted = true
			c.rec.UpdateSources(c.local, c.remote.Set())
		})
	}()
}

func (c *Controller) refreshRecording() {
	st := c.rec.Status()
	c.update(func(s *State) {
		s.RecordingState = st.State
		s.RecordingURL = st.URL
		s.RecordingError = ""
		if st.UploadErr != nil {
			s.RecordingError = st.UploadErr.Error()
		}
	})
}
