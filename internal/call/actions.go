package call

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/aura-webinar/coachcall/internal/media"
)

// ErrNoDevice is returned when toggling a track the call never acquired.
var ErrNoDevice = errors.New("call: no such local track")

// SetAudioEnabled mutes or unmutes the microphone. Muted audio is sent as silence.
func (c *Controller) SetAudioEnabled(enabled bool) error {
	return c.do(func() error {
		if c.local.Microphone == nil {
			return ErrNoDevice
		}
		c.local.Microphone.SetEnabled(enabled)
		c.update(func(s *State) { s.AudioEnabled = enabled })
		return nil
	})
}

// SetVideoEnabled turns the camera picture on or off. A disabled camera sends black frames.
func (c *Controller) SetVideoEnabled(enabled bool) error {
	return c.do(func() error {
		if c.local.Camera == nil {
			return ErrNoDevice
		}
		c.local.Camera.SetEnabled(enabled)
		c.update(func(s *State) { s.VideoEnabled = enabled })
		return nil
	})
}

// ToggleAudio flips the microphone and returns the new enabled state.
func (c *Controller) ToggleAudio() (bool, error) {
	enabled := !c.State().AudioEnabled
	return enabled, c.SetAudioEnabled(enabled)
}

// ToggleVideo flips the camera and returns the new enabled state.
func (c *Controller) ToggleVideo() (bool, error) {
	enabled := !c.State().VideoEnabled
	return enabled, c.SetVideoEnabled(enabled)
}

// StartScreenShare captures the display and swaps it onto the outbound video sender without
// renegotiation. When the capture ends on its own the camera is restored.
func (c *Controller) StartScreenShare(ctx context.Context) error {
	if c.State().ScreenSharing {
		return nil
	}
	video, audio, err := media.AcquireScreenShare(ctx, c.cfg.Devices, c.cfg.Display)
	if err != nil {
		c.logger.Warn("screen share unavailable", zap.Error(err))
		return err
	}
	err = c.do(func() error {
		if c.local.ScreenShare != nil {
			return errors.New("call: already sharing")
		}
		c.local.ScreenShare, c.local.ScreenAudio = video, audio
		if err := c.pm.ReplaceVideo(video); err != nil {
			c.local.ScreenShare, c.local.ScreenAudio = nil, nil
			return fmt.Errorf("replace video: %w", err)
		}
		if audio != nil {
			if err := c.pm.SetScreenAudio(audio); err != nil {
				c.logger.Warn("send screen audio", zap.Error(err))
			}
		}
		video.OnEnded(func() { c.post(func() { c.stopScreenShare(video) }) })
		c.rec.UpdateSources(c.local, c.remote.Set())
		c.update(func(s *State) { s.ScreenSharing = true })
		c.logger.Info("screen share started", zap.Bool("audio", audio != nil))
		return nil
	})
	if err != nil {
		video.Stop()
		if audio != nil {
			audio.Stop()
		}
	}
	return err
}

// StopScreenShare ends the display capture and restores the camera on the sender.
func (c *Controller) StopScreenShare() error {
	return c.do(func() error {
		c.stopScreenShare(c.local.ScreenShare)
		return nil
	})
}

// ToggleScreenShare starts or stops sharing and returns whether sharing is now on.
func (c *Controller) ToggleScreenShare(ctx context.Context) (bool, error) {
	if c.State().ScreenSharing {
		return false, c.StopScreenShare()
	}
	if err := c.StartScreenShare(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// stopScreenShare is a no-op unless video is still the active share.
func (c *Controller) stopScreenShare(video *media.Track) {
	if video == nil || c.local.ScreenShare != video {
		return
	}
	audio := c.local.ScreenAudio
	c.local.ScreenShare, c.local.ScreenAudio = nil, nil
	if err := c.pm.ReplaceVideo(c.local.Camera); err != nil {
		c.logger.Warn("restore camera", zap.Error(err))
	}
	if audio != nil {
		if err := c.pm.SetScreenAudio(nil); err != nil {
			c.logger.Debug("stop screen audio", zap.Error(err))
		}
		audio.Stop()
	}
	video.Stop()
	c.rec.UpdateSources(c.local, c.remote.Set())
	c.update(func(s *State) { s.ScreenSharing = false })
	c.logger.Info("screen share stopped")
}
