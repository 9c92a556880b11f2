package media

import "strings"

// IsScreenShare distinguishes display captures from cameras. The display surface wins when
// known; otherwise the label is checked for "screen" or "display".
func IsScreenShare(surface Surface, label string) bool {
	switch surface {
	case SurfaceMonitor, SurfaceWindow, SurfaceBrowser:
		return true
	}
	l := strings.ToLower(label)
	return strings.Contains(l, "screen") || strings.Contains(l, "display")
}

// TrackSet is the classified view of one participant's tracks.
type TrackSet struct {
	Camera      *Track
	Microphone  *Track
	ScreenShare *Track
	ScreenAudio *Track
}

// Classify sorts tracks into camera, microphone and screen slots. The first track that fits a slot wins.
func Classify(tracks []*Track) TrackSet {
	var ts TrackSet
	for _, t := range tracks {
		if t == nil {
			continue
		}
		screen := t.IsScreenShare()
		switch {
		case t.Kind() == KindVideo && screen && ts.ScreenShare == nil:
			ts.ScreenShare = t
		case t.Kind() == KindVideo && !screen && ts.Camera == nil:
			ts.Camera = t
		case t.Kind() == KindAudio && screen && ts.ScreenAudio == nil:
			ts.ScreenAudio = t
		case t.Kind() == KindAudio && !screen && ts.Microphone == nil:
			ts.Microphone = t
		}
	}
	return ts
}

// Tracks returns the non-nil tracks in the set.
func (s TrackSet) Tracks() []*Track {
	var out []*Track
	for _, t := range []*Track{s.Camera, s.Microphone, s.ScreenShare, s.ScreenAudio} {
		if t != nil {
			out = append(out, t)
		}
	}
	return out
}

// HasVideo reports whether a live video track is present.
func (s TrackSet) HasVideo() bool {
	return live(s.Camera) || live(s.ScreenShare)
}

// Stop ends every track in the set.
func (s TrackSet) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

func live(t *Track) bool { return t != nil && !t.Ended() }
