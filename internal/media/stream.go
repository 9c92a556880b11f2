package media

import (
	"sync"
)

// Stream is a mutable container of tracks, the remote side's equivalent of a MediaStream.
// Consumers never hold the container; they receive immutable snapshots.
type Stream struct {
	id      string
	mu      sync.Mutex
	tracks  []*Track
	version int
}

// NewStream creates an empty stream.
func NewStream(id string) *Stream {
	return &Stream{id: id}
}

func (s *Stream) ID() string { return s.id }

// AddTrack appends t unless a track with the same ID is present and returns the new snapshot.
func (s *Stream) AddTrack(t *Track) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cur := range s.tracks {
		if cur.ID() == t.ID() {
			return s.snapshotLocked(), false
		}
	}
	s.tracks = append(s.tracks, t)
	s.version++
	return s.snapshotLocked(), true
}

// RemoveTrack drops the track with the given ID and returns the new snapshot.
func (s *Stream) RemoveTrack(id string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cur := range s.tracks {
		if cur.ID() == id {
			s.tracks = append(s.tracks[:i:i], s.tracks[i+1:]...)
			s.version++
			return s.snapshotLocked(), true
		}
	}
	return s.snapshotLocked(), false
}

// Snapshot returns the current immutable view.
func (s *Stream) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Stream) snapshotLocked() Snapshot {
	tracks := make([]*Track, len(s.tracks))
	copy(tracks, s.tracks)
	return Snapshot{ID: s.id, Version: s.version, Tracks: tracks}
}

// Snapshot is an immutable copy of a stream's track list at one version.
type Snapshot struct {
	ID      string
	Version int
	Tracks  []*Track
}

// Empty reports whether the snapshot carries no tracks.
func (s Snapshot) Empty() bool { return len(s.Tracks) == 0 }

// Set classifies the snapshot's tracks.
func (s Snapshot) Set() TrackSet { return Classify(s.Tracks) }
