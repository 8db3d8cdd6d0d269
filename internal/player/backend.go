package player

import (
	"context"
	"time"
)

// Capability describes which optional operations a backend supports.
// Invoking an operation the backend did not advertise is a no-op, never
// an error.
type Capability uint8

const (
	CapFavourite Capability = 1 << iota
	CapServerSidePause
	CapPreviousTrack
	CapNextTrack
	CapSearchTracks
	CapTimeInfo
)

// Has reports whether all bits in want are present.
func (c Capability) Has(want Capability) bool {
	return c&want == want
}

// Session owns actual sound output: whether audio is coming out and how
// loud. Volume is 0..100. Setting the volume while muted only stores the
// target; Unmute re-applies it.
type Session interface {
	SetVolume(volume int)
	Volume() int

	Mute()
	Unmute()
	Muted() bool

	Play()
	Pause()
	Stop()
	Playing() bool
}

// Backend owns "what song is this and what can I do to it". It publishes
// song changes through the model it was constructed with.
type Backend interface {
	// CurrentSong returns the latest known song, or nil before the first
	// metadata arrives.
	CurrentSong() *Song

	// Ready reports whether the backend has usable playback state.
	// Callers must not Start playback before then.
	Ready() bool

	Start()
	Pause()
	Stop()

	// Refresh re-establishes the backend's source: the stream backend
	// retries login and reconnects its metadata channel, the library
	// backend reloads its playlist. Idempotent.
	Refresh()

	// NextSong and PreviousSong are no-ops unless the corresponding
	// capability is advertised.
	NextSong()
	PreviousSong()

	// ToggleFavourite optimistically flips the current song's favourite
	// state and reconciles with the remote service asynchronously.
	ToggleFavourite()

	// Elapsed returns the playback position within the current song.
	Elapsed() time.Duration

	Audio() Session
	Capabilities() Capability
}

// Librarian is the extended interface for backends that manage an
// ordered, searchable track list. Obtain it with a type assertion on a
// Backend; this is the one sanctioned downcast point.
type Librarian interface {
	// SearchSongs streams matches for query and closes the channel when
	// the search completes. It never blocks the caller.
	SearchSongs(ctx context.Context, query string) <-chan Song

	// EnqueueSong places the song with the given id on the manual queue.
	// If immediately is set, it is spliced to play next and playback
	// advances to it now.
	EnqueueSong(id int, immediately bool)

	// Playlists lists the named track groups the backend knows about.
	Playlists() []string

	// SetPlaylist restricts playback to one playlist; the empty name
	// clears the restriction. Unknown names select nothing.
	SetPlaylist(name string)

	SetShuffle(mode ShuffleMode)
}

// ShuffleMode selects how the library backend orders its working set.
type ShuffleMode int

const (
	ShuffleNone ShuffleMode = iota
	ShuffleRandom
	ShuffleOldestPlayed
	ShuffleLeastPlayed
)

func (m ShuffleMode) String() string {
	switch m {
	case ShuffleNone:
		return "none"
	case ShuffleRandom:
		return "random"
	case ShuffleOldestPlayed:
		return "oldest-played"
	case ShuffleLeastPlayed:
		return "least-played"
	default:
		return "unknown"
	}
}

// ParseShuffleMode maps a config value to a ShuffleMode, defaulting to
// random for unrecognised input.
func ParseShuffleMode(s string) ShuffleMode {
	switch s {
	case "none":
		return ShuffleNone
	case "oldest-played":
		return ShuffleOldestPlayed
	case "least-played":
		return ShuffleLeastPlayed
	default:
		return ShuffleRandom
	}
}
