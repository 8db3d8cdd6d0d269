package player

import (
	"strings"
	"time"
)

// FavouriteState models an optimistic favourite toggle. The UI-facing
// state moves to a Pending value immediately; the confirmed outcome is
// applied later via Finalise or Cancel.
type FavouriteState int

const (
	FavouriteNo FavouriteState = iota
	FavouriteYes
	FavouritePendingYes
	FavouritePendingNo
)

// Toggle returns the pending state for the opposite of the current value.
func (f FavouriteState) Toggle() FavouriteState {
	switch f {
	case FavouriteYes, FavouritePendingYes:
		return FavouritePendingNo
	default:
		return FavouritePendingYes
	}
}

// Finalise commits a pending state after the server confirmed the change.
func (f FavouriteState) Finalise() FavouriteState {
	switch f {
	case FavouriteYes, FavouritePendingYes:
		return FavouriteYes
	default:
		return FavouriteNo
	}
}

// Cancel rolls back a pending state after the server rejected the change.
// It reverts to the opposite of what was pending, not to the previously
// confirmed value: a rejected toggle usually means the server already held
// the state we were trying to set.
func (f FavouriteState) Cancel() FavouriteState {
	switch f {
	case FavouritePendingYes:
		return FavouriteNo
	case FavouritePendingNo:
		return FavouriteYes
	default:
		return f
	}
}

// Bool reports whether the state counts as favourited, pending included.
func (f FavouriteState) Bool() bool {
	return f == FavouriteYes || f == FavouritePendingYes
}

// Pending reports whether the state awaits server confirmation.
func (f FavouriteState) Pending() bool {
	return f == FavouritePendingYes || f == FavouritePendingNo
}

func (f FavouriteState) String() string {
	switch f {
	case FavouriteYes:
		return "yes"
	case FavouriteNo:
		return "no"
	case FavouritePendingYes:
		return "pending-yes"
	case FavouritePendingNo:
		return "pending-no"
	default:
		return "unknown"
	}
}

// Song is the unit of metadata published by a backend. The ID is only
// unique within one backend instance. Identity is the ID alone; display
// fields (favourite state, art) may keep changing after the song is first
// published.
type Song struct {
	ID        int
	Title     string
	Artists   []string
	Album     string
	ArtURL    string
	Favourite FavouriteState
	Duration  time.Duration // 0 when unknown
}

// Same reports whether other refers to the same song. Only the ID counts,
// so in-flight favourite edits can be matched back to the displayed song.
func (s *Song) Same(other *Song) bool {
	if s == nil || other == nil {
		return s == other
	}
	return s.ID == other.ID
}

// ArtistLine joins the artist names for display.
func (s *Song) ArtistLine() string {
	if s == nil || len(s.Artists) == 0 {
		return ""
	}
	return strings.Join(s.Artists, ", ")
}

// PlaybackState is the transport state published alongside each song
// change. Elapsed is the last known position regardless of Playing.
type PlaybackState struct {
	Playing bool
	Elapsed time.Duration
}
