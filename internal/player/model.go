package player

import (
	"sync"

	"github.com/rs/zerolog"
)

// Publisher is the event sink a backend publishes song changes into.
// Model implements it; backends hold it rather than the whole model.
type Publisher interface {
	// OnSongChange publishes a new or updated song together with the
	// current playback state. Passing the same song again (matched by
	// id) re-publishes updated display fields such as favourite state
	// or album art.
	OnSongChange(song *Song)
}

// Subscriber receives every song-change and playback-state event.
// Subscribers are invoked in subscription order, synchronously within
// one fan-out pass.
type Subscriber func(song *Song, state PlaybackState)

// Model is the playback orchestrator. It owns the active backend,
// bridges playback intents to the backend and its audio session, and
// fans events out to subscribers (presence relays, state file, stats).
type Model struct {
	logger zerolog.Logger

	mu      sync.Mutex
	backend Backend
	playing bool
	current *Song
	subs    []Subscriber

	// fanMu serialises fan-out passes so no subscriber observes events
	// out of order when backends publish concurrently.
	fanMu sync.Mutex
}

func NewModel(logger zerolog.Logger) *Model {
	return &Model{
		logger: logger.With().Str("component", "model").Logger(),
	}
}

// Subscribe registers fn for all subsequent events.
func (m *Model) Subscribe(fn Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
}

// Backend returns the active backend, or nil during a swap window.
func (m *Model) Backend() Backend {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backend
}

// OnSongChange implements Publisher.
func (m *Model) OnSongChange(song *Song) {
	m.mu.Lock()
	m.current = song
	state := m.stateLocked()
	subs := make([]Subscriber, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	m.fanMu.Lock()
	defer m.fanMu.Unlock()
	for _, sub := range subs {
		sub(song, state)
	}
}

// CurrentSong returns the last published song, if any.
func (m *Model) CurrentSong() *Song {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// State returns the current playback state.
func (m *Model) State() PlaybackState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

func (m *Model) stateLocked() PlaybackState {
	state := PlaybackState{Playing: m.playing}
	if m.backend != nil {
		state.Elapsed = m.backend.Elapsed()
	}
	return state
}

// SetPlaying starts or pauses playback. Starting before the backend is
// ready self-reverts: the intent is dropped and the state stays paused.
func (m *Model) SetPlaying(playing bool) {
	m.mu.Lock()
	backend := m.backend
	if backend == nil {
		m.mu.Unlock()
		m.logger.Debug().Msg("playback intent with no active backend")
		return
	}
	if playing && !backend.Ready() {
		m.playing = false
		m.mu.Unlock()
		m.logger.Debug().Msg("backend not ready, ignoring play")
		return
	}
	m.playing = playing
	song := m.current
	state := m.stateLocked()
	subs := make([]Subscriber, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	if playing {
		backend.Start()
		backend.Audio().Play()
	} else {
		backend.Audio().Pause()
		backend.Pause()
	}

	m.fanMu.Lock()
	for _, sub := range subs {
		sub(song, state)
	}
	m.fanMu.Unlock()
}

// TogglePlaying flips between playing and paused.
func (m *Model) TogglePlaying() {
	m.mu.Lock()
	playing := m.playing
	m.mu.Unlock()
	m.SetPlaying(!playing)
}

// Playing reports whether playback is active.
func (m *Model) Playing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.playing
}

// ToggleFavourite forwards the favourite intent to the active backend.
func (m *Model) ToggleFavourite() {
	if b := m.Backend(); b != nil {
		b.ToggleFavourite()
	}
}

// NextSong forwards the skip intent if the backend advertises it.
func (m *Model) NextSong() {
	if b := m.Backend(); b != nil && b.Capabilities().Has(CapNextTrack) {
		b.NextSong()
	}
}

// PreviousSong forwards the back intent if the backend advertises it.
func (m *Model) PreviousSong() {
	if b := m.Backend(); b != nil && b.Capabilities().Has(CapPreviousTrack) {
		b.PreviousSong()
	}
}

// Refresh forwards a refresh intent to the active backend.
func (m *Model) Refresh() {
	if b := m.Backend(); b != nil {
		b.Refresh()
	}
}

func (m *Model) SetVolume(volume int) {
	if b := m.Backend(); b != nil {
		b.Audio().SetVolume(volume)
	}
}

func (m *Model) Volume() int {
	if b := m.Backend(); b != nil {
		return b.Audio().Volume()
	}
	return 0
}

func (m *Model) SetMuted(muted bool) {
	b := m.Backend()
	if b == nil {
		return
	}
	if muted {
		b.Audio().Mute()
	} else {
		b.Audio().Unmute()
	}
}

func (m *Model) Muted() bool {
	if b := m.Backend(); b != nil {
		return b.Audio().Muted()
	}
	return false
}

// Swap replaces the active backend. The outgoing backend's audio is
// stopped and it is detached before the replacement is constructed
// against the same publisher. Playback intents arriving in the window
// where no backend is current are dropped, never crash.
func (m *Model) Swap(construct func(pub Publisher) Backend) {
	m.mu.Lock()
	old := m.backend
	m.backend = nil
	m.playing = false
	m.mu.Unlock()

	if old != nil {
		old.Audio().Stop()
		old.Stop()
	}

	next := construct(m)

	m.mu.Lock()
	m.backend = next
	m.current = next.CurrentSong()
	song := m.current
	state := m.stateLocked()
	subs := make([]Subscriber, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	m.logger.Info().Msg("backend swapped")

	m.fanMu.Lock()
	for _, sub := range subs {
		sub(song, state)
	}
	m.fanMu.Unlock()
}
