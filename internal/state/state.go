// Package state persists the current now-playing snapshot to a JSON
// file so other processes (the `now` command, status bars) can read it
// without talking to the daemon.
package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hibiki-player/hibiki/internal/player"
)

// writeThrottle caps how often the snapshot hits disk; rapid bursts of
// updates collapse into one trailing write.
const writeThrottle = 2 * time.Second

// Snapshot is the on-disk now-playing record.
type Snapshot struct {
	Title     string    `json:"title,omitempty"`
	Artists   []string  `json:"artists,omitempty"`
	Album     string    `json:"album,omitempty"`
	Favourite bool      `json:"favourite"`
	Playing   bool      `json:"playing"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Writer mirrors player updates into the state file.
type Writer struct {
	path   string
	logger zerolog.Logger

	mu        sync.Mutex
	pending   *Snapshot
	lastWrite time.Time
	timer     *time.Timer
}

func NewWriter(path string, logger zerolog.Logger) *Writer {
	return &Writer{
		path:   path,
		logger: logger.With().Str("component", "state").Logger(),
	}
}

// OnUpdate is the model subscriber entry point.
func (w *Writer) OnUpdate(song *player.Song, st player.PlaybackState) {
	snap := Snapshot{Playing: st.Playing, UpdatedAt: time.Now()}
	if song != nil {
		snap.Title = song.Title
		snap.Artists = song.Artists
		snap.Album = song.Album
		snap.Favourite = song.Favourite.Bool()
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending = &snap
	if time.Since(w.lastWrite) >= writeThrottle {
		w.flushLocked()
		return
	}
	if w.timer == nil {
		w.timer = time.AfterFunc(writeThrottle-time.Since(w.lastWrite), func() {
			w.mu.Lock()
			defer w.mu.Unlock()
			w.timer = nil
			w.flushLocked()
		})
	}
}

// Flush writes any pending snapshot immediately.
func (w *Writer) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.flushLocked()
}

func (w *Writer) flushLocked() {
	if w.pending == nil {
		return
	}
	snap := *w.pending
	w.pending = nil
	w.lastWrite = time.Now()

	if err := write(w.path, snap); err != nil {
		w.logger.Warn().Err(err).Msg("failed to write state file")
	}
}

func write(path string, snap Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	// atomic via temp file + rename
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// Read loads the snapshot written by a running daemon.
func Read(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}
