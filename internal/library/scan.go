package library

import (
	"context"
	"fmt"
	"hash/fnv"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/sentriz/audiotags"
)

// Track is one entry in the library arena. The cursor, the manual queue
// and the by-id index all refer to tracks by id; nothing holds a second
// mutable copy.
type Track struct {
	ID       int
	Path     string
	Title    string
	Artist   string
	Album    string
	Duration time.Duration

	// Playlist is the named group the track belongs to: the first-level
	// directory under the library root, empty for top-level files.
	Playlist string

	// Gain is the linear loudness multiplier from the track's
	// replaygain tag, 1.0 when absent.
	Gain float64

	PlayCount  int
	LastPlayed time.Time
}

// Source loads the working set of tracks and reports external changes.
type Source interface {
	Load(ctx context.Context) ([]Track, error)
	Watch(ctx context.Context, onChange func()) error
}

// DirSource scans a directory tree with taglib.
type DirSource struct {
	root   string
	logger zerolog.Logger
}

func NewDirSource(root string, logger zerolog.Logger) *DirSource {
	return &DirSource{
		root:   root,
		logger: logger.With().Str("component", "library").Logger(),
	}
}

func canRead(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3", ".flac", ".ogg", ".oga":
		return true
	}
	return false
}

// Load walks the tree and reads tags from every playable file.
func (s *DirSource) Load(ctx context.Context) ([]Track, error) {
	var tracks []Track
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !canRead(path) {
			return nil
		}

		track, err := readTrack(path)
		if err != nil {
			s.logger.Warn().Err(err).Str("path", path).Msg("skipping unreadable file")
			return nil
		}
		track.Playlist = playlistOf(s.root, path)
		tracks = append(tracks, track)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", s.root, err)
	}
	s.logger.Info().Int("tracks", len(tracks)).Msg("library scanned")
	return tracks, nil
}

// Watch reports (debounced) changes under the library root until ctx is
// done. onChange runs on the watcher goroutine.
func (s *DirSource) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	err = filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", s.root, err)
	}

	go func() {
		defer watcher.Close()

		var debounce *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename|fsnotify.Write) == 0 {
					continue
				}
				if event.Op&fsnotify.Create != 0 {
					if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
						_ = watcher.Add(event.Name)
					}
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(2*time.Second, onChange)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Debug().Err(err).Msg("watcher error")
			}
		}
	}()
	return nil
}

func readTrack(path string) (Track, error) {
	f, err := audiotags.Open(path)
	if err != nil {
		return Track{}, fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	raw := f.ReadTags()
	props := f.ReadAudioProperties()

	track := Track{
		ID:       trackID(path),
		Path:     path,
		Title:    firstTag(raw, "title"),
		Artist:   firstTag(raw, "artist", "albumartist"),
		Album:    firstTag(raw, "album"),
		Duration: time.Duration(props.Length) * time.Second,
		Gain:     replayGain(firstTag(raw, "replaygain_track_gain")),
	}
	if track.Title == "" {
		track.Title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return track, nil
}

// playlistOf derives the playlist name from a track's location: the
// first path element under the library root.
func playlistOf(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return ""
	}
	dir, _ := filepath.Split(rel)
	dir = filepath.ToSlash(filepath.Clean(dir))
	if dir == "." || dir == "" {
		return ""
	}
	if i := strings.IndexByte(dir, '/'); i >= 0 {
		dir = dir[:i]
	}
	return dir
}

// firstTag returns the first non-blank value stored under any of keys.
// Taglib reports every tag as a value list, even ones that only ever
// hold a single entry.
func firstTag(raw map[string][]string, keys ...string) string {
	for _, key := range keys {
		for _, val := range raw[key] {
			if strings.TrimSpace(val) != "" {
				return val
			}
		}
	}
	return ""
}

// replayGain converts a "-6.34 dB" style tag into a linear multiplier.
func replayGain(tag string) float64 {
	tag = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(tag), "dB"))
	if tag == "" {
		return 1
	}
	db, err := strconv.ParseFloat(tag, 64)
	if err != nil {
		return 1
	}
	return math.Pow(10, db/20)
}

// trackID derives a stable id from the file path. Ids only need to be
// unique within this backend instance.
func trackID(path string) int {
	h := fnv.New32a()
	h.Write([]byte(path))
	return int(h.Sum32() & 0x7fffffff)
}
