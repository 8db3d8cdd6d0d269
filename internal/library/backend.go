package library

import (
	"context"
	"math/rand"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/hibiki-player/hibiki/internal/audio"
	"github.com/hibiki-player/hibiki/internal/player"
)

// Stats records plays and feeds the play-history shuffle policies.
type Stats interface {
	SongPlayed(id int, title, artist string)
	PlayInfo(id int) (count int, last time.Time)
}

// sequencer is the slice of the audio session the backend drives. It is
// an interface so tests can run without a speaker.
type sequencer interface {
	player.Session
	Enqueue(t *audio.Track)
	Elapsed() time.Duration
}

// restartThreshold is how much elapsed playback turns "previous track"
// into "restart the current track".
const restartThreshold = 4 * time.Second

// Backend plays a local music library: a pull-based backend that owns
// its own track sequencing. The working set is an arena indexed by id;
// the cursor, play order and manual queue hold ids or arena indices,
// never copies of tracks.
type Backend struct {
	logger  zerolog.Logger
	pub     player.Publisher
	source  Source
	stats   Stats
	session sequencer

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	arena        []Track
	byID         map[int]int // id -> arena index
	order        []int       // play order, arena indices
	cursor       int
	queue        []int // manual queue, arena indices
	queueIdx     int
	current      int // arena index, -1 when none
	shuffle      player.ShuffleMode
	playlist     string
	waitingFirst bool
}

// New constructs the library backend and starts loading the working set
// in the background. Song changes are published through pub.
func New(source Source, shuffle player.ShuffleMode, opts audio.Options, stats Stats, pub player.Publisher, logger zerolog.Logger) *Backend {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Backend{
		logger:       logger.With().Str("component", "library").Logger(),
		pub:          pub,
		source:       source,
		stats:        stats,
		ctx:          ctx,
		cancel:       cancel,
		byID:         map[int]int{},
		current:      -1,
		cursor:       -1,
		shuffle:      shuffle,
		waitingFirst: true,
	}
	b.session = audio.NewLocal(opts, b.nextAudioTrack, logger)

	go b.reload()
	if err := source.Watch(ctx, func() { b.reload() }); err != nil {
		b.logger.Debug().Err(err).Msg("library watch unavailable")
	}
	return b
}

func (b *Backend) Audio() player.Session { return b.session }

func (b *Backend) Capabilities() player.Capability {
	return player.CapNextTrack | player.CapPreviousTrack | player.CapSearchTracks | player.CapTimeInfo
}

func (b *Backend) CurrentSong() *player.Song {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current < 0 {
		return nil
	}
	return songOf(b.arena[b.current])
}

// Ready reports whether the first track has been resolved and queued.
func (b *Backend) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current >= 0 && !b.waitingFirst
}

func (b *Backend) Elapsed() time.Duration {
	return b.session.Elapsed()
}

// Start queues the first track if nothing is current yet. Actual audio
// start is the session's Play.
func (b *Backend) Start() {
	b.mu.Lock()
	none := b.current < 0
	b.mu.Unlock()
	if none {
		if t := b.nextTrack(); t != nil {
			b.session.Enqueue(audioTrack(t))
		}
	}
}

// Pause has no backend-side work; pausing is purely an audio concern.
func (b *Backend) Pause() {}

func (b *Backend) Stop() {
	b.session.Stop()
}

// Refresh reloads the playlist from the library source.
func (b *Backend) Refresh() {
	b.reload()
}

// ToggleFavourite is not supported for local libraries.
func (b *Backend) ToggleFavourite() {}

func (b *Backend) NextSong() {
	if t := b.nextTrack(); t != nil {
		b.session.Enqueue(audioTrack(t))
	}
}

// PreviousSong rewinds the current track when more than the restart
// threshold has played, and otherwise steps back through the manual
// queue, then the play order.
func (b *Backend) PreviousSong() {
	if b.session.Elapsed() > restartThreshold {
		b.mu.Lock()
		cur := b.current
		var t *Track
		if cur >= 0 {
			t = &b.arena[cur]
		}
		b.mu.Unlock()
		if t != nil {
			b.session.Enqueue(audioTrack(t))
		}
		return
	}

	b.mu.Lock()
	switch {
	case b.queueIdx > 0:
		b.queueIdx--
		b.mu.Unlock()
		if t := b.nextTrack(); t != nil {
			b.session.Enqueue(audioTrack(t))
		}
		return
	case b.cursor > 0:
		b.cursor--
		t := b.setCurrentLocked(b.order[b.cursor])
		b.mu.Unlock()
		b.published(t)
		b.session.Enqueue(audioTrack(t))
		return
	}
	b.mu.Unlock()
}

// SearchSongs streams title matches for query and closes the channel
// when done. A song matches when every query word is a case-insensitive
// prefix of at least one word in its title.
func (b *Backend) SearchSongs(ctx context.Context, query string) <-chan player.Song {
	out := make(chan player.Song)

	go func() {
		defer close(out)

		words := strings.Fields(strings.ToLower(query))
		if len(words) == 0 {
			return
		}

		b.mu.Lock()
		tracks := make([]Track, len(b.arena))
		copy(tracks, b.arena)
		b.mu.Unlock()

		found := 0
		for _, t := range tracks {
			if !titleMatches(t.Title, words) {
				continue
			}
			select {
			case out <- *songOf(t):
				found++
			case <-ctx.Done():
				return
			}
		}
		b.logger.Info().Str("query", query).Int("found", found).Msg("search done")
	}()
	return out
}

func titleMatches(title string, queryWords []string) bool {
	titleWords := strings.Fields(strings.ToLower(title))
	for _, qw := range queryWords {
		ok := false
		for _, tw := range titleWords {
			if strings.HasPrefix(tw, qw) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// EnqueueSong places the song with the given id on the manual queue. If
// immediately is set it is spliced to play next and playback advances to
// it now.
func (b *Backend) EnqueueSong(id int, immediately bool) {
	b.mu.Lock()
	idx, ok := b.byID[id]
	if !ok {
		b.mu.Unlock()
		return
	}
	if immediately {
		b.queue = append([]int{idx}, b.queue[b.queueIdx:]...)
		b.queueIdx = 0
		b.mu.Unlock()
		b.NextSong()
		return
	}
	b.queue = append(b.queue, idx)
	title := b.arena[idx].Title
	b.mu.Unlock()
	b.logger.Info().Str("title", title).Msg("queued")
}

// SetShuffle changes the ordering policy and rebuilds the play order.
func (b *Backend) SetShuffle(mode player.ShuffleMode) {
	b.mu.Lock()
	b.shuffle = mode
	b.orderLocked()
	b.mu.Unlock()
}

// Playlists lists the first-level directories of the library, sorted.
func (b *Backend) Playlists() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := lo.Uniq(lo.FilterMap(b.arena, func(t Track, _ int) (string, bool) {
		return t.Playlist, t.Playlist != ""
	}))
	sort.Strings(names)
	return names
}

// SetPlaylist restricts the play order to one playlist. The manual
// queue survives; the cursor restarts from the top of the new order.
func (b *Backend) SetPlaylist(name string) {
	b.mu.Lock()
	b.playlist = name
	b.orderLocked()
	b.cursor = -1
	b.mu.Unlock()
}

// Close tears the backend down.
func (b *Backend) Close() {
	b.cancel()
	b.session.Stop()
}

// nextAudioTrack feeds the audio session on natural track completion.
func (b *Backend) nextAudioTrack() *audio.Track {
	t := b.nextTrack()
	if t == nil {
		return nil
	}
	return audioTrack(t)
}

// nextTrack advances the sequencing state: the manual queue drains
// first (oldest-queued-first, resetting to empty once exhausted), then
// the cursor, wrapping and reshuffling at the end. Tracks with no
// resolvable media location are skipped.
func (b *Backend) nextTrack() *Track {
	b.mu.Lock()

	if b.queueIdx < len(b.queue) {
		idx := b.queue[b.queueIdx]
		b.queueIdx++
		t := b.setCurrentLocked(idx)
		b.mu.Unlock()
		b.published(t)
		return t
	}
	// reset once exhausted so the queue doesn't grow without bound
	b.queue = nil
	b.queueIdx = 0

	if len(b.order) == 0 {
		b.mu.Unlock()
		return nil
	}

	b.cursor++
	if b.cursor >= len(b.order) {
		b.orderLocked()
		b.cursor = 0
	}

	for tries := 0; tries < len(b.order); tries++ {
		t := &b.arena[b.order[b.cursor]]
		if !resolvable(t) {
			b.logger.Warn().Str("title", t.Title).Msg("skipping unplayable track")
			b.cursor = (b.cursor + 1) % len(b.order)
			continue
		}
		out := b.setCurrentLocked(b.order[b.cursor])
		b.mu.Unlock()
		b.published(out)
		return out
	}

	b.mu.Unlock()
	return nil
}

func resolvable(t *Track) bool {
	if t.Path == "" {
		return false
	}
	_, err := os.Stat(t.Path)
	return err == nil
}

func (b *Backend) setCurrentLocked(idx int) *Track {
	b.current = idx
	t := b.arena[idx]
	t.PlayCount++
	t.LastPlayed = time.Now()
	b.arena[idx] = t
	return &b.arena[idx]
}

// published logs and fans out a track that just became current.
func (b *Backend) published(t *Track) {
	if t == nil {
		return
	}
	b.logger.Info().Str("title", t.Title).Str("artist", t.Artist).Msg("song")
	if b.stats != nil {
		b.stats.SongPlayed(t.ID, t.Title, t.Artist)
	}
	b.pub.OnSongChange(songOf(*t))
}

// reload fetches the working set from the source and rebuilds the play
// order. The first successful load queues the first track and marks the
// backend ready.
func (b *Backend) reload() {
	ctx, cancel := context.WithTimeout(b.ctx, time.Minute)
	defer cancel()

	tracks, err := b.source.Load(ctx)
	if err != nil {
		b.logger.Error().Err(err).Msg("library load failed")
		return
	}

	b.mu.Lock()
	b.arena = tracks
	b.byID = make(map[int]int, len(tracks))
	for i := range b.arena {
		if b.stats != nil {
			count, last := b.stats.PlayInfo(b.arena[i].ID)
			b.arena[i].PlayCount = count
			b.arena[i].LastPlayed = last
		}
		b.byID[b.arena[i].ID] = i
	}
	b.orderLocked()
	b.cursor = -1
	b.queue = nil
	b.queueIdx = 0
	first := b.waitingFirst
	b.waitingFirst = false
	b.mu.Unlock()

	if first {
		if t := b.nextTrack(); t != nil {
			b.session.Enqueue(audioTrack(t))
		}
	}
}

// orderLocked rebuilds the play order over the arena according to the
// shuffle policy.
func (b *Backend) orderLocked() {
	var idx []int
	for i := range b.arena {
		if b.playlist == "" || b.arena[i].Playlist == b.playlist {
			idx = append(idx, i)
		}
	}

	switch b.shuffle {
	case player.ShuffleNone:
		// load order

	case player.ShuffleRandom:
		rand.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })

	case player.ShuffleOldestPlayed:
		sort.SliceStable(idx, func(i, j int) bool {
			return b.arena[idx[i]].LastPlayed.Before(b.arena[idx[j]].LastPlayed)
		})

	case player.ShuffleLeastPlayed:
		// most tracks share a play count (0 or 1), so group by count
		// and shuffle within each group
		groups := lo.GroupBy(idx, func(i int) int { return b.arena[i].PlayCount })
		counts := lo.Keys(groups)
		sort.Ints(counts)
		idx = idx[:0]
		for _, count := range counts {
			group := groups[count]
			rand.Shuffle(len(group), func(i, j int) { group[i], group[j] = group[j], group[i] })
			idx = append(idx, group...)
		}
	}
	b.order = idx
}

func songOf(t Track) *player.Song {
	return &player.Song{
		ID:       t.ID,
		Title:    t.Title,
		Artists:  []string{t.Artist},
		Album:    t.Album,
		Duration: t.Duration,
	}
}

func audioTrack(t *Track) *audio.Track {
	return &audio.Track{ID: t.ID, Path: t.Path, Gain: t.Gain}
}
