package library

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hibiki-player/hibiki/internal/audio"
	"github.com/hibiki-player/hibiki/internal/player"
)

type fakeSeq struct {
	mu       sync.Mutex
	enqueued []int
	elapsed  time.Duration
	stopped  bool
	playing  bool
}

func (f *fakeSeq) Enqueue(t *audio.Track) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, t.ID)
}

func (f *fakeSeq) Elapsed() time.Duration { return f.elapsed }
func (f *fakeSeq) SetVolume(int)          {}
func (f *fakeSeq) Volume() int            { return 50 }
func (f *fakeSeq) Mute()                  {}
func (f *fakeSeq) Unmute()                {}
func (f *fakeSeq) Muted() bool            { return false }
func (f *fakeSeq) Play()                  { f.playing = true }
func (f *fakeSeq) Pause()                 { f.playing = false }
func (f *fakeSeq) Stop()                  { f.stopped = true }
func (f *fakeSeq) Playing() bool          { return f.playing }

func (f *fakeSeq) ids() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, len(f.enqueued))
	copy(out, f.enqueued)
	return out
}

type fakePub struct {
	mu    sync.Mutex
	songs []player.Song
}

func (f *fakePub) OnSongChange(s *player.Song) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.songs = append(f.songs, *s)
}

func (f *fakePub) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.songs)
}

type fakeSource struct {
	tracks []Track
}

func (f *fakeSource) Load(context.Context) ([]Track, error) { return f.tracks, nil }
func (f *fakeSource) Watch(context.Context, func()) error   { return nil }

type fakeStats struct {
	mu     sync.Mutex
	played []int
	info   map[int]time.Time
}

func (f *fakeStats) SongPlayed(id int, title, artist string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.played = append(f.played, id)
}

func (f *fakeStats) PlayInfo(id int) (int, time.Time) {
	if f.info == nil {
		return 0, time.Time{}
	}
	return 0, f.info[id]
}

// libTracks writes n playable files under a temp dir and returns their
// track entries with ids 1..n and titles "Track 1".."Track n".
func libTracks(t *testing.T, titles ...string) []Track {
	t.Helper()
	dir := t.TempDir()
	tracks := make([]Track, len(titles))
	for i, title := range titles {
		path := filepath.Join(dir, title+".mp3")
		if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
		tracks[i] = Track{ID: i + 1, Path: path, Title: title, Artist: "artist", Gain: 1}
	}
	return tracks
}

func newTestBackend(t *testing.T, tracks []Track, shuffle player.ShuffleMode, stats Stats) (*Backend, *fakeSeq, *fakePub) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	seq := &fakeSeq{}
	pub := &fakePub{}
	b := &Backend{
		logger:       zerolog.Nop(),
		pub:          pub,
		source:       &fakeSource{tracks: tracks},
		stats:        stats,
		ctx:          ctx,
		cancel:       cancel,
		byID:         map[int]int{},
		current:      -1,
		cursor:       -1,
		shuffle:      shuffle,
		waitingFirst: true,
	}
	b.session = seq
	b.reload()
	return b, seq, pub
}

func TestReloadQueuesFirstTrack(t *testing.T) {
	b, seq, pub := newTestBackend(t, libTracks(t, "one", "two"), player.ShuffleNone, nil)

	if got := seq.ids(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("enqueued = %v, want [1]", got)
	}
	if !b.Ready() {
		t.Error("backend should be ready after first load")
	}
	if pub.count() != 1 {
		t.Errorf("published %d songs, want 1", pub.count())
	}
	if s := b.CurrentSong(); s == nil || s.Title != "one" {
		t.Errorf("current = %+v, want title one", s)
	}
}

func TestNextSongWrapsAround(t *testing.T) {
	b, seq, _ := newTestBackend(t, libTracks(t, "one", "two", "three"), player.ShuffleNone, nil)

	b.NextSong()
	b.NextSong()
	b.NextSong() // past the end, wraps

	if got := seq.ids(); len(got) != 4 || got[1] != 2 || got[2] != 3 || got[3] != 1 {
		t.Fatalf("enqueued = %v, want [1 2 3 1]", got)
	}
}

func TestPreviousSongRestartsAfterThreshold(t *testing.T) {
	b, seq, pub := newTestBackend(t, libTracks(t, "one", "two"), player.ShuffleNone, nil)
	b.NextSong() // now on two
	published := pub.count()

	seq.elapsed = restartThreshold + time.Second
	b.PreviousSong()

	got := seq.ids()
	if got[len(got)-1] != 2 {
		t.Fatalf("enqueued = %v, want restart of track 2", got)
	}
	if pub.count() != published {
		t.Error("restarting the current track must not republish it")
	}
}

func TestPreviousSongStepsBack(t *testing.T) {
	b, seq, _ := newTestBackend(t, libTracks(t, "one", "two"), player.ShuffleNone, nil)
	b.NextSong() // on two, cursor 1

	b.PreviousSong()

	got := seq.ids()
	if got[len(got)-1] != 1 {
		t.Fatalf("enqueued = %v, want track 1 last", got)
	}
	if s := b.CurrentSong(); s == nil || s.ID != 1 {
		t.Errorf("current = %+v, want id 1", s)
	}
}

func TestEnqueueSongImmediatelyPlaysNow(t *testing.T) {
	b, seq, _ := newTestBackend(t, libTracks(t, "one", "two", "three"), player.ShuffleNone, nil)

	b.EnqueueSong(3, true)

	got := seq.ids()
	if got[len(got)-1] != 3 {
		t.Fatalf("enqueued = %v, want track 3 last", got)
	}

	// the queue is drained, so the cursor resumes from where it was
	b.NextSong()
	got = seq.ids()
	if got[len(got)-1] != 2 {
		t.Fatalf("enqueued = %v, want cursor to resume at track 2", got)
	}
}

func TestEnqueueSongAppendsToQueue(t *testing.T) {
	b, seq, _ := newTestBackend(t, libTracks(t, "one", "two", "three"), player.ShuffleNone, nil)

	b.EnqueueSong(3, false)
	b.EnqueueSong(2, false)

	b.NextSong()
	b.NextSong()

	got := seq.ids()
	if got[1] != 3 || got[2] != 2 {
		t.Fatalf("enqueued = %v, want manual queue [3 2] before the order", got)
	}
}

func TestEnqueueUnknownSongIsIgnored(t *testing.T) {
	b, seq, _ := newTestBackend(t, libTracks(t, "one"), player.ShuffleNone, nil)
	before := len(seq.ids())

	b.EnqueueSong(999, true)

	if len(seq.ids()) != before {
		t.Error("unknown id must not enqueue anything")
	}
}

func TestNextSongSkipsUnresolvableTracks(t *testing.T) {
	tracks := libTracks(t, "one", "two", "three")
	os.Remove(tracks[1].Path)
	b, seq, _ := newTestBackend(t, tracks, player.ShuffleNone, nil)

	b.NextSong() // two is gone, lands on three

	got := seq.ids()
	if got[len(got)-1] != 3 {
		t.Fatalf("enqueued = %v, want missing track skipped to 3", got)
	}
}

func TestOldestPlayedOrder(t *testing.T) {
	now := time.Now()
	stats := &fakeStats{info: map[int]time.Time{
		1: now,
		2: now.Add(-2 * time.Hour),
		3: now.Add(-time.Hour),
	}}
	b, seq, _ := newTestBackend(t, libTracks(t, "one", "two", "three"), player.ShuffleOldestPlayed, stats)

	b.NextSong()
	b.NextSong()

	if got := seq.ids(); got[0] != 2 || got[1] != 3 || got[2] != 1 {
		t.Fatalf("enqueued = %v, want oldest-played order [2 3 1]", got)
	}
}

func TestPlaysAreRecorded(t *testing.T) {
	stats := &fakeStats{}
	b, _, _ := newTestBackend(t, libTracks(t, "one", "two"), player.ShuffleNone, stats)

	b.NextSong()

	stats.mu.Lock()
	defer stats.mu.Unlock()
	if len(stats.played) != 2 || stats.played[0] != 1 || stats.played[1] != 2 {
		t.Fatalf("recorded plays = %v, want [1 2]", stats.played)
	}
}

func TestSearchSongsPrefixMatch(t *testing.T) {
	b, _, _ := newTestBackend(t, libTracks(t, "Plastic Love", "Police Story", "Summer Love"), player.ShuffleNone, nil)

	var found []string
	for s := range b.SearchSongs(context.Background(), "pl lo") {
		found = append(found, s.Title)
	}

	if len(found) != 1 || found[0] != "Plastic Love" {
		t.Fatalf("found = %v, want [Plastic Love]", found)
	}
}

func TestSearchSongsEmptyQuery(t *testing.T) {
	b, _, _ := newTestBackend(t, libTracks(t, "one"), player.ShuffleNone, nil)

	if _, ok := <-b.SearchSongs(context.Background(), "  "); ok {
		t.Error("blank query must yield nothing")
	}
}

func TestPlaylistsAndSetPlaylist(t *testing.T) {
	tracks := libTracks(t, "one", "two", "three", "four")
	tracks[1].Playlist = "jazz"
	tracks[2].Playlist = "jazz"
	tracks[3].Playlist = "rock"
	b, seq, _ := newTestBackend(t, tracks, player.ShuffleNone, nil)

	if got := b.Playlists(); len(got) != 2 || got[0] != "jazz" || got[1] != "rock" {
		t.Fatalf("playlists = %v, want [jazz rock]", got)
	}

	b.SetPlaylist("jazz")
	b.NextSong()
	b.NextSong()
	b.NextSong() // wraps within the playlist

	got := seq.ids()
	if got[len(got)-3] != 2 || got[len(got)-2] != 3 || got[len(got)-1] != 2 {
		t.Fatalf("enqueued = %v, want playlist-only rotation [... 2 3 2]", got)
	}

	b.SetPlaylist("")
	b.NextSong()
	got = seq.ids()
	if got[len(got)-1] != 1 {
		t.Fatalf("enqueued = %v, want full order restored", got)
	}
}

func TestTitleMatches(t *testing.T) {
	cases := []struct {
		title string
		query string
		want  bool
	}{
		{"Plastic Love", "pl", true},
		{"Plastic Love", "pl lo", true},
		{"Plastic Love", "love plastic", true},
		{"Plastic Love", "lastic", false},
		{"Police Story", "pl lo", false},
	}
	for _, c := range cases {
		words := strings.Fields(strings.ToLower(c.query))
		if got := titleMatches(c.title, words); got != c.want {
			t.Errorf("titleMatches(%q, %q) = %v, want %v", c.title, c.query, got, c.want)
		}
	}
}
