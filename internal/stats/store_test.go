package stats

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "stats.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPlayInfoUnknownSong(t *testing.T) {
	s := testStore(t)

	count, last := s.PlayInfo(123)
	if count != 0 || !last.IsZero() {
		t.Errorf("PlayInfo = (%d, %v), want zero values", count, last)
	}
}

func TestSongPlayedAccumulates(t *testing.T) {
	s := testStore(t)

	s.SongPlayed(1, "Title", "Artist")
	s.SongPlayed(1, "Title", "Artist")
	s.SongPlayed(1, "Retitled", "Artist")

	count, last := s.PlayInfo(1)
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
	if last.IsZero() || time.Since(last) > time.Minute {
		t.Errorf("last played = %v, want recent", last)
	}
}

func TestTopPlayedOrdersByCount(t *testing.T) {
	s := testStore(t)

	s.SongPlayed(1, "once", "a")
	for i := 0; i < 3; i++ {
		s.SongPlayed(2, "thrice", "b")
	}
	s.SongPlayed(3, "twice", "c")
	s.SongPlayed(3, "twice", "c")

	songs, err := s.TopPlayed(context.Background(), 0)
	if err != nil {
		t.Fatalf("top played: %v", err)
	}
	if len(songs) != 3 {
		t.Fatalf("got %d songs, want 3", len(songs))
	}
	if songs[0].SongID != 2 || songs[1].SongID != 3 || songs[2].SongID != 1 {
		t.Errorf("order = [%d %d %d], want [2 3 1]",
			songs[0].SongID, songs[1].SongID, songs[2].SongID)
	}
	if songs[0].PlayCount != 3 || songs[0].Title != "thrice" {
		t.Errorf("top = %+v", songs[0])
	}
}

func TestTopPlayedLimit(t *testing.T) {
	s := testStore(t)

	for id := 1; id <= 5; id++ {
		s.SongPlayed(id, "t", "a")
	}

	songs, err := s.TopPlayed(context.Background(), 2)
	if err != nil {
		t.Fatalf("top played: %v", err)
	}
	if len(songs) != 2 {
		t.Errorf("got %d songs, want 2", len(songs))
	}
}
