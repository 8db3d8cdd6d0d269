package audio

import (
	"testing"

	"github.com/rs/zerolog"
)

type fakeDriver struct {
	starts  int
	stops   int
	gains   []float64
	pauses  []bool
	lastURL string
}

func (f *fakeDriver) start(url string, gain float64) error {
	f.starts++
	f.lastURL = url
	f.gains = append(f.gains, gain)
	return nil
}

func (f *fakeDriver) setGain(gain float64)  { f.gains = append(f.gains, gain) }
func (f *fakeDriver) setPaused(paused bool) { f.pauses = append(f.pauses, paused) }
func (f *fakeDriver) stop()                 { f.stops++ }

func newTestStream(pauseable bool, opts Options) (*Stream, *fakeDriver) {
	s := NewStream("https://radio.example/stream", pauseable, opts, zerolog.Nop())
	d := &fakeDriver{}
	s.driver = d
	return s, d
}

func TestStreamPlayDialsOnce(t *testing.T) {
	s, d := newTestStream(false, Options{Volume: 50})

	s.Play()
	s.Play() // already live, only unpauses

	if d.starts != 1 {
		t.Fatalf("starts = %d, want 1", d.starts)
	}
	if d.lastURL != "https://radio.example/stream" {
		t.Errorf("url = %q", d.lastURL)
	}
	if len(d.pauses) != 1 || d.pauses[0] {
		t.Errorf("pauses = %v, want one unpause", d.pauses)
	}
	if !s.Playing() {
		t.Error("stream should report playing")
	}
}

func TestNonPauseableStreamPauseStops(t *testing.T) {
	s, d := newTestStream(false, Options{Volume: 50})

	s.Play()
	s.Pause()

	if d.stops != 1 {
		t.Fatalf("stops = %d, want pause to stop a live stream", d.stops)
	}

	// resuming re-dials instead of unpausing a stale buffer
	s.Play()
	if d.starts != 2 {
		t.Errorf("starts = %d, want fresh dial after pause", d.starts)
	}
}

func TestPauseableStreamPausesInPlace(t *testing.T) {
	s, d := newTestStream(true, Options{Volume: 50})

	s.Play()
	s.Pause()

	if d.stops != 0 {
		t.Error("pauseable stream must not stop on pause")
	}
	if len(d.pauses) != 1 || !d.pauses[0] {
		t.Errorf("pauses = %v, want one pause", d.pauses)
	}
}

func TestStreamMutedPlayDialsSilent(t *testing.T) {
	s, d := newTestStream(false, Options{Volume: 80, Muted: true})

	s.Play()

	if d.gains[0] != 0 {
		t.Errorf("dial gain = %v, want 0 while muted", d.gains[0])
	}

	s.Unmute()
	if d.gains[len(d.gains)-1] != 0.8 {
		t.Errorf("gain = %v, want 0.8 after unmute", d.gains[len(d.gains)-1])
	}
}
