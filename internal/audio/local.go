package audio

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Track is one playable item for the local session: a media location
// plus the loudness multiplier derived from its replaygain tag.
type Track struct {
	ID   int
	Path string
	Gain float64 // 1.0 when the track carries no replaygain info
}

// Options carry the persisted audio settings and the hooks used to write
// changes back to the settings store.
type Options struct {
	Volume       int
	Muted        bool
	ScalePercent int  // user-configurable master multiplier, percent
	Normalise    bool // apply per-track replaygain multipliers

	OnVolume func(int)
	OnMuted  func(bool)
}

// Local plays a sequence of library tracks. Track replacement is guarded
// by a generation counter: the done callback of a superseded item is
// ignored, so only the natural completion of the current item drives
// advancement.
type Local struct {
	logger zerolog.Logger
	out    output
	next   func() *Track

	mu         sync.Mutex
	opts       Options
	trackGain  float64
	playing    bool
	generation uint64

	// elapsed accounting, excludes paused time
	elapsed   time.Duration
	resumedAt time.Time
}

// NewLocal builds a local session that calls next for the following
// track whenever the current one finishes naturally.
func NewLocal(opts Options, next func() *Track, logger zerolog.Logger) *Local {
	l := &Local{
		logger:    logger.With().Str("component", "audio").Logger(),
		out:       newBeepOutput(),
		next:      next,
		opts:      opts,
		trackGain: 1,
	}
	l.opts.Volume = clampVolume(l.opts.Volume)
	if l.opts.ScalePercent <= 0 {
		l.opts.ScalePercent = 100
	}
	return l
}

// Enqueue replaces the current item with t. If the session was paused,
// the new item loads paused and starts on the next Play.
func (l *Local) Enqueue(t *Track) {
	f, err := os.Open(t.Path)
	if err != nil {
		l.logger.Error().Err(err).Str("path", t.Path).Msg("open track")
		return
	}

	l.mu.Lock()
	gen := l.generation
	l.generation++
	l.trackGain = t.Gain
	if l.trackGain <= 0 {
		l.trackGain = 1
	}
	l.elapsed = 0
	l.resumedAt = time.Now()
	gain := l.gainLocked()
	paused := !l.playing
	l.mu.Unlock()

	kind := strings.ToLower(filepath.Ext(t.Path))
	if err := l.out.play(f, kind, gain, paused, func() { l.finished(gen) }); err != nil {
		l.logger.Error().Err(err).Str("path", t.Path).Msg("play track")
	}
}

// finished handles an item's done callback. gen is the generation value
// captured when the item was enqueued; anything but the immediately
// preceding generation belongs to a superseded item.
func (l *Local) finished(gen uint64) {
	l.mu.Lock()
	current := l.generation
	l.mu.Unlock()
	if gen != current-1 {
		l.logger.Debug().Uint64("generation", gen).Msg("stale finish callback")
		return
	}
	if t := l.next(); t != nil {
		l.Enqueue(t)
	}
}

// Elapsed returns how long the current item has audibly played.
func (l *Local) Elapsed() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.playing {
		return l.elapsed + time.Since(l.resumedAt)
	}
	return l.elapsed
}

func (l *Local) SetVolume(volume int) {
	l.mu.Lock()
	l.opts.Volume = clampVolume(volume)
	onVolume := l.opts.OnVolume
	muted := l.opts.Muted
	gain := l.gainLocked()
	l.mu.Unlock()

	if onVolume != nil {
		onVolume(clampVolume(volume))
	}
	// while muted only the stored target changes
	if !muted {
		l.out.setGain(gain)
	}
}

func (l *Local) Volume() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.opts.Volume
}

func (l *Local) Mute() {
	l.mu.Lock()
	l.opts.Muted = true
	onMuted := l.opts.OnMuted
	l.mu.Unlock()

	l.out.setGain(0)
	if onMuted != nil {
		onMuted(true)
	}
}

func (l *Local) Unmute() {
	l.mu.Lock()
	l.opts.Muted = false
	onMuted := l.opts.OnMuted
	gain := l.gainLocked()
	l.mu.Unlock()

	l.out.setGain(gain)
	if onMuted != nil {
		onMuted(false)
	}
}

func (l *Local) Muted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.opts.Muted
}

func (l *Local) Play() {
	l.mu.Lock()
	if !l.playing {
		l.playing = true
		l.resumedAt = time.Now()
	}
	l.mu.Unlock()
	l.out.setPaused(false)
}

func (l *Local) Pause() {
	l.mu.Lock()
	if l.playing {
		l.elapsed += time.Since(l.resumedAt)
		l.playing = false
	}
	l.mu.Unlock()
	l.out.setPaused(true)
}

func (l *Local) Stop() {
	l.mu.Lock()
	l.generation++ // orphan any in-flight done callback
	l.playing = false
	l.elapsed = 0
	l.mu.Unlock()
	l.out.stop()
}

func (l *Local) Playing() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.playing
}

// gainLocked computes the linear output gain from the stored target
// volume, the user scale and the per-track loudness multiplier.
func (l *Local) gainLocked() float64 {
	gain := float64(l.opts.Volume) / 100 * float64(l.opts.ScalePercent) / 100
	if l.opts.Normalise {
		gain *= l.trackGain
	}
	if gain > 1 {
		gain = 1
	}
	return gain
}
