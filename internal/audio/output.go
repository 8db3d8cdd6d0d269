package audio

import (
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/effects"
	"github.com/gopxl/beep/v2/flac"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/speaker"
	"github.com/gopxl/beep/v2/vorbis"
)

// output abstracts the speaker so sessions can be tested without audio
// hardware.
type output interface {
	// play replaces the current item with the decoded stream from src.
	// done fires when the item finishes on its own, including items that
	// were superseded before completing.
	play(src io.ReadCloser, kind string, gain float64, paused bool, done func()) error
	setGain(gain float64)
	setPaused(paused bool)
	stop()
}

// beepOutput drives the process-wide beep speaker. All items are
// resampled to a fixed output rate so the speaker is initialised once.
type beepOutput struct {
	mu          sync.Mutex
	initialized bool
	sr          beep.SampleRate
	ctrl        *beep.Ctrl
	vol         *effects.Volume
	streamer    beep.StreamSeekCloser
}

func newBeepOutput() *beepOutput {
	return &beepOutput{sr: beep.SampleRate(44100)}
}

func decode(src io.ReadCloser, kind string) (beep.StreamSeekCloser, beep.Format, error) {
	switch kind {
	case ".mp3", "":
		return mp3.Decode(src)
	case ".flac":
		return flac.Decode(src)
	case ".ogg", ".oga":
		return vorbis.Decode(src)
	default:
		src.Close()
		return nil, beep.Format{}, fmt.Errorf("unsupported media type %q", kind)
	}
}

func (o *beepOutput) play(src io.ReadCloser, kind string, gain float64, paused bool, done func()) error {
	streamer, format, err := decode(src, kind)
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.initialized {
		if err := speaker.Init(o.sr, o.sr.N(time.Second/10)); err != nil {
			streamer.Close()
			return fmt.Errorf("init speaker: %w", err)
		}
		o.initialized = true
	}

	speaker.Clear()
	if o.streamer != nil {
		o.streamer.Close()
	}
	o.streamer = streamer

	resampled := beep.Resample(4, format.SampleRate, o.sr, streamer)
	o.ctrl = &beep.Ctrl{Streamer: resampled, Paused: paused}
	o.vol = &effects.Volume{Streamer: o.ctrl, Base: 2}
	setVolumeGain(o.vol, gain)

	speaker.Play(beep.Seq(o.vol, beep.Callback(func() {
		// Hop off the speaker goroutine: done usually enqueues the
		// next track, which locks the speaker again.
		go done()
	})))
	return nil
}

func (o *beepOutput) setGain(gain float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.vol == nil {
		return
	}
	speaker.Lock()
	setVolumeGain(o.vol, gain)
	speaker.Unlock()
}

func (o *beepOutput) setPaused(paused bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ctrl == nil {
		return
	}
	speaker.Lock()
	o.ctrl.Paused = paused
	speaker.Unlock()
}

func (o *beepOutput) stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.initialized {
		return
	}
	speaker.Clear()
	if o.streamer != nil {
		o.streamer.Close()
		o.streamer = nil
	}
	o.ctrl = nil
	o.vol = nil
}

// setVolumeGain maps a linear 0..1 gain onto the exponential volume
// effect. Zero gain flips the Silent bit instead of taking log(0).
func setVolumeGain(vol *effects.Volume, gain float64) {
	if gain <= 0 {
		vol.Silent = true
		vol.Volume = 0
		return
	}
	vol.Silent = false
	vol.Volume = math.Log2(gain)
}

func clampVolume(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
