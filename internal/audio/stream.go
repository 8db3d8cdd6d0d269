package audio

import (
	"fmt"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// streamDriver is the dialling half of the stream session, split out so
// tests can run without network or speaker.
type streamDriver interface {
	start(url string, gain float64) error
	setGain(gain float64)
	setPaused(paused bool)
	stop()
}

// Stream plays a live radio stream. Non-pauseable streams turn Pause
// into a full Stop: resuming re-dials instead of picking up a stale
// buffer, which is what the caller wants from a live source anyway.
type Stream struct {
	logger    zerolog.Logger
	url       string
	pauseable bool
	driver    streamDriver

	mu      sync.Mutex
	opts    Options
	stopped bool
	playing bool
}

func NewStream(url string, pauseable bool, opts Options, logger zerolog.Logger) *Stream {
	s := &Stream{
		logger:    logger.With().Str("component", "audio").Logger(),
		url:       url,
		pauseable: pauseable,
		opts:      opts,
	}
	s.opts.Volume = clampVolume(s.opts.Volume)
	if s.opts.ScalePercent <= 0 {
		s.opts.ScalePercent = 100
	}
	s.driver = &httpStreamDriver{
		out: newBeepOutput(),
		onEnd: func() {
			// a live stream should not end; treat it like a drop
			s.logger.Warn().Msg("unexpected end of stream")
			s.replay()
		},
	}
	s.stopped = true
	return s
}

func (s *Stream) SetVolume(volume int) {
	s.mu.Lock()
	s.opts.Volume = clampVolume(volume)
	onVolume := s.opts.OnVolume
	muted := s.opts.Muted
	gain := s.gainLocked()
	s.mu.Unlock()

	if onVolume != nil {
		onVolume(clampVolume(volume))
	}
	if !muted {
		s.driver.setGain(gain)
	}
}

func (s *Stream) Volume() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts.Volume
}

func (s *Stream) Mute() {
	s.mu.Lock()
	s.opts.Muted = true
	onMuted := s.opts.OnMuted
	s.mu.Unlock()

	s.driver.setGain(0)
	if onMuted != nil {
		onMuted(true)
	}
}

func (s *Stream) Unmute() {
	s.mu.Lock()
	s.opts.Muted = false
	onMuted := s.opts.OnMuted
	gain := s.gainLocked()
	s.mu.Unlock()

	s.driver.setGain(gain)
	if onMuted != nil {
		onMuted(false)
	}
}

func (s *Stream) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts.Muted
}

func (s *Stream) Play() {
	s.mu.Lock()
	dial := s.stopped
	s.stopped = false
	s.playing = true
	gain := s.gainLocked()
	if s.opts.Muted {
		gain = 0
	}
	s.mu.Unlock()

	if dial {
		if err := s.driver.start(s.url, gain); err != nil {
			s.logger.Error().Err(err).Msg("start stream")
			s.mu.Lock()
			s.stopped = true
			s.playing = false
			s.mu.Unlock()
		}
		return
	}
	s.driver.setPaused(false)
}

func (s *Stream) Pause() {
	if !s.pauseable {
		s.Stop()
		return
	}
	s.mu.Lock()
	s.playing = false
	s.mu.Unlock()
	s.driver.setPaused(true)
}

func (s *Stream) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.playing = false
	s.mu.Unlock()
	s.driver.stop()
}

func (s *Stream) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

func (s *Stream) gainLocked() float64 {
	gain := float64(s.opts.Volume) / 100 * float64(s.opts.ScalePercent) / 100
	if gain > 1 {
		gain = 1
	}
	return gain
}

func (s *Stream) replay() {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if !stopped {
		s.Stop()
		s.Play()
	}
}

// httpStreamDriver decodes an icecast-style HTTP stream through the
// shared beep output.
type httpStreamDriver struct {
	out   *beepOutput
	onEnd func()

	mu   sync.Mutex
	resp *http.Response
	live bool
}

func (d *httpStreamDriver) start(url string, gain float64) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("dial stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return fmt.Errorf("dial stream: status %d", resp.StatusCode)
	}

	d.mu.Lock()
	d.resp = resp
	d.live = true
	d.mu.Unlock()

	kind := strings.ToLower(path.Ext(resp.Request.URL.Path))
	err = d.out.play(resp.Body, kind, gain, false, func() {
		d.mu.Lock()
		live := d.live
		d.mu.Unlock()
		if live && d.onEnd != nil {
			d.onEnd()
		}
	})
	if err != nil {
		d.stop()
		return err
	}
	return nil
}

func (d *httpStreamDriver) setGain(gain float64) {
	d.out.setGain(gain)
}

func (d *httpStreamDriver) setPaused(paused bool) {
	d.out.setPaused(paused)
}

func (d *httpStreamDriver) stop() {
	d.mu.Lock()
	d.live = false
	resp := d.resp
	d.resp = nil
	d.mu.Unlock()

	d.out.stop()
	if resp != nil {
		resp.Body.Close()
	}
}
