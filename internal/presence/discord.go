package presence

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hibiki-player/hibiki/internal/player"
)

const (
	// Discord allows roughly 5 presence updates per 20 seconds; stay a
	// touch under by refilling 5 tokens every 21 seconds.
	presenceRefill = 5
	presencePeriod = 21 * time.Second

	reconnectDelay = 3 * time.Second

	pollInterval    = 500 * time.Millisecond
	pollIntervalMax = 10 * time.Second
)

// placeholderImage is a pre-uploaded asset used while album art is
// still being pushed to the application's asset store.
const placeholderImage = "default-cover"

// update is one coalescible presence change. Comparable so the rate
// limiter's stale-timer check and the last-sent dedupe both work by
// value.
type update struct {
	songID  int
	title   string
	artist  string
	album   string
	artURL  string
	playing bool
	endUnix int64
}

// Discord relays player state to the local Discord client as Rich
// Presence, rate limited and with most-recent-wins coalescing.
type Discord struct {
	appID  string
	logger zerolog.Logger

	limiter *Limiter[update]
	assets  *assetCache

	mu     sync.Mutex
	client *ipcClient
	alive  bool
	last   *update
	closed bool
}

// NewDiscord builds a relay for the given application. token is the
// bearer token used for asset uploads; with an empty token album art is
// never uploaded and the placeholder image is used throughout.
func NewDiscord(appID, token string, logger zerolog.Logger) *Discord {
	d := &Discord{
		appID:  appID,
		logger: logger.With().Str("component", "discord").Logger(),
	}
	d.limiter = NewLimiter(presenceRefill, presencePeriod, d.send)
	if token != "" {
		d.assets = newAssetCache(appID, token, logger)
	}
	return d
}

// OnUpdate is the model subscriber entry point.
func (d *Discord) OnUpdate(song *player.Song, state player.PlaybackState) {
	u := update{playing: state.Playing && song != nil}
	if song != nil {
		u.songID = song.ID
		u.title = song.Title
		u.artist = song.ArtistLine()
		u.album = song.Album
		u.artURL = song.ArtURL
		if u.playing && song.Duration > 0 {
			u.endUnix = time.Now().Add(song.Duration - state.Elapsed).Unix()
		}
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	if d.last != nil && *d.last == u {
		d.mu.Unlock()
		return
	}
	d.last = &u
	d.mu.Unlock()

	d.limiter.Enqueue(u)
}

// Close clears the presence and drops the connection.
func (d *Discord) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	if d.client != nil {
		_ = d.client.SetActivity(nil)
		d.client.Close()
		d.client = nil
		d.alive = false
	}
}

// send is the limiter callback: one rate-limit token has been spent on
// this update, so deliver it now or lose it.
func (d *Discord) send(u update) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}

	if err := d.ensureConnectedLocked(); err != nil {
		d.logger.Debug().Err(err).Msg("discord not available")
		return
	}

	var err error
	if !u.playing {
		err = d.client.SetActivity(nil)
	} else {
		err = d.client.SetActivity(d.activityLocked(u))
	}
	if err != nil {
		d.logger.Warn().Err(err).Msg("presence update failed")
		d.dropLocked()
	}
}

func (d *Discord) activityLocked(u update) *Activity {
	image := placeholderImage
	text := u.album
	if d.assets != nil {
		if asset, ok := d.assets.Lookup(u.album, u.artURL, d.uploaded); ok {
			image = asset.Key()
		}
	}
	if text == "" {
		text = u.title
	}

	act := &Activity{
		Details: u.title,
		State:   "by " + u.artist,
		Assets:  &Assets{LargeImage: image, LargeText: text},
	}
	if u.endUnix > 0 {
		end := u.endUnix
		act.Timestamps = &Timestamps{End: &end}
	}
	return act
}

// uploaded fires once freshly uploaded art is confirmed visible; if the
// same song is still showing, push a corrected update through the
// limiter so the placeholder gets replaced.
func (d *Discord) uploaded(asset Asset) {
	d.mu.Lock()
	last := d.last
	d.mu.Unlock()
	if last == nil || !last.playing || albumHash(last.album) != asset.Hash {
		return
	}
	d.limiter.Enqueue(*last)
}

func (d *Discord) ensureConnectedLocked() error {
	if d.client != nil && d.alive {
		return nil
	}
	if d.client != nil {
		d.dropLocked()
	}

	client, err := ipcConnect(d.appID)
	if err != nil {
		return err
	}
	d.logger.Info().Msg("connected to discord")
	d.client = client
	d.alive = true
	go d.poll(client)

	if d.assets != nil {
		go d.assets.Refresh(context.Background())
	}
	return nil
}

// dropLocked closes the connection and schedules a reconnect that
// resends whatever update is current by then.
func (d *Discord) dropLocked() {
	if d.client == nil {
		return
	}
	d.client.Close()
	d.client = nil
	d.alive = false

	time.AfterFunc(reconnectDelay, func() {
		d.mu.Lock()
		last := d.last
		closed := d.closed
		d.mu.Unlock()
		if closed || last == nil {
			return
		}
		d.limiter.Enqueue(*last)
	})
}

// poll drains inbound frames so Discord's pings get answered. The
// interval starts fast to catch the handshake-adjacent chatter and
// backs off to a slow keepalive check.
func (d *Discord) poll(client *ipcClient) {
	interval := pollInterval
	for {
		time.Sleep(interval)

		d.mu.Lock()
		if d.client != client || d.closed {
			d.mu.Unlock()
			return
		}
		op, payload, err := client.readFrame(50 * time.Millisecond)
		switch {
		case err == nil:
			interval = pollInterval
			if op == opPing {
				_ = client.writeFrame(opPong, payload)
			}
		case isTimeout(err):
			if interval *= 2; interval > pollIntervalMax {
				interval = pollIntervalMax
			}
		default:
			if !errors.Is(err, os.ErrClosed) && !strings.Contains(err.Error(), "use of closed") {
				d.logger.Debug().Err(err).Msg("discord connection lost")
				d.dropLocked()
			}
			d.mu.Unlock()
			return
		}
		d.mu.Unlock()
	}
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
