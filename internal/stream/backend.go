package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hibiki-player/hibiki/internal/player"
)

// connState tracks where the metadata channel is in its lifecycle.
type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateAwaitingMetadata
	stateHasSong
)

// Config holds the stream backend's tunables. Zero values fall back to
// the listen.moe defaults.
type Config struct {
	GatewayURL string
	APIURL     string
	CoverURL   string

	Username  string
	Password  string
	AutoLogin bool
}

// DefaultStreamURL is the audio endpoint paired with the default
// gateway; the composition root uses it when no override is configured.
const DefaultStreamURL = "https://listen.moe/stream"

// Backend is the listen.moe service controller: a push-based backend
// whose song sequence is driven entirely by the server. The audio stream
// is independent of the metadata channel.
type Backend struct {
	logger  zerolog.Logger
	pub     player.Publisher
	api     *Client
	gateway *gateway
	audio   player.Session

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      connState
	conn       gatewayConn
	current    *player.Song
	lastChange time.Time
	loginInfo  loginInfo
}

type loginInfo struct {
	username string
	password string
	failed   bool // invalid credentials, do not auto-retry
}

// New constructs the stream backend and begins connecting. Song changes
// are published through pub.
func New(cfg Config, session player.Session, pub player.Publisher, logger zerolog.Logger) *Backend {
	logger = logger.With().Str("component", "listen.moe").Logger()
	ctx, cancel := context.WithCancel(context.Background())

	b := &Backend{
		logger:  logger,
		pub:     pub,
		api:     NewClient(cfg.APIURL),
		gateway: newGateway(cfg.GatewayURL, cfg.CoverURL, logger),
		audio:   session,
		ctx:     ctx,
		cancel:  cancel,
		loginInfo: loginInfo{
			username: cfg.Username,
			password: cfg.Password,
		},
	}

	if cfg.AutoLogin {
		go b.login(false)
	}
	go b.connect()
	return b
}

func (b *Backend) CurrentSong() *player.Song {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Ready reports whether the first metadata push has arrived.
func (b *Backend) Ready() bool {
	return b.CurrentSong() != nil
}

func (b *Backend) Audio() player.Session { return b.audio }

func (b *Backend) Capabilities() player.Capability {
	if b.api.LoggedIn() {
		return player.CapFavourite
	}
	return 0
}

// Elapsed approximates the position within the current song as the time
// since its metadata arrived.
func (b *Backend) Elapsed() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lastChange.IsZero() {
		return 0
	}
	return time.Since(b.lastChange)
}

func (b *Backend) Start() {
	b.connect()
}

// Pause intentionally does nothing: the audio stream is independent of
// the metadata channel, and keeping the socket up keeps song updates
// flowing while audio is paused.
func (b *Backend) Pause() {}

func (b *Backend) Stop() {
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.state = stateDisconnected
	b.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Refresh retries login if needed and reconnects the metadata channel.
// The previous connection is not explicitly torn down first; it is
// closed once the replacement is live.
func (b *Backend) Refresh() {
	go b.login(false)
	b.connect()
}

// NextSong and PreviousSong are not meaningful for a radio stream.
func (b *Backend) NextSong()     {}
func (b *Backend) PreviousSong() {}

// ToggleFavourite applies the optimistic pending state, publishes it
// immediately, and reconciles with the server in the background.
func (b *Backend) ToggleFavourite() {
	b.mu.Lock()
	if b.current == nil {
		b.mu.Unlock()
		return
	}
	song := *b.current
	song.Favourite = song.Favourite.Toggle()
	b.current = &song
	b.mu.Unlock()

	b.pub.OnSongChange(&song)

	go func() {
		ctx, cancel := context.WithTimeout(b.ctx, 10*time.Second)
		defer cancel()
		err := b.api.SetFavourite(ctx, song.ID)

		b.mu.Lock()
		cur := b.current
		if cur == nil || !cur.Same(&song) {
			b.mu.Unlock()
			return
		}
		updated := *cur
		if err != nil {
			// rollback: the toggle probably failed because the server
			// already held the state we tried to set
			updated.Favourite = updated.Favourite.Cancel()
		} else {
			updated.Favourite = updated.Favourite.Finalise()
		}
		b.current = &updated
		b.mu.Unlock()

		if err != nil {
			b.logger.Warn().Err(err).Int("song", song.ID).Msg("favourite toggle failed")
		}
		b.pub.OnSongChange(&updated)
	}()
}

// login authenticates against the account API. Missing credentials are
// skipped silently; invalid credentials are reported once and not
// retried until forced.
func (b *Backend) login(force bool) {
	b.mu.Lock()
	info := b.loginInfo
	b.mu.Unlock()

	if b.api.LoggedIn() && !force {
		return
	}
	if info.username == "" || info.password == "" {
		return
	}
	if info.failed && !force {
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, 15*time.Second)
	defer cancel()

	err := b.api.Login(ctx, info.username, info.password)
	switch {
	case err == nil:
		b.logger.Info().Str("user", info.username).Msg("logged in")
		b.refreshFavourite()
	case errors.Is(err, ErrUnauthorized):
		b.logger.Error().Msg("invalid login credentials")
		b.mu.Lock()
		b.loginInfo.failed = true
		b.mu.Unlock()
	default:
		b.logger.Warn().Err(err).Msg("login failed")
	}
}

// Login retries authentication, optionally forcing a fresh token.
func (b *Backend) Login(force bool) {
	if force {
		b.api.Invalidate()
		b.mu.Lock()
		b.loginInfo.failed = false
		b.mu.Unlock()
	}
	go b.login(force)
}

// refreshFavourite re-checks the favourite flag of the current song,
// e.g. right after logging in.
func (b *Backend) refreshFavourite() {
	b.mu.Lock()
	cur := b.current
	b.mu.Unlock()
	if cur == nil {
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, 10*time.Second)
	defer cancel()
	fav, err := b.api.CheckFavourite(ctx, cur.ID)
	if err != nil {
		b.logger.Debug().Err(err).Msg("favourite check failed")
		return
	}

	b.mu.Lock()
	if b.current == nil || !b.current.Same(cur) {
		b.mu.Unlock()
		return
	}
	updated := *b.current
	if fav {
		updated.Favourite = player.FavouriteYes
	} else {
		updated.Favourite = player.FavouriteNo
	}
	b.current = &updated
	b.mu.Unlock()

	b.pub.OnSongChange(&updated)
}

// connect dials a fresh gateway connection and starts consuming it. Any
// previous connection is closed after the new one is established, so a
// refresh never leaves the backend without a reader for long.
func (b *Backend) connect() {
	b.mu.Lock()
	if b.state == stateConnecting {
		b.mu.Unlock()
		return
	}
	b.state = stateConnecting
	b.mu.Unlock()

	go func() {
		conn, err := b.gateway.dial(b.ctx)

		b.mu.Lock()
		old := b.conn
		if err != nil {
			b.conn = nil
			b.state = stateDisconnected
		} else {
			b.conn = conn
			if b.current == nil {
				b.state = stateAwaitingMetadata
			} else {
				b.state = stateHasSong
			}
		}
		b.mu.Unlock()

		if old != nil {
			old.Close()
		}
		if err != nil {
			b.logger.Warn().Err(err).Msg("gateway connect failed")
			return
		}
		b.logger.Info().Msg("connected to gateway")
		b.consume(conn)
	}()
}

// consume applies song pushes from one connection until it dies. A dead
// transport does not clear the last known song: stale-but-displayed
// beats blank.
func (b *Backend) consume(conn gatewayConn) {
	for meta := range conn.Songs() {
		b.applySong(meta)
	}

	b.mu.Lock()
	if b.conn == conn {
		b.conn = nil
		b.state = stateDisconnected
	}
	b.mu.Unlock()
}

func (b *Backend) applySong(meta Metadata) {
	song := &player.Song{
		ID:      meta.ID,
		Title:   meta.Title,
		Artists: meta.Artists,
		Album:   meta.Album,
		ArtURL:  meta.CoverURL,
	}

	// favourite lookup keyed by song id, before first publish
	ctx, cancel := context.WithTimeout(b.ctx, 5*time.Second)
	fav, err := b.api.CheckFavourite(ctx, song.ID)
	cancel()
	if err != nil {
		b.logger.Debug().Err(err).Msg("favourite check failed")
	}
	if fav {
		song.Favourite = player.FavouriteYes
	}

	b.mu.Lock()
	changed := !song.Same(b.current)
	b.current = song
	b.state = stateHasSong
	if changed {
		b.lastChange = time.Now()
	}
	b.mu.Unlock()

	if changed {
		b.logger.Info().Str("title", song.Title).Str("artist", song.ArtistLine()).Msg("song")
	}
	b.pub.OnSongChange(song)
}

// Close tears the backend down for good.
func (b *Backend) Close() {
	b.cancel()
	b.Stop()
}
