package presence

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hibiki-player/hibiki/internal/player"
)

const identityPollInterval = 30 * time.Second

// IkuraConfig configures the scrobble relay to an ikurabot instance.
type IkuraConfig struct {
	Address  string
	Password string

	// AllowedNetworks gates the relay: when non-empty, the client only
	// stays connected while the current network identity is listed.
	AllowedNetworks []string

	// NetworkIdentity reports which network the machine is on, e.g. the
	// current Wi-Fi SSID. Nil disables the gate entirely.
	NetworkIdentity func() string
}

// Ikura pushes song changes to an ikurabot over its line protocol: the
// server opens with a csrf challenge, the client echoes it back with
// the password, then commands flow one per line.
type Ikura struct {
	cfg    IkuraConfig
	logger zerolog.Logger

	mu     sync.Mutex
	conn   net.Conn
	lastID int
	hasID  bool
	closed bool

	updates chan *player.Song
	done    chan struct{}
}

func NewIkura(cfg IkuraConfig, logger zerolog.Logger) *Ikura {
	k := &Ikura{
		cfg:     cfg,
		logger:  logger.With().Str("component", "ikura").Logger(),
		updates: make(chan *player.Song, 16),
		done:    make(chan struct{}),
	}
	go k.run()
	if cfg.NetworkIdentity != nil && len(cfg.AllowedNetworks) > 0 {
		go k.watchNetwork()
	}
	return k
}

// OnUpdate is the model subscriber entry point. It only hands the song
// to the relay goroutine: subscribers are called inline on the
// publishing path, so no network I/O can happen here.
func (k *Ikura) OnUpdate(song *player.Song, _ player.PlaybackState) {
	if song == nil {
		return
	}
	select {
	case k.updates <- song:
	default:
		k.logger.Debug().Msg("relay backlogged, dropping update")
	}
}

// run consumes queued updates and relays them one at a time.
func (k *Ikura) run() {
	for {
		select {
		case <-k.done:
			return
		case song := <-k.updates:
			k.relay(song)
		}
	}
}

// relay scrobbles one song change. Repeats of the current song (pause
// flips, favourite updates) are ignored.
func (k *Ikura) relay(song *player.Song) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return
	}
	if k.hasID && k.lastID == song.ID {
		return
	}
	if !k.allowedLocked() {
		return
	}
	if err := k.ensureConnectedLocked(); err != nil {
		k.logger.Debug().Err(err).Msg("ikura not reachable")
		return
	}

	payload, _ := json.Marshal(struct {
		Title  string `json:"title"`
		Artist string `json:"artist"`
	}{Title: song.Title, Artist: song.ArtistLine()})

	if err := k.writeLocked("/scrobble_song " + string(payload)); err != nil {
		k.logger.Warn().Err(err).Msg("scrobble send failed")
		k.dropLocked(false)
		return
	}
	k.lastID = song.ID
	k.hasID = true
}

// Close signs off and stops the network watcher.
func (k *Ikura) Close() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return
	}
	k.closed = true
	close(k.done)
	k.dropLocked(true)
}

func (k *Ikura) allowedLocked() bool {
	if k.cfg.NetworkIdentity == nil || len(k.cfg.AllowedNetworks) == 0 {
		return true
	}
	current := k.cfg.NetworkIdentity()
	for _, n := range k.cfg.AllowedNetworks {
		if n == current {
			return true
		}
	}
	return false
}

// watchNetwork polls the network identity and tears the connection down
// when the machine moves somewhere the relay isn't allowed.
func (k *Ikura) watchNetwork() {
	ticker := time.NewTicker(identityPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-k.done:
			return
		case <-ticker.C:
		}

		k.mu.Lock()
		if k.conn != nil && !k.allowedLocked() {
			k.logger.Info().Msg("left allowed network, disconnecting")
			k.dropLocked(true)
		}
		k.mu.Unlock()
	}
}

func (k *Ikura) ensureConnectedLocked() error {
	if k.conn != nil {
		return nil
	}

	conn, err := net.DialTimeout("tcp", k.cfg.Address, 5*time.Second)
	if err != nil {
		return err
	}

	if err := k.handshake(conn); err != nil {
		conn.Close()
		return fmt.Errorf("ikura handshake: %w", err)
	}

	k.logger.Info().Str("address", k.cfg.Address).Msg("connected to ikura")
	k.conn = conn
	return nil
}

// handshake reads the server's "csrf: <token>" challenge and answers
// with the token and the password on separate lines.
func (k *Ikura) handshake(conn net.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return err
	}
	_ = conn.SetReadDeadline(time.Time{})

	line = strings.TrimSpace(line)
	csrf, ok := strings.CutPrefix(line, "csrf: ")
	if !ok {
		return fmt.Errorf("unexpected challenge %q", line)
	}

	if _, err := fmt.Fprintf(conn, "%s\n%s\n", csrf, k.cfg.Password); err != nil {
		return err
	}
	return nil
}

func (k *Ikura) writeLocked(line string) error {
	_ = k.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := fmt.Fprintf(k.conn, "%s\n", line)
	return err
}

// dropLocked closes the connection, sending the sign-off command first
// when the link still looks usable.
func (k *Ikura) dropLocked(signOff bool) {
	if k.conn == nil {
		return
	}
	if signOff {
		_ = k.writeLocked("/q")
	}
	k.conn.Close()
	k.conn = nil
	k.hasID = false
}
