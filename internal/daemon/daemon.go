package daemon

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/hibiki-player/hibiki/internal/audio"
	"github.com/hibiki-player/hibiki/internal/config"
	"github.com/hibiki-player/hibiki/internal/library"
	"github.com/hibiki-player/hibiki/internal/player"
	"github.com/hibiki-player/hibiki/internal/presence"
	"github.com/hibiki-player/hibiki/internal/state"
	"github.com/hibiki-player/hibiki/internal/stats"
	"github.com/hibiki-player/hibiki/internal/stream"
)

// Daemon wires the player model, the selected backend and the external
// relays together and runs them until shutdown.
type Daemon struct {
	cfg    *config.Config
	logger zerolog.Logger

	model   *player.Model
	stats   *stats.Store
	writer  *state.Writer
	discord *presence.Discord
	ikura   *presence.Ikura

	// teardown for the currently mounted backend
	closeBackend func()

	autoMu   sync.Mutex
	autoplay bool
}

// New creates a new Daemon instance
func New(cfg *config.Config, logger zerolog.Logger) (*Daemon, error) {
	store, err := stats.Open(cfg.StatsDB, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open play log: %w", err)
	}

	d := &Daemon{
		cfg:    cfg,
		logger: logger.With().Str("component", "daemon").Logger(),
		model:  player.NewModel(logger),
		stats:  store,
		writer: state.NewWriter(cfg.StateFile, logger),
	}

	d.model.Subscribe(d.autoPlay)
	d.model.Subscribe(d.writer.OnUpdate)

	if cfg.Discord.Enabled && cfg.Discord.AppID != "" {
		d.discord = presence.NewDiscord(cfg.Discord.AppID, cfg.Discord.Token, logger)
		d.model.Subscribe(d.discord.OnUpdate)
	}
	if cfg.Ikura.Enabled && cfg.Ikura.Address != "" {
		d.ikura = presence.NewIkura(presence.IkuraConfig{
			Address:         cfg.Ikura.Address,
			Password:        cfg.Ikura.Password,
			AllowedNetworks: cfg.Ikura.AllowedNetworks,
			NetworkIdentity: networkIdentity,
		}, logger)
		d.model.Subscribe(d.ikura.OnUpdate)
	}

	if err := d.mount(cfg); err != nil {
		store.Close()
		return nil, err
	}
	return d, nil
}

// Run starts playback and blocks until a shutdown signal arrives.
func (d *Daemon) Run() error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	d.cfg.Watch(d.configChanged)

	d.logger.Info().Str("source", d.cfg.Source).Msg("Starting daemon")
	d.model.SetPlaying(true)

	<-sigChan
	d.logger.Info().Msg("Shutdown signal received, initiating graceful shutdown")

	// Second signal forces exit
	go func() {
		<-sigChan
		d.logger.Warn().Msg("Second shutdown signal received, forcing exit")
		os.Exit(1)
	}()

	return d.Shutdown()
}

// Model exposes the playback model for command-driven control.
func (d *Daemon) Model() *player.Model {
	return d.model
}

// autoPlay starts playback once a freshly mounted backend produces its
// first song. Stream backends aren't ready until the first metadata
// push lands, so an eager SetPlaying at mount time would be refused.
func (d *Daemon) autoPlay(song *player.Song, st player.PlaybackState) {
	if song == nil || st.Playing {
		return
	}
	d.autoMu.Lock()
	armed := d.autoplay
	d.autoplay = false
	d.autoMu.Unlock()
	if armed {
		// out of line, the model is mid fan-out
		go d.model.SetPlaying(true)
	}
}

// mount builds the backend named by cfg.Source and swaps it into the
// model.
func (d *Daemon) mount(cfg *config.Config) error {
	d.autoMu.Lock()
	d.autoplay = true
	d.autoMu.Unlock()

	opts := audio.Options{
		Volume:       cfg.Audio.Volume,
		Muted:        cfg.Audio.Muted,
		ScalePercent: cfg.Audio.ScalePercent,
		Normalise:    cfg.Library.Normalise,
		OnVolume: func(v int) {
			if err := cfg.Set("audio.volume", v); err != nil {
				d.logger.Warn().Err(err).Msg("failed to persist volume")
			}
		},
		OnMuted: func(m bool) {
			if err := cfg.Set("audio.muted", m); err != nil {
				d.logger.Warn().Err(err).Msg("failed to persist mute")
			}
		},
	}

	switch cfg.Source {
	case "stream":
		streamURL := cfg.Stream.StreamURL
		if streamURL == "" {
			streamURL = stream.DefaultStreamURL
		}
		d.model.Swap(func(pub player.Publisher) player.Backend {
			session := audio.NewStream(streamURL, false, opts, d.logger)
			b := stream.New(stream.Config{
				GatewayURL: cfg.Stream.GatewayURL,
				APIURL:     cfg.Stream.APIURL,
				CoverURL:   cfg.Stream.CoverURL,
				Username:   cfg.Stream.Username,
				Password:   cfg.Stream.Password,
				AutoLogin:  cfg.Stream.AutoLogin,
			}, session, pub, d.logger)
			d.closeBackend = b.Close
			return b
		})

	case "library":
		if cfg.Library.Path == "" {
			return fmt.Errorf("library source selected but library.path is not set")
		}
		d.model.Swap(func(pub player.Publisher) player.Backend {
			source := library.NewDirSource(cfg.Library.Path, d.logger)
			b := library.New(source, player.ParseShuffleMode(cfg.Library.Shuffle), opts, d.stats, pub, d.logger)
			if cfg.Library.Playlist != "" {
				b.SetPlaylist(cfg.Library.Playlist)
			}
			d.closeBackend = b.Close
			return b
		})

	default:
		return fmt.Errorf("unknown source %q", cfg.Source)
	}
	return nil
}

// configChanged remounts or retunes the backend after the config file
// changes on disk.
func (d *Daemon) configChanged(fresh *config.Config) {
	old := d.cfg
	d.cfg = fresh

	if fresh.Source != old.Source || fresh.Library.Path != old.Library.Path {
		d.logger.Info().Str("source", fresh.Source).Msg("Config changed, remounting backend")
		if d.closeBackend != nil {
			old := d.closeBackend
			d.closeBackend = nil
			defer old()
		}
		if err := d.mount(fresh); err != nil {
			d.logger.Error().Err(err).Msg("Failed to remount backend")
			return
		}
		d.model.SetPlaying(true)
		return
	}

	if fresh.Library.Shuffle != old.Library.Shuffle {
		if lib, ok := d.model.Backend().(player.Librarian); ok {
			lib.SetShuffle(player.ParseShuffleMode(fresh.Library.Shuffle))
		}
	}
	if fresh.Library.Playlist != old.Library.Playlist {
		if lib, ok := d.model.Backend().(player.Librarian); ok {
			lib.SetPlaylist(fresh.Library.Playlist)
		}
	}
}

// Shutdown gracefully shuts down the daemon
func (d *Daemon) Shutdown() error {
	d.logger.Info().Msg("Shutting down daemon")

	d.model.SetPlaying(false)
	if d.discord != nil {
		d.discord.Close()
	}
	if d.ikura != nil {
		d.ikura.Close()
	}
	if d.closeBackend != nil {
		d.closeBackend()
	}
	d.writer.Flush()

	if err := d.stats.Close(); err != nil {
		return fmt.Errorf("failed to close play log: %w", err)
	}
	return nil
}

// networkIdentity names the network the machine is currently on by the
// /24 prefix of its first global unicast IPv4 address. Allowlists in
// the config match against these prefixes, e.g. "192.168.1.0/24".
func networkIdentity() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip4 := ipNet.IP.To4()
		if ip4 == nil || !ip4.IsGlobalUnicast() {
			continue
		}
		masked := ip4.Mask(net.CIDRMask(24, 32))
		return masked.String() + "/24"
	}
	return ""
}
