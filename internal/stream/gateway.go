package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
)

// Gateway opcodes. Inbound: hello announces the heartbeat interval,
// songPush replaces the current song, pong acknowledges our heartbeat.
// Outbound: heartbeat is echoed at the announced interval.
const (
	opHello     = 0
	opSongPush  = 1
	opHeartbeat = 9
	opPong      = 10
)

const (
	defaultGatewayURL = "wss://listen.moe/gateway_v2"
	defaultCoverURL   = "https://cdn.listen.moe/covers"
)

// Metadata is one parsed song push from the gateway.
type Metadata struct {
	ID       int
	Title    string
	Artists  []string
	Album    string
	CoverURL string
}

// gatewayConn is one live metadata connection. Songs is closed when the
// connection dies; the owner decides whether to reconnect.
type gatewayConn interface {
	Songs() <-chan Metadata
	Close()
}

type gateway struct {
	url      string
	coverURL string
	logger   zerolog.Logger
}

func newGateway(url, coverURL string, logger zerolog.Logger) *gateway {
	if url == "" {
		url = defaultGatewayURL
	}
	if coverURL == "" {
		coverURL = defaultCoverURL
	}
	return &gateway{
		url:      url,
		coverURL: coverURL,
		logger:   logger.With().Str("component", "gateway").Logger(),
	}
}

func (g *gateway) dial(ctx context.Context) (gatewayConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(dialCtx, g.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}

	ctx, stop := context.WithCancel(ctx)
	c := &wsConn{
		gw:    g,
		ws:    ws,
		ctx:   ctx,
		stop:  stop,
		songs: make(chan Metadata, 1),
	}
	go c.readLoop()
	return c, nil
}

type wsConn struct {
	gw    *gateway
	ws    *websocket.Conn
	ctx   context.Context
	stop  context.CancelFunc
	songs chan Metadata
}

func (c *wsConn) Songs() <-chan Metadata { return c.songs }

func (c *wsConn) Close() {
	c.stop()
	c.ws.Close(websocket.StatusNormalClosure, "")
}

func (c *wsConn) readLoop() {
	defer close(c.songs)
	defer c.ws.Close(websocket.StatusNormalClosure, "")

	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil {
				c.gw.logger.Warn().Err(err).Msg("gateway read failed")
			}
			return
		}

		var msg struct {
			Op int             `json:"op"`
			D  json.RawMessage `json:"d"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			c.gw.logger.Debug().Err(err).Msg("malformed gateway message")
			continue
		}

		switch msg.Op {
		case opHello:
			var hello struct {
				Heartbeat float64 `json:"heartbeat"` // milliseconds
			}
			if err := json.Unmarshal(msg.D, &hello); err != nil || hello.Heartbeat <= 0 {
				c.gw.logger.Debug().Msg("hello without heartbeat interval")
				continue
			}
			go c.heartbeat(time.Duration(hello.Heartbeat) * time.Millisecond)

		case opSongPush:
			meta, err := parseSongPush(msg.D, c.gw.coverURL)
			if err != nil {
				// drop the update, keep whatever song we had
				c.gw.logger.Warn().Err(err).Msg("malformed song push")
				continue
			}
			select {
			case c.songs <- meta:
			case <-c.ctx.Done():
				return
			}

		case opPong:
			// ack for our heartbeat

		default:
			c.gw.logger.Debug().Int("op", msg.Op).Msg("unknown gateway opcode")
		}
	}
}

// heartbeat echoes op 9 at the server-announced interval for as long as
// the connection lives.
func (c *wsConn) heartbeat(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			payload := []byte(fmt.Sprintf(`{"op":%d}`, opHeartbeat))
			if err := c.ws.Write(c.ctx, websocket.MessageText, payload); err != nil {
				if c.ctx.Err() == nil {
					c.gw.logger.Debug().Err(err).Msg("heartbeat write failed")
				}
				return
			}
		}
	}
}

type pushedAlbum struct {
	Name  string `json:"name"`
	Image string `json:"image"`
}

func parseSongPush(d json.RawMessage, coverURL string) (Metadata, error) {
	var push struct {
		Song struct {
			ID      int    `json:"id"`
			Title   string `json:"title"`
			Artists []struct {
				Name string `json:"name"`
			} `json:"artists"`
			Albums []pushedAlbum `json:"albums"`
		} `json:"song"`
	}
	if err := json.Unmarshal(d, &push); err != nil {
		return Metadata{}, err
	}
	if push.Song.ID == 0 && push.Song.Title == "" {
		return Metadata{}, fmt.Errorf("song push without id or title")
	}

	meta := Metadata{
		ID:    push.Song.ID,
		Title: push.Song.Title,
	}
	for _, a := range push.Song.Artists {
		if a.Name != "" {
			meta.Artists = append(meta.Artists, a.Name)
		}
	}

	album, image := pickAlbum(push.Song.Albums)
	meta.Album = album
	if image != "" {
		meta.CoverURL = coverURL + "/" + image
	}
	return meta, nil
}

// pickAlbum selects the first album entry that has cover art, falling
// back to the first entry at all.
func pickAlbum(albums []pushedAlbum) (name, image string) {
	picked := false
	for _, a := range albums {
		if !picked || (image == "" && a.Image != "") {
			name = a.Name
			image = a.Image
			picked = true
		}
	}
	return name, image
}
