package presence

import (
	"bufio"
	"encoding/json"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hibiki-player/hibiki/internal/player"
)

// ikuraServer accepts one connection, issues the csrf challenge and
// records every line the client sends.
type ikuraServer struct {
	ln    net.Listener
	lines chan string
}

func newIkuraServer(t *testing.T) *ikuraServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &ikuraServer{ln: ln, lines: make(chan string, 16)}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		if _, err := conn.Write([]byte("csrf: tok-123\n")); err != nil {
			return
		}
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			s.lines <- scanner.Text()
		}
		close(s.lines)
	}()
	return s
}

func (s *ikuraServer) next(t *testing.T) string {
	t.Helper()
	select {
	case line, ok := <-s.lines:
		if !ok {
			t.Fatal("connection closed before expected line")
		}
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for line")
		return ""
	}
}

func TestIkuraHandshakeAndScrobble(t *testing.T) {
	srv := newIkuraServer(t)

	k := NewIkura(IkuraConfig{
		Address:  srv.ln.Addr().String(),
		Password: "hunter2",
	}, zerolog.Nop())
	defer k.Close()

	song := &player.Song{ID: 1, Title: "sakura skip", Artists: []string{"fourfolium"}}
	k.OnUpdate(song, player.PlaybackState{Playing: true})

	if got := srv.next(t); got != "tok-123" {
		t.Errorf("csrf echo = %q, want %q", got, "tok-123")
	}
	if got := srv.next(t); got != "hunter2" {
		t.Errorf("password line = %q", got)
	}

	line := srv.next(t)
	const prefix = "/scrobble_song "
	if len(line) <= len(prefix) || line[:len(prefix)] != prefix {
		t.Fatalf("scrobble line = %q", line)
	}
	var payload struct {
		Title  string `json:"title"`
		Artist string `json:"artist"`
	}
	if err := json.Unmarshal([]byte(line[len(prefix):]), &payload); err != nil {
		t.Fatalf("scrobble payload: %v", err)
	}
	if payload.Title != "sakura skip" || payload.Artist != "fourfolium" {
		t.Errorf("payload = %+v", payload)
	}
}

func TestIkuraDeduplicatesBySongID(t *testing.T) {
	srv := newIkuraServer(t)

	k := NewIkura(IkuraConfig{Address: srv.ln.Addr().String(), Password: "pw"}, zerolog.Nop())
	defer k.Close()

	song := &player.Song{ID: 5, Title: "a", Artists: []string{"x"}}
	k.OnUpdate(song, player.PlaybackState{Playing: true})

	// same song again: pause flip and favourite update, no rescrobble
	k.OnUpdate(song, player.PlaybackState{Playing: false})
	fav := *song
	fav.Favourite = player.FavouritePendingYes
	k.OnUpdate(&fav, player.PlaybackState{Playing: true})

	next := &player.Song{ID: 6, Title: "b", Artists: []string{"x"}}
	k.OnUpdate(next, player.PlaybackState{Playing: true})

	srv.next(t) // csrf echo
	srv.next(t) // password

	first := srv.next(t)
	second := srv.next(t)
	if first == second {
		t.Errorf("expected two distinct scrobbles, got %q twice", first)
	}
	select {
	case line, ok := <-srv.lines:
		if ok && line != "/q" {
			t.Errorf("unexpected extra line %q", line)
		}
	case <-time.After(200 * time.Millisecond):
	}
}

func TestIkuraSignsOffOnClose(t *testing.T) {
	srv := newIkuraServer(t)

	k := NewIkura(IkuraConfig{Address: srv.ln.Addr().String(), Password: "pw"}, zerolog.Nop())
	k.OnUpdate(&player.Song{ID: 1, Title: "t", Artists: []string{"a"}}, player.PlaybackState{Playing: true})

	srv.next(t) // csrf echo
	srv.next(t) // password
	srv.next(t) // scrobble

	k.Close()
	if got := srv.next(t); got != "/q" {
		t.Errorf("sign-off line = %q, want /q", got)
	}
}

func TestIkuraRespectsNetworkAllowlist(t *testing.T) {
	srv := newIkuraServer(t)

	var identity atomic.Value
	identity.Store("10.0.0.0/24")
	k := NewIkura(IkuraConfig{
		Address:         srv.ln.Addr().String(),
		Password:        "pw",
		AllowedNetworks: []string{"192.168.1.0/24"},
		NetworkIdentity: func() string { return identity.Load().(string) },
	}, zerolog.Nop())
	defer k.Close()

	k.OnUpdate(&player.Song{ID: 1, Title: "t", Artists: []string{"a"}}, player.PlaybackState{Playing: true})

	select {
	case line := <-srv.lines:
		t.Fatalf("client connected from disallowed network, got %q", line)
	case <-time.After(200 * time.Millisecond):
	}

	identity.Store("192.168.1.0/24")
	k.OnUpdate(&player.Song{ID: 2, Title: "u", Artists: []string{"a"}}, player.PlaybackState{Playing: true})
	if got := srv.next(t); got != "tok-123" {
		t.Errorf("csrf echo = %q", got)
	}
}

func TestIkuraUpdateReturnsWhileHostIsStalled(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	// Accept but never send the csrf challenge, leaving the relay
	// goroutine wedged in the handshake read.
	conns := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conns <- conn
		}
	}()

	k := NewIkura(IkuraConfig{Address: ln.Addr().String(), Password: "pw"}, zerolog.Nop())

	start := time.Now()
	k.OnUpdate(&player.Song{ID: 1, Title: "t", Artists: []string{"a"}}, player.PlaybackState{Playing: true})
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("subscriber call took %v", elapsed)
	}

	// Sever the connection so the relay unwedges before Close.
	select {
	case conn := <-conns:
		conn.Close()
	case <-time.After(2 * time.Second):
	}
	k.Close()
}
