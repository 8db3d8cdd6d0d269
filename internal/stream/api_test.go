package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestLoginStoresToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			OperationName string `json:"operationName"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		gotAuth = r.Header.Get("Authorization")

		switch req.OperationName {
		case "login":
			w.Write([]byte(`{"data":{"login":{"token":"tok-abc"}}}`))
		case "checkFavorite":
			w.Write([]byte(`{"data":{"checkFavorite":[42]}}`))
		default:
			t.Errorf("unexpected operation %q", req.OperationName)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	if c.LoggedIn() {
		t.Fatal("fresh client must not be logged in")
	}
	if err := c.Login(context.Background(), "user", "pass"); err != nil {
		t.Fatalf("login: %v", err)
	}
	if !c.LoggedIn() {
		t.Fatal("expected cached token after login")
	}

	fav, err := c.CheckFavourite(context.Background(), 42)
	if err != nil {
		t.Fatalf("check favourite: %v", err)
	}
	if !fav {
		t.Error("song 42 should be a favourite")
	}
	if gotAuth != "Bearer tok-abc" {
		t.Errorf("Authorization = %q, want bearer token", gotAuth)
	}
}

func TestLoginUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	err := c.Login(context.Background(), "user", "wrong")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	if c.LoggedIn() {
		t.Error("failed login must not cache a token")
	}
}

func TestLoginRejectedWithoutToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"login":{"token":""}}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	if err := c.Login(context.Background(), "user", "pass"); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestCheckFavouriteSkipsWhenLoggedOut(t *testing.T) {
	c := NewClient("http://127.0.0.1:0") // must never be contacted
	fav, err := c.CheckFavourite(context.Background(), 1)
	if err != nil || fav {
		t.Fatalf("got (%v, %v), want (false, nil) without a session", fav, err)
	}
}

func TestInvalidateDropsToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"login":{"token":"tok"}}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	if err := c.Login(context.Background(), "u", "p"); err != nil {
		t.Fatalf("login: %v", err)
	}
	c.Invalidate()
	if c.LoggedIn() {
		t.Error("Invalidate must drop the cached token")
	}
}

func TestErrorStatusReportsFirstLine(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream down\nsecond line"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	err := c.SetFavourite(context.Background(), 7)
	if err == nil {
		t.Fatal("expected error")
	}
	if got := err.Error(); got != "status 502: upstream down" {
		t.Errorf("err = %q", got)
	}
}
