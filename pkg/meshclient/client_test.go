package meshclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func setupTestPeer(t *testing.T, handler http.Handler) (*Client, Target) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(5 * time.Second), Target{Identity: "p1", Address: strings.TrimPrefix(srv.URL, "http://")}
}

func TestSongs(t *testing.T) {
	c, target := setupTestPeer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/songs" {
			t.Errorf("Unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"category":"lullabies","items":["a.mp3"]},{"category":"favorites","items":[]}]`))
	}))

	listings, err := c.Songs(context.Background(), target)
	if err != nil {
		t.Fatalf("Songs failed: %v", err)
	}
	if len(listings) != 2 {
		t.Fatalf("Expected 2 listings, got %d", len(listings))
	}
	if listings[0].Category != "lullabies" || listings[0].Items[0] != "a.mp3" {
		t.Errorf("Unexpected listing: %+v", listings[0])
	}
}

func TestHealthAndStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true,"identity":"p1","port":3000,"peers":["p2"]}`))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"playing":true,"currentSong":"a.mp3","category":"lullabies"}`))
	})
	c, target := setupTestPeer(t, mux)

	h, err := c.Health(context.Background(), target)
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if !h.OK || h.Identity != "p1" || len(h.Peers) != 1 {
		t.Errorf("Unexpected health: %+v", h)
	}

	s, err := c.Status(context.Background(), target)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !s.Playing || s.CurrentSong != "a.mp3" {
		t.Errorf("Unexpected status: %+v", s)
	}
}

func TestPlayAndDelete(t *testing.T) {
	var got []string
	c, target := setupTestPeer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Song string `json:"song"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("Bad request body: %v", err)
		}
		got = append(got, r.Method+" "+r.URL.Path+" "+body.Song)
		w.Write([]byte(`{"ok":true,"message":"done"}`))
	}))

	if _, err := c.Play(context.Background(), target, "a.mp3"); err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	if _, err := c.Delete(context.Background(), target, "b.mp3"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if len(got) != 2 || got[0] != "POST /play a.mp3" || got[1] != "DELETE /delete b.mp3" {
		t.Errorf("Unexpected requests: %v", got)
	}
}

func TestUpload(t *testing.T) {
	c, target := setupTestPeer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("category") != "lullabies" {
			t.Errorf("Expected category query, got %q", r.URL.RawQuery)
		}
		file, header, err := r.FormFile("song")
		if err != nil {
			t.Errorf("Missing song field: %v", err)
			http.Error(w, "bad", http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		if header.Filename != "a.mp3" || string(data) != "audio-bytes" {
			t.Errorf("Unexpected upload %q: %q", header.Filename, string(data))
		}
		w.Write([]byte(`{"ok":true,"filename":"a.mp3","category":"lullabies"}`))
	}))

	res, err := c.Upload(context.Background(), target, "lullabies", "a.mp3", strings.NewReader("audio-bytes"))
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if !res.OK || res.Filename != "a.mp3" {
		t.Errorf("Unexpected result: %+v", res)
	}
}

func TestNon2xxIsPeerError(t *testing.T) {
	c, target := setupTestPeer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"ok":false,"error":"disk full"}`, http.StatusInternalServerError)
	}))

	_, err := c.Upload(context.Background(), target, "favorites", "a.mp3", strings.NewReader("x"))

	var pe *PeerError
	if !errors.As(err, &pe) {
		t.Fatalf("Expected PeerError, got %v", err)
	}
	if pe.StatusCode != http.StatusInternalServerError || pe.Peer != "p1" || pe.Op != "upload" {
		t.Errorf("Unexpected error fields: %+v", pe)
	}
	if !strings.Contains(pe.Body, "disk full") {
		t.Errorf("Expected body in error, got %q", pe.Body)
	}
	if IsUnreachable(err) {
		t.Error("A peer that answered is not unreachable")
	}
}

func TestUnreachablePeer(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	c := New(time.Second)
	_, err := c.Songs(context.Background(), Target{Identity: "gone", Address: addr})
	if !IsUnreachable(err) {
		t.Errorf("Expected unreachable error, got %v", err)
	}
}

func TestTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	c := New(5 * time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Songs(ctx, Target{Identity: "slow", Address: strings.TrimPrefix(srv.URL, "http://")})
	if !IsUnreachable(err) {
		t.Errorf("Expected timeout to surface as unreachable, got %v", err)
	}
}

func TestInvalidJSONIsPeerError(t *testing.T) {
	c, target := setupTestPeer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not json</html>"))
	}))

	_, err := c.Songs(context.Background(), target)
	var pe *PeerError
	if !errors.As(err, &pe) {
		t.Fatalf("Expected PeerError, got %v", err)
	}
	if pe.Err == nil {
		t.Error("Expected decode error to be wrapped")
	}
}

func TestForwardPassesStatusThrough(t *testing.T) {
	c, target := setupTestPeer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if r.URL.Path != "/play" || string(body) != `{"song":"x.mp3"}` {
			t.Errorf("Unexpected forwarded request %s %q", r.URL.Path, string(body))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"ok":false,"error":"song not found"}`))
	}))

	status, ctype, payload, err := c.Forward(context.Background(), target, http.MethodPost, "/play", []byte(`{"song":"x.mp3"}`))
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if status != http.StatusNotFound {
		t.Errorf("Expected 404 passed through, got %d", status)
	}
	if ctype != "application/json" {
		t.Errorf("Expected content type passed through, got %q", ctype)
	}
	if !strings.Contains(string(payload), "song not found") {
		t.Errorf("Unexpected payload: %s", payload)
	}
}
