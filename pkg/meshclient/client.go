// Package meshclient is a typed HTTP client for another node's control
// surface.
package meshclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"
)

// maxErrorBody caps how much of a failed response is kept for the error
const maxErrorBody = 512

// Target is the peer a request goes to
type Target struct {
	Identity string
	Address  string // host:port
}

// Listing is one category of a peer's library
type Listing struct {
	Category string   `json:"category"`
	Items    []string `json:"items"`
}

// Health is a peer's /health response
type Health struct {
	OK       bool     `json:"ok"`
	Identity string   `json:"identity"`
	Port     int      `json:"port"`
	Peers    []string `json:"peers"`
}

// Status is a peer's playback status
type Status struct {
	Playing     bool   `json:"playing"`
	CurrentSong string `json:"currentSong"`
	Category    string `json:"category"`
}

// Message is the generic {ok, message} response
type Message struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// UploadResult is a peer's answer to an ingest
type UploadResult struct {
	OK       bool   `json:"ok"`
	Filename string `json:"filename"`
	Category string `json:"category"`
}

// PeerError reports a failed call to a peer. StatusCode is zero when the
// peer could not be reached at all.
type PeerError struct {
	Peer       string
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *PeerError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("peer %s: %s: status %d: %v", e.Peer, e.Op, e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("peer %s: %s: status %d: %s", e.Peer, e.Op, e.StatusCode, e.Body)
	default:
		return fmt.Sprintf("peer %s: %s: %v", e.Peer, e.Op, e.Err)
	}
}

func (e *PeerError) Unwrap() error {
	return e.Err
}

// IsUnreachable reports whether err is a PeerError for a peer that never
// answered.
func IsUnreachable(err error) bool {
	var pe *PeerError
	return errors.As(err, &pe) && pe.StatusCode == 0
}

// Client calls peers over HTTP
type Client struct {
	http *http.Client
}

// New creates a client whose requests give up after timeout
func New(timeout time.Duration) *Client {
	return &Client{
		http: &http.Client{Timeout: timeout},
	}
}

// NewWithHTTPClient creates a client over an existing http.Client
func NewWithHTTPClient(hc *http.Client) *Client {
	return &Client{http: hc}
}

// Health fetches the peer's health
func (c *Client) Health(ctx context.Context, t Target) (*Health, error) {
	var h Health
	if err := c.getJSON(ctx, t, "health", "/health", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Songs fetches the peer's full listing
func (c *Client) Songs(ctx context.Context, t Target) ([]Listing, error) {
	var listings []Listing
	if err := c.getJSON(ctx, t, "songs", "/songs", &listings); err != nil {
		return nil, err
	}
	return listings, nil
}

// Status fetches the peer's playback status
func (c *Client) Status(ctx context.Context, t Target) (*Status, error) {
	var s Status
	if err := c.getJSON(ctx, t, "status", "/status", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Play asks the peer to play song
func (c *Client) Play(ctx context.Context, t Target, song string) (*Message, error) {
	var m Message
	if err := c.sendJSON(ctx, t, "play", http.MethodPost, "/play", map[string]string{"song": song}, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Stop asks the peer to stop playback
func (c *Client) Stop(ctx context.Context, t Target) (*Message, error) {
	var m Message
	if err := c.getJSON(ctx, t, "stop", "/stop", &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Delete asks the peer to delete song
func (c *Client) Delete(ctx context.Context, t Target, song string) (*Message, error) {
	var m Message
	if err := c.sendJSON(ctx, t, "delete", http.MethodDelete, "/delete", map[string]string{"song": song}, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Upload streams content to the peer's ingest endpoint as multipart field
// "song" under category.
func (c *Client) Upload(ctx context.Context, t Target, category, name string, content io.Reader) (*UploadResult, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		part, err := mw.CreateFormFile("song", name)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, content); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	u := endpoint(t, "/upload", url.Values{"category": {category}})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, pr)
	if err != nil {
		pr.Close()
		return nil, &PeerError{Peer: t.Identity, Op: "upload", Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var result UploadResult
	if err := c.do(req, t, "upload", &result); err != nil {
		pr.CloseWithError(err)
		return nil, err
	}
	return &result, nil
}

// Forward sends a raw request to the peer and returns its answer
// unchanged, whatever the status. Only transport failures are errors.
func (c *Client) Forward(ctx context.Context, t Target, method, path string, body []byte) (int, string, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint(t, path, nil), reader)
	if err != nil {
		return 0, "", nil, &PeerError{Peer: t.Identity, Op: "forward", Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, "", nil, &PeerError{Peer: t.Identity, Op: "forward", Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, "", nil, &PeerError{Peer: t.Identity, Op: "forward", Err: err}
	}
	return resp.StatusCode, resp.Header.Get("Content-Type"), payload, nil
}

func (c *Client) getJSON(ctx context.Context, t Target, op, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint(t, path, nil), nil)
	if err != nil {
		return &PeerError{Peer: t.Identity, Op: op, Err: err}
	}
	return c.do(req, t, op, out)
}

func (c *Client) sendJSON(ctx context.Context, t Target, op, method, path string, in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint(t, path, nil), bytes.NewReader(data))
	if err != nil {
		return &PeerError{Peer: t.Identity, Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, t, op, out)
}

func (c *Client) do(req *http.Request, t Target, op string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return &PeerError{Peer: t.Identity, Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &PeerError{
			Peer:       t.Identity,
			Op:         op,
			StatusCode: resp.StatusCode,
			Body:       string(bytes.TrimSpace(body)),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &PeerError{Peer: t.Identity, Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("invalid response: %w", err)}
	}
	return nil
}

func endpoint(t Target, path string, query url.Values) string {
	u := url.URL{Scheme: "http", Host: t.Address, Path: path}
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}
