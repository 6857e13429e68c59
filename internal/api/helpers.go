package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/skroman/musicmesh/internal/library"
	"github.com/skroman/musicmesh/internal/peer"
	"github.com/skroman/musicmesh/pkg/meshclient"
)

// maxJSONBody caps command bodies; uploads are streamed separately
const maxJSONBody = 64 << 10

// errBadRequest marks malformed command bodies
var errBadRequest = errors.New("bad request")

func handleGet(mux *http.ServeMux, path string, fn http.HandlerFunc) {
	mux.HandleFunc("GET "+path, fn)
}

func handleDelete[T any](mux *http.ServeMux, path string, fn func(http.ResponseWriter, *http.Request, T)) {
	mux.HandleFunc("DELETE "+path, withBody(fn))
}

func handlePost[T any](mux *http.ServeMux, path string, fn func(http.ResponseWriter, *http.Request, T)) {
	mux.HandleFunc("POST "+path, withBody(fn))
}

// withBody decodes the JSON body into T before calling fn. An empty body
// yields the zero T.
func withBody[T any](fn func(http.ResponseWriter, *http.Request, T)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req T
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
		fn(w, r, req)
	}
}

func decodeJSON(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("%w: %v", errBadRequest, err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to write response", "component", "api", "error", err)
	}
}

type errorBody struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// writeError maps err onto a status code and writes {ok:false, error}
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorBody{Error: err.Error()})
}

func statusFor(err error) int {
	var pe *meshclient.PeerError
	switch {
	case errors.Is(err, library.ErrNotFound), errors.Is(err, peer.ErrUnknownPeer):
		return http.StatusNotFound
	case errors.Is(err, library.ErrInvalidName),
		errors.Is(err, library.ErrInvalidCategory),
		errors.Is(err, library.ErrUnsupportedType),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.As(err, &pe):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
