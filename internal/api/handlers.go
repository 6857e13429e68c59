package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/skroman/musicmesh/internal/peer"
	"github.com/skroman/musicmesh/internal/playback"
	"github.com/skroman/musicmesh/internal/replication"
	"github.com/skroman/musicmesh/internal/storage"
	"github.com/skroman/musicmesh/pkg/meshclient"
)

type songRequest struct {
	Song string `json:"song"`
}

type peerSongRequest struct {
	Peer string `json:"peer"`
	Song string `json:"song"`
}

type volumeRequest struct {
	Level *int `json:"level"`
}

type volumeResponse struct {
	OK      bool   `json:"ok"`
	Level   int    `json:"level"`
	Control string `json:"control"`
}

type deleteResponse struct {
	OK       bool   `json:"ok"`
	Message  string `json:"message"`
	File     string `json:"file"`
	Category string `json:"category"`
}

type uploadResponse struct {
	OK       bool                     `json:"ok"`
	Filename string                   `json:"filename"`
	Category string                   `json:"category"`
	Outcome  *replication.SyncOutcome `json:"outcome,omitempty"`
}

type syncResponse struct {
	OK      bool                    `json:"ok"`
	Peers   int                     `json:"peers"`
	Files   int                     `json:"files"`
	Outcome replication.SyncOutcome `json:"outcome"`
}

type lastSyncResponse struct {
	One *replication.Summary `json:"one"`
	All *replication.Summary `json:"all"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, meshclient.Health{
		OK:       true,
		Identity: s.deps.Identity,
		Port:     s.deps.Port,
		Peers:    s.deps.Peers.IDs(),
	})
}

func (s *Server) handleSongs(w http.ResponseWriter, r *http.Request) {
	listings, err := s.deps.Library.List()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listings)
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request, req songRequest) {
	if req.Song == "" {
		writeError(w, fmt.Errorf("%w: song is required", errBadRequest))
		return
	}
	item, err := s.deps.Player.Start(r.Context(), req.Song)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meshclient.Message{OK: true, Message: "Playing " + item.Key()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Player.Status())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Player.Stop(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meshclient.Message{OK: true, Message: "Stopped"})
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Peers.IDs())
}

func (s *Server) handleSongsOnPeer(w http.ResponseWriter, r *http.Request) {
	target, err := s.target(r.URL.Query().Get("peer"))
	if err != nil {
		writeError(w, err)
		return
	}
	listings, err := s.deps.Client.Songs(r.Context(), target)
	if err != nil {
		s.log.Warn("Peer listing failed", "peer", target.Identity, "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listings)
}

func (s *Server) handlePlayOnPeer(w http.ResponseWriter, r *http.Request, req peerSongRequest) {
	s.forward(w, r, req.Peer, http.MethodPost, "/play", songRequest{Song: req.Song})
}

func (s *Server) handleDeleteOnPeer(w http.ResponseWriter, r *http.Request, req peerSongRequest) {
	s.forward(w, r, req.Peer, http.MethodDelete, "/delete", songRequest{Song: req.Song})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	category, err := s.deps.Library.ResolveCategory(query.Get("category"))
	if err != nil {
		writeError(w, err)
		return
	}

	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			writeError(w, fmt.Errorf("%w: no file uploaded", errBadRequest))
			return
		}
		if err != nil {
			writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
			return
		}
		if part.FormName() != "song" || part.FileName() == "" {
			part.Close()
			continue
		}

		item, err := s.deps.Library.Write(r.Context(), category, part.FileName(), part)
		part.Close()
		if err != nil {
			s.log.Warn("Upload rejected", "name", part.FileName(), "category", category, "error", err)
			writeError(w, err)
			return
		}
		s.log.Info("Item stored", "item", item.Key())

		resp := uploadResponse{OK: true, Filename: item.Name, Category: item.Category}
		if strings.EqualFold(query.Get("sync"), "all") {
			summary := s.deps.Replicator.ReplicateOne(context.WithoutCancel(r.Context()), item)
			resp.Outcome = &summary.Outcome
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}
}

func (s *Server) handleSyncLibrary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.deps.Replicator.ReplicateAll(context.WithoutCancel(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, syncResponse{
		OK:      true,
		Peers:   summary.Peers,
		Files:   summary.Files,
		Outcome: summary.Outcome,
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, req songRequest) {
	if req.Song == "" {
		writeError(w, fmt.Errorf("%w: song is required", errBadRequest))
		return
	}
	item, err := s.deps.Library.Delete(req.Song)
	if err != nil {
		writeError(w, err)
		return
	}
	s.log.Info("Item deleted", "item", item.Key())
	writeJSON(w, http.StatusOK, deleteResponse{OK: true, Message: "deleted", File: item.Name, Category: item.Category})
}

func (s *Server) handleVolume(w http.ResponseWriter, r *http.Request, req volumeRequest) {
	level := playback.DefaultVolume
	if req.Level != nil {
		level = *req.Level
	}
	applied, control, err := s.deps.Mixer.SetVolume(r.Context(), level)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, volumeResponse{OK: true, Level: applied, Control: control})
}

func (s *Server) handleLastSync(w http.ResponseWriter, r *http.Request) {
	var resp lastSyncResponse
	for kind, dst := range map[string]**replication.Summary{
		replication.KindOne: &resp.One,
		replication.KindAll: &resp.All,
	} {
		var summary replication.Summary
		err := s.deps.Ledger.LastSync(kind, &summary)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			writeError(w, err)
			return
		}
		*dst = &summary
	}
	writeJSON(w, http.StatusOK, resp)
}

// target resolves a peer identity from the directory
func (s *Server) target(identity string) (meshclient.Target, error) {
	addr, ok := s.deps.Peers.Resolve(identity)
	if !ok {
		return meshclient.Target{}, fmt.Errorf("%w: %q", peer.ErrUnknownPeer, identity)
	}
	return meshclient.Target{Identity: identity, Address: addr}, nil
}

// forward relays a command to a peer and copies its answer back unchanged
func (s *Server) forward(w http.ResponseWriter, r *http.Request, identity, method, path string, body any) {
	target, err := s.target(identity)
	if err != nil {
		writeError(w, err)
		return
	}
	payload, err := json.Marshal(body)
	if err != nil {
		writeError(w, err)
		return
	}

	status, contentType, answer, err := s.deps.Client.Forward(r.Context(), target, method, path, payload)
	if err != nil {
		s.log.Warn("Peer command failed", "peer", identity, "path", path, "error", err)
		writeError(w, err)
		return
	}
	if contentType == "" {
		contentType = "text/plain; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	w.Write(answer)
}
