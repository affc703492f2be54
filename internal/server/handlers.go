package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"autostage/internal/faults"
	"autostage/internal/pipeline"
	"autostage/internal/upload"
)

const ownerHeader = "X-Owner-ID"

type initUploadRequest struct {
	DeclaredSize int64  `json:"declaredSize"`
	MimeType     string `json:"mimeType"`
}

type initUploadResponse struct {
	UploadID     string `json:"uploadId"`
	DeclaredSize int64  `json:"declaredSize"`
	Status       string `json:"status"`
}

type missingRangesResponse struct {
	UploadID      string             `json:"uploadId"`
	Missing       []upload.ByteRange `json:"missing"`
	ReceivedBytes int64              `json:"receivedBytes"`
	DeclaredSize  int64              `json:"declaredSize"`
}

type jobListResponse struct {
	Jobs []*pipeline.Job `json:"jobs"`
}

type statusResponse struct {
	Running         bool `json:"running"`
	ConnectedOwners int  `json:"connectedOwners"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, statusResponse{
		Running:         true,
		ConnectedOwners: len(s.registry.ConnectedOwners()),
	})
}

func (s *Server) handleInitUpload(w http.ResponseWriter, r *http.Request) {
	ownerID := strings.TrimSpace(r.Header.Get(ownerHeader))
	var req initUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeFault(w, faults.Wrap(faults.ErrValidation, "", "init upload", "malformed request body", err),
			faults.Context{OwnerID: ownerID})
		return
	}

	session, err := s.uploads.InitSession(r.Context(), ownerID, req.DeclaredSize, req.MimeType)
	if err != nil {
		s.writeFault(w, err, faults.Context{OwnerID: ownerID})
		return
	}

	s.writeJSON(w, http.StatusCreated, initUploadResponse{
		UploadID:     session.ID,
		DeclaredSize: session.DeclaredSize,
		Status:       string(session.Status),
	})
}

func (s *Server) handleWriteChunk(w http.ResponseWriter, r *http.Request) {
	uploadID := r.PathValue("id")
	session, err := s.ownedSession(r, uploadID)
	if err != nil {
		s.writeFault(w, err, faults.Context{UploadID: uploadID})
		return
	}

	offset, err := strconv.ParseInt(r.Header.Get("Upload-Offset"), 10, 64)
	if err != nil {
		s.writeFault(w, faults.Wrap(faults.ErrValidation, "", "write chunk", "missing or invalid Upload-Offset header", err),
			faults.Context{OwnerID: session.OwnerID, UploadID: uploadID})
		return
	}

	// Read one byte past the chunk limit so oversized bodies are rejected
	// without buffering them whole.
	data, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxChunkBytes()+1))
	if err != nil {
		s.writeFault(w, faults.Wrap(faults.ErrNetwork, "", "write chunk", "read request body", err),
			faults.Context{OwnerID: session.OwnerID, UploadID: uploadID})
		return
	}

	result, err := s.uploads.WriteChunk(r.Context(), uploadID, offset, data)
	if err != nil {
		s.writeFault(w, err, faults.Context{OwnerID: session.OwnerID, UploadID: uploadID})
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleMissingRanges(w http.ResponseWriter, r *http.Request) {
	uploadID := r.PathValue("id")
	session, err := s.ownedSession(r, uploadID)
	if err != nil {
		s.writeFault(w, err, faults.Context{UploadID: uploadID})
		return
	}

	missing, err := s.uploads.MissingRanges(uploadID)
	if err != nil {
		s.writeFault(w, err, faults.Context{OwnerID: session.OwnerID, UploadID: uploadID})
		return
	}

	s.writeJSON(w, http.StatusOK, missingRangesResponse{
		UploadID:      uploadID,
		Missing:       missing,
		ReceivedBytes: session.ReceivedBytes(),
		DeclaredSize:  session.DeclaredSize,
	})
}

// handleCancel cancels whichever phase the upload is in: the receiving
// session, the running pipeline job, or both.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	uploadID := r.PathValue("id")
	ownerID := strings.TrimSpace(r.Header.Get(ownerHeader))

	sessionErr := s.uploads.Cancel(r.Context(), uploadID)
	jobErr := s.orchestrator.Cancel(uploadID)
	if errors.Is(sessionErr, faults.ErrNotFound) && errors.Is(jobErr, faults.ErrNotFound) {
		s.writeFault(w, sessionErr, faults.Context{OwnerID: ownerID, UploadID: uploadID})
		return
	}
	if sessionErr != nil && !errors.Is(sessionErr, faults.ErrNotFound) {
		s.writeFault(w, sessionErr, faults.Context{OwnerID: ownerID, UploadID: uploadID})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	jobs, err := s.store.ListJobs(r.Context(), limit)
	if err != nil {
		s.writeFault(w, err, faults.Context{})
		return
	}
	s.writeJSON(w, http.StatusOK, jobListResponse{Jobs: jobs})
}

// handleProgress serves the polling fallback for clients without a live
// websocket. Live tracker state wins; finished jobs come from the store.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	uploadID := r.PathValue("id")

	if snapshot, ok := s.tracker.Snapshot(uploadID); ok {
		s.writeJSON(w, http.StatusOK, snapshot)
		return
	}

	snapshot, err := s.store.LoadProgress(r.Context(), uploadID)
	if err != nil {
		s.writeFault(w, err, faults.Context{UploadID: uploadID})
		return
	}
	if snapshot == nil {
		s.writeFault(w, faults.Wrap(faults.ErrNotFound, "", "lookup progress", uploadID, nil),
			faults.Context{UploadID: uploadID})
		return
	}
	s.writeJSON(w, http.StatusOK, *snapshot)
}

func (s *Server) handleRecentErrors(w http.ResponseWriter, r *http.Request) {
	ownerID := strings.TrimSpace(r.Header.Get(ownerHeader))
	if ownerID == "" {
		ownerID = strings.TrimSpace(r.URL.Query().Get("owner"))
	}
	if ownerID == "" {
		s.writeFault(w, faults.Wrap(faults.ErrValidation, "", "list errors", "owner is required", nil),
			faults.Context{})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	records := s.classifier.Recent(ownerID, limit)
	if len(records) == 0 {
		stored, err := s.store.RecentFaults(r.Context(), ownerID, limit)
		if err != nil {
			s.writeFault(w, err, faults.Context{OwnerID: ownerID})
			return
		}
		records = stored
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"errors": records})
}

// ownedSession loads the session and verifies the caller owns it. A request
// with the wrong owner reads as not-found so upload ids cannot be probed.
func (s *Server) ownedSession(r *http.Request, uploadID string) (*upload.Session, error) {
	session, err := s.uploads.Session(uploadID)
	if err != nil {
		return nil, err
	}
	ownerID := strings.TrimSpace(r.Header.Get(ownerHeader))
	if ownerID == "" || session.OwnerID != ownerID {
		return nil, faults.Wrap(faults.ErrNotFound, "", "lookup session", uploadID, nil)
	}
	return session, nil
}
