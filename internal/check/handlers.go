package check

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/zombor/pillchecker/internal/drug"
	"github.com/zombor/pillchecker/internal/gateway"
	"github.com/zombor/pillchecker/internal/history"
	"github.com/zombor/pillchecker/internal/scanning"
	"github.com/zombor/pillchecker/internal/session"
)

// maxUploadSize allows high-resolution phone photos
const maxUploadSize = int64(50 << 20)

type slotResponse struct {
	Index       int             `json:"index"`
	Filled      bool            `json:"filled"`
	DisplayName string          `json:"display_name,omitempty"`
	Candidate   *drug.Candidate `json:"candidate,omitempty"`
	ManualName  string          `json:"manual_name,omitempty"`
}

type sessionResponse struct {
	Slots      []slotResponse `json:"slots"`
	BothFilled bool           `json:"both_filled"`
	Scanned    bool           `json:"scanned"`
	Verdict    *Verdict       `json:"verdict,omitempty"`
}

type nameRequest struct {
	Name string `json:"name"`
}

type suggestionRequest struct {
	Slot int    `json:"slot"`
	Name string `json:"name"`
}

// writeJSON writes v with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// writeError writes a JSON error body with CORS headers set
func writeError(w http.ResponseWriter, code int, message string) {
	setCORSHeaders(w)
	writeJSON(w, code, map[string]string{"error": message})
}

// writeGatewayError reports a failed remote call with its user facing message
func writeGatewayError(w http.ResponseWriter, err error) {
	code := http.StatusBadGateway
	kind := gateway.KindUnknown
	var gwErr *gateway.Error
	if errors.As(err, &gwErr) {
		kind = gwErr.Kind
		if kind == gateway.KindTimeout {
			code = http.StatusGatewayTimeout
		}
	}
	setCORSHeaders(w)
	writeJSON(w, code, map[string]string{
		"error": gateway.Message(err),
		"kind":  string(kind),
	})
}

func newSessionResponse(sess *Session) (sessionResponse, error) {
	state, err := sess.State()
	if err != nil {
		return sessionResponse{}, err
	}
	resp := sessionResponse{
		Slots:      make([]slotResponse, 0, session.SlotCount),
		BothFilled: state.BothFilled(),
		Scanned:    state.Scanned,
	}
	for i, slot := range state.Slots {
		name, ok := slot.DisplayName()
		resp.Slots = append(resp.Slots, slotResponse{
			Index:       i,
			Filled:      ok,
			DisplayName: name,
			Candidate:   slot.Candidate,
			ManualName:  slot.ManualName,
		})
	}
	if verdict, ok := sess.Pending(); ok {
		resp.Verdict = verdict
	}
	return resp, nil
}

// writeSession responds with the session's slots, picking up any offered
// assignment first
func writeSession(w http.ResponseWriter, sess *Session) {
	resp, err := newSessionResponse(sess)
	if err != nil {
		slog.Error("Error reading session", "session", sess.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// slotIndex parses the {index} path value
func slotIndex(r *http.Request) (int, bool) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil || index < 0 || index >= session.SlotCount {
		return 0, false
	}
	return index, true
}

// handleGetSession returns the two slots and any pending verdict
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request, sess *Session) {
	writeSession(w, sess)
}

// handleResetSession empties both slots
func (s *Server) handleResetSession(w http.ResponseWriter, r *http.Request, sess *Session) {
	sess.Reset()
	writeSession(w, sess)
}

// handleSetSlot fills a slot with a typed name
func (s *Server) handleSetSlot(w http.ResponseWriter, r *http.Request, sess *Session) {
	index, ok := slotIndex(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Slot must be 0 or 1")
		return
	}

	var req nameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := sess.Assign(session.Assignment{Slot: index, Name: req.Name}); err != nil {
		slog.Error("Error setting slot", "session", sess.ID, "slot", index, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeSession(w, sess)
}

// handleClearSlot empties one slot
func (s *Server) handleClearSlot(w http.ResponseWriter, r *http.Request, sess *Session) {
	index, ok := slotIndex(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Slot must be 0 or 1")
		return
	}

	if err := sess.Clear(index); err != nil {
		slog.Error("Error clearing slot", "session", sess.ID, "slot", index, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeSession(w, sess)
}

// handleSelectSuggestion fills a slot with a name picked from the suggestions
func (s *Server) handleSelectSuggestion(w http.ResponseWriter, r *http.Request, sess *Session) {
	var req suggestionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Slot < 0 || req.Slot >= session.SlotCount {
		writeError(w, http.StatusBadRequest, "Slot must be 0 or 1")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "Drug name is required")
		return
	}

	sess.Offer(session.Assignment{Slot: req.Slot, Name: req.Name})
	writeSession(w, sess)
}

// handleScan runs a scan attempt on an uploaded photo
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request, sess *Session) {
	index, ok := slotIndex(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Slot must be 0 or 1")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		errorMsg := "Error parsing form"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			errorMsg = "File is too large. Maximum size is 50MB. Please compress or resize your image."
		}
		writeError(w, http.StatusBadRequest, errorMsg)
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		slog.Error("Error getting file from form", "error", err)
		writeError(w, http.StatusBadRequest, "No photo was provided. Please take or choose a photo.")
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeError(w, http.StatusInternalServerError, "Error reading file. Please try again.")
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "The photo is empty. Please try again.")
		return
	}

	img := scanning.Image{Data: data, ContentType: imageContentType(header.Header.Get("Content-Type"), header.Filename, data)}
	if _, err := sess.Scan.Capture(index, img); err != nil {
		slog.Error("Error capturing image", "session", sess.ID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "Scanning is not available. Please try again.")
		return
	}

	state, err := sess.Scan.Process(r.Context())
	if errors.Is(err, scanning.ErrStaleAttempt) {
		writeError(w, http.StatusConflict, "This scan was replaced by a newer one.")
		return
	}
	if err != nil {
		slog.Error("Error processing scan", "session", sess.ID, "error", err)
		writeError(w, http.StatusConflict, "Scan could not be started. Please try again.")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// imageContentType works out what the upload is when the browser did not say
func imageContentType(declared, filename string, data []byte) string {
	contentType := strings.ToLower(strings.TrimSpace(declared))
	if contentType != "" && contentType != "application/octet-stream" {
		return contentType
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	}
	return http.DetectContentType(data)
}

// handleGetScan returns the current scan state
func (s *Server) handleGetScan(w http.ResponseWriter, r *http.Request, sess *Session) {
	writeJSON(w, http.StatusOK, sess.Scan.Snapshot())
}

// handleScanPreview returns the captured photo
func (s *Server) handleScanPreview(w http.ResponseWriter, r *http.Request, sess *Session) {
	img, ok := sess.Scan.Preview()
	if !ok {
		writeError(w, http.StatusNotFound, "No photo captured")
		return
	}
	w.Header().Set("Content-Type", img.ContentType)
	w.Header().Set("Cache-Control", "no-store")
	w.Write(img.Data)
}

// handleEditScanName changes the name that will be confirmed
func (s *Server) handleEditScanName(w http.ResponseWriter, r *http.Request, sess *Session) {
	var req nameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	state, err := sess.Scan.Edit(req.Name)
	if err != nil {
		writeError(w, http.StatusConflict, "There is no scan result to edit")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// handleRetake discards the current scan attempt
func (s *Server) handleRetake(w http.ResponseWriter, r *http.Request, sess *Session) {
	writeJSON(w, http.StatusOK, sess.Scan.Retake())
}

// handleConfirmScan commits the scan result to its slot
func (s *Server) handleConfirmScan(w http.ResponseWriter, r *http.Request, sess *Session) {
	assignment, err := sess.Scan.Confirm()
	switch {
	case errors.Is(err, scanning.ErrEmptyName):
		writeError(w, http.StatusBadRequest, "Drug name is required")
		return
	case err != nil:
		writeError(w, http.StatusConflict, "There is no scan result to confirm")
		return
	}

	sess.Offer(assignment)
	writeSession(w, sess)
}

// handleSuggestions returns drug names matching a partial query
func (s *Server) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	names := s.suggester.Suggest(r.Context(), r.URL.Query().Get("q"))
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, names)
}

// handleRunCheck looks up the interactions for the two slotted drugs
func (s *Server) handleRunCheck(w http.ResponseWriter, r *http.Request, sess *Session) {
	verdict, err := s.service.Check(r.Context(), sess)
	switch {
	case errors.Is(err, ErrIncomplete):
		writeError(w, http.StatusConflict, "Please choose two drugs first.")
		return
	case errors.Is(err, ErrSlotsChanged):
		writeError(w, http.StatusConflict, "The drugs changed during the check. Please try again.")
		return
	case err != nil:
		writeGatewayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, verdict)
}

// handleSaveCheck stores the looked-up verdict and starts a fresh session
func (s *Server) handleSaveCheck(w http.ResponseWriter, r *http.Request, sess *Session) {
	record, err := s.service.Save(sess)
	switch {
	case errors.Is(err, ErrNoPendingVerdict):
		writeError(w, http.StatusConflict, "Nothing to save. Run the check first.")
		return
	case errors.Is(err, history.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "History is unavailable. Please try again.")
		return
	case err != nil:
		slog.Error("Error saving check", "session", sess.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

// handleListChecks returns saved checks, optionally filtered by drug name
func (s *Server) handleListChecks(w http.ResponseWriter, r *http.Request) {
	records, err := s.service.History(r.URL.Query().Get("q"))
	if err != nil {
		slog.Error("Error listing checks", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	// Ensure we always return an array, not nil
	if records == nil {
		records = []*history.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

// handleGetCheck returns a single saved check
func (s *Server) handleGetCheck(w http.ResponseWriter, r *http.Request) {
	record, ok, err := s.service.Record(r.PathValue("id"))
	if err != nil {
		slog.Error("Error getting check", "id", r.PathValue("id"), "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "Check not found")
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// handleDeleteCheck deletes a saved check
func (s *Server) handleDeleteCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteRecord(r.PathValue("id")); err != nil {
		if errors.Is(err, history.ErrUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "History is unavailable. Please try again.")
			return
		}
		slog.Error("Error deleting check", "id", r.PathValue("id"), "error", err)
		writeError(w, http.StatusInternalServerError, "Error deleting check")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
