package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/manpreetbhatti/docrelay/internal/db"
)

// UserHeader carries the caller's user id. Authentication happens in front
// of this service.
const UserHeader = "X-User-ID"

// RelayStats reports the live state of the websocket relay.
type RelayStats interface {
	GetRoomCount() int
	GetClientCount() int
	GetParticipantCount() int
	GetActiveRooms() map[string]int
}

type API struct {
	relay    RelayStats
	database *db.Database
	logger   *slog.Logger
}

func New(relay RelayStats, database *db.Database, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		relay:    relay,
		database: database,
		logger:   logger,
	}
}

// Register adds every endpoint to mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", a.HealthHandler)
	mux.HandleFunc("GET /api/stats", a.StatsHandler)
	mux.HandleFunc("GET /api/documents", a.ListDocumentsHandler)
	mux.HandleFunc("POST /api/documents", a.CreateDocumentHandler)
	mux.HandleFunc("GET /api/documents/{id}", a.GetDocumentHandler)
	mux.HandleFunc("PATCH /api/documents/{id}", a.UpdateDocumentHandler)
	mux.HandleFunc("DELETE /api/documents/{id}", a.DeleteDocumentHandler)
	mux.HandleFunc("POST /api/documents/{id}/shares", a.ShareDocumentHandler)
}

func (a *API) jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Error("error encoding JSON response", "error", err)
	}
}

func (a *API) errorResponse(w http.ResponseWriter, status int, message string) {
	a.jsonResponse(w, status, map[string]string{"error": message})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"active_rooms":        a.relay.GetRoomCount(),
		"active_clients":      a.relay.GetClientCount(),
		"active_participants": a.relay.GetParticipantCount(),
		"rooms":               a.relay.GetActiveRooms(),
		"timestamp":           time.Now().UTC().Format(time.RFC3339),
	}

	if a.database != nil {
		dbStats, err := a.database.GetStats()
		if err == nil {
			stats["total_documents"] = dbStats["document_count"]
			stats["total_shares"] = dbStats["share_count"]
		}
	}

	a.jsonResponse(w, http.StatusOK, stats)
}

// Document handlers

type CreateDocumentRequest struct {
	Title string `json:"title"`
}

type UpdateDocumentRequest struct {
	Title    *string `json:"title"`
	Content  *string `json:"content"`
	IsPublic *bool   `json:"isPublic"`
}

type ShareDocumentRequest struct {
	UserID     string        `json:"userId"`
	Permission db.Permission `json:"permission"`
}

// DocumentResponse adds the relay's live participant count to a stored
// document.
type DocumentResponse struct {
	db.Document
	ActiveUsers int `json:"activeUsers"`
}

// requireUser returns the caller's id, writing a 401 when it is missing.
func (a *API) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := strings.TrimSpace(r.Header.Get(UserHeader))
	if userID == "" {
		a.errorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return "", false
	}
	return userID, true
}

func (a *API) storeError(w http.ResponseWriter, err error, action string) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		a.errorResponse(w, http.StatusNotFound, "Not found")
	case errors.Is(err, db.ErrInvalidPermission):
		a.errorResponse(w, http.StatusBadRequest, "Invalid permission")
	case errors.Is(err, db.ErrOwnerOnly):
		a.errorResponse(w, http.StatusForbidden, "Only the owner can change visibility")
	default:
		a.logger.Error("document store failure", "action", action, "error", err)
		a.errorResponse(w, http.StatusInternalServerError, "Failed to "+action)
	}
}

func (a *API) ListDocumentsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := a.requireUser(w, r)
	if !ok {
		return
	}

	docs, err := a.database.ListDocuments(userID)
	if err != nil {
		a.storeError(w, err, "list documents")
		return
	}

	activeRooms := a.relay.GetActiveRooms()

	response := make([]DocumentResponse, len(docs))
	for i, doc := range docs {
		response[i] = DocumentResponse{Document: doc, ActiveUsers: activeRooms[doc.ID]}
	}

	a.jsonResponse(w, http.StatusOK, response)
}

func (a *API) CreateDocumentHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := a.requireUser(w, r)
	if !ok {
		return
	}

	var req CreateDocumentRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			a.errorResponse(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	doc, err := a.database.CreateDocument(userID, strings.TrimSpace(req.Title))
	if err != nil {
		a.storeError(w, err, "create document")
		return
	}

	a.jsonResponse(w, http.StatusCreated, DocumentResponse{Document: *doc})
}

func (a *API) GetDocumentHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := a.requireUser(w, r)
	if !ok {
		return
	}

	doc, err := a.database.GetDocument(r.PathValue("id"), userID)
	if err != nil {
		a.storeError(w, err, "get document")
		return
	}

	a.jsonResponse(w, http.StatusOK, DocumentResponse{
		Document:    *doc,
		ActiveUsers: a.relay.GetActiveRooms()[doc.ID],
	})
}

func (a *API) UpdateDocumentHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := a.requireUser(w, r)
	if !ok {
		return
	}

	var req UpdateDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	doc, err := a.database.UpdateDocument(r.PathValue("id"), userID, db.DocumentUpdate{
		Title:    req.Title,
		Content:  req.Content,
		IsPublic: req.IsPublic,
	})
	if err != nil {
		a.storeError(w, err, "update document")
		return
	}

	a.jsonResponse(w, http.StatusOK, DocumentResponse{Document: *doc})
}

func (a *API) DeleteDocumentHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := a.requireUser(w, r)
	if !ok {
		return
	}

	if err := a.database.DeleteDocument(r.PathValue("id"), userID); err != nil {
		a.storeError(w, err, "delete document")
		return
	}

	a.jsonResponse(w, http.StatusOK, map[string]bool{"success": true})
}

func (a *API) ShareDocumentHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := a.requireUser(w, r)
	if !ok {
		return
	}

	var req ShareDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.UserID == "" {
		a.errorResponse(w, http.StatusBadRequest, "userId is required")
		return
	}
	if req.Permission == "" {
		req.Permission = db.PermissionView
	}

	share, err := a.database.ShareDocument(r.PathValue("id"), userID, req.UserID, req.Permission)
	if err != nil {
		a.storeError(w, err, "share document")
		return
	}

	a.jsonResponse(w, http.StatusCreated, share)
}
