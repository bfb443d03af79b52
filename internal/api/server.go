package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.io/infrasutra/btmap/internal/accounts"
	"github.io/infrasutra/btmap/internal/bmsg"
	"github.io/infrasutra/btmap/internal/config"
	"github.io/infrasutra/btmap/internal/events"
	"github.io/infrasutra/btmap/internal/listing"
	"github.io/infrasutra/btmap/internal/pagination"
	"github.io/infrasutra/btmap/internal/service"
	"github.io/infrasutra/btmap/internal/store"
)

const (
	defaultLimit = 50
	maxLimit     = 1000
)

// Controller is the part of the orchestrator the API drives.
type Controller interface {
	Status(ctx context.Context) (service.Status, error)
	ReplyAccess(peer string, allow, remember bool)
	Disconnect(ctx context.Context, peer string) error
}

// Messages is the store surface used by the API.
type Messages interface {
	ListMessages(ctx context.Context, mailbox string, f store.Filter) ([]store.Message, error)
	GetMessage(ctx context.Context, mailbox string, id int64) (store.Message, error)
	InsertMessage(ctx context.Context, m store.Message) (int64, error)
	SetRead(ctx context.Context, mailbox string, ids []int64, read bool) error
	DeleteMessages(ctx context.Context, mailbox string, ids []int64) error
	ListPermissions(ctx context.Context) ([]store.Permission, error)
	ForgetPermission(ctx context.Context, peer string) (bool, error)
}

// Accounts is the account file the API can list and reload.
type Accounts interface {
	All() []accounts.Account
	Reload(ctx context.Context) (bool, error)
}

type Server struct {
	cfg      config.Config
	orch     Controller
	store    Messages
	accounts Accounts
	access   *AccessBroker
	hub      *events.Hub[events.Change]
	logger   *slog.Logger
	mux      *http.ServeMux
}

func NewServer(cfg config.Config, orch Controller, messages Messages, accts Accounts, access *AccessBroker, hub *events.Hub[events.Change], logger *slog.Logger) *Server {
	server := &Server{
		cfg:      cfg,
		orch:     orch,
		store:    messages,
		accounts: accts,
		access:   access,
		hub:      hub,
		logger:   logger,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", server.handleStatus)
	mux.HandleFunc("/api/access", server.handleAccess)
	mux.HandleFunc("/api/permissions", server.handlePermissions)
	mux.HandleFunc("/api/permissions/", server.handlePermission)
	mux.HandleFunc("/api/disconnect", server.handleDisconnect)
	mux.HandleFunc("/api/accounts", server.handleAccounts)
	mux.HandleFunc("/api/accounts/reload", server.handleAccountsReload)
	mux.HandleFunc("/api/messages", server.handleMessages)
	mux.HandleFunc("/api/messages/", server.handleMessage)
	mux.HandleFunc("/api/stream", server.handleStream)
	server.mux = mux
	return server
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	if strings.HasPrefix(path, "/api/") {
		if !s.authorized(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		s.mux.ServeHTTP(w, r)
		return
	}
	if path == "/health" {
		s.handleHealth(w, r)
		return
	}
	if path == "/ready" {
		s.handleReady(w, r)
		return
	}
	http.NotFound(w, r)
}

// authorized checks the bearer token, or the token query parameter for
// event stream clients that cannot set headers.
func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.AdminToken == "" {
		return true
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) == 1
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status, err := s.orch.Status(r.Context())
	if err != nil {
		if errors.Is(err, service.ErrNotRunning) {
			http.Error(w, "service not running", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "unable to load status", http.StatusInternalServerError)
		return
	}
	s.respondJSON(w, http.StatusOK, status)
}

type accessReply struct {
	Peer     string `json:"peer"`
	Allow    bool   `json:"allow"`
	Remember bool   `json:"remember"`
}

func (s *Server) handleAccess(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.respondJSON(w, http.StatusOK, map[string]any{"requests": s.access.Pending()})
	case http.MethodPost:
		var payload accessReply
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "invalid JSON", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(payload.Peer) == "" {
			http.Error(w, "peer required", http.StatusBadRequest)
			return
		}
		if !s.access.resolve(payload.Peer) {
			http.Error(w, "no pending request", http.StatusNotFound)
			return
		}
		s.orch.ReplyAccess(payload.Peer, payload.Allow, payload.Remember)
		s.logger.Info("access answered", "peer", payload.Peer, "allow", payload.Allow, "remember", payload.Remember)
		w.WriteHeader(http.StatusAccepted)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type permissionView struct {
	Peer      string `json:"peer"`
	Allowed   bool   `json:"allowed"`
	UpdatedAt string `json:"updated_at"`
}

func (s *Server) handlePermissions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	perms, err := s.store.ListPermissions(r.Context())
	if err != nil {
		http.Error(w, "unable to list permissions", http.StatusInternalServerError)
		return
	}
	out := make([]permissionView, 0, len(perms))
	for _, p := range perms {
		out = append(out, permissionView{
			Peer:      p.Peer,
			Allowed:   p.Allowed,
			UpdatedAt: p.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"permissions": out})
}

func (s *Server) handlePermission(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	peer := strings.TrimPrefix(r.URL.Path, "/api/permissions/")
	if peer == "" || strings.Contains(peer, "/") {
		http.NotFound(w, r)
		return
	}
	deleted, err := s.store.ForgetPermission(r.Context(), peer)
	if err != nil {
		http.Error(w, "unable to delete", http.StatusInternalServerError)
		return
	}
	if !deleted {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		Peer string `json:"peer"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "invalid JSON", http.StatusBadRequest)
			return
		}
	}
	if err := s.orch.Disconnect(r.Context(), payload.Peer); err != nil {
		switch {
		case errors.Is(err, service.ErrUnknownPeer):
			http.Error(w, "peer not connected", http.StatusNotFound)
		case errors.Is(err, service.ErrNotRunning):
			http.Error(w, "service not running", http.StatusServiceUnavailable)
		default:
			http.Error(w, "unable to disconnect", http.StatusInternalServerError)
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"accounts": s.accounts.All()})
}

func (s *Server) handleAccountsReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	changed, err := s.accounts.Reload(r.Context())
	if err != nil {
		s.logger.Error("reload accounts", "error", err)
		http.Error(w, "unable to reload accounts", http.StatusInternalServerError)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]bool{"changed": changed})
}

type messageSummary struct {
	ID         int64  `json:"id"`
	Handle     string `json:"handle"`
	Mailbox    string `json:"mailbox"`
	Type       string `json:"type"`
	Folder     string `json:"folder"`
	From       string `json:"from"`
	FromName   string `json:"from_name,omitempty"`
	To         string `json:"to"`
	Subject    string `json:"subject"`
	Read       bool   `json:"read"`
	Size       int64  `json:"size"`
	CreatedAt  string `json:"created_at"`
	Attachment int64  `json:"attachment_size,omitempty"`
}

type messageDetail struct {
	messageSummary
	Text string `json:"text"`
}

type injectRequest struct {
	Mailbox  string   `json:"mailbox"`
	Type     string   `json:"type"`
	Folder   string   `json:"folder"`
	From     string   `json:"from"`
	FromName string   `json:"from_name"`
	To       []string `json:"to"`
	Subject  string   `json:"subject"`
	Text     string   `json:"text"`
	Read     bool     `json:"read"`
}

func toSummary(m *store.Message) messageSummary {
	return messageSummary{
		ID:         m.ID,
		Handle:     listing.FormatHandle(m.ID, listing.MessageType(m.Type)),
		Mailbox:    m.Mailbox,
		Type:       m.Type,
		Folder:     m.Folder,
		From:       m.SenderAddr,
		FromName:   m.SenderName,
		To:         m.RecipientAddr,
		Subject:    m.Subject,
		Read:       m.Read,
		Size:       m.Size,
		CreatedAt:  m.CreatedAt.UTC().Format(time.RFC3339),
		Attachment: m.AttachmentSize,
	}
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleMessageList(w, r)
	case http.MethodPost:
		s.handleMessageInject(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleMessageList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mailbox := q.Get("mailbox")
	if mailbox == "" {
		mailbox = events.SMSMMSMailbox
	}
	limit := defaultLimit
	if rawLimit := q.Get("limit"); rawLimit != "" {
		if parsed, err := strconv.Atoi(rawLimit); err == nil && parsed > 0 {
			limit = min(parsed, maxLimit)
		}
	}
	offset := 0
	if rawOffset := q.Get("offset"); rawOffset != "" {
		parsed, err := strconv.Atoi(rawOffset)
		if err != nil || parsed < 0 {
			http.Error(w, "invalid offset", http.StatusBadRequest)
			return
		}
		offset = parsed
	}

	messages, err := s.store.ListMessages(r.Context(), mailbox, store.Filter{Folder: strings.ToLower(q.Get("folder"))})
	if err != nil {
		http.Error(w, "unable to list messages", http.StatusInternalServerError)
		return
	}
	page := listing.Segment(messages, limit, offset)
	response := struct {
		Messages []messageSummary `json:"messages"`
		Total    int              `json:"total"`
		HasMore  bool             `json:"has_more"`
	}{
		Messages: make([]messageSummary, 0, len(page)),
		Total:    len(messages),
		HasMore:  pagination.GetHasNext(offset, limit, len(messages)),
	}
	for i := range page {
		response.Messages = append(response.Messages, toSummary(&page[i]))
	}
	s.respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleMessageInject(w http.ResponseWriter, r *http.Request) {
	var payload injectRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	m, err := buildMessage(&payload, time.Now())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := s.store.InsertMessage(r.Context(), m)
	if err != nil {
		s.logger.Error("inject message", "error", err)
		http.Error(w, "unable to store message", http.StatusInternalServerError)
		return
	}
	m.ID = id
	s.logger.Info("message injected", "mailbox", m.Mailbox, "id", id, "type", m.Type, "folder", m.Folder)
	s.respondJSON(w, http.StatusCreated, toSummary(&m))
}

// buildMessage turns an inject request into a stored message. E-mail and
// MIME bodies are rendered from the text.
func buildMessage(p *injectRequest, now time.Time) (store.Message, error) {
	mailbox := strings.TrimSpace(p.Mailbox)
	if mailbox == "" {
		mailbox = events.SMSMMSMailbox
	}
	folder := strings.ToLower(strings.TrimSpace(p.Folder))
	if folder == "" {
		folder = listing.FolderInbox
	}
	if !isStandardFolder(folder) {
		return store.Message{}, fmt.Errorf("invalid folder %q", p.Folder)
	}
	typ := strings.ToUpper(strings.TrimSpace(p.Type))
	if typ == "" {
		typ = string(listing.TypeSMSGSM)
	}
	from := sanitizeHeader(p.From)
	if from == "" {
		return store.Message{}, errors.New("sender required")
	}
	to := normalizeRecipients(p.To)

	m := store.Message{
		Mailbox:       mailbox,
		Type:          typ,
		Folder:        folder,
		Subject:       sanitizeHeader(p.Subject),
		SenderName:    sanitizeHeader(p.FromName),
		SenderAddr:    from,
		RecipientAddr: strings.Join(to, ";"),
		Read:          p.Read,
		Sent:          folder == listing.FolderSent,
		CreatedAt:     now,
	}
	switch listing.MessageType(typ) {
	case listing.TypeSMSGSM, listing.TypeSMSCDMA:
		m.Body = []byte(p.Text)
		if m.Subject == "" {
			m.Subject = p.Text
		}
	case listing.TypeEmail:
		if len(to) == 0 {
			return store.Message{}, errors.New("at least one recipient required")
		}
		raw, err := bmsg.BuildEmail(&bmsg.EmailContent{
			Subject:  m.Subject,
			From:     []*mail.Address{{Name: m.SenderName, Address: from}},
			To:       addressesOf(to),
			Date:     now,
			TextBody: p.Text,
		})
		if err != nil {
			return store.Message{}, err
		}
		m.Body = raw
	case listing.TypeMMS, listing.TypeIM:
		doc := &bmsg.MIME{
			Date:    now,
			Subject: m.Subject,
			From:    []*mail.Address{{Name: m.SenderName, Address: from}},
			To:      addressesOf(to),
			Parts:   []bmsg.MIMEPart{{ContentType: "text/plain", Charset: "utf-8", Data: []byte(p.Text)}},
		}
		raw, err := doc.Bytes()
		if err != nil {
			return store.Message{}, err
		}
		m.Body = raw
	default:
		return store.Message{}, fmt.Errorf("invalid type %q", p.Type)
	}
	m.Size = int64(len(m.Body))
	return m, nil
}

func isStandardFolder(folder string) bool {
	for _, f := range listing.StandardFolders {
		if f == folder {
			return true
		}
	}
	return false
}

func addressesOf(list []string) []*mail.Address {
	out := make([]*mail.Address, 0, len(list))
	for _, a := range list {
		out = append(out, &mail.Address{Address: a})
	}
	return out
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/messages/")
	parts := strings.Split(path, "/")
	if len(parts) < 2 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	mailbox := parts[0]
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		http.Error(w, "invalid message id", http.StatusBadRequest)
		return
	}

	if len(parts) == 2 {
		switch r.Method {
		case http.MethodGet:
			s.handleMessageDetail(w, r, mailbox, id)
		case http.MethodDelete:
			s.handleMessageDelete(w, r, mailbox, id)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	if len(parts) == 3 && parts[2] == "read" {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleMessageRead(w, r, mailbox, id)
		return
	}

	http.NotFound(w, r)
}

func (s *Server) handleMessageDetail(w http.ResponseWriter, r *http.Request, mailbox string, id int64) {
	m, err := s.store.GetMessage(r.Context(), mailbox, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, "unable to load message", http.StatusInternalServerError)
		return
	}
	s.respondJSON(w, http.StatusOK, messageDetail{messageSummary: toSummary(&m), Text: bodyText(&m)})
}

// bodyText is the readable text of a stored body.
func bodyText(m *store.Message) string {
	switch listing.MessageType(m.Type) {
	case listing.TypeEmail:
		if c, err := bmsg.ParseEmail(m.Body); err == nil {
			return c.TextBody
		}
	case listing.TypeMMS, listing.TypeIM:
		if doc, err := bmsg.ParseMIME(m.Body); err == nil {
			return doc.Text()
		}
	}
	return string(m.Body)
}

func (s *Server) handleMessageDelete(w http.ResponseWriter, r *http.Request, mailbox string, id int64) {
	if _, err := s.store.GetMessage(r.Context(), mailbox, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, "unable to delete", http.StatusInternalServerError)
		return
	}
	if err := s.store.DeleteMessages(r.Context(), mailbox, []int64{id}); err != nil {
		http.Error(w, "unable to delete", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMessageRead(w http.ResponseWriter, r *http.Request, mailbox string, id int64) {
	payload := struct {
		Read bool `json:"read"`
	}{Read: true}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "invalid JSON", http.StatusBadRequest)
			return
		}
	}
	if err := s.store.SetRead(r.Context(), mailbox, []int64{id}, payload.Read); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, "unable to update", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	mailbox := r.URL.Query().Get("mailbox")
	if mailbox == "" {
		mailbox = events.SMSMMSMailbox
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	changes, unsubscribe := s.hub.Subscribe(mailbox)
	defer unsubscribe()
	requests, unsubscribeAccess := s.access.subscribe()
	defer unsubscribeAccess()

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			_, _ = w.Write(buildEvent("change", changeEvent(change)))
			flusher.Flush()
		case req, ok := <-requests:
			if !ok {
				return
			}
			_, _ = w.Write(buildEvent("access", req))
			flusher.Flush()
		case <-ticker.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		}
	}
}

type changeRow struct {
	ID     int64  `json:"id"`
	Type   string `json:"type"`
	Folder string `json:"folder"`
	Read   bool   `json:"read"`
}

func changeEvent(c events.Change) map[string]any {
	rows := make([]changeRow, 0, len(c.Rows))
	for _, row := range c.Rows {
		rows = append(rows, changeRow{ID: row.ID, Type: row.Type, Folder: row.Folder, Read: row.Read})
	}
	return map[string]any{
		"mailbox": c.Mailbox,
		"op":      c.Op.String(),
		"rows":    rows,
	}
}

func buildEvent(name string, payload any) []byte {
	data, _ := json.Marshal(payload)
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", name, data))
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondText(w, http.StatusOK, "ok")
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := s.orch.Status(r.Context()); err != nil {
		s.respondText(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	s.respondText(w, http.StatusOK, "ready")
}

func (s *Server) respondText(w http.ResponseWriter, status int, payload string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(payload))
}

func normalizeRecipients(recipients []string) []string {
	seen := map[string]struct{}{}
	result := []string{}
	for _, recipient := range recipients {
		trimmed := strings.ToLower(sanitizeHeader(recipient))
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		result = append(result, trimmed)
	}
	return result
}

func sanitizeHeader(value string) string {
	cleaned := strings.ReplaceAll(value, "\r", "")
	cleaned = strings.ReplaceAll(cleaned, "\n", "")
	return strings.TrimSpace(cleaned)
}
