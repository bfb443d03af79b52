package mas

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.io/infrasutra/btmap/internal/accounts"
	"github.io/infrasutra/btmap/internal/appparams"
	"github.io/infrasutra/btmap/internal/bmsg"
	"github.io/infrasutra/btmap/internal/listing"
	"github.io/infrasutra/btmap/internal/mns"
	"github.io/infrasutra/btmap/internal/obex"
	"github.io/infrasutra/btmap/internal/pagination"
	"github.io/infrasutra/btmap/internal/store"
)

// OBEX type headers.
const (
	TypeFolderListing        = "x-obex/folder-listing"
	TypeMessageListing       = "x-bt/MAP-msg-listing"
	TypeConvoListing         = "x-bt/MAP-convo-listing"
	TypeMessage              = "x-bt/message"
	TypeInstanceInformation  = "x-bt/MASInstanceInformation"
	TypeMessageStatus        = "x-bt/messageStatus"
	TypeNotificationRegister = "x-bt/MAP-NotificationRegistration"
	TypeNotificationFilter   = "x-bt/MAP-notification-filter"
	TypeMessageUpdate        = "x-bt/MAP-messageUpdate"
	TypeOwnerStatus          = "x-bt/participant"
)

const (
	mseTimeLayout = "20060102T150405-0700"
	maxOwnerInfo  = 200
	relayTimeout  = 2 * time.Minute
)

// handler serves the requests of one session. The OBEX server calls it from
// a single goroutine, so its fields need no locking.
type handler struct {
	inst   *Instance
	peer   string
	logger *slog.Logger

	folder         listing.Folder
	peerFeatures   uint32
	listingVersion string
	messageVersion string
	notifyFilter   uint32
	registered     bool
}

func newHandler(inst *Instance, peer string) *handler {
	return &handler{
		inst:           inst,
		peer:           peer,
		logger:         inst.logger.With("peer", peer),
		folder:         inst.tree.Root(),
		peerFeatures:   peerDefaultFeatures,
		listingVersion: listing.Version10,
		messageVersion: "1.0",
		notifyFilter:   mns.FilterAll,
	}
}

func (h *handler) activity() {
	h.inst.cfg.Hooks.Activity(h.inst)
}

func (h *handler) peerHas(feature uint32) bool {
	return h.peerFeatures&feature != 0
}

func (h *handler) eventVersion() string {
	if h.peerHas(FeatureExtendedEventReport11 | FeatureEventReport12) {
		return mns.Version11
	}
	return mns.Version10
}

func parseParams(raw []byte) (*appparams.Params, error) {
	ap, err := appparams.Parse(raw)
	if err != nil {
		return nil, obex.BadRequest("%v", err)
	}
	return ap, nil
}

func (h *handler) Connect(ctx context.Context, req *obex.Request) error {
	h.activity()
	ap, err := parseParams(req.AppParams)
	if err != nil {
		return err
	}
	if v, ok := ap.Uint(appparams.MapSupportedFeatures); ok {
		h.peerFeatures = uint32(v)
	}
	if h.peerHas(FeatureMessageListingFormat11) {
		h.listingVersion = listing.Version11
	}
	if h.peerHas(FeatureMessageFormat11) {
		h.messageVersion = "1.1"
	}
	h.logger.Info("session connected", "peer_features", fmt.Sprintf("0x%08X", h.peerFeatures))
	return nil
}

func (h *handler) Disconnect(ctx context.Context) {
	h.logger.Debug("session disconnected")
}

func (h *handler) SetPath(ctx context.Context, req *obex.Request) error {
	h.activity()
	f := h.folder
	if req.Backup() {
		parent, ok := f.Parent()
		if !ok {
			return obex.BadRequest("already at root")
		}
		f = parent
	} else if req.Name == "" {
		h.folder = h.inst.tree.Root()
		return nil
	}
	if req.Name != "" {
		child, ok := f.Child(req.Name)
		if !ok {
			return obex.NotFound("no folder %q in %q", req.Name, f.FullPath())
		}
		f = child
	}
	h.folder = f
	h.logger.Debug("folder changed", "folder", f.FullPath())
	return nil
}

func (h *handler) Get(ctx context.Context, req *obex.Request) (*obex.Response, error) {
	h.activity()
	ap, err := parseParams(req.AppParams)
	if err != nil {
		return nil, err
	}
	switch req.Type {
	case "":
		return nil, obex.BadRequest("missing type")
	case TypeFolderListing:
		return h.folderListing(req, ap)
	case TypeMessageListing:
		return h.messageListing(ctx, req, ap)
	case TypeConvoListing:
		return h.convoListing(ctx, ap)
	case TypeMessage:
		return h.getMessage(ctx, req, ap)
	case TypeInstanceInformation:
		return h.instanceInfo(ap)
	case TypeOwnerStatus:
		return h.ownerStatus(ctx, ap)
	}
	return nil, obex.BadRequest("unsupported get type %q", req.Type)
}

func (h *handler) Put(ctx context.Context, req *obex.Request) (*obex.Response, error) {
	h.activity()
	ap, err := parseParams(req.AppParams)
	if err != nil {
		return nil, err
	}
	switch req.Type {
	case "":
		return nil, obex.BadRequest("missing type")
	case TypeMessage:
		return h.pushMessage(ctx, req, ap)
	case TypeMessageStatus:
		return nil, h.setMessageStatus(ctx, req, ap)
	case TypeNotificationRegister:
		return nil, h.registerNotification(ap)
	case TypeNotificationFilter:
		return nil, h.setNotificationFilter(ap)
	case TypeMessageUpdate:
		if h.inst.cfg.Account == nil {
			return nil, obex.NotImplemented("inbox update on the sms/mms instance")
		}
		return nil, nil
	case TypeOwnerStatus:
		return nil, h.setOwnerStatus(ctx, ap)
	}
	return nil, obex.BadRequest("unsupported put type %q", req.Type)
}

func (h *handler) pageParams(ap *appparams.Params) *pagination.Params {
	return pagination.GetPaginationParams(ap, pagination.WithDefaultLimit(h.inst.cfg.ListLimit))
}

// resolve finds the folder a request names relative to the current one.
func (h *handler) resolve(name string) (listing.Folder, bool) {
	if name == "" {
		return h.folder, true
	}
	return h.folder.Child(name)
}

// messageFolder returns the store folder of f, or "" when f holds no
// messages.
func messageFolder(f listing.Folder) string {
	name := strings.ToLower(f.Name())
	if !slices.Contains(listing.StandardFolders, name) {
		return ""
	}
	if parent, ok := f.Parent(); !ok || !strings.EqualFold(parent.Name(), "msg") {
		return ""
	}
	return name
}

func (h *handler) folderListing(req *obex.Request, ap *appparams.Params) (*obex.Response, error) {
	f, ok := h.resolve(req.Name)
	if !ok {
		return nil, obex.NotFound("no folder %q", req.Name)
	}
	p := h.pageParams(ap)
	if p.SizeOnly {
		var out appparams.Params
		out.SetUint16(appparams.FolderListingSize, uint16(len(f.Children())))
		return &obex.Response{Headers: []obex.Header{obex.BytesHeader(obex.HeaderAppParams, out.Encode())}}, nil
	}
	body, err := listing.FolderListing(f, p.MaxListCount, p.StartOffset)
	if err != nil {
		return nil, err
	}
	return &obex.Response{Body: body}, nil
}

func (h *handler) typeFilter(ap *appparams.Params) []string {
	excluded := ap.Int(appparams.FilterMessageType, 0)
	bits := map[listing.MessageType]int{
		listing.TypeSMSGSM:  appparams.FilterNoSMSGSM,
		listing.TypeSMSCDMA: appparams.FilterNoSMSCDMA,
		listing.TypeEmail:   appparams.FilterNoEmail,
		listing.TypeMMS:     appparams.FilterNoMMS,
		listing.TypeIM:      appparams.FilterNoIM,
	}
	var out []string
	for _, t := range h.inst.Types() {
		if excluded&bits[t] == 0 {
			out = append(out, string(t))
		}
	}
	return out
}

func parsePeriod(ap *appparams.Params, tag appparams.Tag) (time.Time, error) {
	s, ok := ap.String(tag)
	if !ok || s == "" {
		return time.Time{}, nil
	}
	t, err := listing.ParseDateTime(s)
	if err != nil {
		return time.Time{}, obex.BadRequest("bad %v: %v", tag, err)
	}
	return t, nil
}

func (h *handler) listFilter(ap *appparams.Params) (store.Filter, error) {
	f := store.Filter{
		Types:      h.typeFilter(ap),
		ReadStatus: ap.Int(appparams.FilterReadStatus, store.ReadAny),
		Priority:   ap.Int(appparams.FilterPriority, store.PriorityAny),
	}
	var err error
	if f.Since, err = parsePeriod(ap, appparams.FilterPeriodBegin); err != nil {
		return f, err
	}
	if f.Until, err = parsePeriod(ap, appparams.FilterPeriodEnd); err != nil {
		return f, err
	}
	f.Originator, _ = ap.String(appparams.FilterOriginator)
	f.Recipient, _ = ap.String(appparams.FilterRecipient)
	if s, ok := ap.String(appparams.FilterConvoID); ok {
		id, err := listing.ParseUID(s)
		if err != nil {
			return f, obex.BadRequest("bad conversation id: %v", err)
		}
		f.ThreadID = int64(id.LSB)
	}
	return f, nil
}

func (h *handler) listMessages(ctx context.Context, req *obex.Request, ap *appparams.Params) ([]store.Message, error) {
	filter, err := h.listFilter(ap)
	if err != nil {
		return nil, err
	}
	if s, ok := ap.String(appparams.FilterMessageHandle); ok {
		id, t, err := listing.ParseHandle(s)
		if err != nil {
			return nil, obex.BadRequest("%v", err)
		}
		if !slices.Contains(filter.Types, string(t)) {
			return nil, nil
		}
		m, err := h.inst.cfg.Store.GetMessage(ctx, h.inst.mailbox, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return []store.Message{m}, nil
	}
	// a conversation filter spans every folder
	if filter.ThreadID == 0 {
		f, ok := h.resolve(req.Name)
		if !ok {
			return nil, obex.NotFound("no folder %q", req.Name)
		}
		if filter.Folder = messageFolder(f); filter.Folder == "" {
			return nil, nil
		}
	}
	if len(filter.Types) == 0 {
		return nil, nil
	}
	return h.inst.cfg.Store.ListMessages(ctx, h.inst.mailbox, filter)
}

func (h *handler) versionParams(out *appparams.Params) {
	out.SetString(appparams.MSETime, time.Now().Format(mseTimeLayout))
	if h.peerHas(FeatureDatabaseIdentifier) {
		id := h.inst.DatabaseID()
		out.SetBytes(appparams.DatabaseIdentifier, id[:])
	}
	if h.peerHas(FeatureFolderVersionCounter) {
		out.SetBytes(appparams.FolderVersionCounter, listing.Counter128(h.inst.versions.Folder()))
	}
	if h.peerHas(FeatureConversationVersionCounters) {
		out.SetBytes(appparams.ConvoListingVersion, listing.Counter128(h.inst.versions.Combined()))
	}
}

func (h *handler) messageListing(ctx context.Context, req *obex.Request, ap *appparams.Params) (*obex.Response, error) {
	rows, err := h.listMessages(ctx, req, ap)
	if err != nil {
		return nil, err
	}
	mask := uint32(ap.Int(appparams.ParameterMask, 0))
	subjectLen := ap.Int(appparams.SubjectLength, 0)

	var (
		l      listing.MessageListing
		unread bool
	)
	for i := range rows {
		l.Add(messageElement(&rows[i], mask, subjectLen))
		unread = unread || !rows[i].Read
	}
	l.Sort()
	p := h.pageParams(ap)
	size := l.Count()
	l.Messages = pagination.Window(l.Messages, p)

	var out appparams.Params
	out.SetUint16(appparams.MessageListingSize, uint16(min(size, pagination.MaxLimit)))
	var newMessage uint8
	if unread {
		newMessage = 1
	}
	out.SetUint8(appparams.NewMessage, newMessage)
	h.versionParams(&out)

	resp := &obex.Response{Headers: []obex.Header{obex.BytesHeader(obex.HeaderAppParams, out.Encode())}}
	if !p.SizeOnly {
		if resp.Body, err = l.Markup(h.listingVersion); err != nil {
			return nil, err
		}
	}
	h.logger.Debug("message listing", "folder", h.folder.FullPath(), "name", req.Name, "size", size, "sent", len(l.Messages))
	return resp, nil
}

func (h *handler) convoListing(ctx context.Context, ap *appparams.Params) (*obex.Response, error) {
	filter := store.ConversationFilter{ReadStatus: ap.Int(appparams.FilterReadStatus, store.ReadAny)}
	var err error
	if filter.Since, err = parsePeriod(ap, appparams.FilterPeriodBegin); err != nil {
		return nil, err
	}
	if filter.Until, err = parsePeriod(ap, appparams.FilterPeriodEnd); err != nil {
		return nil, err
	}
	if s, ok := ap.String(appparams.FilterConvoID); ok {
		id, err := listing.ParseUID(s)
		if err != nil {
			return nil, obex.BadRequest("bad conversation id: %v", err)
		}
		filter.ID = int64(id.LSB)
	}
	convos, err := h.inst.cfg.Store.ListConversations(ctx, h.inst.mailbox, filter)
	if err != nil {
		return nil, err
	}

	t := h.inst.Types()[0]
	mask := uint32(ap.Int(appparams.ConvoParameterMask, 0))
	var l listing.ConversationListing
	for i := range convos {
		l.Add(conversationElement(&convos[i], t, mask))
	}
	l.Sort()
	p := h.pageParams(ap)
	size := l.Count()
	l.Conversations = pagination.Window(l.Conversations, p)

	var out appparams.Params
	out.SetUint16(appparams.ConvoListingSize, uint16(min(size, pagination.MaxLimit)))
	out.SetString(appparams.MSETime, time.Now().Format(mseTimeLayout))
	if h.peerHas(FeatureDatabaseIdentifier) {
		id := h.inst.DatabaseID()
		out.SetBytes(appparams.DatabaseIdentifier, id[:])
	}
	out.SetBytes(appparams.ConvoListingVersion, listing.Counter128(h.inst.versions.Conversation(t.Category())))

	resp := &obex.Response{Headers: []obex.Header{obex.BytesHeader(obex.HeaderAppParams, out.Encode())}}
	if !p.SizeOnly {
		if resp.Body, err = l.Markup(); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func (h *handler) lookup(ctx context.Context, handle string) (store.Message, error) {
	id, t, err := listing.ParseHandle(handle)
	if err != nil {
		return store.Message{}, obex.BadRequest("%v", err)
	}
	if !h.inst.serves(t) {
		return store.Message{}, obex.NotFound("handle %s is not served here", handle)
	}
	m, err := h.inst.cfg.Store.GetMessage(ctx, h.inst.mailbox, id)
	if errors.Is(err, store.ErrNotFound) {
		return store.Message{}, obex.NotFound("no message %s", handle)
	}
	return m, err
}

func (h *handler) getMessage(ctx context.Context, req *obex.Request, ap *appparams.Params) (*obex.Response, error) {
	if req.Name == "" {
		return nil, obex.BadRequest("missing message handle")
	}
	m, err := h.lookup(ctx, req.Name)
	if err != nil {
		return nil, err
	}
	charset := bmsg.Charset(ap.Int(appparams.Charset, appparams.CharsetUTF8))
	attachments := ap.Int(appparams.Attachment, 0) == 1
	msg, err := encodeMessage(&m, charset, h.messageVersion, attachments)
	if err != nil {
		return nil, err
	}
	body, err := msg.Encode()
	if err != nil {
		return nil, err
	}

	resp := &obex.Response{Body: body}
	t := listing.MessageType(m.Type)
	if ap.Has(appparams.FractionRequest) && (t == listing.TypeEmail || t == listing.TypeIM) {
		var out appparams.Params
		out.SetUint8(appparams.FractionDeliver, 1) // last fraction
		resp.Headers = append(resp.Headers, obex.BytesHeader(obex.HeaderAppParams, out.Encode()))
	}
	return resp, nil
}

func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func (h *handler) instanceInfo(ap *appparams.Params) (*obex.Response, error) {
	id, ok := ap.Uint(appparams.MASInstanceID)
	if !ok || uint8(id) != h.inst.cfg.ID {
		return nil, obex.BadRequest("instance id %d requested from instance %d", id, h.inst.cfg.ID)
	}
	info := "SMS/MMS"
	if a := h.inst.cfg.Account; a != nil {
		info = a.Name
		if a.Type == accounts.TypeIM {
			info = a.UCI
			if info == "" {
				info = fmt.Sprintf("un%03d:uci", h.inst.cfg.ID)
			}
		}
	}
	return &obex.Response{Body: []byte(truncateUTF8(info, maxOwnerInfo))}, nil
}

func (h *handler) pushMessage(ctx context.Context, req *obex.Request, ap *appparams.Params) (*obex.Response, error) {
	cs, ok := ap.Uint(appparams.Charset)
	if !ok {
		return nil, obex.PreconditionFailed("missing charset")
	}
	f, ok := h.resolve(req.Name)
	if !ok {
		return nil, obex.PreconditionFailed("no folder %q", req.Name)
	}
	folder := messageFolder(f)
	if folder != listing.FolderOutbox && folder != listing.FolderDraft {
		return nil, obex.NotAcceptable("push to %q", f.FullPath())
	}
	in, err := bmsg.Decode(bytes.NewReader(req.Body), bmsg.Charset(cs))
	if err != nil {
		return nil, obex.PreconditionFailed("%v", err)
	}
	if !h.inst.serves(listing.MessageType(in.Type)) {
		return nil, obex.NotAcceptable("type %s is not served here", in.Type)
	}
	m, err := decodePushed(in, h.inst.mailbox, folder, time.Now())
	if err != nil {
		return nil, obex.PreconditionFailed("%v", err)
	}
	if h.inst.cfg.Account != nil && m.SenderAddr == "" {
		m.SenderAddr = h.inst.cfg.Account.UCI
	}
	id, err := h.inst.cfg.Store.InsertMessage(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("store pushed message: %w", err)
	}
	m.ID = id
	handle := listing.FormatHandle(id, listing.MessageType(m.Type))
	h.logger.Info("message pushed", "handle", handle, "folder", folder, "type", m.Type)

	if folder == listing.FolderOutbox && m.Type == string(listing.TypeEmail) && h.inst.cfg.Relay != nil {
		transparent := ap.Int(appparams.Transparent, 0) == 1
		go h.inst.relay(m, transparent)
	}
	return &obex.Response{Headers: []obex.Header{obex.TextHeader(obex.HeaderName, handle)}}, nil
}

// relay sends an outbox e-mail and files it under sent, or drops it when
// the peer asked for no copy. A failed send leaves it in the outbox.
func (i *Instance) relay(m store.Message, transparent bool) {
	ctx, cancel := context.WithTimeout(context.Background(), relayTimeout)
	defer cancel()
	logger := i.logger.With("message_id", m.ID)
	if err := i.cfg.Relay.Send(ctx, m.SenderAddr, relayTargets(&m), m.Body); err != nil {
		logger.Warn("relay failed, message stays in outbox", "error", err)
		return
	}
	var err error
	if transparent {
		err = i.cfg.Store.DeleteMessages(ctx, i.mailbox, []int64{m.ID})
	} else {
		err = i.cfg.Store.MoveMessage(ctx, i.mailbox, []int64{m.ID}, listing.FolderSent)
	}
	if err != nil {
		logger.Error("file relayed message", "error", err)
		return
	}
	logger.Info("message relayed", "recipients", len(relayTargets(&m)))
}

func (h *handler) setMessageStatus(ctx context.Context, req *obex.Request, ap *appparams.Params) error {
	if req.Name == "" {
		return obex.PreconditionFailed("missing message handle")
	}
	indicator, ok := ap.Uint(appparams.StatusIndicator)
	if !ok {
		return obex.PreconditionFailed("missing status indicator")
	}
	value, ok := ap.Uint(appparams.StatusValue)
	if !ok {
		return obex.PreconditionFailed("missing status value")
	}
	m, err := h.lookup(ctx, req.Name)
	if err != nil {
		var oe *obex.Error
		if errors.As(err, &oe) {
			return obex.PreconditionFailed("%s", oe.Msg)
		}
		return err
	}
	set := value == 1
	switch indicator {
	case appparams.StatusRead:
		err = h.inst.cfg.Store.SetRead(ctx, h.inst.mailbox, []int64{m.ID}, set)
	case appparams.StatusDeleted:
		err = h.inst.cfg.Store.SetDeleted(ctx, h.inst.mailbox, []int64{m.ID}, set)
	case appparams.StatusExtendedData:
		return nil
	default:
		return obex.BadRequest("unknown status indicator %d", indicator)
	}
	if err != nil {
		return fmt.Errorf("set status of %s: %w", req.Name, err)
	}
	return nil
}

func (h *handler) registerNotification(ap *appparams.Params) error {
	status, ok := ap.Uint(appparams.NotificationStatus)
	if !ok {
		return obex.BadRequest("missing notification status")
	}
	h.registered = status == 1
	version := h.eventVersion()
	h.inst.setNotifyVersion(version)
	h.inst.cfg.Hooks.NotificationRegistration(h.inst, h.registered, h.notifyFilter, version)
	h.logger.Info("notification registration", "enabled", h.registered, "version", version)
	return nil
}

func (h *handler) setNotificationFilter(ap *appparams.Params) error {
	filter, ok := ap.Uint(appparams.NotificationFilter)
	if !ok {
		return obex.BadRequest("missing notification filter")
	}
	h.notifyFilter = uint32(filter)
	if h.registered {
		h.inst.cfg.Hooks.NotificationRegistration(h.inst, true, h.notifyFilter, h.eventVersion())
	}
	return nil
}

// convoIDParam reads the 128-bit conversation id of a chat state.
func convoIDParam(ap *appparams.Params) (string, bool, error) {
	b, ok := ap.Bytes(appparams.ChatStateConvoID)
	if !ok {
		return "", false, nil
	}
	if len(b) != 16 {
		return "", false, obex.BadRequest("bad conversation id length %d", len(b))
	}
	id := listing.UID{MSB: binary.BigEndian.Uint64(b[:8]), LSB: binary.BigEndian.Uint64(b[8:])}
	return id.String(), true, nil
}

// setOwnerStatus stores the presence and chat state of the local user. Only
// IM instances keep one. A chat state needs its conversation id.
func (h *handler) setOwnerStatus(ctx context.Context, ap *appparams.Params) error {
	if h.inst.category() != listing.CategoryIM {
		return obex.Unavailable("owner status is kept by im instances only")
	}
	var u store.OwnerStatusUpdate
	if ap.Has(appparams.PresenceAvailability) {
		v := ap.Int(appparams.PresenceAvailability, 0)
		u.Presence = &v
	}
	if text, ok := ap.String(appparams.PresenceText); ok {
		u.PresenceText = &text
	}
	if s, ok := ap.String(appparams.LastActivity); ok && s != "" {
		t, err := listing.ParseDateTime(s)
		if err != nil {
			return obex.BadRequest("bad last activity: %v", err)
		}
		u.LastActivity = &t
	}
	convo, hasConvo, err := convoIDParam(ap)
	if err != nil {
		return err
	}
	hasChat := ap.Has(appparams.ChatState)
	if hasChat && hasConvo {
		state := ap.Int(appparams.ChatState, 0)
		u.ChatState = &state
		u.ChatConvo = &convo
	}
	if u.Empty() {
		if hasChat || hasConvo {
			return nil
		}
		return obex.PreconditionFailed("no owner status parameters")
	}
	if err := h.inst.cfg.Store.SetOwnerStatus(ctx, h.inst.mailbox, u, time.Now()); err != nil {
		return err
	}
	h.logger.Debug("owner status set", "mailbox", h.inst.mailbox)
	return nil
}

// ownerStatus answers with the stored owner status. The chat state is
// reported only for the conversation it was set for.
func (h *handler) ownerStatus(ctx context.Context, ap *appparams.Params) (*obex.Response, error) {
	if h.inst.category() != listing.CategoryIM {
		return nil, obex.Unavailable("owner status is kept by im instances only")
	}
	convo, hasConvo, err := convoIDParam(ap)
	if err != nil {
		return nil, err
	}
	st, err := h.inst.cfg.Store.OwnerStatus(ctx, h.inst.mailbox)
	if err != nil {
		return nil, err
	}

	var out appparams.Params
	out.SetUint8(appparams.PresenceAvailability, uint8(st.Presence))
	if st.PresenceText != "" {
		out.SetString(appparams.PresenceText, st.PresenceText)
	}
	if !st.LastActivity.IsZero() {
		out.SetString(appparams.LastActivity, listing.FormatDateTime(st.LastActivity))
	}
	chat := 0
	if hasConvo && convo == st.ChatConvo {
		chat = st.ChatState
	}
	out.SetUint8(appparams.ChatState, uint8(chat))
	return &obex.Response{Headers: []obex.Header{obex.BytesHeader(obex.HeaderAppParams, out.Encode())}}, nil
}
