// Package chat runs the client ↔ receptor conversations: message append,
// per-side unread counters, inactivity timeout, the one-time automated reply
// and the attachment handles owned by each conversation.
package chat

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/farewell/farewelld/internal/attachment"
	"github.com/farewell/farewelld/internal/clock"
	"github.com/farewell/farewelld/internal/identity"
	"github.com/farewell/farewelld/internal/logging"
	"github.com/farewell/farewelld/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Settings holds the engine timings and canned texts.
type Settings struct {
	InactivityTimeout time.Duration
	ClosingDelay      time.Duration
	AutoReplyDelay    time.Duration
	AutoReplyText     string
	ClosingText       string
	BotName           string
	SystemName        string
}

// DefaultSettings returns the production timings.
func DefaultSettings() Settings {
	return Settings{
		InactivityTimeout: 20 * time.Minute,
		ClosingDelay:      3 * time.Second,
		AutoReplyDelay:    2 * time.Second,
		AutoReplyText:     "Thank you for your message. A member of our team will be with you shortly.",
		ClosingText:       "This conversation was closed due to inactivity.",
		BotName:           "Farewell assistant",
		SystemName:        "System",
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.InactivityTimeout <= 0 {
		s.InactivityTimeout = d.InactivityTimeout
	}
	if s.ClosingDelay <= 0 {
		s.ClosingDelay = d.ClosingDelay
	}
	if s.AutoReplyDelay <= 0 {
		s.AutoReplyDelay = d.AutoReplyDelay
	}
	if s.AutoReplyText == "" {
		s.AutoReplyText = d.AutoReplyText
	}
	if s.ClosingText == "" {
		s.ClosingText = d.ClosingText
	}
	if s.BotName == "" {
		s.BotName = d.BotName
	}
	if s.SystemName == "" {
		s.SystemName = d.SystemName
	}
	return s
}

// session is the engine-private state of one conversation. Timer callbacks hold
// the session pointer and, for the inactivity chain, the generation they were
// armed with; either mismatch means the callback lost a race and must exit.
type session struct {
	conv    Conversation
	handles []attachment.Handle
	seq     uint64

	gen        uint64
	inactivity clock.Timer
	closing    clock.Timer
	autoReply  clock.Timer
	replied    bool
}

type published struct {
	topic string
	event string
	body  Event
}

// Engine owns every conversation. All state lives behind mu; handle revocation
// and event publishing happen after mu is released.
type Engine struct {
	mu       sync.Mutex
	sessions map[string]*session
	active   map[string]string // receptor id -> conversation id
	shutdown bool

	clock    clock.Clock
	settings Settings
	files    attachment.Provider
	events   Publisher
	log      zerolog.Logger
}

// NewEngine builds an engine. files and events may be nil.
func NewEngine(c clock.Clock, settings Settings, files attachment.Provider, events Publisher) *Engine {
	if c == nil {
		c = clock.Real{}
	}
	return &Engine{
		sessions: make(map[string]*session),
		active:   make(map[string]string),
		clock:    c,
		settings: settings.withDefaults(),
		files:    files,
		events:   events,
		log:      logging.Component("chat"),
	}
}

// Open shows the chat to actor. A client gets their own conversation, created on
// first open, with their unread counter zeroed. A receptor gets the active
// conversation if one is set, otherwise the list.
func (e *Engine) Open(actor identity.Actor) (View, bool) {
	if !actor.Valid() {
		return View{}, false
	}
	switch actor.Role.Side() {
	case identity.SideClient:
		return e.openClient(actor)
	case identity.SideReceptor:
		e.mu.Lock()
		if e.shutdown {
			e.mu.Unlock()
			return View{}, false
		}
		id, ok := e.active[actor.ID]
		e.mu.Unlock()
		if ok {
			conv, ok := e.OpenConversation(actor, id)
			if ok {
				return View{Mode: ViewConversation, Conversation: &conv}, true
			}
		}
		return View{Mode: ViewList, List: e.Conversations(actor)}, true
	case identity.SideNone:
		return View{}, false
	default:
		return View{}, false
	}
}

func (e *Engine) openClient(actor identity.Actor) (View, bool) {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return View{}, false
	}
	var out []published
	s, ok := e.sessions[actor.ID]
	if !ok {
		s = &session{conv: Conversation{ID: actor.ID, ClientName: actor.Name, Messages: make([]Message, 0)}}
		e.sessions[actor.ID] = s
		e.armInactivityLocked(s)
		metrics.IncConversationOpened()
		metrics.SetActiveConversations(len(e.sessions))
		out = append(out, e.eventLocked(s, EventOpened, nil, ""))
	} else if s.conv.UnreadByClient != 0 {
		s.conv.UnreadByClient = 0
		out = append(out, e.eventLocked(s, EventUnread, nil, ""))
	}
	conv := copyConversation(s.conv)
	e.mu.Unlock()
	e.publish(out)
	return View{Mode: ViewConversation, Conversation: &conv}, true
}

// OpenConversation makes id the receptor's active conversation and zeroes its
// receptor-side counter.
func (e *Engine) OpenConversation(actor identity.Actor, id string) (Conversation, bool) {
	if !actor.Valid() || actor.Role.Side() != identity.SideReceptor {
		return Conversation{}, false
	}
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return Conversation{}, false
	}
	s, ok := e.sessions[id]
	if !ok {
		e.mu.Unlock()
		return Conversation{}, false
	}
	e.active[actor.ID] = id
	var out []published
	if s.conv.UnreadByReceptor != 0 {
		s.conv.UnreadByReceptor = 0
		out = append(out, e.eventLocked(s, EventUnread, nil, ""))
	}
	conv := copyConversation(s.conv)
	e.mu.Unlock()
	e.publish(out)
	return conv, true
}

// ShowList drops the receptor back to the list view.
func (e *Engine) ShowList(actor identity.Actor) ([]Summary, bool) {
	if !actor.Valid() || actor.Role.Side() != identity.SideReceptor {
		return nil, false
	}
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return nil, false
	}
	delete(e.active, actor.ID)
	e.mu.Unlock()
	return e.Conversations(actor), true
}

// Send appends a message from actor to conversation id. Blank text without a
// file is ignored. A client may only write to their own conversation.
func (e *Engine) Send(actor identity.Actor, id string, text string, file *attachment.File) (Message, bool) {
	text = strings.TrimSpace(text)
	if !actor.Valid() || (text == "" && file == nil) {
		return Message{}, false
	}
	side := actor.Role.Side()
	switch side {
	case identity.SideClient:
		if id == "" {
			id = actor.ID
		}
		if id != actor.ID {
			return Message{}, false
		}
	case identity.SideReceptor:
	case identity.SideNone:
		return Message{}, false
	default:
		return Message{}, false
	}

	e.mu.Lock()
	s, ok := e.sessions[id]
	if !ok || e.shutdown {
		e.mu.Unlock()
		return Message{}, false
	}
	e.mu.Unlock()

	var handle *attachment.Handle
	if file != nil {
		if e.files == nil {
			return Message{}, false
		}
		h, err := e.files.Mint(*file)
		if err != nil {
			e.log.Warn().Err(err).Str("conversation", id).Str("file", file.Name).Msg("attachment rejected")
			return Message{}, false
		}
		handle = &h
	}

	e.mu.Lock()
	if e.shutdown || e.sessions[id] != s {
		// torn down while minting; the handle was never attached
		e.mu.Unlock()
		if handle != nil {
			e.revoke([]attachment.Handle{*handle})
		}
		return Message{}, false
	}
	msg := e.appendLocked(s, actor.ID, actor.Name, text, handle)
	if side == identity.SideClient {
		s.conv.UnreadByReceptor++
	} else {
		s.conv.UnreadByClient++
	}
	if s.closing != nil {
		s.closing.Stop()
		s.closing = nil
		s.conv.Closing = false
	}
	e.armInactivityLocked(s)
	if side == identity.SideClient && !s.replied {
		s.replied = true
		s.autoReply = e.clock.AfterFunc(e.settings.AutoReplyDelay, func() { e.autoReply(s) })
	}
	out := []published{e.eventLocked(s, EventMessage, &msg, "")}
	e.mu.Unlock()

	if side == identity.SideClient {
		metrics.IncMessage("client")
	} else {
		metrics.IncMessage("receptor")
	}
	e.publish(out)
	return msg, true
}

// Close tears conversation id down. Clients may close their own conversation,
// receptors any.
func (e *Engine) Close(actor identity.Actor, id string) bool {
	if !actor.Valid() {
		return false
	}
	switch actor.Role.Side() {
	case identity.SideClient:
		if id == "" {
			id = actor.ID
		}
		if id != actor.ID {
			return false
		}
	case identity.SideReceptor:
	case identity.SideNone:
		return false
	default:
		return false
	}
	e.mu.Lock()
	s, ok := e.sessions[id]
	if !ok || e.shutdown {
		e.mu.Unlock()
		return false
	}
	handles := e.teardownLocked(s)
	out := []published{e.eventLocked(s, EventClosed, nil, "closed")}
	e.mu.Unlock()

	e.finishTeardown(id, "closed", handles, out)
	return true
}

// Shutdown tears every conversation down. Later calls are no-ops, as is every
// other operation once Shutdown has run.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return
	}
	e.shutdown = true
	ids := make([]string, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var handles []attachment.Handle
	for _, id := range ids {
		handles = append(handles, e.teardownLocked(e.sessions[id])...)
		metrics.IncConversationClosed("shutdown")
	}
	e.mu.Unlock()

	e.revoke(handles)
	metrics.SetActiveConversations(0)
	e.log.Info().Int("conversations", len(ids)).Int("attachments", len(handles)).Msg("chat engine shut down")
}

// Conversations lists what actor may see: every conversation for a receptor,
// the client's own for a client. Most recent activity first.
func (e *Engine) Conversations(actor identity.Actor) []Summary {
	if !actor.Valid() {
		return nil
	}
	side := actor.Role.Side()
	if side == identity.SideNone {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Summary, 0, len(e.sessions))
	for id, s := range e.sessions {
		if side == identity.SideClient && id != actor.ID {
			continue
		}
		out = append(out, summarize(s.conv))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastMessageTimestamp.Equal(out[j].LastMessageTimestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastMessageTimestamp.After(out[j].LastMessageTimestamp)
	})
	return out
}

// Conversation returns a copy of conversation id without touching its
// counters.
func (e *Engine) Conversation(actor identity.Actor, id string) (Conversation, bool) {
	if !actor.Valid() {
		return Conversation{}, false
	}
	switch actor.Role.Side() {
	case identity.SideClient:
		if id != actor.ID {
			return Conversation{}, false
		}
	case identity.SideReceptor:
	case identity.SideNone:
		return Conversation{}, false
	default:
		return Conversation{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[id]
	if !ok {
		return Conversation{}, false
	}
	return copyConversation(s.conv), true
}

// Active returns the receptor's active conversation id, if any.
func (e *Engine) Active(actor identity.Actor) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.active[actor.ID]
	return id, ok
}

func (e *Engine) appendLocked(s *session, senderID, senderName, text string, h *attachment.Handle) Message {
	now := e.clock.Now()
	s.seq++
	msg := Message{
		ID:         newMessageID(),
		Seq:        s.seq,
		SenderID:   senderID,
		SenderName: senderName,
		Text:       text,
		Timestamp:  now,
	}
	if h != nil {
		s.handles = append(s.handles, *h)
		msg.Attachment = &Attachment{Name: h.Name, URL: h.URL}
	}
	s.conv.Messages = append(s.conv.Messages, msg)
	s.conv.LastMessageTimestamp = now
	return msg
}

func newMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// armInactivityLocked restarts the inactivity countdown.
func (e *Engine) armInactivityLocked(s *session) {
	if s.inactivity != nil {
		s.inactivity.Stop()
	}
	s.gen++
	gen := s.gen
	s.inactivity = e.clock.AfterFunc(e.settings.InactivityTimeout, func() { e.inactive(s, gen) })
}

func (e *Engine) current(s *session, gen uint64) bool {
	return !e.shutdown && e.sessions[s.conv.ID] == s && s.gen == gen
}

// inactive appends the closing notice and schedules the teardown.
func (e *Engine) inactive(s *session, gen uint64) {
	e.mu.Lock()
	if !e.current(s, gen) {
		e.mu.Unlock()
		return
	}
	s.inactivity = nil
	msg := e.appendLocked(s, SystemSenderID, e.settings.SystemName, e.settings.ClosingText, nil)
	s.conv.UnreadByClient++
	s.conv.UnreadByReceptor++
	s.conv.Closing = true
	s.closing = e.clock.AfterFunc(e.settings.ClosingDelay, func() { e.expire(s, gen) })
	out := []published{
		e.eventLocked(s, EventMessage, &msg, ""),
		e.eventLocked(s, EventClosing, nil, "timeout"),
	}
	e.mu.Unlock()
	metrics.IncMessage("system")
	e.publish(out)
}

func (e *Engine) expire(s *session, gen uint64) {
	e.mu.Lock()
	if !e.current(s, gen) || !s.conv.Closing {
		e.mu.Unlock()
		return
	}
	s.closing = nil
	handles := e.teardownLocked(s)
	out := []published{e.eventLocked(s, EventClosed, nil, "timeout")}
	e.mu.Unlock()
	e.finishTeardown(s.conv.ID, "timeout", handles, out)
}

func (e *Engine) autoReply(s *session) {
	e.mu.Lock()
	if e.shutdown || e.sessions[s.conv.ID] != s {
		e.mu.Unlock()
		return
	}
	s.autoReply = nil
	msg := e.appendLocked(s, BotSenderID, e.settings.BotName, e.settings.AutoReplyText, nil)
	s.conv.UnreadByClient++
	out := []published{e.eventLocked(s, EventMessage, &msg, "")}
	e.mu.Unlock()
	metrics.IncMessage("bot")
	e.publish(out)
}

// teardownLocked is the only way a conversation leaves the engine. It stops
// every timer, forgets the session and hands back the handles for revocation.
func (e *Engine) teardownLocked(s *session) []attachment.Handle {
	for _, t := range []clock.Timer{s.inactivity, s.closing, s.autoReply} {
		if t != nil {
			t.Stop()
		}
	}
	s.inactivity, s.closing, s.autoReply = nil, nil, nil
	delete(e.sessions, s.conv.ID)
	for rid, cid := range e.active {
		if cid == s.conv.ID {
			delete(e.active, rid)
		}
	}
	handles := s.handles
	s.handles = nil
	return handles
}

func (e *Engine) finishTeardown(id, reason string, handles []attachment.Handle, out []published) {
	e.revoke(handles)
	e.mu.Lock()
	n := len(e.sessions)
	e.mu.Unlock()
	metrics.IncConversationClosed(reason)
	metrics.SetActiveConversations(n)
	e.publish(out)
	e.log.Info().Str("conversation", id).Str("reason", reason).Int("attachments", len(handles)).Msg("conversation closed")
}

func (e *Engine) revoke(handles []attachment.Handle) {
	if e.files == nil {
		return
	}
	revoked := 0
	for _, h := range handles {
		if err := e.files.Revoke(h); err != nil {
			e.log.Error().Err(err).Str("handle", h.ID).Msg("attachment revoke failed")
			continue
		}
		revoked++
	}
	metrics.AddRevoked(revoked)
}

func (e *Engine) eventLocked(s *session, name string, msg *Message, reason string) published {
	return published{
		topic: ConversationTopic(s.conv.ID),
		event: name,
		body: Event{
			ConversationID:   s.conv.ID,
			Message:          msg,
			UnreadByReceptor: s.conv.UnreadByReceptor,
			UnreadByClient:   s.conv.UnreadByClient,
			Reason:           reason,
		},
	}
}

func (e *Engine) publish(out []published) {
	if e.events == nil {
		return
	}
	for _, p := range out {
		e.events.Publish(p.topic, p.event, p.body)
		e.events.Publish(ReceptorTopic, p.event, p.body)
	}
}

func copyConversation(c Conversation) Conversation {
	c.Messages = append([]Message(nil), c.Messages...)
	if c.Messages == nil {
		c.Messages = make([]Message, 0)
	}
	return c
}

func summarize(c Conversation) Summary {
	s := Summary{
		ID:                   c.ID,
		ClientName:           c.ClientName,
		UnreadByReceptor:     c.UnreadByReceptor,
		UnreadByClient:       c.UnreadByClient,
		LastMessageTimestamp: c.LastMessageTimestamp,
		Closing:              c.Closing,
	}
	if n := len(c.Messages); n > 0 {
		last := c.Messages[n-1]
		s.LastMessage = last.Text
		if s.LastMessage == "" && last.Attachment != nil {
			s.LastMessage = last.Attachment.Name
		}
	}
	return s
}
