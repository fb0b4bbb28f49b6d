// Package turn runs one inbound chat message through the assistant:
// it records the message, assembles the reply prompt from memory,
// calls the generative service, resolves mentions in the reply and
// hands it to the transport.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kurameshinatsuki/supremus/internal/chatfmt"
	"github.com/kurameshinatsuki/supremus/internal/chatid"
	"github.com/kurameshinatsuki/supremus/internal/conversation"
	"github.com/kurameshinatsuki/supremus/internal/events"
	"github.com/kurameshinatsuki/supremus/internal/mention"
	"github.com/kurameshinatsuki/supremus/internal/participants"
	"github.com/kurameshinatsuki/supremus/internal/prompts"
	"github.com/kurameshinatsuki/supremus/internal/store"
	"github.com/kurameshinatsuki/supremus/internal/training"
)

// Generator produces a reply for a fully assembled prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// SuggestingGenerator is a Generator that can also name the people its
// reply should mention, as display fragments ("Alice", "@bob") rather
// than numeric mentions. When the configured Generator implements it,
// group replies resolve those fragments against the participant
// directory.
type SuggestingGenerator interface {
	Generator
	GenerateWithMentions(ctx context.Context, prompt string) (text string, mentions []string, err error)
}

// Transport delivers a reply. It returns the transport's identifier
// for the sent message, or "" when it has none.
type Transport interface {
	Send(ctx context.Context, msg Outbound) (string, error)
}

// Outbound is a reply ready for delivery. Mentions holds the chat
// identifiers the transport should notify.
type Outbound struct {
	ChatID   string
	Text     string
	Mentions []string
	QuotedID string
}

// Quote is the message an inbound message replies to.
type Quote struct {
	ID       string
	Text     string
	SenderID string
}

// Inbound is one message received from the transport.
type Inbound struct {
	// ChatID addresses the conversation: the sender's chat id for
	// private chats, the group id for groups.
	ChatID     string
	SenderID   string
	SenderName string
	MessageID  string
	Text       string
	Quoted     *Quote

	HasImage      bool
	HasAudio      bool
	ImageAnalysis string

	// MentionsSelf is set by the transport when the message tags the
	// assistant's own account.
	MentionsSelf bool
}

// Group reports whether m belongs to a group conversation.
func (m Inbound) Group() bool {
	return chatid.IsGroup(m.ChatID)
}

// handleTimeout bounds how long a single inbound message may be
// processed (generation + send).
const handleTimeout = 5 * time.Minute

// rateWindow is the sliding window for per-sender rate limiting.
const rateWindow = time.Minute

// cleanupInterval controls how often stale rate-limit entries are
// evicted.
const cleanupInterval = 10 * time.Minute

// Errors returned by Preview for messages Handle would drop.
var (
	ErrMissingAddress = errors.New("message has no chat or sender")
	ErrEmptyMessage   = errors.New("message has no text or media")
)

// Drop reasons reported in turn_dropped events.
const (
	DropInvalid      = "invalid"
	DropEmpty        = "empty"
	DropNotTriggered = "not_triggered"
	DropRateLimited  = "rate_limited"
	DropFailed       = "failed"
)

// Config holds the dependencies for a Handler.
type Config struct {
	Store     *store.Store
	Generator Generator
	Transport Transport
	Training  *training.Loader // optional
	Logger    *slog.Logger
	Bus       *events.Bus

	AssistantName string
	// SelfID is the assistant's own chat identifier. Outbound group
	// entries are recorded under it.
	SelfID          string
	RateLimit       int // per sender per minute; 0 = unlimited
	GenerateTimeout time.Duration
	GroupTrigger    string
	PrivateContext  int
	GroupContext    int
}

// Handler processes inbound messages.
type Handler struct {
	store     *store.Store
	generator Generator
	transport Transport
	training  *training.Loader
	logger    *slog.Logger
	bus       *events.Bus

	assistantName   string
	selfID          string
	selfNumeric     string
	rateLimit       int
	generateTimeout time.Duration
	groupTrigger    string
	privateContext  int
	groupContext    int

	mu          sync.Mutex
	senderTimes map[string][]time.Time
	notified    map[string]bool // senders already told they are rate limited
	lastCleanup time.Time
}

// New creates a Handler. Zero context bounds fall back to the store's
// configured limits.
func New(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limits := cfg.Store.Limits()
	if cfg.PrivateContext <= 0 {
		cfg.PrivateContext = limits.PrivateContext
	}
	if cfg.GroupContext <= 0 {
		cfg.GroupContext = limits.GroupContext
	}
	if cfg.AssistantName == "" {
		cfg.AssistantName = "Assistant"
	}
	selfNumeric, _ := chatid.NumericID(cfg.SelfID)

	return &Handler{
		store:           cfg.Store,
		generator:       cfg.Generator,
		transport:       cfg.Transport,
		training:        cfg.Training,
		logger:          logger,
		bus:             cfg.Bus,
		assistantName:   cfg.AssistantName,
		selfID:          cfg.SelfID,
		selfNumeric:     selfNumeric,
		rateLimit:       cfg.RateLimit,
		generateTimeout: cfg.GenerateTimeout,
		groupTrigger:    strings.ToLower(strings.TrimSpace(cfg.GroupTrigger)),
		privateContext:  cfg.PrivateContext,
		groupContext:    cfg.GroupContext,
		senderTimes:     make(map[string][]time.Time),
		notified:        make(map[string]bool),
	}
}

// Start handles messages from msgs until ctx is cancelled or the
// channel is closed. Handling errors are logged and do not stop the
// loop.
func (h *Handler) Start(ctx context.Context, msgs <-chan Inbound) {
	h.logger.Info("turn handler started")

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("turn handler shutting down")
			return
		case in, ok := <-msgs:
			if !ok {
				h.logger.Info("inbound channel closed, turn handler stopping")
				return
			}
			if err := h.Handle(ctx, in); err != nil {
				h.logger.Error("turn failed",
					"chat_id", in.ChatID,
					"sender", in.SenderID,
					"error", err,
				)
			}
		}
	}
}

// Handle processes one inbound message. The message is recorded in
// history even when no reply is produced. The store lock is held only
// while the message is recorded; generation and delivery run without
// it.
func (h *Handler) Handle(ctx context.Context, in Inbound) error {
	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	in, err := normalize(in)
	switch {
	case errors.Is(err, ErrEmptyMessage):
		h.logger.Debug("turn ignoring empty message", "chat_id", in.ChatID, "sender", in.SenderID)
		h.dropped(in, DropEmpty)
		return nil
	case err != nil:
		h.logger.Debug("turn ignoring message", "chat_id", in.ChatID, "error", err)
		h.dropped(in, DropInvalid)
		return nil
	}
	group := in.Group()

	requestID := newRequestID()
	log := h.logger.With("request_id", requestID, "chat_id", in.ChatID)
	log.Info("turn message received",
		"sender", in.SenderID,
		"group", group,
		"message_len", len(in.Text),
	)

	var (
		t   prompts.Turn
		dir *participants.Directory
	)
	if group {
		t, dir, err = h.recordGroup(ctx, in, log)
	} else {
		t, err = h.recordPrivate(ctx, in)
	}
	if err != nil {
		h.dropped(in, DropFailed)
		return err
	}

	if group && !h.triggered(in) {
		log.Debug("turn group message not addressed to assistant")
		h.dropped(in, DropNotTriggered)
		return nil
	}

	allowed, notify := h.allowSender(in.SenderID)
	if !allowed {
		log.Warn("turn message rate-limited", "sender", in.SenderID)
		h.dropped(in, DropRateLimited)
		if notify {
			if _, err := h.transport.Send(ctx, Outbound{ChatID: in.ChatID, Text: prompts.RateLimitedReply, QuotedID: in.MessageID}); err != nil {
				log.Warn("turn rate-limit notice failed", "error", err)
			}
		}
		return nil
	}

	h.bus.Emit(events.SourceTurn, events.KindTurnStart, map[string]any{
		"request_id": requestID,
		"chat_id":    in.ChatID,
		"group":      group,
	})
	start := time.Now()

	t.Training = h.trainingFor(group, log)
	reply, suggested, err := h.generate(ctx, prompts.TurnPrompt(t))
	if err != nil {
		h.dropped(in, DropFailed)
		return fmt.Errorf("generate reply: %w", err)
	}

	res := mention.Result{Text: reply}
	if group {
		res = mention.ResolveSuggested(reply, suggested, dir)
	}

	out := Outbound{
		ChatID:   in.ChatID,
		Text:     res.Text,
		Mentions: res.Mentions,
		QuotedID: in.MessageID,
	}
	sentID, err := h.transport.Send(ctx, out)
	if err != nil {
		h.dropped(in, DropFailed)
		return fmt.Errorf("send reply: %w", err)
	}

	if err := h.recordReply(ctx, in, group, sentID, res.Text); err != nil {
		log.Warn("turn reply not recorded", "error", err)
	}

	log.Info("turn reply sent",
		"response_len", len(res.Text),
		"mentions", len(res.Mentions),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	h.bus.Emit(events.SourceTurn, events.KindTurnComplete, map[string]any{
		"request_id": requestID,
		"chat_id":    in.ChatID,
		"mentions":   len(res.Mentions),
		"elapsed_ms": time.Since(start).Milliseconds(),
	})
	return nil
}

// recordGroup observes the sender in the participant directory and
// appends the message in one locked span.
func (h *Handler) recordGroup(ctx context.Context, in Inbound, log *slog.Logger) (prompts.Turn, *participants.Directory, error) {
	rec, err := h.store.UpdateGroup(ctx, in.ChatID, func(r *conversation.GroupRecord) error {
		h.applyGroup(r, in, log)
		return nil
	})
	if err != nil {
		return prompts.Turn{}, nil, fmt.Errorf("record group message: %w", err)
	}
	h.appended(in.ChatID, conversation.Inbound, len(rec.History))
	t, dir := h.groupTurn(rec, in)
	return t, dir, nil
}

// recordPrivate appends the message to the sender's record, keeping
// the display name and numeric id current.
func (h *Handler) recordPrivate(ctx context.Context, in Inbound) (prompts.Turn, error) {
	rec, err := h.store.UpdateUser(ctx, in.ChatID, func(r *conversation.UserRecord) error {
		h.applyPrivate(r, in)
		return nil
	})
	if err != nil {
		return prompts.Turn{}, fmt.Errorf("record private message: %w", err)
	}
	h.appended(in.ChatID, conversation.Inbound, len(rec.History))
	return h.privateTurn(rec, in), nil
}

func (h *Handler) applyGroup(r *conversation.GroupRecord, in Inbound, log *slog.Logger) {
	if _, err := participants.ForGroup(r).Observe(in.SenderID, in.SenderName); err != nil {
		log.Debug("turn skipping participant", "sender", in.SenderID, "error", err)
	}
	ge := conversation.GroupEntry{Entry: inboundEntry(in), SenderID: in.SenderID, SenderName: in.SenderName}
	r.Append(ge, h.store.Limits().GroupRetention)
}

func (h *Handler) applyPrivate(r *conversation.UserRecord, in Inbound) {
	if name := strings.TrimSpace(in.SenderName); name != "" {
		r.DisplayName = name
	}
	if num, err := chatid.NumericID(in.SenderID); err == nil {
		r.NumericID = num
	}
	r.Append(inboundEntry(in), h.store.Limits().UserRetention)
}

// groupTurn builds the prompt parts from a group record whose last
// history entry is the message being answered.
func (h *Handler) groupTurn(rec *conversation.GroupRecord, in Inbound) (prompts.Turn, *participants.Directory) {
	dir := participants.ForGroup(rec)
	earlier := priorEntries(rec.History)

	var quoted *conversation.GroupEntry
	if in.Quoted != nil {
		q := findGroupEntry(earlier, in.Quoted.ID)
		if q == nil {
			q = &conversation.GroupEntry{
				Entry:    h.quoteEntry(in.Quoted),
				SenderID: in.Quoted.SenderID,
			}
			if p, ok := dir.Lookup(in.Quoted.SenderID); ok {
				q.SenderName = p.DisplayName
			}
		}
		quoted = q
	}

	t := h.baseTurn(in)
	t.Group = true
	t.Directory = dir.Render()
	t.Annotations = mention.FormatAnnotations(mention.Annotate(in.Text, dir))
	t.History = conversation.RenderGroup(earlier, h.groupContext, quoted, conversation.RenderOptions{AssistantName: h.assistantName})
	return t, dir
}

// privateTurn is the private-chat counterpart of groupTurn.
func (h *Handler) privateTurn(rec *conversation.UserRecord, in Inbound) prompts.Turn {
	earlier := priorEntries(rec.History)
	var quoted *conversation.Entry
	if in.Quoted != nil {
		quoted = findEntry(earlier, in.Quoted.ID)
		if quoted == nil {
			q := h.quoteEntry(in.Quoted)
			quoted = &q
		}
	}

	t := h.baseTurn(in)
	if t.SenderName == "" {
		t.SenderName = rec.DisplayName
	}
	t.Annotations = mention.FormatAnnotations(mention.Annotate(in.Text, nil))
	t.History = conversation.RenderPrivate(earlier, h.privateContext, quoted, conversation.RenderOptions{
		AssistantName: h.assistantName,
		UserName:      rec.DisplayName,
	})
	return t
}

// Preview returns the prompt Handle would send for in. Nothing is
// recorded and the generator is not called.
func (h *Handler) Preview(ctx context.Context, in Inbound) (string, error) {
	in, err := normalize(in)
	if err != nil {
		return "", err
	}
	group := in.Group()

	var t prompts.Turn
	if group {
		rec := h.store.Group(ctx, in.ChatID).Clone()
		h.applyGroup(rec, in, h.logger)
		t, _ = h.groupTurn(rec, in)
	} else {
		rec := h.store.User(ctx, in.ChatID).Clone()
		h.applyPrivate(rec, in)
		t = h.privateTurn(rec, in)
	}
	t.Training = h.trainingFor(group, h.logger)
	return prompts.TurnPrompt(t), nil
}

func (h *Handler) baseTurn(in Inbound) prompts.Turn {
	num, _ := chatid.NumericID(in.SenderID)
	t := prompts.Turn{
		AssistantName: h.assistantName,
		SenderName:    strings.TrimSpace(in.SenderName),
		SenderNumber:  num,
		Text:          in.Text,
		HasImage:      in.HasImage,
		HasAudio:      in.HasAudio,
		ImageAnalysis: in.ImageAnalysis,
	}
	if in.Quoted != nil {
		t.Quoted = in.Quoted.Text
	}
	return t
}

// recordReply appends the delivered reply to history.
func (h *Handler) recordReply(ctx context.Context, in Inbound, group bool, sentID, text string) error {
	e := conversation.NewEntry(text, conversation.Outbound)
	if sentID != "" {
		e.ID = sentID
	}
	if group {
		_, err := h.store.AppendGroup(ctx, in.ChatID, conversation.GroupEntry{
			Entry:      e,
			SenderID:   h.selfID,
			SenderName: h.assistantName,
		})
		return err
	}
	_, err := h.store.AppendUser(ctx, in.ChatID, e)
	return err
}

// generate calls the generative service under the configured timeout
// and converts the reply to chat markup. An empty reply is replaced by
// a fixed fallback. Suggested mentions are returned only by a
// [SuggestingGenerator].
func (h *Handler) generate(ctx context.Context, prompt string) (string, []string, error) {
	if h.generateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.generateTimeout)
		defer cancel()
	}

	var (
		raw       string
		suggested []string
		err       error
	)
	if sg, ok := h.generator.(SuggestingGenerator); ok {
		raw, suggested, err = sg.GenerateWithMentions(ctx, prompt)
	} else {
		raw, err = h.generator.Generate(ctx, prompt)
	}
	if err != nil {
		return "", nil, err
	}
	reply := chatfmt.Convert(raw)
	if reply == "" {
		h.logger.Warn("generator returned an empty reply, using fallback")
		return prompts.EmptyReplyFallback, suggested, nil
	}
	return reply, suggested, nil
}

func (h *Handler) trainingFor(group bool, log *slog.Logger) string {
	if h.training == nil {
		return ""
	}
	scope := training.ScopePrivate
	if group {
		scope = training.ScopeGroup
	}
	content, err := h.training.Content(scope)
	if err != nil {
		log.Warn("training context unavailable", "error", err)
		return ""
	}
	return content
}

// triggered reports whether a group message should be answered. With
// no trigger configured every message is.
func (h *Handler) triggered(in Inbound) bool {
	if h.groupTrigger == "" || in.MentionsSelf {
		return true
	}
	if strings.Contains(strings.ToLower(in.Text), h.groupTrigger) {
		return true
	}
	if h.selfNumeric != "" {
		for _, num := range mention.Numbers(in.Text) {
			if num == h.selfNumeric {
				return true
			}
		}
	}
	return in.Quoted != nil && h.selfID != "" && in.Quoted.SenderID == h.selfID
}

// allowSender checks whether the sender is within the per-minute rate
// limit. notify is true the first time a sender is refused within a
// window, so the refusal notice is sent once.
func (h *Handler) allowSender(senderID string) (allowed, notify bool) {
	if h.rateLimit <= 0 {
		return true, false
	}

	now := time.Now()
	cutoff := now.Add(-rateWindow)

	h.mu.Lock()
	defer h.mu.Unlock()

	h.maybeCleanupLocked(now)

	timestamps := h.senderTimes[senderID]
	valid := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}

	if len(valid) >= h.rateLimit {
		h.senderTimes[senderID] = valid
		if h.notified[senderID] {
			return false, false
		}
		h.notified[senderID] = true
		return false, true
	}

	delete(h.notified, senderID)
	h.senderTimes[senderID] = append(valid, now)
	return true, false
}

// maybeCleanupLocked evicts stale sender entries. Must be called with
// h.mu held.
func (h *Handler) maybeCleanupLocked(now time.Time) {
	if now.Sub(h.lastCleanup) < cleanupInterval {
		return
	}
	h.lastCleanup = now

	cutoff := now.Add(-2 * rateWindow)
	for sender, timestamps := range h.senderTimes {
		if len(timestamps) == 0 || timestamps[len(timestamps)-1].Before(cutoff) {
			delete(h.senderTimes, sender)
			delete(h.notified, sender)
		}
	}
}

func (h *Handler) appended(key string, dir conversation.Direction, n int) {
	h.bus.Emit(events.SourceTurn, events.KindMessageAppended, map[string]any{
		"key":       key,
		"direction": string(dir),
		"history":   n,
	})
}

func (h *Handler) dropped(in Inbound, reason string) {
	h.bus.Emit(events.SourceTurn, events.KindTurnDropped, map[string]any{
		"chat_id": in.ChatID,
		"reason":  reason,
	})
}

// quoteEntry stands in for a quoted message that is no longer in
// history.
func (h *Handler) quoteEntry(q *Quote) conversation.Entry {
	dir := conversation.Inbound
	if h.selfID != "" && q.SenderID == h.selfID {
		dir = conversation.Outbound
	}
	return conversation.Entry{ID: q.ID, Text: q.Text, Direction: dir}
}

// normalize fills the sender of a private message from its chat id
// and rejects messages that cannot be answered.
func normalize(in Inbound) (Inbound, error) {
	if !in.Group() && in.SenderID == "" {
		in.SenderID = in.ChatID
	}
	if in.ChatID == "" || in.SenderID == "" {
		return in, ErrMissingAddress
	}
	if strings.TrimSpace(in.Text) == "" && !in.HasImage && !in.HasAudio {
		return in, ErrEmptyMessage
	}
	return in, nil
}

func inboundEntry(in Inbound) conversation.Entry {
	e := conversation.NewEntry(in.Text, conversation.Inbound)
	if in.MessageID != "" {
		e.ID = in.MessageID
	}
	e.HasImage = in.HasImage
	e.HasAudio = in.HasAudio
	e.ImageAnalysis = in.ImageAnalysis
	return e
}

// priorEntries drops the message just appended, which the prompt
// shows separately as the current message.
func priorEntries[T any](history []T) []T {
	if len(history) == 0 {
		return history
	}
	return history[:len(history)-1]
}

func findEntry(history []conversation.Entry, id string) *conversation.Entry {
	if id == "" {
		return nil
	}
	for i := range history {
		if history[i].ID == id {
			e := history[i]
			return &e
		}
	}
	return nil
}

func findGroupEntry(history []conversation.GroupEntry, id string) *conversation.GroupEntry {
	if id == "" {
		return nil
	}
	for i := range history {
		if history[i].ID == id {
			e := history[i]
			return &e
		}
	}
	return nil
}

func newRequestID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}
