// Package router implements the core event routing state machine: inbound
// chat events are deduplicated, parsed, resolved to their bound entity, and
// dispatched to the owning backend, with the reply posted back to the
// originating channel. Processing is serialized per channel and parallel
// across channels.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/heraldbot/herald/internal/config"
	"github.com/heraldbot/herald/internal/database"
	"github.com/heraldbot/herald/internal/dispatch"
	"github.com/heraldbot/herald/internal/parser"
	"github.com/heraldbot/herald/internal/resolver"
)

// InboundEvent is one chat event as delivered by the platform. It exists
// only for the duration of processing.
type InboundEvent struct {
	EventID    string
	ChannelID  string
	AuthorID   string
	Text       string
	ReceivedAt time.Time
}

// Sender posts replies back to the chat platform.
type Sender interface {
	PostMessage(ctx context.Context, channelID, text string) error
}

// Dispatcher is the subset of the dispatch component the router drives.
type Dispatcher interface {
	Dispatch(ctx context.Context, entityKind, entityID string, msg parser.ParsedMessage, sourceUserID string) dispatch.Result
	CreateEntity(ctx context.Context, entityKind, name, sourceUserID string) (string, dispatch.Result)
	Health(ctx context.Context) map[string]string
}

// User-visible reply texts. Full error detail stays in the logs.
const (
	msgInternalError  = "Something went wrong on our side. Please try again."
	msgNotAvailable   = "That character or session is not currently available."
	msgTransientError = "The game services are not responding right now. Please try again shortly."
	msgAlreadyBound   = "This channel already hosts an entity; create the new one elsewhere."
	truncationMarker  = "… [truncated]"
)

// eventTimeout bounds the processing of a single event, covering dispatch
// retries and the reply post.
const eventTimeout = 2 * time.Minute

// Router is the top-level event processing component.
type Router struct {
	parser     *parser.Parser
	resolver   *resolver.Resolver
	dispatcher Dispatcher
	sender     Sender
	logger     *slog.Logger

	dedup   *dedupCache
	pool    *workerPool
	baseCtx context.Context

	maxReplyLength int
}

// New creates a Router. The mention lookup treats an identifier as an entity
// id and accepts it when the entity has a channel binding of either kind.
func New(cfg config.RouterConfig, maxReplyLength int, res *resolver.Resolver, disp Dispatcher, sender Sender, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "router")

	r := &Router{
		resolver:       res,
		dispatcher:     disp,
		sender:         sender,
		logger:         log,
		dedup:          newDedupCache(cfg.DedupWindow),
		pool:           newWorkerPool(cfg.WorkerQueueSize, cfg.WorkerIdleTimeout, log),
		baseCtx:        context.Background(),
		maxReplyLength: maxReplyLength,
	}
	r.parser = parser.New(cfg.TriggerPrefix, cfg.MentionMarker, r.lookupMention)
	return r
}

// Ingest accepts one inbound event for asynchronous processing. It returns
// after the event is deduplicated and queued; the reply is delivered via the
// Sender, never to the caller.
func (r *Router) Ingest(event InboundEvent) {
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now().UTC()
	}

	if !r.dedup.MarkSeen(event.EventID, event.ReceivedAt) {
		r.logger.InfoContext(r.baseCtx, "Dropped duplicate event",
			"event_id", event.EventID, "channel_id", event.ChannelID)
		return
	}

	accepted := r.pool.submit(event.ChannelID, func() {
		ctx, cancel := context.WithTimeout(r.baseCtx, eventTimeout)
		defer cancel()
		r.process(ctx, event)
	})
	if !accepted {
		// Un-mark the id so the platform's redelivery is not mistaken for a
		// duplicate of an event that never ran.
		r.dedup.Forget(event.EventID)
		r.logger.Warn("Dropped event, router shutting down", "event_id", event.EventID)
	}
}

// Close stops accepting events and waits for in-flight processing to finish.
func (r *Router) Close() {
	r.pool.close()
}

// PruneDedup removes expired entries from the dedup window and returns the
// number removed.
func (r *Router) PruneDedup() int {
	return r.dedup.Prune(time.Now().UTC())
}

// process runs the state machine for one event. Nothing below this boundary
// may terminate the process: all failures, including panics, end in a single
// internal-error reply and a log line with the event id.
func (r *Router) process(ctx context.Context, event InboundEvent) {
	log := r.logger.With("event_id", event.EventID, "channel_id", event.ChannelID)

	defer func() {
		if rec := recover(); rec != nil {
			log.ErrorContext(ctx, "Panic while processing event", "panic", rec)
			r.reply(ctx, log, event.ChannelID, msgInternalError)
		}
	}()

	msg := r.parser.Parse(ctx, event.Text)
	log.DebugContext(ctx, "Parsed event",
		"kind", msg.Kind.String(), "command", msg.CommandName, "mentions", len(msg.MentionedEntityIDs))

	// Administrative commands are answered on any channel, bound or not.
	if msg.Kind == parser.KindCommand && msg.Command.Administrative() {
		r.reply(ctx, log, event.ChannelID, r.handleAdministrative(ctx, msg))
		return
	}

	binding, err := r.resolver.ResolveChannel(ctx, event.ChannelID)
	switch {
	case err == nil:
		r.processBound(ctx, log, event, msg, binding)
	case resolver.IsUnbound(err):
		r.processUnbound(ctx, log, event, msg)
	default:
		log.ErrorContext(ctx, "Failed to resolve channel", "error", err)
		r.reply(ctx, log, event.ChannelID, msgInternalError)
	}
}

func (r *Router) handleAdministrative(ctx context.Context, msg parser.ParsedMessage) string {
	switch msg.Command {
	case parser.CmdPing:
		status := r.dispatcher.Health(ctx)
		names := make([]string, 0, len(status))
		for name := range status {
			names = append(names, name)
		}
		sort.Strings(names)
		var b strings.Builder
		b.WriteString("pong")
		for _, name := range names {
			fmt.Fprintf(&b, "\n%s: %s", name, status[name])
		}
		return b.String()
	default:
		return parser.Usage()
	}
}

// processUnbound handles events on channels with no binding. Only entity
// creation commands act here; everything else is dropped silently, since the
// router has no mapped responsibility for the channel.
func (r *Router) processUnbound(ctx context.Context, log *slog.Logger, event InboundEvent, msg parser.ParsedMessage) {
	if msg.Kind != parser.KindCommand || !msg.Command.Creation() {
		log.DebugContext(ctx, "Dropped event on unbound channel")
		return
	}

	kind := database.KindCharacter
	if msg.Command == parser.CmdCreateSession {
		kind = database.KindSession
	}

	entityID, res := r.dispatcher.CreateEntity(ctx, kind, msg.Args[0], event.AuthorID)
	if res.Status != dispatch.StatusOK {
		log.ErrorContext(ctx, "Entity creation failed", "status", res.Status.String(), "error", res.Err)
		r.reply(ctx, log, event.ChannelID, statusMessage(res.Status))
		return
	}

	// The binding must be durable before the creation reply goes out, so a
	// follow-up message on this channel always resolves.
	if _, err := r.resolver.BindChannel(ctx, event.ChannelID, kind, entityID); err != nil {
		if errors.Is(err, database.ErrAlreadyBound) {
			log.WarnContext(ctx, "Channel bound concurrently during creation", "entity_id", entityID)
			r.reply(ctx, log, event.ChannelID, msgAlreadyBound)
			return
		}
		log.ErrorContext(ctx, "Failed to bind channel after creation", "entity_id", entityID, "error", err)
		r.reply(ctx, log, event.ChannelID, msgInternalError)
		return
	}

	log.InfoContext(ctx, "Created and bound entity", "entity_kind", kind, "entity_id", entityID)
	r.reply(ctx, log, event.ChannelID, res.ReplyText)
}

func (r *Router) processBound(ctx context.Context, log *slog.Logger, event InboundEvent, msg parser.ParsedMessage, binding *database.ChannelBinding) {
	// Unknown or malformed commands degrade to a usage reply, no dispatch.
	if msg.Kind == parser.KindPlainText && msg.CommandName != "" {
		r.reply(ctx, log, event.ChannelID, msg.Body)
		return
	}

	if msg.Kind == parser.KindCommand && msg.Command.Creation() {
		r.reply(ctx, log, event.ChannelID, msgAlreadyBound)
		return
	}

	res := r.dispatcher.Dispatch(ctx, binding.EntityKind, binding.EntityID, msg, event.AuthorID)
	if res.Status != dispatch.StatusOK {
		log.ErrorContext(ctx, "Dispatch returned error status",
			"entity_kind", binding.EntityKind,
			"entity_id", binding.EntityID,
			"status", res.Status.String(),
			"error", res.Err,
		)
		r.reply(ctx, log, event.ChannelID, statusMessage(res.Status))
		return
	}

	r.applySideEffects(ctx, log, res)

	replyText := res.ReplyText
	if strings.TrimSpace(replyText) == "" {
		replyText = "(no response)"
	}
	r.reply(ctx, log, event.ChannelID, replyText)
}

// applySideEffects acts on backend-reported side effects. The only effect the
// router understands is channel creation, formatted as
// "channel_created:<kind>:<channel_id>"; unknown effects are logged and skipped.
func (r *Router) applySideEffects(ctx context.Context, log *slog.Logger, res dispatch.Result) {
	for _, se := range res.SideEffects {
		parts := strings.SplitN(se.Effect, ":", 3)
		if len(parts) != 3 || parts[0] != "channel_created" {
			log.WarnContext(ctx, "Ignoring unknown side effect", "effect", se.Effect, "entity_id", se.EntityID)
			continue
		}
		kind, channelID := parts[1], parts[2]
		if _, err := r.resolver.BindChannel(ctx, channelID, kind, se.EntityID); err != nil {
			log.ErrorContext(ctx, "Failed to bind side-effect channel",
				"channel_id", channelID, "entity_id", se.EntityID, "error", err)
		}
	}
}

// reply posts exactly one message back to the channel, truncating at the
// platform limit with a visible marker. Send failures are logged, never fatal.
func (r *Router) reply(ctx context.Context, log *slog.Logger, channelID, text string) {
	text = truncate(text, r.maxReplyLength)
	if err := r.sender.PostMessage(ctx, channelID, text); err != nil {
		log.ErrorContext(ctx, "Failed to post reply", "error", err)
	}
}

// lookupMention accepts a mention identifier as an entity id when that
// entity currently has a channel binding of either kind.
func (r *Router) lookupMention(ctx context.Context, identifier string) (string, bool) {
	for _, kind := range []string{database.KindCharacter, database.KindSession} {
		if _, err := r.resolver.ResolveEntity(ctx, kind, identifier); err == nil {
			return identifier, true
		}
	}
	return "", false
}

func statusMessage(status dispatch.Status) string {
	switch status {
	case dispatch.StatusNotFound:
		return msgNotAvailable
	case dispatch.StatusTimeout, dispatch.StatusBackendError:
		return msgTransientError
	default:
		return msgInternalError
	}
}

func truncate(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	cut := maxLen - len(truncationMarker)
	if cut < 0 {
		cut = 0
	}
	// Avoid splitting a UTF-8 sequence at the cut point.
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut] + truncationMarker
}
