// Package parser turns raw chat text into a structured message: a command
// with arguments, a conversational message with mentions, or plain text.
// Parsing never fails an event; malformed input degrades to plain text with
// a usage body.
package parser

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// MessageKind tags the variant of a parsed message.
type MessageKind int

const (
	// KindPlainText is a conversational message without resolvable mentions.
	KindPlainText MessageKind = iota
	// KindMention is a conversational message addressing one or more entities.
	KindMention
	// KindCommand is a recognized command with arguments.
	KindCommand
)

func (k MessageKind) String() string {
	switch k {
	case KindPlainText:
		return "plain_text"
	case KindMention:
		return "mention"
	case KindCommand:
		return "command"
	default:
		return "unknown"
	}
}

// Command identifies a recognized command, resolved once at parse time.
type Command int

const (
	CmdNone Command = iota
	CmdHelp
	CmdPing
	CmdCreateCharacter
	CmdCreateSession
	CmdJoin
	CmdDecide
	CmdNarrate
)

// Administrative reports whether the command is answered on any channel,
// bound or not.
func (c Command) Administrative() bool {
	return c == CmdHelp || c == CmdPing
}

// Creation reports whether the command creates a new entity and therefore
// may run on an unbound channel.
func (c Command) Creation() bool {
	return c == CmdCreateCharacter || c == CmdCreateSession
}

// ParsedMessage is the structured form of one inbound message. It is derived
// per event and never persisted.
type ParsedMessage struct {
	Kind        MessageKind
	Command     Command
	CommandName string
	Args        []string
	// MentionedEntityIDs holds entity ids of resolved mentions, in first
	// occurrence order, without duplicates.
	MentionedEntityIDs []string
	Body               string
}

// MentionLookup resolves a mention identifier to an entity id. It returns
// false when the identifier matches no known entity.
type MentionLookup func(ctx context.Context, identifier string) (entityID string, ok bool)

type commandSpec struct {
	cmd     Command
	minArgs int
	usage   string
}

var commandTable = map[string]commandSpec{
	"help":             {cmd: CmdHelp, usage: "/help"},
	"ping":             {cmd: CmdPing, usage: "/ping"},
	"create-character": {cmd: CmdCreateCharacter, minArgs: 1, usage: "/create-character <name>"},
	"create-session":   {cmd: CmdCreateSession, minArgs: 1, usage: "/create-session <name>"},
	"join":             {cmd: CmdJoin, minArgs: 1, usage: "/join <character-id>"},
	"decide":           {cmd: CmdDecide, minArgs: 1, usage: "/decide <question>"},
	"narrate":          {cmd: CmdNarrate, minArgs: 1, usage: "/narrate <text>"},
}

// Usage returns the one-line usage summary sent for unknown or malformed
// commands.
func Usage() string {
	names := make([]string, 0, len(commandTable))
	for _, spec := range commandTable {
		names = append(names, spec.usage)
	}
	sort.Strings(names)
	return "Available commands:\n" + strings.Join(names, "\n")
}

// Parser extracts structured messages from raw chat text.
type Parser struct {
	triggerPrefix string
	mentionRe     *regexp.Regexp
	lookup        MentionLookup
}

// New creates a Parser. triggerPrefix marks commands (e.g. "/"),
// mentionMarker marks mentions (e.g. "@"); lookup resolves mention
// identifiers to entity ids and may be nil to disable mention resolution.
func New(triggerPrefix, mentionMarker string, lookup MentionLookup) *Parser {
	re := regexp.MustCompile(regexp.QuoteMeta(mentionMarker) + `([A-Za-z0-9][A-Za-z0-9_-]*)`)
	return &Parser{
		triggerPrefix: triggerPrefix,
		mentionRe:     re,
		lookup:        lookup,
	}
}

// Parse converts raw text into a ParsedMessage. Command parsing takes
// precedence over mention scanning; mentions inside command arguments are
// not re-resolved. Unknown or malformed commands degrade to plain text with
// a usage body rather than failing the event.
func (p *Parser) Parse(ctx context.Context, rawText string) ParsedMessage {
	text := strings.TrimSpace(rawText)

	if strings.HasPrefix(text, p.triggerPrefix) {
		return p.parseCommand(text)
	}

	return p.parseConversational(ctx, text)
}

func (p *Parser) parseCommand(text string) ParsedMessage {
	rest := strings.TrimPrefix(text, p.triggerPrefix)
	tokens := splitArgs(rest)
	if len(tokens) == 0 {
		return ParsedMessage{Kind: KindPlainText, Body: Usage()}
	}

	name := strings.ToLower(tokens[0])
	spec, ok := commandTable[name]
	if !ok {
		// Unknown commands degrade to a usage message, never an error.
		return ParsedMessage{Kind: KindPlainText, CommandName: name, Body: Usage()}
	}

	args := tokens[1:]
	if len(args) < spec.minArgs {
		return ParsedMessage{
			Kind:        KindPlainText,
			CommandName: name,
			Body:        fmt.Sprintf("Usage: %s", spec.usage),
		}
	}

	return ParsedMessage{
		Kind:        KindCommand,
		Command:     spec.cmd,
		CommandName: name,
		Args:        args,
		Body:        strings.TrimSpace(strings.TrimPrefix(rest, tokens[0])),
	}
}

func (p *Parser) parseConversational(ctx context.Context, text string) ParsedMessage {
	msg := ParsedMessage{Kind: KindPlainText, Body: text}
	if p.lookup == nil {
		return msg
	}

	seen := make(map[string]struct{})

	// Strip resolved mentions by their match offsets; a textual replace
	// would also mangle longer tokens sharing the same prefix.
	var body strings.Builder
	last := 0
	for _, match := range p.mentionRe.FindAllStringSubmatchIndex(text, -1) {
		identifier := text[match[2]:match[3]]

		entityID, ok := p.lookup(ctx, identifier)
		if !ok {
			// Unresolvable mentions stay in the body as literal text.
			continue
		}
		if _, dup := seen[entityID]; !dup {
			seen[entityID] = struct{}{}
			msg.MentionedEntityIDs = append(msg.MentionedEntityIDs, entityID)
		}
		body.WriteString(text[last:match[0]])
		last = match[1]
	}
	body.WriteString(text[last:])

	msg.Body = strings.Join(strings.Fields(body.String()), " ")
	if len(msg.MentionedEntityIDs) > 0 {
		msg.Kind = KindMention
	}
	return msg
}

// splitArgs splits on whitespace, preserving double- or single-quoted
// substrings as single arguments. Quotes are stripped from the result; an
// unterminated quote runs to the end of input.
func splitArgs(s string) []string {
	var (
		args    []string
		current strings.Builder
		quote   rune
		inArg   bool
	)

	flush := func() {
		if inArg {
			args = append(args, current.String())
			current.Reset()
			inArg = false
		}
	}

	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '"' || r == '\'':
			quote = r
			inArg = true
		case r == ' ' || r == '\t' || r == '\n':
			flush()
		default:
			current.WriteRune(r)
			inArg = true
		}
	}
	flush()

	return args
}
