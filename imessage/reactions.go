package imessage

import "strings"

// Reaction/tapback type code ranges. chat.db stores tapbacks as message
// rows whose associated_message_type falls in a reserved band: 2000-2005
// add a reaction, 3000-3005 remove one. Everything else (edits, stickers,
// replies) is not a reaction.
const (
	reactionTypeMin = 2000
	reactionTypeMax = 2999
	removalTypeMin  = 3000
	removalTypeMax  = 3999
)

var reactionEmojis = map[int]string{
	2000: "❤️", // love
	2001: "👍", // like
	2002: "👎", // dislike
	2003: "😂", // laugh
	2004: "‼️", // emphasis
	2005: "❓", // question
}

var reactionVerbs = map[int]string{
	2000: "loved",
	2001: "liked",
	2002: "disliked",
	2003: "laughed at",
	2004: "emphasized",
	2005: "questioned",
}

// NormalizeAssociationGUID strips the wrapper from an
// associated_message_guid, leaving the bare parent GUID. Two wrapper
// shapes occur: a path-like prefix ("p:0/GUID") and a short fixed prefix
// ("bp:GUID"). Already-bare GUIDs pass through unchanged, so the
// operation is idempotent.
func NormalizeAssociationGUID(guid string) string {
	if idx := strings.LastIndex(guid, "/"); idx >= 0 {
		return guid[idx+1:]
	}
	if strings.HasPrefix(guid, "bp:") {
		return guid[3:]
	}
	return guid
}

// IsReactionType reports whether a type code adds a reaction.
func IsReactionType(code int) bool {
	return code >= reactionTypeMin && code <= reactionTypeMax
}

// IsRemovalType reports whether a type code removes a reaction.
func IsRemovalType(code int) bool {
	return code >= removalTypeMin && code <= removalTypeMax
}

// ReactionEmoji returns the glyph for a reaction type code, or "" for
// codes without a fixed glyph.
func ReactionEmoji(code int) string {
	return reactionEmojis[code]
}

// ReactionVerb returns the verb used in textual summaries ("loved",
// "liked", ...). Unknown codes within the reaction range degrade to a
// generic verb rather than failing.
func ReactionVerb(code int) string {
	if verb, ok := reactionVerbs[code]; ok {
		return verb
	}
	return "reacted to"
}

// RemovalSummary renders a reaction-removal event as display text.
func RemovalSummary(code int) string {
	if emoji, ok := reactionEmojis[code-1000]; ok {
		return "removed " + emoji
	}
	return "removed reaction"
}

// ReactionSummary renders a reaction event as display text, quoting the
// parent message when its text is known. Long parent text is truncated on
// rune boundaries.
func ReactionSummary(code int, parentText string) string {
	verb := ReactionVerb(code)
	if parentText == "" {
		return verb + " a message"
	}
	runes := []rune(parentText)
	if len(runes) > 30 {
		parentText = string(runes[:27]) + "..."
	}
	return verb + " \"" + parentText + "\""
}
