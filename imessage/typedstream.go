package imessage

import (
	"bytes"
	"strings"
	"unicode"
	"unicode/utf8"
)

// attributedBody blobs are NSKeyedArchiver/typedstream binaries. The text
// payload sits after an "NSString" class tag: a 0x2B marker, then a
// variable-width length header, then that many bytes of UTF-8.
var nsStringMarker = []byte("NSString")

// Keywords that mark a scanned run as archive framing rather than message
// content. Used only by the fallback tier.
var plistKeywords = []string{
	"NSString", "NSDictionary", "NSAttributedString", "NSNumber", "NSValue",
	"NSObject", "NSArray", "streamtyped", "__kIM", "MessagePart", "AttributeName",
}

// DecodeAttributedBody extracts plain text from an attributedBody blob.
// Returns "" when no text can be recovered. Never panics on malformed or
// truncated input.
//
// Tier 1 follows the typedstream framing exactly and is authoritative even
// for single-character payloads. Tier 2 is a best-effort heuristic scan for
// blobs the framing pass cannot handle; on blobs this format was never
// designed for (audio transcripts, rich links) it can pick noisy
// substrings, and that is accepted.
func DecodeAttributedBody(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	if text := decodeStructured(data); text != "" {
		return text
	}
	return scanLongestRun(data)
}

// decodeStructured locates the NSString marker and reads the
// length-prefixed payload that follows it.
func decodeStructured(data []byte) string {
	pos := bytes.Index(data, nsStringMarker)
	if pos < 0 {
		return ""
	}

	// The 0x2B marker sits within a short window after the class tag.
	searchStart := pos + len(nsStringMarker)
	searchEnd := searchStart + 20
	if searchEnd > len(data) {
		searchEnd = len(data)
	}

	for i := searchStart; i < searchEnd; i++ {
		if data[i] != 0x2B || i+2 >= len(data) {
			continue
		}

		lengthByte := data[i+1]
		var textStart, textLen int
		switch {
		case lengthByte < 0x80:
			textStart, textLen = i+2, int(lengthByte)
		case lengthByte == 0x81 && i+4 < len(data):
			// 2-byte little-endian length
			textStart = i + 4
			textLen = int(data[i+2]) | int(data[i+3])<<8
		case lengthByte == 0x82 && i+5 < len(data):
			// 3-byte little-endian length, for very long messages
			textStart = i + 5
			textLen = int(data[i+2]) | int(data[i+3])<<8 | int(data[i+4])<<16
		default:
			continue
		}

		if textStart+textLen > len(data) {
			continue
		}
		payload := data[textStart : textStart+textLen]
		if !utf8.Valid(payload) {
			continue
		}
		// The framing itself is evidence: trust even one-character text.
		if trimmed := strings.TrimSpace(string(payload)); trimmed != "" {
			return trimmed
		}
	}

	return ""
}

// scanLongestRun finds the highest-scoring maximal valid-UTF-8 run that
// looks like message content. Score = 2*alphabetic + length.
func scanLongestRun(data []byte) string {
	best := ""
	bestScore := 0

	i := 0
	for i < len(data) {
		end := i
		for end < len(data) && end-i < 2000 {
			r, size := utf8.DecodeRune(data[end:])
			if r == utf8.RuneError && size <= 1 {
				break
			}
			end += size
		}

		if end > i+5 {
			candidate := strings.TrimSpace(string(data[i:end]))
			if score := scoreRun(candidate); score > bestScore {
				best = candidate
				bestScore = score
			}
			i = end
		} else {
			i++
		}
	}

	return best
}

func scoreRun(s string) int {
	if s == "" {
		return 0
	}
	for _, kw := range plistKeywords {
		if strings.Contains(s, kw) {
			return 0
		}
	}

	alpha := 0
	for _, r := range s {
		if r < ' ' && r != '\n' && r != '\t' {
			return 0
		}
		if unicode.IsLetter(r) {
			alpha++
		}
	}
	if alpha <= 3 {
		return 0
	}
	return alpha*2 + len(s)
}
