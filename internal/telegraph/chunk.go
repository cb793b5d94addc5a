package telegraph

import "unicode/utf8"

// defaultMaxMessageLen applies when an adapter does not report a limit.
const defaultMaxMessageLen = 2000

// chunkMessage splits text into chunks of at most maxLen bytes.
// It prefers breaking at newlines when possible and never splits a
// multi-byte character.
func chunkMessage(text string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = defaultMaxMessageLen
	}
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}

		cut := maxLen
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		if cut == 0 {
			cut = maxLen
		}

		// Look for a newline in the second half of the chunk to break at.
		breakAt := -1
		for i := cut - 1; i >= cut/2; i-- {
			if text[i] == '\n' {
				breakAt = i
				break
			}
		}

		if breakAt >= 0 {
			chunks = append(chunks, text[:breakAt])
			text = text[breakAt+1:] // skip the newline
		} else {
			chunks = append(chunks, text[:cut])
			text = text[cut:]
		}
	}
	return chunks
}

// maxLenFor returns the adapter's message limit, or the default.
func maxLenFor(a Adapter) int {
	if ml, ok := a.(MessageLimiter); ok && ml.MaxMessageLength() > 0 {
		return ml.MaxMessageLength()
	}
	return defaultMaxMessageLen
}
