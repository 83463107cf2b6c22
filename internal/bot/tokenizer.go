package bot

import "strings"

const codeFence = "```"

// Tokenize splits a raw chat command into tokens. A token is a
// double-quoted span, a single-quoted span, a triple-backtick span, or a
// whitespace-delimited bare word. Quote characters are stripped from the
// token; an unterminated span runs to the end of the input.
func Tokenize(raw string) []string {
	tokens := make([]string, 0, 4)
	i := 0
	n := len(raw)

	for i < n {
		// Skip whitespace between tokens.
		if isSpace(raw[i]) {
			i++
			continue
		}

		if strings.HasPrefix(raw[i:], codeFence) {
			start := i + len(codeFence)
			end := strings.Index(raw[start:], codeFence)
			if end < 0 {
				tokens = append(tokens, raw[start:])
				return tokens
			}
			tokens = append(tokens, raw[start:start+end])
			i = start + end + len(codeFence)
			continue
		}

		if raw[i] == '"' || raw[i] == '\'' {
			quote := raw[i]
			start := i + 1
			end := strings.IndexByte(raw[start:], quote)
			if end < 0 {
				tokens = append(tokens, raw[start:])
				return tokens
			}
			tokens = append(tokens, raw[start:start+end])
			i = start + end + 1
			continue
		}

		start := i
		for i < n && !isSpace(raw[i]) && raw[i] != '"' && raw[i] != '\'' && !strings.HasPrefix(raw[i:], codeFence) {
			i++
		}
		tokens = append(tokens, raw[start:i])
	}

	return tokens
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
