package router

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// ParseCommand splits "/name@bot rest" into name and rest. rest is everything
// after the first whitespace following the command token, with leading
// whitespace dropped; inner spacing and newlines are kept verbatim.
func ParseCommand(text string) (name, rest string, ok bool) {
	text = strings.TrimLeftFunc(text, unicode.IsSpace)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	token := text
	if i := strings.IndexFunc(text, unicode.IsSpace); i >= 0 {
		token = text[:i]
		_, size := utf8.DecodeRuneInString(text[i:])
		rest = strings.TrimLeftFunc(text[i+size:], unicode.IsSpace)
	}
	name = strings.TrimPrefix(token, "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	name = strings.ToLower(name)
	if name == "" {
		return "", "", false
	}
	return name, strings.TrimRightFunc(rest, unicode.IsSpace), true
}

// sanitizeTelegramCommand converts a name into a Telegram-safe bot command.
// Telegram command names are restricted to [a-z0-9_]{1,32}.
func sanitizeTelegramCommand(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	var b strings.Builder
	b.Grow(len(s))
	lastUnderscore := false
	for _, r := range s {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		case r == '_' || r == '-' || unicode.IsSpace(r):
			if b.Len() > 0 && !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "_")
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "_")
	}
	return out
}
