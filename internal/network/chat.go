package network

import (
	"strings"
	"unicode/utf8"

	"github.com/annel0/classic-server/internal/protocol"
)

// Префиксы ответов сервера в чате
const (
	ErrorPrefix = "&4[&c!&4] &f"
	InfoPrefix  = "&3[&b#&3] &f"
)

// MaxChatLength предел длины собранного сообщения; действует и при
// max_message_length: 0
const MaxChatLength = 4096

// chatLimit возвращает действующий предел длины сообщения
func chatLimit(configured int) int {
	if configured <= 0 || configured > MaxChatLength {
		return MaxChatLength
	}
	return configured
}

// FormatTemplate подставляет {username} и {message} в шаблон чата
func FormatTemplate(tmpl, username, message string) string {
	return strings.NewReplacer("{username}", username, "{message}", message).Replace(tmpl)
}

// stripTrailingAmp убирает висящие '&': клиенты падают на незавершённом цветовом коде
func stripTrailingAmp(s string) string {
	return strings.TrimRight(s, "&")
}

// truncateRunes обрезает строку до max символов
func truncateRunes(s string, max int) (string, bool) {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s, false
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i], true
		}
		n++
	}
	return s, false
}

// SplitMessage режет текст на пакеты Message по 64 символа. Клиенты с
// LongerMessages получают PlayerID 1 у всех частей, кроме последней.
func SplitMessage(text string, l protocol.Layout) []protocol.Message {
	text = stripTrailingAmp(l.SanitizeText(text))
	runes := []rune(text)
	if len(runes) == 0 {
		return []protocol.Message{{Text: ""}}
	}

	out := make([]protocol.Message, 0, len(runes)/protocol.StringLength+1)
	for start := 0; start < len(runes); start += protocol.StringLength {
		end := start + protocol.StringLength
		if end > len(runes) {
			end = len(runes)
		}
		msg := protocol.Message{Text: string(runes[start:end])}
		if l.LongerMessages && end < len(runes) {
			msg.PlayerID = 1
		}
		out = append(out, msg)
	}
	return out
}

// encodeMessage кодирует все части сообщения для формы пакетов l
func encodeMessage(text string, l protocol.Layout) ([]byte, error) {
	var buf []byte
	for _, msg := range SplitMessage(text, l) {
		var err error
		buf, err = protocol.AppendEncode(buf, protocol.Clientbound, l, msg)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}
