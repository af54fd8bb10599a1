package protocol

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// StringLength фиксированная длина строкового поля в байтах
const StringLength = 64

// emoteGlyphs символы, которые клиенты с EmoteFix или FullCP437 рисуют
// для управляющих байтов 0x01..0x1F; индекс совпадает с байтом
var emoteGlyphs = [...]rune{
	0, '☺', '☻', '♥', '♦', '♣', '♠', '•', '◘', '○', '◙', '♂', '♀', '♪', '♫', '☼',
	'►', '◄', '↕', '‼', '¶', '§', '▬', '↨', '↑', '↓', '→', '←', '∟', '↔', '▲', '▼',
}

// houseGlyph символ байта 0x7F
const houseGlyph = '⌂'

var glyphBytes = func() map[rune]byte {
	m := make(map[rune]byte, len(emoteGlyphs))
	for i, r := range emoteGlyphs {
		if i > 0 {
			m[r] = byte(i)
		}
	}
	m[houseGlyph] = 0x7f
	return m
}()

// allowsEmotes сообщает, понимает ли клиент байты 0x01..0x1F и 0x7F как символы
func (l Layout) allowsEmotes() bool {
	return l.EmoteFix || l.FullCP437
}

// DecodeByte переводит один байт строкового поля в символ
func (l Layout) DecodeByte(b byte) rune {
	switch {
	case b == 0:
		return ' '
	case b >= 0x20 && b < 0x7f:
		return rune(b)
	case b < 0x20:
		if l.allowsEmotes() {
			return emoteGlyphs[b]
		}
		return '?'
	case b == 0x7f:
		if l.allowsEmotes() {
			return houseGlyph
		}
		return '?'
	}
	if l.FullCP437 {
		return charmap.CodePage437.DecodeByte(b)
	}
	return '?'
}

// EncodeRune переводит символ в байт строкового поля; непредставимые символы
// заменяются на '?'
func (l Layout) EncodeRune(r rune) byte {
	if r >= 0x20 && r < 0x7f {
		return byte(r)
	}
	if b, ok := glyphBytes[r]; ok {
		if l.allowsEmotes() {
			return b
		}
		return '?'
	}
	if l.FullCP437 {
		if b, ok := charmap.CodePage437.EncodeRune(r); ok && b >= 0x80 {
			return b
		}
	}
	return '?'
}

// EncodeString записывает s в поле из StringLength байт, дополняя пробелами.
// Строка длиннее поля обрезается.
func (l Layout) EncodeString(dst []byte, s string) {
	n := 0
	for _, r := range s {
		if n == StringLength {
			break
		}
		dst[n] = l.EncodeRune(r)
		n++
	}
	for ; n < StringLength; n++ {
		dst[n] = ' '
	}
}

// DecodeString читает поле из StringLength байт и отбрасывает хвостовые пробелы
func (l Layout) DecodeString(src []byte) string {
	var sb strings.Builder
	sb.Grow(len(src))
	for _, b := range src {
		sb.WriteRune(l.DecodeByte(b))
	}
	return strings.TrimRight(sb.String(), " ")
}

// SanitizeText заменяет символы, которые клиент с такой формой пакетов
// не сможет отобразить
func (l Layout) SanitizeText(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		sb.WriteRune(l.DecodeByte(l.EncodeRune(r)))
	}
	return sb.String()
}

// TextLength возвращает длину строки в байтах протокола (по одному на символ)
func TextLength(s string) int {
	return utf8.RuneCountInString(s)
}
