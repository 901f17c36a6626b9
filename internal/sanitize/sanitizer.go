// Package sanitize turns raw chat messages into text worth reading
// aloud. Markup, mentions, and links mean nothing to a listener; they
// are replaced or dropped before the text reaches synthesis.
package sanitize

import (
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"
)

// MaxUtteranceRunes caps how much of a message is spoken. Synthesis
// cost and playback time both scale with length; past this point the
// message is a paste, not something anyone says out loud.
const MaxUtteranceRunes = 500

// maxRepeatRun caps a run of one repeated character. "noooooooo" reads
// fine as "nooo"; longer runs make synthesizers drone.
const maxRepeatRun = 3

// sanitizerPatterns holds the compiled expressions shared by every
// sanitizer instance.
type sanitizerPatterns struct {
	customEmoji    *regexp.Regexp
	userMention    *regexp.Regexp
	roleMention    *regexp.Regexp
	channelMention *regexp.Regexp
	timestampTag   *regexp.Regexp
	blockquote     *regexp.Regexp
	url            *regexp.Regexp
	codeFence      *regexp.Regexp
	profanity      *regexp.Regexp
	whitespace     *regexp.Regexp
}

var (
	patterns     *sanitizerPatterns
	patternsOnce sync.Once
)

func initPatterns() {
	patterns = &sanitizerPatterns{
		customEmoji:    regexp.MustCompile(`<a?:([A-Za-z0-9_~]+):\d+>`),
		userMention:    regexp.MustCompile(`<@!?\d+>`),
		roleMention:    regexp.MustCompile(`<@&\d+>`),
		channelMention: regexp.MustCompile(`<#\d+>`),
		timestampTag:   regexp.MustCompile(`<t:-?\d+(?::[a-zA-Z])?>`),
		blockquote:     regexp.MustCompile(`(?m)^>{1,3}\s*`),
		url:            regexp.MustCompile(`https?://\S+|www\.\S+`),
		codeFence:      regexp.MustCompile("(?s)```.*?```"),
		profanity:      regexp.MustCompile(`(?i)\b(fuck\w*|shit\w*|bitch\w*|asshole\w*|cunt\w*|bastard\w*|dickhead\w*)\b`),
		whitespace:     regexp.MustCompile(`\s+`),
	}
}

// markupStripper removes inline formatting markers, leaving the words
// they wrapped. Quote markers are not inline; the blockquote pattern
// handles them at line starts so a mid-sentence ">" survives.
var markupStripper = strings.NewReplacer(
	"**", "",
	"__", "",
	"~~", "",
	"||", "",
	"`", "",
	"*", "",
	"_", " ",
)

// MessageSanitizer cleans chat messages for synthesis. The zero value
// is not usable; build one with NewMessageSanitizer.
type MessageSanitizer struct {
	maxRunes int
}

// NewMessageSanitizer builds a sanitizer with the standard utterance
// cap.
func NewMessageSanitizer() *MessageSanitizer {
	patternsOnce.Do(initPatterns)
	return &MessageSanitizer{maxRunes: MaxUtteranceRunes}
}

// Clean produces the spoken form of a raw message. The result may be
// empty; an empty result means there is nothing worth saying and the
// message should be skipped.
func (s *MessageSanitizer) Clean(text string) string {
	out := text

	// Structured chat tokens first, while their delimiters are intact.
	out = patterns.codeFence.ReplaceAllString(out, " code block ")
	out = patterns.customEmoji.ReplaceAllString(out, "$1")
	out = patterns.userMention.ReplaceAllString(out, "")
	out = patterns.roleMention.ReplaceAllString(out, "")
	out = patterns.channelMention.ReplaceAllString(out, "")
	out = patterns.timestampTag.ReplaceAllString(out, "")
	out = patterns.blockquote.ReplaceAllString(out, "")
	out = patterns.url.ReplaceAllString(out, "link")

	out = markupStripper.Replace(out)
	out = patterns.profanity.ReplaceAllStringFunc(out, starOut)
	out = squeezeRepeats(out)

	out = patterns.whitespace.ReplaceAllString(out, " ")
	out = strings.TrimSpace(out)
	return s.truncate(out)
}

// starOut keeps the first and last letters of a matched word and stars
// the middle, so the listener hears a bleep-length gap instead of the
// word.
func starOut(word string) string {
	runes := []rune(word)
	if len(runes) <= 2 {
		return strings.Repeat("*", len(runes))
	}
	for i := 1; i < len(runes)-1; i++ {
		runes[i] = '*'
	}
	return string(runes)
}

// squeezeRepeats caps consecutive identical runes at maxRepeatRun.
// Done with a scan because RE2 has no backreferences.
func squeezeRepeats(text string) string {
	var b strings.Builder
	b.Grow(len(text))

	var prev rune
	run := 0
	for _, r := range text {
		if r == prev {
			run++
		} else {
			prev = r
			run = 1
		}
		if run <= maxRepeatRun {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// truncate cuts at the last word boundary before the rune cap.
func (s *MessageSanitizer) truncate(text string) string {
	if utf8.RuneCountInString(text) <= s.maxRunes {
		return text
	}
	runes := []rune(text)[:s.maxRunes]
	cut := string(runes)
	if idx := strings.LastIndexByte(cut, ' '); idx > 0 {
		cut = cut[:idx]
	}
	return strings.TrimSpace(cut)
}
