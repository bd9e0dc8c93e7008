// Package parse turns raw chat messages into karma commands.
//
// The grammar is deliberately small: a name (bare token, or parenthesized
// for multi-word names) followed immediately by ++ or --, with an optional
// trailing comment introduced by '#' or '//'. Show and help are addressed
// to the addon's chat name.
package parse

import (
	"fmt"
	"regexp"
)

// Capture group 1 contains an '@' iff the karma target is written as a mention.
// Exactly one of groups 2 (bare token) and 3 (parenthesized) contains the name.
// Group 4 is the operator, group 5 the optional comment.
const givePattern = `^(?:(@)?(\S{1,50}) ?|\(([^)\r\n]{1,48})\))(\+\+|--)(?: *(?:#|//)\s*(\S.*))?$`

var giveRegex = regexp.MustCompile(givePattern)

// GivePattern returns the raw give regex, for registering as a webhook filter.
func GivePattern() string {
	return givePattern
}

// ShowPattern returns the raw show regex for chatName, for webhook registration.
func ShowPattern(chatName string) string {
	return fmt.Sprintf(`^@%s for (?:(@)?(\S{1,50}) ?|\(([^)\r\n]{1,48})\))$`, regexp.QuoteMeta(chatName))
}

// HelpPattern returns the raw help regex for chatName, for webhook registration.
func HelpPattern(chatName string) string {
	return fmt.Sprintf(`^@%s help$`, regexp.QuoteMeta(chatName))
}

// A Give is a parsed request to award karma.
type Give struct {
	// Mention is true when the name was written with a leading '@'.
	Mention bool
	// Parenthesized is true when the name came from the (multi word) form.
	Parenthesized bool
	Name          string
	// Good is true for ++, false for --.
	Good    bool
	Comment string
}

// A Show is a parsed request to display an entity's karma.
type Show struct {
	Mention       bool
	Parenthesized bool
	Name          string
}

// A Parser matches chat messages against the command grammar. The show and
// help commands embed the addon's chat name, so a Parser is built per addon.
type Parser struct {
	give *regexp.Regexp
	show *regexp.Regexp
	help *regexp.Regexp
}

// New builds a Parser for an addon known in chat as chatName (without the '@').
func New(chatName string) Parser {
	return Parser{
		give: giveRegex,
		show: regexp.MustCompile(ShowPattern(chatName)),
		help: regexp.MustCompile(HelpPattern(chatName)),
	}
}

// Give parses text as a karma award. The second return is false on no match.
func (p Parser) Give(text string) (Give, bool) {
	m := p.give.FindStringSubmatch(text)
	if m == nil {
		return Give{}, false
	}

	g := Give{
		Mention: m[1] == "@",
		Good:    m[4] == "++",
		Comment: m[5],
	}
	if m[3] != "" {
		g.Name = m[3]
		g.Parenthesized = true
	} else {
		g.Name = m[2]
	}

	return g, true
}

// Show parses text as a karma lookup. The second return is false on no match.
func (p Parser) Show(text string) (Show, bool) {
	m := p.show.FindStringSubmatch(text)
	if m == nil {
		return Show{}, false
	}

	s := Show{
		Mention: m[1] == "@",
	}
	if m[3] != "" {
		s.Name = m[3]
		s.Parenthesized = true
	} else {
		s.Name = m[2]
	}

	return s, true
}

// Help reports whether text is the help command.
func (p Parser) Help(text string) bool {
	return p.help.MatchString(text)
}
