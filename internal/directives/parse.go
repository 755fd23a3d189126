// Package directives parses inline slash directives out of chat messages
// and turns them into session patches, replies, and control actions.
package directives

import (
	"regexp"
	"strings"
)

// Kind is the canonical directive name.
type Kind string

const (
	KindModel    Kind = "model"
	KindModels   Kind = "models"
	KindThink    Kind = "think"
	KindElevated Kind = "elevated"
	KindCompact  Kind = "compact"
	KindReset    Kind = "reset"
	KindStatus   Kind = "status"
	KindStop     Kind = "stop"
	KindWhoami   Kind = "whoami"
	KindCommands Kind = "commands"
)

// vocabulary maps every accepted spelling to its canonical kind.
var vocabulary = map[string]Kind{
	"model":    KindModel,
	"models":   KindModels,
	"think":    KindThink,
	"thinking": KindThink,
	"elevated": KindElevated,
	"elev":     KindElevated,
	"compact":  KindCompact,
	"reset":    KindReset,
	"new":      KindReset,
	"status":   KindStatus,
	"stop":     KindStop,
	"whoami":   KindWhoami,
	"commands": KindCommands,
}

var directiveRe = regexp.MustCompile(`(?:^|\s)/([A-Za-z]+)(?:\s+(.*))?$`)

// Directive is one parsed directive.
type Directive struct {
	Kind Kind
	// Name is the spelling used, lower-cased.
	Name string
	Args string
}

// Parsed is a message split into directives and forwarded text.
type Parsed struct {
	Directives []Directive
	// Text is the message with directive lines removed.
	Text string
}

// Has reports whether a directive of kind k is present.
func (p Parsed) Has(k Kind) bool {
	for _, d := range p.Directives {
		if d.Kind == k {
			return true
		}
	}
	return false
}

// Parse extracts directives. A directive starts with a slash at the start
// of a line or after whitespace and consumes the rest of that line as its
// argument. Unknown slash words are left in the text.
func Parse(text string) Parsed {
	var out Parsed
	var kept []string
	for _, line := range strings.Split(text, "\n") {
		d, before, ok := parseLine(line)
		if !ok {
			kept = append(kept, line)
			continue
		}
		out.Directives = append(out.Directives, d)
		if strings.TrimSpace(before) != "" {
			kept = append(kept, strings.TrimRight(before, " \t"))
		}
	}
	out.Text = strings.TrimSpace(strings.Join(kept, "\n"))
	return out
}

func parseLine(line string) (Directive, string, bool) {
	// Unknown names are skipped so "see /tmp then /think high" still finds
	// /think.
	for start := 0; start < len(line); {
		m := directiveRe.FindStringSubmatchIndex(line[start:])
		if m == nil {
			break
		}
		name := strings.ToLower(line[start+m[2] : start+m[3]])
		kind, known := vocabulary[name]
		if known {
			args := ""
			if m[4] >= 0 {
				args = strings.TrimSpace(line[start+m[4] : start+m[5]])
			}
			return Directive{Kind: kind, Name: name, Args: args}, line[:start+m[0]], true
		}
		start += m[3]
	}
	return Directive{}, "", false
}
