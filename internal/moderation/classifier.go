// Package moderation holds the automated content heuristic. It is a
// placeholder for a real safety model: callers depend on the Verdict contract,
// not on its accuracy.
package moderation

import (
	"os"
	"path/filepath"
	"strings"
)

type Tag string

const (
	TagExplicit Tag = "explicit"
	TagSoft     Tag = "soft"
	TagFetish   Tag = "fetish"
)

type Action string

const (
	ActionAllow Action = "allow"
	ActionFlag  Action = "flag"
	ActionBlock Action = "block"
)

func ParseTag(s string) (Tag, bool) {
	switch t := Tag(strings.ToLower(strings.TrimSpace(s))); t {
	case TagExplicit, TagSoft, TagFetish:
		return t, true
	}
	return "", false
}

func ParseAction(s string) (Action, bool) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionAllow, ActionFlag, ActionBlock:
		return a, true
	}
	return "", false
}

// Verdict is the outcome of one classification. The classifier only ever
// produces allow or flag; block is reserved for human reviewers.
type Verdict struct {
	Tags   []Tag
	Action Action
}

func (v Verdict) Has(t Tag) bool {
	for _, x := range v.Tags {
		if x == t {
			return true
		}
	}
	return false
}

const crockford = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

type Classifier struct {
	explicit []string
	soft     []string
	fetish   []string
}

func NewClassifier(c Corpus) *Classifier {
	return &Classifier{
		explicit: normalize(c.Explicit),
		soft:     normalize(c.Soft),
		fetish:   normalize(c.Fetish),
	}
}

func normalize(words []string) []string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" {
			continue
		}
		out = append(out, w)
	}
	return out
}

func (c *Classifier) ClassifyPrompt(text string) Verdict {
	return c.match(text)
}

// ClassifyArtifact inspects a generated artifact. Anything it cannot assess
// (empty reference, missing or unreadable file) is allowed with no tags.
func (c *Classifier) ClassifyArtifact(ref string) Verdict {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return allow()
	}
	fi, err := os.Stat(ref)
	if err != nil || fi.IsDir() || fi.Size() == 0 {
		return allow()
	}
	return c.match(nameHint(ref))
}

// nameHint is the part of an artifact's file name that can carry meaning.
// Generated ids and bare numbers are dropped so that an id which happens to
// spell a keyword does not flag the artifact.
func nameHint(ref string) string {
	base := filepath.Base(ref)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	fields := strings.FieldsFunc(base, func(r rune) bool {
		return r == '_' || r == '-' || r == '.' || r == ' '
	})
	kept := fields[:0]
	for _, f := range fields {
		if isULID(f) || isDigits(f) {
			continue
		}
		kept = append(kept, f)
	}
	return strings.Join(kept, " ")
}

func isULID(s string) bool {
	if len(s) != 26 {
		return false
	}
	for _, r := range strings.ToUpper(s) {
		if !strings.ContainsRune(crockford, r) {
			return false
		}
	}
	return true
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

func (c *Classifier) match(text string) Verdict {
	lower := strings.ToLower(text)
	var tags []Tag
	if containsAny(lower, c.explicit) {
		tags = append(tags, TagExplicit)
	}
	if containsAny(lower, c.soft) {
		tags = append(tags, TagSoft)
	}
	if containsAny(lower, c.fetish) {
		tags = append(tags, TagFetish)
	}
	return Verdict{Tags: tags, Action: actionFor(tags)}
}

// Combine unions the tag sets of several verdicts and recomputes the action
// from the union.
func Combine(verdicts ...Verdict) Verdict {
	seen := make(map[Tag]bool, 3)
	for _, v := range verdicts {
		for _, t := range v.Tags {
			seen[t] = true
		}
	}
	var tags []Tag
	for _, t := range []Tag{TagExplicit, TagSoft, TagFetish} {
		if seen[t] {
			tags = append(tags, t)
		}
	}
	return Verdict{Tags: tags, Action: actionFor(tags)}
}

func actionFor(tags []Tag) Action {
	for _, t := range tags {
		if t == TagExplicit || t == TagFetish {
			return ActionFlag
		}
	}
	return ActionAllow
}

func allow() Verdict {
	return Verdict{Action: ActionAllow}
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
