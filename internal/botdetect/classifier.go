// Package botdetect decides whether a user agent belongs to a human browser or
// to automated traffic.
package botdetect

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/mssola/user_agent"
)

// Verdict is the outcome of one classification.
type Verdict struct {
	IsBot bool
	// Reason names the rule that fired, e.g. "signature:curl" or "missing:engine".
	Reason string
}

// ParsedAgent is the structural view of a user agent. A nil field means the
// parser could not resolve it.
type ParsedAgent struct {
	Browser *string
	OS      *string
	Engine  *string
	// Flagged is set when the parser itself recognised a crawler.
	Flagged bool
}

// Missing returns the name of the first unresolved field, or "" when all are present.
func (p ParsedAgent) Missing() string {
	switch {
	case p.Browser == nil:
		return "browser"
	case p.OS == nil:
		return "os"
	case p.Engine == nil:
		return "engine"
	}
	return ""
}

// ParseFunc turns a raw user agent into a ParsedAgent.
type ParseFunc func(ua string) (ParsedAgent, error)

type compiledSignature struct {
	name          string
	re            *regexp.Regexp
	notFollowedBy string
}

// Classifier is immutable after construction and safe for concurrent use.
type Classifier struct {
	signatures []compiledSignature
	parse      ParseFunc
}

// New compiles the given signatures in order.
func New(signatures []Signature) (*Classifier, error) {
	compiled := make([]compiledSignature, 0, len(signatures))
	for _, s := range signatures {
		re, err := regexp.Compile("(?i)" + s.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compile signature %q: %w", s.Name, err)
		}
		compiled = append(compiled, compiledSignature{
			name:          s.Name,
			re:            re,
			notFollowedBy: strings.ToLower(s.NotFollowedBy),
		})
	}
	return &Classifier{signatures: compiled, parse: ParseUserAgent}, nil
}

// NewDefault builds a classifier from DefaultSignatures plus extra literal
// patterns, which are appended after the built-in ones.
func NewDefault(extra ...string) (*Classifier, error) {
	sigs := make([]Signature, 0, len(DefaultSignatures)+len(extra))
	sigs = append(sigs, DefaultSignatures...)
	for _, p := range extra {
		sigs = append(sigs, Signature{Name: p, Pattern: regexp.QuoteMeta(p)})
	}
	return New(sigs)
}

// WithParser returns a copy of c using parse for the structural stage.
func (c *Classifier) WithParser(parse ParseFunc) *Classifier {
	cp := *c
	cp.parse = parse
	return &cp
}

// Classify runs the denylist, then the structural check. Anything the parser
// cannot fully resolve is a bot.
func (c *Classifier) Classify(ua string) Verdict {
	if strings.TrimSpace(ua) == "" {
		return Verdict{IsBot: true, Reason: "empty"}
	}

	if name, ok := c.matchSignature(ua); ok {
		return Verdict{IsBot: true, Reason: "signature:" + name}
	}

	parsed, err := c.safeParse(ua)
	if err != nil {
		return Verdict{IsBot: true, Reason: "unparsable"}
	}
	if parsed.Flagged {
		return Verdict{IsBot: true, Reason: "parser:crawler"}
	}
	if field := parsed.Missing(); field != "" {
		return Verdict{IsBot: true, Reason: "missing:" + field}
	}
	return Verdict{IsBot: false, Reason: "browser"}
}

// IsBot is shorthand for Classify(ua).IsBot.
func (c *Classifier) IsBot(ua string) bool {
	return c.Classify(ua).IsBot
}

func (c *Classifier) matchSignature(ua string) (string, bool) {
	for _, s := range c.signatures {
		if s.notFollowedBy == "" {
			if s.re.MatchString(ua) {
				return s.name, true
			}
			continue
		}
		for _, loc := range s.re.FindAllStringIndex(ua, -1) {
			if !strings.HasPrefix(strings.ToLower(ua[loc[1]:]), s.notFollowedBy) {
				return s.name, true
			}
		}
	}
	return "", false
}

func (c *Classifier) safeParse(ua string) (p ParsedAgent, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parse user agent: %v", r)
		}
	}()
	return c.parse(ua)
}

// ParseUserAgent is the default ParseFunc.
func ParseUserAgent(ua string) (ParsedAgent, error) {
	parsed := user_agent.New(ua)

	var p ParsedAgent
	if name, _ := parsed.Browser(); name != "" {
		p.Browser = &name
	}
	if osName := parsed.OS(); osName != "" {
		p.OS = &osName
	}
	if engine, _ := parsed.Engine(); engine != "" {
		p.Engine = &engine
	}
	p.Flagged = parsed.Bot()
	return p, nil
}
