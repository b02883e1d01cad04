// Package correlate maps the page a user is looking at to the tracker API
// URL that feeds it, resolving regional detail URLs into the canonical
// tracker form on the way.
package correlate

import (
	"fmt"
	"strings"
)

type Kind int

const (
	KindUnrelated Kind = iota
	KindTracker
	KindDetail
)

func (k Kind) String() string {
	switch k {
	case KindTracker:
		return "tracker"
	case KindDetail:
		return "detail"
	default:
		return "unrelated"
	}
}

// Patterns are substring rules for recognizing tracker traffic.
type Patterns struct {
	Tracker []string
	Detail  []string
	// CanonicalHost URLs are already canonical and pass through untouched.
	CanonicalHost string
	// CanonicalTemplate has one %s verb for the manuscript uuid.
	CanonicalTemplate string
}

func DefaultPatterns() Patterns {
	return Patterns{
		Tracker:           []string{"/tracker/"},
		Detail:            []string{"/detail?id="},
		CanonicalHost:     "track.authorhub.elsevier.com",
		CanonicalTemplate: "https://track.authorhub.elsevier.com/?uuid=%s",
	}
}

// Validate rejects templates that cannot take a uuid.
func (p Patterns) Validate() error {
	if len(p.Tracker) == 0 && len(p.Detail) == 0 {
		return fmt.Errorf("at least one tracker or detail pattern is required")
	}
	if strings.Count(p.CanonicalTemplate, "%s") != 1 {
		return fmt.Errorf("canonical template %q must contain exactly one %%s", p.CanonicalTemplate)
	}
	return nil
}

// Classify reports what kind of tracker traffic rawURL is. Detail wins when
// both match.
func (p Patterns) Classify(rawURL string) Kind {
	if containsAny(rawURL, p.Detail) {
		return KindDetail
	}
	if containsAny(rawURL, p.Tracker) {
		return KindTracker
	}
	return KindUnrelated
}

// Matches reports whether rawURL is tracker or detail traffic.
func (p Patterns) Matches(rawURL string) bool { return p.Classify(rawURL) != KindUnrelated }

func (p Patterns) isCanonical(rawURL string) bool {
	return p.CanonicalHost != "" && strings.Contains(rawURL, p.CanonicalHost)
}

func (p Patterns) canonicalURL(uuid string) string {
	return fmt.Sprintf(p.CanonicalTemplate, uuid)
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if sub != "" && strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
