package event

import (
	"fmt"
	"sort"
	"strings"

	"github.com/appetiteclub/kds/pkg/enums/role"
)

// Topic is the addressable unit of subscription: a branch plus either a
// station name or a well-known role.
type Topic struct {
	Branch string `json:"branch" cbor:"1,keyasint"`
	Scope  string `json:"scope" cbor:"2,keyasint"`
}

func (t Topic) String() string {
	return t.Branch + "/" + t.Scope
}

// IsRole reports whether the topic scope is a role rather than a station.
func (t Topic) IsRole() bool {
	return role.IsRole(t.Scope)
}

// StationTopic builds the topic of a station within a branch.
func StationTopic(branch, station string) Topic {
	return Topic{Branch: branch, Scope: station}
}

// RoleTopic builds the topic of a role within a branch.
func RoleTopic(branch string, r role.Role) Topic {
	return Topic{Branch: branch, Scope: r.Code()}
}

// ParseTopic parses the "branch/scope" form.
func ParseTopic(s string) (Topic, error) {
	branch, scope, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok || branch == "" || scope == "" {
		return Topic{}, fmt.Errorf("invalid topic %q: want branch/scope", s)
	}
	return Topic{Branch: branch, Scope: scope}, nil
}

// ParseScopes builds topics for one branch from a comma separated list of
// scopes, as used by query strings.
func ParseScopes(branch, scopes string) ([]Topic, error) {
	if branch == "" {
		return nil, fmt.Errorf("branch is required")
	}
	var out []Topic
	for _, s := range strings.Split(scopes, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out = append(out, Topic{Branch: branch, Scope: s})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("at least one topic scope is required")
	}
	return NormalizeTopics(out), nil
}

// NormalizeTopics sorts and deduplicates topics.
func NormalizeTopics(topics []Topic) []Topic {
	seen := make(map[Topic]bool, len(topics))
	out := make([]Topic, 0, len(topics))
	for _, t := range topics {
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Branch != out[j].Branch {
			return out[i].Branch < out[j].Branch
		}
		return out[i].Scope < out[j].Scope
	})
	return out
}

// SingleBranch returns the branch shared by all topics or an error when the
// set spans several branches.
func SingleBranch(topics []Topic) (string, error) {
	if len(topics) == 0 {
		return "", fmt.Errorf("no topics")
	}
	b := topics[0].Branch
	for _, t := range topics[1:] {
		if t.Branch != b {
			return "", fmt.Errorf("topics span branches %q and %q", b, t.Branch)
		}
	}
	return b, nil
}
