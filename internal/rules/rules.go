// Package rules holds the conflict resolution policy as an ordered
// pattern table. The first matching rule for a path wins. Every content
// rule takes the upstream version: the fork carries no independent
// changes to these paths, so any conflict in them is a merge artifact
// rather than a substantive divergence. New path rules are added to the
// table, never to control flow.
package rules

import "strings"

// Action is what to do with a conflicted path.
type Action int

const (
	// TakeUpstream replaces the path's content with the upstream side.
	TakeUpstream Action = iota
	// TakeUpstreamSubmodule resolves a submodule pointer to the commit
	// recorded in the upstream tree, not to content.
	TakeUpstreamSubmodule
)

func (a Action) String() string {
	switch a {
	case TakeUpstream:
		return "take-upstream"
	case TakeUpstreamSubmodule:
		return "take-upstream-submodule"
	default:
		return "unknown"
	}
}

// MatchKind is how a rule's pattern is compared against a path.
type MatchKind int

const (
	// Exact matches the full path.
	Exact MatchKind = iota
	// Prefix matches any path under the pattern.
	Prefix
	// Submodule matches any path whose index entry is a submodule
	// pointer, regardless of name.
	Submodule
	// Fallback matches everything.
	Fallback
)

// Rule is one ordered pattern → action mapping.
type Rule struct {
	Pattern string
	Kind    MatchKind
	Action  Action
}

// Matches reports whether the rule applies to the path. submodule is
// true when any index stage for the path has submodule mode.
func (r Rule) Matches(path string, submodule bool) bool {
	switch r.Kind {
	case Exact:
		return path == r.Pattern
	case Prefix:
		return strings.HasPrefix(path, r.Pattern)
	case Submodule:
		return submodule
	case Fallback:
		return true
	default:
		return false
	}
}

// Default is the resolution table, in priority order.
var Default = Table{
	{Pattern: "fastlane/Fastfile", Kind: Exact, Action: TakeUpstream},
	{Pattern: ".github/workflows/", Kind: Prefix, Action: TakeUpstream},
	{Pattern: "Gemfile", Kind: Exact, Action: TakeUpstream},
	{Pattern: "Gemfile.lock", Kind: Exact, Action: TakeUpstream},
	{Pattern: "VersionOverride.xcconfig", Kind: Exact, Action: TakeUpstream},
	{Pattern: "LoopWorkspace.xcworkspace/contents.xcworkspacedata", Kind: Exact, Action: TakeUpstream},
	{Kind: Submodule, Action: TakeUpstreamSubmodule},
	{Kind: Fallback, Action: TakeUpstream},
}

// Table is an ordered list of rules.
type Table []Rule

// Resolve returns the action of the first rule matching the path.
func (t Table) Resolve(path string, submodule bool) Action {
	for _, r := range t {
		if r.Matches(path, submodule) {
			return r.Action
		}
	}
	// A table without a fallback rule is a construction error; behave
	// like the fallback anyway.
	return TakeUpstream
}
