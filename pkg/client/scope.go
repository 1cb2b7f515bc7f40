package client

// Named scopes accepted by Subscribe in place of a scope pattern.
const (
	ScopeAll     = "all"
	ScopeRegion  = "region"
	ScopeCluster = "cluster"
	ScopeNode    = "node"
	ScopeNone    = "noscope"
)

// ExpandScope turns a named scope into its pattern. Patterns such as "/*/2/"
// pass through unchanged.
func ExpandScope(scope string) string {
	switch scope {
	case ScopeAll:
		return "/"
	case ScopeRegion:
		return "/*/"
	case ScopeCluster:
		return "/*/*/"
	case ScopeNode:
		return "/*/*/*/"
	default:
		return scope
	}
}
