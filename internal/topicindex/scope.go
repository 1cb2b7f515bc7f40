package topicindex

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrScopeTooLong is returned when a subscription asks for more scope
	// segments than the broker has.
	ErrScopeTooLong = errors.New("requested scope is longer than assigned scope")
	// ErrInvalidScope is returned when a broker scope is not a list of
	// non-negative integers.
	ErrInvalidScope = errors.New("invalid scope")
	// ErrReservedTopic is returned for the reserved topic "public".
	ErrReservedTopic = errors.New("protected topic")
)

// NoScope is the scope request that yields an unscoped subscription.
const NoScope = "noscope"

// ReservedTopic may never be subscribed to.
const ReservedTopic = "public"

// Scope is a broker's position in the tree, e.g. region/cluster/node.
type Scope []uint

// ParseScope parses "1/2/3". Leading and trailing slashes are ignored and the
// empty string is the empty scope.
func ParseScope(s string) (Scope, error) {
	s = strings.Trim(s, "/")
	if s == "" {
		return Scope{}, nil
	}
	parts := strings.Split(s, "/")
	scope := make(Scope, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidScope, s)
		}
		scope = append(scope, uint(v))
	}
	return scope, nil
}

// String renders the scope as a topic suffix, "/1/2/3/".
func (s Scope) String() string {
	var b strings.Builder
	b.WriteByte('/')
	for _, v := range s {
		b.WriteString(strconv.FormatUint(uint64(v), 10))
		b.WriteByte('/')
	}
	return b.String()
}

// Expand turns a subscription scope request such as "/*/*/" into a topic
// suffix, replacing each '*' with the broker's own component at that position.
// Segments that are neither '*' nor integers are kept and returned in odd so the
// caller can log them.
func (s Scope) Expand(request string) (suffix string, odd []string, err error) {
	if request == NoScope {
		return "", nil, nil
	}
	var b strings.Builder
	i := 0
	for _, token := range strings.Split(request, "/") {
		if token == "" {
			continue
		}
		if i >= len(s) {
			return "", nil, fmt.Errorf("%w: %q against %s", ErrScopeTooLong, request, s)
		}
		b.WriteByte('/')
		if token == "*" {
			b.WriteString(strconv.FormatUint(uint64(s[i]), 10))
		} else {
			if _, convErr := strconv.ParseUint(token, 10, 32); convErr != nil {
				odd = append(odd, token)
			}
			b.WriteString(token)
		}
		i++
	}
	b.WriteByte('/')
	return b.String(), odd, nil
}

// SubscriptionKey builds the index key for a client subscription.
func (s Scope) SubscriptionKey(tenant, topic, request string) (key string, odd []string, err error) {
	if topic == ReservedTopic {
		return "", nil, ErrReservedTopic
	}
	suffix, odd, err := s.Expand(request)
	if err != nil {
		return "", nil, err
	}
	return tenant + "." + topic + suffix, odd, nil
}

// ScopeRequest maps the named scopes clients use to scope requests.
func ScopeRequest(name string) string {
	switch name {
	case "all":
		return "/"
	case "region":
		return "/*/"
	case "cluster":
		return "/*/*/"
	case "node":
		return "/*/*/*/"
	default:
		return name
	}
}
