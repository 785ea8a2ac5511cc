package callmon

import (
	"fmt"
	"path"
	"sort"
	"strings"
)

// Selector is a pure predicate over call sites. Implementations must not
// perform I/O or keep state between evaluations.
type Selector interface {
	Match(cs CallSite) bool
	String() string
}

// Evaluate reports whether cs is selected by s. A nil selector selects nothing.
func Evaluate(s Selector, cs CallSite) bool {
	if s == nil {
		return false
	}
	return s.Match(cs)
}

type constSelector bool

func (c constSelector) Match(CallSite) bool { return bool(c) }

func (c constSelector) String() string {
	if c {
		return "always"
	}
	return "never"
}

// Always selects every call site
func Always() Selector { return constSelector(true) }

// Never selects no call site
func Never() Selector { return constSelector(false) }

type visibilitySelector Visibility

func (v visibilitySelector) Match(cs CallSite) bool { return cs.Visibility == Visibility(v) }
func (v visibilitySelector) String() string       { return "visibility(" + Visibility(v).String() + ")" }

// MatchesVisibility selects sites with exactly visibility v
func MatchesVisibility(v Visibility) Selector { return visibilitySelector(v) }

type kindSelector Kind

func (k kindSelector) Match(cs CallSite) bool { return cs.Kind == Kind(k) }
func (k kindSelector) String() string       { return "kind(" + Kind(k).String() + ")" }

// MatchesKind selects sites of member kind k
func MatchesKind(k Kind) Selector { return kindSelector(k) }

type markerSelector struct {
	name   string
	marker Marker
}

func (m markerSelector) Match(cs CallSite) bool { return cs.Markers.Has(m.marker) }
func (m markerSelector) String() string       { return "marker(" + m.name + ")" }

// HasMarker selects sites carrying the named marker, directly or inherited
// from their type. Unknown marker names select nothing.
func HasMarker(name string) Selector {
	m, ok := ParseMarker(name)
	if !ok {
		return Never()
	}
	return markerSelector{name: m.String(), marker: m}
}

type paramsSelector int

func (p paramsSelector) Match(cs CallSite) bool { return cs.Params == int(p) }
func (p paramsSelector) String() string       { return fmt.Sprintf("params(%d)", int(p)) }

// HasParams selects sites whose member takes exactly n parameters
func HasParams(n int) Selector { return paramsSelector(n) }

type returnsSelector struct{}

func (returnsSelector) Match(cs CallSite) bool { return cs.Returns }
func (returnsSelector) String() string       { return "returns" }

// ReturnsValue selects sites whose member produces a result
func ReturnsValue() Selector { return returnsSelector{} }

// namePattern matches "Member", or "Owner.Member" split on the last dot.
// '*' never crosses a '/' in the owner, and the owner part may match any
// suffix of the owner that starts after a '/' or '.'.
type namePattern struct {
	raw    string
	owner  string
	member string
}

// MatchesNamePattern selects sites by glob over owner and member names.
// Malformed patterns select nothing.
func MatchesNamePattern(p string) Selector {
	np := namePattern{raw: p, member: p}
	if i := strings.LastIndexByte(p, '.'); i >= 0 {
		np.owner, np.member = p[:i], p[i+1:]
	}
	return np
}

func (n namePattern) Match(cs CallSite) bool {
	if ok, err := path.Match(n.member, cs.Member); err != nil || !ok {
		return false
	}
	if n.owner == "" {
		return true
	}
	return ownerMatches(n.owner, cs.Owner)
}

func (n namePattern) String() string { return "name(" + n.raw + ")" }

func ownerMatches(glob, owner string) bool {
	if ok, err := path.Match(glob, owner); err != nil || ok {
		return ok
	}
	for i := 0; i < len(owner); i++ {
		if owner[i] != '/' && owner[i] != '.' {
			continue
		}
		if ok, _ := path.Match(glob, owner[i+1:]); ok {
			return true
		}
	}
	return false
}

type notSelector struct{ s Selector }

func (n notSelector) Match(cs CallSite) bool { return !Evaluate(n.s, cs) }
func (n notSelector) String() string       { return "not(" + describe(n.s) + ")" }

// Not inverts s
func Not(s Selector) Selector {
	if inner, ok := s.(notSelector); ok {
		return inner.s
	}
	return notSelector{s: s}
}

type andSelector []Selector

func (a andSelector) Match(cs CallSite) bool {
	for _, s := range a {
		if !Evaluate(s, cs) {
			return false
		}
	}
	return true
}

func (a andSelector) String() string { return "and(" + describeAll(a) + ")" }

// And selects sites matched by every operand. And() selects everything.
func And(ss ...Selector) Selector {
	if len(ss) == 0 {
		return Always()
	}
	if len(ss) == 1 && ss[0] != nil {
		return ss[0]
	}
	return andSelector(append([]Selector(nil), ss...))
}

type orSelector []Selector

func (o orSelector) Match(cs CallSite) bool {
	for _, s := range o {
		if Evaluate(s, cs) {
			return true
		}
	}
	return false
}

func (o orSelector) String() string { return "or(" + describeAll(o) + ")" }

// Or selects sites matched by any operand. Or() selects nothing.
func Or(ss ...Selector) Selector {
	if len(ss) == 0 {
		return Never()
	}
	if len(ss) == 1 && ss[0] != nil {
		return ss[0]
	}
	return orSelector(append([]Selector(nil), ss...))
}

func describe(s Selector) string {
	if s == nil {
		return "never"
	}
	return s.String()
}

func describeAll(ss []Selector) string {
	parts := make([]string, len(ss))
	for i, s := range ss {
		parts[i] = describe(s)
	}
	return strings.Join(parts, ", ")
}

// Named selectors
var (
	All  = Always()
	None = Never()

	Method          = MatchesKind(KindMethod)
	PublicMethod    = And(Method, MatchesVisibility(Public))
	PrivateMethod   = And(Method, MatchesVisibility(Private))
	ProtectedMethod = And(Method, MatchesVisibility(Protected))
	// PackageMethod claims whatever visibility the other three do not
	PackageMethod = And(Method,
		Not(MatchesVisibility(Private)),
		Not(MatchesVisibility(Protected)),
		Not(MatchesVisibility(Public)))

	// get/set prefixes match in either case; exported Go names are capitalized
	Getter         = And(PublicMethod, HasParams(0), MatchesNamePattern("[gG]et*"))
	Setter         = And(PublicMethod, HasParams(1), Not(ReturnsValue()), MatchesNamePattern("[sS]et*"))
	GetterOrSetter = Or(Getter, Setter)

	Constructor          = MatchesKind(KindConstructor)
	PublicConstructor    = And(Constructor, MatchesVisibility(Public))
	PrivateConstructor   = And(Constructor, MatchesVisibility(Private))
	ProtectedConstructor = And(Constructor, MatchesVisibility(Protected))
	PackageConstructor   = And(Constructor,
		Not(MatchesVisibility(Private)),
		Not(MatchesVisibility(Protected)),
		Not(MatchesVisibility(Public)))

	Monitored    = HasMarker("monitor")
	Traced       = HasMarker("trace")
	Instrumented = Or(Monitored, Traced)
)

var catalogue = map[string]Selector{
	"all":                  All,
	"none":                 None,
	"method":               Method,
	"publicMethod":         PublicMethod,
	"privateMethod":        PrivateMethod,
	"protectedMethod":      ProtectedMethod,
	"packageMethod":        PackageMethod,
	"getter":               Getter,
	"setter":               Setter,
	"getterOrSetter":       GetterOrSetter,
	"constructor":          Constructor,
	"publicConstructor":    PublicConstructor,
	"privateConstructor":   PrivateConstructor,
	"protectedConstructor": ProtectedConstructor,
	"packageConstructor":   PackageConstructor,
	"monitored":            Monitored,
	"traced":               Traced,
	"instrumented":         Instrumented,
}

// Lookup returns a named selector from the catalogue
func Lookup(name string) (Selector, bool) {
	s, ok := catalogue[name]
	return s, ok
}

// SelectorNames lists the catalogue names in sorted order
func SelectorNames() []string {
	names := make([]string, 0, len(catalogue))
	for name := range catalogue {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
