package callmon

import (
	"strings"
)

// Kind distinguishes methods from constructors
type Kind uint8

const (
	KindMethod Kind = iota
	KindConstructor
)

func (k Kind) String() string {
	switch k {
	case KindMethod:
		return "method"
	case KindConstructor:
		return "constructor"
	default:
		return "unknown"
	}
}

// Visibility of the member at a call site. Exactly one applies to any site.
type Visibility uint8

const (
	Package Visibility = iota
	Public
	Private
	Protected
)

func (v Visibility) String() string {
	switch v {
	case Public:
		return "public"
	case Private:
		return "private"
	case Protected:
		return "protected"
	default:
		return "package"
	}
}

// Marker is a declarative annotation placed on a type or member
type Marker uint8

const (
	MarkerMonitor Marker = 1 << iota
	MarkerTrace
)

func (m Marker) String() string {
	switch m {
	case MarkerMonitor:
		return "monitor"
	case MarkerTrace:
		return "trace"
	default:
		return "none"
	}
}

// ParseMarker maps a marker name to its Marker. Names are case-insensitive.
func ParseMarker(name string) (Marker, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "monitor":
		return MarkerMonitor, true
	case "trace":
		return MarkerTrace, true
	}
	return 0, false
}

// MarkerSet holds the markers present at a call site
type MarkerSet uint8

// Markers builds a set from individual markers
func Markers(ms ...Marker) MarkerSet {
	var s MarkerSet
	for _, m := range ms {
		s |= MarkerSet(m)
	}
	return s
}

// Has reports whether m is in the set
func (s MarkerSet) Has(m Marker) bool {
	return m != 0 && s&MarkerSet(m) == MarkerSet(m)
}

func (s MarkerSet) String() string {
	if s == 0 {
		return "none"
	}
	var names []string
	for _, m := range []Marker{MarkerMonitor, MarkerTrace} {
		if s.Has(m) {
			names = append(names, m.String())
		}
	}
	return strings.Join(names, ",")
}

// CallSite identifies an invocation point. Values are immutable; the With*
// helpers return modified copies.
type CallSite struct {
	Owner      string
	Member     string
	Kind       Kind
	Visibility Visibility
	Markers    MarkerSet

	// Signature shape
	Params  int
	Returns bool
}

// NewMethod describes a method call site with no parameters and no result
func NewMethod(owner, name string, vis Visibility) CallSite {
	return CallSite{Owner: owner, Member: name, Kind: KindMethod, Visibility: vis}
}

// NewConstructor describes a constructor of owner
func NewConstructor(owner string, vis Visibility) CallSite {
	return CallSite{Owner: owner, Member: "new", Kind: KindConstructor, Visibility: vis, Returns: true}
}

// WithParams sets the parameter count
func (cs CallSite) WithParams(n int) CallSite {
	cs.Params = n
	return cs
}

// WithResult marks the member as returning a value
func (cs CallSite) WithResult() CallSite {
	cs.Returns = true
	return cs
}

// WithMarkers adds markers declared directly on the member
func (cs CallSite) WithMarkers(ms ...Marker) CallSite {
	cs.Markers |= Markers(ms...)
	return cs
}

// InheritMarkers merges markers declared on the owning type into the member
func (cs CallSite) InheritMarkers(typeMarkers MarkerSet) CallSite {
	cs.Markers |= typeMarkers
	return cs
}

func (cs CallSite) String() string {
	if cs.Owner == "" {
		return cs.Member
	}
	return cs.Owner + "." + cs.Member
}
