package element

import "time"

// PartKind discriminates the three kinds of Part.
type PartKind uint8

const (
	// Literal parts carry rendered bytes verbatim.
	Literal PartKind = iota
	// ElementLink parts name an entry in the owner's link definitions.
	ElementLink
	// MethodLink parts name a method on the owning producer plus a parameter.
	MethodLink
)

func (k PartKind) String() string {
	switch k {
	case Literal:
		return "literal"
	case ElementLink:
		return "element"
	case MethodLink:
		return "method"
	}
	return "unknown"
}

// Part is one chunk of a Variant.  Only the fields relevant to Kind are set.
type Part struct {
	Kind  PartKind
	Data  []byte // Literal
	Name  string // ElementLink: link name; MethodLink: method name
	Param string // MethodLink
}

// Text returns a Literal part.
func Text(b []byte) Part { return Part{Kind: Literal, Data: b} }

// Link returns an ElementLink part for the named link definition.
func Link(name string) Part { return Part{Kind: ElementLink, Name: name} }

// Call returns a MethodLink part.
func Call(method, param string) Part { return Part{Kind: MethodLink, Name: method, Param: param} }

// Variant is one rendering of an element for one variant key.  A Variant is
// immutable once stored; callers must not modify Parts or Dependencies.
type Variant struct {
	Parts        []Part
	Dependencies []string
	ExpiresAt    time.Time // zero means no expiry
	Exported     bool
}

// Expired reports whether the variant's expiry instant has passed.
func (v *Variant) Expired(now time.Time) bool {
	return !v.ExpiresAt.IsZero() && !now.Before(v.ExpiresAt)
}

// HasDependencies reports whether the variant must be tracked in the
// dependency index.
func (v *Variant) HasDependencies() bool { return len(v.Dependencies) > 0 }

// Size is the number of literal bytes held by the variant.
func (v *Variant) Size() int {
	n := 0
	for _, p := range v.Parts {
		n += len(p.Data)
	}
	return n
}
