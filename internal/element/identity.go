// Package element holds the flex-cache data model: element identities,
// variants and their parts, cache policies, request parameters, and the
// per-element Entry that owns a bounded variant table.
//
// An element is one cacheable rendering unit, identified by the producer
// that renders it and an optional template.  A variant is one rendering of
// that element for one cache key.
package element

import "strings"

// MethodTemplate is the template id used by method-link identities.
const MethodTemplate = "METHOD"

// Identity names an element.  Template is empty when the producer renders
// without a template.  Identity is comparable and used directly as a map
// key.
type Identity struct {
	Producer string `json:"producer"`
	Template string `json:"template,omitempty"`
}

// ID is a convenience constructor.
func ID(producer, template string) Identity {
	return Identity{Producer: producer, Template: template}
}

// MethodID returns the identity of method name on producer.  Methods are
// cached as their own tiny elements.
func MethodID(producer, method string) Identity {
	return Identity{Producer: producer + "." + method, Template: MethodTemplate}
}

// IsMethod reports whether id was built by MethodID.
func (id Identity) IsMethod() bool { return id.Template == MethodTemplate }

// Method splits a method identity into its owning producer and method name.
func (id Identity) Method() (producer, method string, ok bool) {
	if !id.IsMethod() {
		return "", "", false
	}
	i := strings.LastIndexByte(id.Producer, '.')
	if i < 0 {
		return "", "", false
	}
	return id.Producer[:i], id.Producer[i+1:], true
}

// HasTemplate reports whether a template id is set.
func (id Identity) HasTemplate() bool { return id.Template != "" }

func (id Identity) String() string {
	if id.Template == "" {
		return id.Producer
	}
	return id.Producer + "|" + id.Template
}
