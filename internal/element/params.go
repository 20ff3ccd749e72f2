package element

import (
	"maps"
	"net/url"
	"slices"
)

// Params are the request dimensions a render sees.  Cache key functions
// derive variant keys from them, and producers read them while generating.
type Params struct {
	URI     string
	Project string
	User    string
	Groups  []string
	Locale  string
	Device  string
	Country string

	// Method carries the parameter of a method link while that method
	// renders.  Empty everywhere else.
	Method string

	Values url.Values
}

// Merge returns a copy of p whose Values are overlaid with fixed.  Fixed
// link parameters win over request values.  p is not modified.
func (p Params) Merge(fixed map[string]string) Params {
	out := p
	out.Method = ""
	if len(fixed) == 0 {
		return out
	}
	vals := make(url.Values, len(p.Values)+len(fixed))
	for k, v := range p.Values {
		vals[k] = slices.Clone(v)
	}
	for _, k := range slices.Sorted(maps.Keys(fixed)) {
		vals.Set(k, fixed[k])
	}
	out.Values = vals
	return out
}

// WithMethod returns a copy of p carrying a method parameter.
func (p Params) WithMethod(param string) Params {
	p.Method = param
	return p
}

// InGroup reports whether any of groups is held by the requester.  An empty
// groups list admits everyone.
func (p Params) InGroup(groups []string) bool {
	if len(groups) == 0 {
		return true
	}
	for _, g := range groups {
		if slices.Contains(p.Groups, g) {
			return true
		}
	}
	return false
}
