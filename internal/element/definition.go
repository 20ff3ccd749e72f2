package element

// LinkTarget is what a named link embeds: another element, optionally with
// fixed parameters overlaid on the request's.
type LinkTarget struct {
	Element Identity
	Params  map[string]string
}

// Definition is everything known about an element before it renders.
// Producers return one on an element-store miss.  It is immutable once an
// Entry is built from it.
type Definition struct {
	Policy CachePolicy
	Links  map[string]LinkTarget
	Groups []string // empty admits everyone
}
