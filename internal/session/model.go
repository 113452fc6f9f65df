package session

// ModelEntry is one row of the closed model allow-list: a short alias and
// the long identifier it resolves to.
type ModelEntry struct {
	Short string
	Long  string
}

// ModelRegistry resolves between a closed set of short and long model
// identifiers in both directions. It is built once from configuration and
// is safe for concurrent reads (it is never mutated after construction).
type ModelRegistry struct {
	shortToLong map[string]string
	longToShort map[string]string
	allowed     map[string]struct{} // both short and long forms
}

// NewModelRegistry builds a registry from explicit short/long pairs. The
// flat short,long,short,long,... list is paired by
// NewModelRegistryFromCSVPairs.
func NewModelRegistry(entries []ModelEntry) *ModelRegistry {
	r := &ModelRegistry{
		shortToLong: make(map[string]string, len(entries)),
		longToShort: make(map[string]string, len(entries)),
		allowed:     make(map[string]struct{}, len(entries)*2),
	}
	for _, e := range entries {
		r.shortToLong[e.Short] = e.Long
		r.longToShort[e.Long] = e.Short
		r.allowed[e.Short] = struct{}{}
		r.allowed[e.Long] = struct{}{}
	}
	return r
}

// NewModelRegistryFromCSVPairs builds a registry from the flat
// short,long,short,long,... list produced by splitting CHROXY_ALLOWED_MODELS
// on commas. A trailing unpaired entry resolves to itself.
func NewModelRegistryFromCSVPairs(flat []string) *ModelRegistry {
	entries := make([]ModelEntry, 0, len(flat)/2+1)
	for i := 0; i < len(flat); i += 2 {
		if i+1 < len(flat) {
			entries = append(entries, ModelEntry{Short: flat[i], Long: flat[i+1]})
		} else {
			entries = append(entries, ModelEntry{Short: flat[i], Long: flat[i]})
		}
	}
	return NewModelRegistry(entries)
}

// DefaultModelRegistry builds the registry chroxy ships with out of the box.
func DefaultModelRegistry() *ModelRegistry {
	return NewModelRegistry([]ModelEntry{
		{Short: "sonnet", Long: "claude-sonnet-4-5"},
		{Short: "opus", Long: "claude-opus-4-1"},
		{Short: "haiku", Long: "claude-haiku-4-5"},
	})
}

// IsAllowed reports whether id (short or long) is in the closed allow-list.
func (r *ModelRegistry) IsAllowed(id string) bool {
	_, ok := r.allowed[id]
	return ok
}

// ToLongModelID resolves a short identifier to its long form. Unknown
// identifiers pass through unchanged (SetModel calls it only after
// IsAllowed has rejected unknown identifiers).
func (r *ModelRegistry) ToLongModelID(id string) string {
	if long, ok := r.shortToLong[id]; ok {
		return long
	}
	return id
}

// ToShortModelID resolves a long identifier to its short form. Unknown
// identifiers pass through unchanged.
func (r *ModelRegistry) ToShortModelID(id string) string {
	if short, ok := r.longToShort[id]; ok {
		return short
	}
	return id
}

// ResolveModelID normalises any known identifier (short or long) to its
// canonical long form; unknown identifiers pass through unchanged. This is
// the operation the round-trip law in testable properties is stated over:
// ResolveModelID(ToShortModelID(x)) == ResolveModelID(x) for every x in the
// allow-list.
func (r *ModelRegistry) ResolveModelID(id string) string {
	return r.ToLongModelID(id)
}

// Names returns every allowed identifier (short and long), for
// available_models replies.
func (r *ModelRegistry) Names() []string {
	out := make([]string, 0, len(r.allowed))
	for k := range r.allowed {
		out = append(out, k)
	}
	return out
}
