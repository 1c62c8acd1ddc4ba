package imessage

// HandleName pairs a raw handle (phone/email) with a resolved display name.
type HandleName struct {
	Handle string
	Name   string
}

// ContactResolver is the boundary to the external contact-resolution
// collaborator. Lookups hit a local cache only; handles the cache cannot
// answer are queued for background resolution, never resolved
// synchronously inside a query.
type ContactResolver interface {
	// LookupCachedName returns the cached display name for a handle,
	// or "" and false when uncached.
	LookupCachedName(handle string) (string, bool)

	// QueueForResolution requests a background lookup for a handle.
	// Non-blocking and best-effort: requests may be dropped.
	QueueForResolution(handle string)

	// SearchCachedByName returns cached contacts whose display name
	// contains the query (case-insensitive).
	SearchCachedByName(query string) []HandleName
}

// NullResolver is a ContactResolver that knows nothing. Useful for tests
// and for running without a contact cache.
type NullResolver struct{}

func (NullResolver) LookupCachedName(string) (string, bool) { return "", false }

func (NullResolver) QueueForResolution(string) {}

func (NullResolver) SearchCachedByName(string) []HandleName { return nil }
