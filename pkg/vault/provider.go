package vault

import "context"

// Provider is the session capability every backend adapter implements.
type Provider interface {
	// Name identifies the backend in logs, e.g. "bw".
	Name() string

	// Login runs the external unlock flow.
	Login(ctx context.Context) error

	// HasSession reports whether the backend already holds a usable session.
	HasSession(ctx context.Context) (bool, error)

	// Sync asks the backend to refresh its local cache.
	Sync(ctx context.Context) error

	// Lock asks the backend to drop its session.
	Lock(ctx context.Context) error
}

// EntryProvider is implemented by CLI backends that search per query.
type EntryProvider interface {
	Provider

	// FetchEntries returns usable records matching query. Ranking is left
	// to the caller.
	FetchEntries(ctx context.Context, query string) ([]*Entry, error)
}

// NameProvider resolves folder/organization/collection identifiers to
// display names.
type NameProvider interface {
	FetchNames(ctx context.Context) (map[string]string, error)
}

// TermProvider is implemented by attribute-oriented secret storage.
type TermProvider interface {
	// FetchTerms lists the searchable terms of every reachable item,
	// skipping attributes whose name matches exclude. When unlock is true
	// locked collections are unlocked first.
	FetchTerms(ctx context.Context, exclude []string, unlock bool) (Status, []Term, error)

	// FetchSecret returns the secret of the item at identity.
	FetchSecret(ctx context.Context, identity string) (Status, []byte, error)

	// Lock locks every collection.
	Lock(ctx context.Context) error
}
