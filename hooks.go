package mutacache

// Hooks are callbacks for high-signal events (metrics, sampled logs).
// Implementations MUST be cheap and non-blocking; they run on the store's
// and engine's hot paths. Wrap slow sinks with hooks/async.
type Hooks interface {
	// A mutation invocation committed authoritative data.
	MutationCommitted(entity, operation string, attempts int)

	// A mutation attempt failed and its snapshots were restored.
	// retrying reports whether another attempt follows.
	MutationRolledBack(entity, operation string, category Category, retrying bool)

	// A read resolved after its entry was cancelled; the result was dropped.
	StaleReadDiscarded(storageKey string)

	// The store dropped an entry. reason ∈ {"gc", "corrupt", "provider_miss", "provider_reject"}.
	EntryEvicted(storageKey, reason string)

	// A value provider call failed. op ∈ {"get", "set", "del", "gen"}.
	ProviderError(op, storageKey string, err error)

	// Publishing a broadcast failed; the failure was swallowed.
	BroadcastFailed(channel string, err error)

	// An incoming broadcast was ignored.
	// reason ∈ {"decode", "entity_mismatch", "scope_mismatch"}.
	BroadcastRejected(channel, reason string)
}

// NopHooks is the default no-op.
type NopHooks struct{}

func (NopHooks) MutationCommitted(string, string, int)             {}
func (NopHooks) MutationRolledBack(string, string, Category, bool) {}
func (NopHooks) StaleReadDiscarded(string)                         {}
func (NopHooks) EntryEvicted(string, string)                       {}
func (NopHooks) ProviderError(string, string, error)               {}
func (NopHooks) BroadcastFailed(string, error)                     {}
func (NopHooks) BroadcastRejected(string, string)                  {}
