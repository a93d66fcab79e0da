// Package cache defines the named-bucket response store used by the offline
// cache manager. A Storage holds buckets by name (one per cache generation) and
// each Bucket maps request identity (absolute URL without fragment, plus the
// request headers named by the stored response's Vary) to a buffered response.
// Entries are overwritten, never patched. Backends share the same semantics:
// disk (temp file + rename), in-memory, sqlite and redis, so higher layers can
// swap them through configuration without behavioral drift.
package cache
