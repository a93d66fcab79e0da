// Package offline implements the offline cache manager of a site: the worker
// lifecycle (install precaches a fixed manifest, activate sweeps every cache
// generation but the current one) and per-request routing between a
// network-first strategy for HTML navigations and a cache-first strategy for
// static assets. Cross-origin requests are never intercepted.
//
// The durable cache is injected as a cache.Storage and the network as a
// Fetcher, so the whole lifecycle runs against in-memory fakes in tests.
package offline
