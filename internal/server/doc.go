// Package server hosts the Fiber HTTP service and the request middleware
// chain in front of the offline cache manager. It resolves every incoming
// request to the absolute URL the page asked for (origin-form requests belong
// to the configured site, absolute-form requests keep their own origin),
// reserves the diagnostics and API prefixes, and hands everything else to a
// ProxyHandler. Keep exports narrow and accept explicit dependencies.
package server
