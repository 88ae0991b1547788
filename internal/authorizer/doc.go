// Package authorizer assembles the authorization pipeline from
// configuration and keeps it current across reloads.
//
// Build resolves secrets, connects the optional Redis key store, and wires
// the key cache, token validator, claims mapper, decision engine,
// classifier, policy builder and handler. Authorizer holds the built
// pipeline behind an atomic pointer. Reload builds a complete replacement
// and swaps it in only when every component was built; the replaced
// pipeline is closed after a drain delay.
package authorizer
