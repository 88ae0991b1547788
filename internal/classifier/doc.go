// Package classifier maps an inbound request onto the business resource it
// targets and the permission it requires.
//
// Resource types come from substring matches on the path, resource ids from
// a path-segment heuristic, and the MNPI tier from a request header. The
// heuristics are deliberately simple and are not a routing contract.
package classifier
