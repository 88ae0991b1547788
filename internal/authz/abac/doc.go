// Package abac evaluates attribute restrictions written in CEL.
//
// Each rule is a boolean expression over subject, resource and request maps
// plus the requested permission and the current time. The first rule that
// evaluates to true denies the request:
//
//	- name: office-network-only
//	  expression: 'resource.type == "deal" && !ip_in_range(request.ip_address, "10.0.0.0/8")'
//	  reason: deal access requires the office network
package abac
