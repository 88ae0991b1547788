// Package jwt validates bearer tokens for the authorizer.
//
// Two kinds of token are accepted:
//   - federated tokens, signed by an external identity provider and verified
//     against the provider's published JWKS
//   - internal tokens, signed with a locally configured HMAC secret
//
// The issuer read from the unverified payload selects the path. Federated
// key sets are held in a KeyCache that collapses concurrent refreshes for an
// issuer into a single download and never serves keys from a failed refresh.
//
// Every validation failure matches ErrAuthentication and carries a reason
// that is safe to log and return. Token contents and key material never
// appear in errors.
package jwt
