// Package authz decides whether an authenticated caller may exercise a
// permission on a resource.
//
// Three models are combined and always evaluated in the same order:
//   - RBAC: the union of the permissions granted by the caller's roles
//   - ABAC: ownership and department checks, then optional CEL restrictions
//   - MNPI: the resource's sensitivity tier must be matched by the
//     corresponding access_mnpi_* permission
//
// MNPI tiers are granted independently. Holding access_mnpi_restricted does
// not imply access_mnpi_confidential or access_mnpi_internal.
//
// # Usage
//
//	engine, err := authz.NewEngine(authz.DefaultRegistry(), authz.DefaultEngineConfig(),
//	    authz.WithEngineLogger(logger),
//	)
//	decision, err := engine.Check(ctx, authz.CheckRequest{
//	    Access:     accessCtx,
//	    Permission: authz.ReadDeals,
//	    Resource:   resourceCtx,
//	    Target:     methodARN,
//	})
//
// A Deny is a normal Decision. Check returns an error only when an attribute
// restriction cannot be evaluated.
package authz
