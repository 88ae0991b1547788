// Package server exposes the authorizer over HTTP with gin.
//
// Routes:
//
//	POST /v1/authorize  API gateway authorizer event in, policy document out
//	ANY  /v1/check      forward-auth: 200, 401 or 403 for the request named
//	                    by X-Forwarded-Method and X-Forwarded-Uri
//	GET  /healthz       liveness
//	GET  /readyz        Redis and Vault reachability
//	GET  /metrics       Prometheus exposition
//
// Authentication failures answer 401 with {"message":"Unauthorized"}, the
// body API gateways expect from a custom authorizer.
package server
