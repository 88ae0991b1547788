// Package handler turns gateway authorization requests into policy
// documents.
//
// A request moves through fixed stages:
//
//	extract token -> validate token -> build access context
//	  -> classify resource -> decide -> build policy document
//
// A missing or invalid token ends the request with an error matching
// jwt.ErrAuthentication, which transports report as 401. Every later
// failure, including panics, ends in a Deny document whose context carries
// a reason safe to show downstream.
package handler
