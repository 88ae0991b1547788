// Package policy renders access decisions as the IAM-style policy documents
// API gateways expect from a request authorizer.
//
//	{
//	  "principalId": "user-1",
//	  "policyDocument": {
//	    "Version": "2012-10-17",
//	    "Statement": [{"Action": "execute-api:Invoke", "Effect": "Allow", "Resource": "arn:..."}]
//	  },
//	  "context": {"user": {...}, "request": {...}, "resource": {...}}
//	}
//
// The serialized context is capped, 4096 bytes by default.
package policy
