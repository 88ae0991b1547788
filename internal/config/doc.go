// Package config loads the authorizer configuration.
//
// Configuration is a YAML file. ${VAR} and ${VAR:-default} references are
// replaced with environment values before decoding, unknown keys are
// rejected, defaults are applied, and the result is validated. Every
// validation problem is reported as a *ConfigurationError.
//
//	identity:
//	  audience: ${AZURE_CLIENT_ID}
//	  tenantId: ${AZURE_TENANT_ID}
//	  internal:
//	    secretRef: {provider: vault, mount: secret, name: authorizer, key: jwt}
//	access:
//	  mnpi:
//	    defaultClassification: internal
//
// Watcher reloads the file on change so a new authorizer snapshot can be
// swapped in without a restart.
package config
