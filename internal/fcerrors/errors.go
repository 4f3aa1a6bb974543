// Package fcerrors groups the sentinel errors raised across the
// coordinator: configuration errors are fatal, framework/plugin
// errors are logged and retried next tick.
package fcerrors

import "errors"

// Configuration errors are fatal: the process exits before the tick
// loop starts.
var (
	ErrConfigFileMissing        = errors.New("config file not found")
	ErrManagedResourcesMissing  = errors.New("managed_resources is required")
	ErrRegisteredFrameworksNone = errors.New("registered_frameworks must list at least one framework")
	ErrFrameworkConfigMissing   = errors.New("frameworks_config entry missing for registered framework")
	ErrPriorityMissing          = errors.New("priority is required for a framework")
	ErrMultipleDefaultFramework = errors.New("at most one default framework may be specified")
	ErrAPIServerPortMissing     = errors.New("port is required for api_server")
	ErrAPIServerIPMissing       = errors.New("ip for api_server is mandatory in cluster mode")
	ErrClusterFieldsMissing     = errors.New("instance_name and etcd are mandatory when cluster is enabled")
	ErrDefaultFrameworkNoBridge = errors.New("default framework does not implement DefaultFrameworkBridge")
)

// Coordination errors surface programmer/invariant violations. They
// are defensive: the caller skips the operation and logs, never
// crashes the tick loop.
var (
	ErrUnknownResource  = errors.New("resource is not managed by this coordinator")
	ErrUnknownFramework = errors.New("framework is not registered")
	ErrResourceRetired  = errors.New("resource is retired")
)

// Plugin/framework errors represent a failed call to an external
// framework API or CLI. Callers treat these as "no observation this
// tick" and retry on the next tick.
var (
	ErrFrameworkUnreachable = errors.New("framework API unreachable")
	ErrMalformedResponse    = errors.New("malformed response from framework")
)

// Cluster membership errors.
var (
	ErrMembershipBackendUnavailable = errors.New("cluster membership backend unavailable")
)
