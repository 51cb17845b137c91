package plugin

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/meltforge/meltforge/pkg/logger"
)

// HostAPIVersion is the plugin runtime API version this host implements.
// Plugins declaring an api_version the host cannot satisfy are refused at
// admission.
const HostAPIVersion = "1.0.0"

var policyLog = logger.Get("Policy")

// Admission failure sentinels, returned wrapped in an AdmissionError.
var (
	ErrCapabilityDenied        = errors.New("capability denied by host policy")
	ErrAPIVersionUnsupported   = errors.New("plugin API version unsupported by host")
	ErrCapabilityNotGranted    = errors.New("capability not granted")
	ErrUnknownPluginAuthorized = errors.New("authorization requested for unknown plugin")
)

type (
	// Policy is the host's deployment policy for plugin admission. It is
	// typically loaded from a YAML file alongside the engine config.
	Policy struct {
		// DeniedCapabilities lists capability tags the host refuses
		// outright; a manifest declaring any of them is not admitted.
		DeniedCapabilities []Capability `yaml:"denied_capabilities"`

		// RequireDigest refuses plugins whose manifest does not pin the
		// entrypoint binary to a digest.
		RequireDigest bool `yaml:"require_digest"`

		// APIVersions is a semver constraint over plugin api_version
		// declarations (e.g. ">=1.0.0 <2.0.0"). Empty means any version
		// up to and including the host's own.
		APIVersions string `yaml:"api_versions"`
	}

	// AdmissionError describes why a manifest was refused at load time.
	AdmissionError struct {
		Plugin     string
		Capability Capability
		Err        error
	}

	// AuthorizationError describes a per-invocation capability refusal.
	AuthorizationError struct {
		Plugin     string
		Operation  Operation
		Capability Capability
		Err        error
	}

	// Operation names something a plugin invocation is about to be
	// permitted to do. Each operation maps to exactly one capability tag
	// which must have been granted at admission.
	Operation string

	// Enforcer gates what an admitted plugin may do. Admission is the
	// coarse load-time gate; Authorize is the fine-grained per-call gate
	// checked at the boundary of every capability-mapped operation. Both
	// exist because a plugin may declare narrow capabilities yet attempt
	// broader operations at runtime.
	Enforcer struct {
		mu         sync.RWMutex
		policy     Policy
		constraint *semver.Constraints
		granted    map[string]map[Capability]struct{}
	}
)

const (
	OpReadSource  Operation = "read-source"
	OpWriteOutput Operation = "write-output"
	OpNetwork     Operation = "network"
	OpSubprocess  Operation = "subprocess"
)

// capabilityForOp maps invocation-boundary operations to the capability
// tag that must back them.
var capabilityForOp = map[Operation]Capability{
	OpReadSource:  CapFilesystemRead,
	OpWriteOutput: CapFilesystemWrite,
	OpNetwork:     CapNetwork,
	OpSubprocess:  CapSubprocess,
}

func (e *AdmissionError) Error() string {
	if e.Capability != "" {
		return fmt.Sprintf("plugin %q not admitted: capability %q: %s", e.Plugin, e.Capability, e.Err)
	}
	return fmt.Sprintf("plugin %q not admitted: %s", e.Plugin, e.Err)
}

func (e *AdmissionError) Unwrap() error { return e.Err }

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("plugin %q not authorized for %s (requires %q): %s", e.Plugin, e.Operation, e.Capability, e.Err)
}

func (e *AuthorizationError) Unwrap() error { return e.Err }

// DefaultPolicy permits every capability in the vocabulary and any plugin
// API version the host itself can satisfy.
func DefaultPolicy() Policy {
	return Policy{}
}

// LoadPolicy reads a Policy from a YAML document on disk.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to read policy file: %w", err)
	}

	var policy Policy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return Policy{}, fmt.Errorf("failed to parse policy file %s: %w", path, err)
	}

	for _, capability := range policy.DeniedCapabilities {
		if _, ok := knownCapabilities[capability]; !ok {
			return Policy{}, fmt.Errorf("policy denies unknown capability %q", capability)
		}
	}

	return policy, nil
}

// NewEnforcer creates an Enforcer for the policy provided. The policy's
// API version constraint is parsed eagerly so a malformed policy fails
// here (fatal config error) rather than at first admission.
func NewEnforcer(policy Policy) (*Enforcer, error) {
	enforcer := &Enforcer{
		policy:  policy,
		granted: make(map[string]map[Capability]struct{}),
	}

	if policy.APIVersions != "" {
		constraint, err := semver.NewConstraint(policy.APIVersions)
		if err != nil {
			return nil, fmt.Errorf("malformed api_versions constraint %q: %w", policy.APIVersions, err)
		}
		enforcer.constraint = constraint
	}

	return enforcer, nil
}

// Admit decides whether the host policy allows a validated manifest to be
// loaded at all. It does not grant anything; Grant records the admitted
// capability set once the plugin has actually loaded.
func (e *Enforcer) Admit(manifest *Manifest) error {
	for _, denied := range e.policy.DeniedCapabilities {
		if manifest.HasCapability(denied) {
			return &AdmissionError{Plugin: manifest.Name, Capability: denied, Err: ErrCapabilityDenied}
		}
	}

	if e.policy.RequireDigest && manifest.Digest == "" {
		return &AdmissionError{Plugin: manifest.Name, Err: errors.New("policy requires a pinned entrypoint digest")}
	}

	if manifest.APIVersion != "" {
		declared := semver.MustParse(manifest.APIVersion)
		if e.constraint != nil {
			if !e.constraint.Check(declared) {
				return &AdmissionError{Plugin: manifest.Name, Err: ErrAPIVersionUnsupported}
			}
		} else {
			// Without an explicit constraint the host accepts plugins
			// built against its own major version, no newer than itself.
			host := semver.MustParse(HostAPIVersion)
			if declared.Major() != host.Major() || declared.GreaterThan(host) {
				return &AdmissionError{Plugin: manifest.Name, Err: ErrAPIVersionUnsupported}
			}
		}
	}

	return nil
}

// Grant records the admitted capability set for a loaded plugin.
// Authorization checks consult this set, not the raw manifest, so a
// manifest re-read after load cannot widen a plugin's permissions.
func (e *Enforcer) Grant(name string, capabilities []Capability) {
	set := make(map[Capability]struct{}, len(capabilities))
	for _, capability := range capabilities {
		set[capability] = struct{}{}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.granted[name] = set
	policyLog.Emit(logger.DEBUG, "Granted %v to plugin %q\n", capabilities, name)
}

// Revoke drops a plugin's granted set; used on unload.
func (e *Enforcer) Revoke(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.granted, name)
}

// Authorize is called by the job executor immediately before any
// operation a plugin performs that maps to a capability tag. A plugin
// admitted for fs-read must not be able to perform fs-write even if it
// attempts to, so enforcement happens here, per call, not only at load.
func (e *Enforcer) Authorize(name string, op Operation) error {
	capability, ok := capabilityForOp[op]
	if !ok {
		return fmt.Errorf("unknown operation %q", op)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	set, ok := e.granted[name]
	if !ok {
		return &AuthorizationError{Plugin: name, Operation: op, Capability: capability, Err: ErrUnknownPluginAuthorized}
	}

	if _, ok := set[capability]; !ok {
		return &AuthorizationError{Plugin: name, Operation: op, Capability: capability, Err: ErrCapabilityNotGranted}
	}

	return nil
}
