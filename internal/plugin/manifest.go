// Package plugin implements Meltforge's plugin runtime: manifest
// validation, discovery and loading of untrusted plugin packages,
// capability admission and per-invocation authorization, and the
// out-of-process invocation contract.
//
// Plugins are external executables. Each lives in its own directory
// under the plugin root and declares itself via a plugin.json manifest
// which is read and validated before any plugin code runs.
package plugin

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
	"github.com/go-playground/validator/v10"

	"github.com/meltforge/meltforge/internal/format"
)

// ManifestFilename is the manifest file every plugin package must expose.
const ManifestFilename = "plugin.json"

// Capability is a named permission a plugin must declare in its manifest
// and be granted at admission before the corresponding operation is
// allowed at invocation time.
type Capability string

// The capability vocabulary is closed and versioned with the host API:
// manifests declaring tags outside this set are rejected, never silently
// ignored.
const (
	CapFilesystemRead  Capability = "fs-read"
	CapFilesystemWrite Capability = "fs-write"
	CapNetwork         Capability = "net"
	CapSubprocess      Capability = "exec"
)

var knownCapabilities = map[Capability]struct{}{
	CapFilesystemRead:  {},
	CapFilesystemWrite: {},
	CapNetwork:         {},
	CapSubprocess:      {},
}

// Manifest validation failure sentinels. Returned wrapped in a
// ManifestError carrying the offending field.
var (
	ErrMissingField      = errors.New("required manifest field missing")
	ErrUnparsableVersion = errors.New("manifest version is not a valid semantic version")
	ErrUnknownCapability = errors.New("manifest declares a capability outside the known vocabulary")
	ErrEmptyFormatSet    = errors.New("manifest declares no format conversions")
	ErrUnknownFormatKind = errors.New("manifest declares an unrecognized format kind")
)

// ManifestError describes why a manifest failed validation.
type ManifestError struct {
	Field string
	Value string
	Err   error
}

func (e *ManifestError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("manifest field %q (%s): %s", e.Field, e.Value, e.Err)
	}
	return fmt.Sprintf("manifest field %q: %s", e.Field, e.Err)
}

func (e *ManifestError) Unwrap() error { return e.Err }

type (
	// FormatDecl is one (input, output) conversion pair as declared in a
	// manifest. The identifiers are canonicalized against the core's
	// format vocabulary during validation.
	FormatDecl struct {
		Input  string `json:"input" validate:"required"`
		Output string `json:"output" validate:"required"`
	}

	// Manifest represents the plugin.json manifest file.
	Manifest struct {
		Name    string `json:"name" validate:"required"`
		Version string `json:"version" validate:"required"`

		// APIVersion is the plugin runtime API version this plugin was
		// built against. Empty means "any" (checked at admission).
		APIVersion string `json:"api_version,omitempty"`

		Capabilities []Capability `json:"capabilities,omitempty"`
		Formats      []FormatDecl `json:"formats" validate:"required,min=1,dive"`

		// Entrypoint is the executable within the plugin directory that
		// speaks the invocation contract on stdin/stdout.
		Entrypoint string `json:"entrypoint" validate:"required"`

		// Digest optionally pins the entrypoint binary to a BLAKE3 hex
		// digest; when present (or when host policy requires it) the
		// loader refuses entrypoints that do not match.
		Digest string `json:"digest,omitempty"`
	}
)

var validate = validator.New()

// Validate checks the manifest against the core's schema: required fields
// present, version parseable, capability tags within the known vocabulary,
// and a non-empty format set using recognized canonical kind identifiers.
func (m *Manifest) Validate() error {
	if err := validate.Struct(m); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			field := verrs[0].Field()
			// A nil Formats slice trips "required" and an empty one trips
			// "min"; both mean the manifest declares no conversions.
			if field == "Formats" {
				return &ManifestError{Field: "formats", Err: ErrEmptyFormatSet}
			}
			return &ManifestError{Field: field, Err: ErrMissingField}
		}
		return err
	}

	if _, err := semver.NewVersion(m.Version); err != nil {
		return &ManifestError{Field: "version", Value: m.Version, Err: ErrUnparsableVersion}
	}

	if m.APIVersion != "" {
		if _, err := semver.NewVersion(m.APIVersion); err != nil {
			return &ManifestError{Field: "api_version", Value: m.APIVersion, Err: ErrUnparsableVersion}
		}
	}

	for _, capability := range m.Capabilities {
		if _, ok := knownCapabilities[capability]; !ok {
			return &ManifestError{Field: "capabilities", Value: string(capability), Err: ErrUnknownCapability}
		}
	}

	for _, decl := range m.Formats {
		if _, err := format.ParseKind(decl.Input); err != nil {
			return &ManifestError{Field: "formats", Value: decl.Input, Err: ErrUnknownFormatKind}
		}
		if _, err := format.ParseKind(decl.Output); err != nil {
			return &ManifestError{Field: "formats", Value: decl.Output, Err: ErrUnknownFormatKind}
		}
	}

	return nil
}

// SemVer returns the parsed plugin version. Only valid after Validate has
// succeeded.
func (m *Manifest) SemVer() *semver.Version {
	v, _ := semver.NewVersion(m.Version)
	return v
}

// Pairs returns the manifest's declared conversions canonicalized to core
// kinds, in declaration order. Only valid after Validate has succeeded.
func (m *Manifest) Pairs() []format.Pair {
	pairs := make([]format.Pair, 0, len(m.Formats))
	for _, decl := range m.Formats {
		input, _ := format.ParseKind(decl.Input)
		output, _ := format.ParseKind(decl.Output)
		pairs = append(pairs, format.Pair{Input: input, Output: output})
	}

	return pairs
}

// CapabilityNames returns the declared capabilities as plain strings,
// for display.
func (m *Manifest) CapabilityNames() []string {
	names := make([]string, 0, len(m.Capabilities))
	for _, c := range m.Capabilities {
		names = append(names, string(c))
	}
	return names
}

// HasCapability reports whether the manifest declares the capability.
func (m *Manifest) HasCapability(capability Capability) bool {
	for _, c := range m.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// ParseManifest reads and validates a plugin.json file.
func ParseManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest JSON: %w", err)
	}

	if err := manifest.Validate(); err != nil {
		return nil, err
	}

	return &manifest, nil
}
