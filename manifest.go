package loom

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// CoreVersion is the kernel version modules declare compatibility against.
const CoreVersion = "1.0.0"

// ManifestTool is one tool a module ships.
type ManifestTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	Source      string          `json:"source,omitempty"`
}

// ModuleManifest declares a module: its identity, the core versions it
// supports, the capabilities its agents need, the tools it ships, and
// the permissions those tools require. Unknown manifest keys are
// rejected at parse time.
type ModuleManifest struct {
	ID                   string         `json:"id"`
	Name                 string         `json:"name"`
	Version              string         `json:"version"`
	MinCoreVersion       string         `json:"minCoreVersion"`
	MaxCoreVersion       string         `json:"maxCoreVersion"`
	RequiredCapabilities []string       `json:"requiredCapabilities,omitempty"`
	Tools                []ManifestTool `json:"tools,omitempty"`
	Permissions          []Permission   `json:"permissions,omitempty"`
	Signature            string         `json:"signature,omitempty"`
}

// ParseManifest decodes a manifest, rejecting unknown keys.
func ParseManifest(raw []byte) (ModuleManifest, error) {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	var m ModuleManifest
	if err := dec.Decode(&m); err != nil {
		return ModuleManifest{}, &ValidationError{Field: "manifest", Message: err.Error()}
	}
	return m, nil
}

// parseVersion splits a semver string into numeric components. A
// trailing ".x" (and any "x" component) expands to 999 so "1.2.x"
// accepts every 1.2 patch release.
func parseVersion(s string) ([3]int, error) {
	var out [3]int
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) < 1 || len(parts) > 3 {
		return out, fmt.Errorf("malformed version %q", s)
	}
	for i := 0; i < 3; i++ {
		if i >= len(parts) || parts[i] == "x" || parts[i] == "X" {
			out[i] = 999
			continue
		}
		n, err := strconv.Atoi(parts[i])
		if err != nil || n < 0 {
			return out, fmt.Errorf("malformed version %q", s)
		}
		out[i] = n
	}
	return out, nil
}

// CompareVersions returns -1, 0, or 1 as a is below, equal to, or above b.
func CompareVersions(a, b string) (int, error) {
	va, err := parseVersion(a)
	if err != nil {
		return 0, err
	}
	vb, err := parseVersion(b)
	if err != nil {
		return 0, err
	}
	for i := 0; i < 3; i++ {
		if va[i] < vb[i] {
			return -1, nil
		}
		if va[i] > vb[i] {
			return 1, nil
		}
	}
	return 0, nil
}

// CheckCompatibility verifies minCoreVersion <= core <= maxCoreVersion.
func CheckCompatibility(m ModuleManifest, core string) error {
	incompatible := func() error {
		return &ModuleVersionIncompatibleError{
			ModuleID:    m.ID,
			CoreVersion: core,
			MinVersion:  m.MinCoreVersion,
			MaxVersion:  m.MaxCoreVersion,
		}
	}
	if m.MinCoreVersion != "" {
		cmp, err := CompareVersions(core, m.MinCoreVersion)
		if err != nil || cmp < 0 {
			return incompatible()
		}
	}
	if m.MaxCoreVersion != "" {
		cmp, err := CompareVersions(core, m.MaxCoreVersion)
		if err != nil || cmp > 0 {
			return incompatible()
		}
	}
	return nil
}

// signingPayload is the canonical byte string a manifest signature
// covers: every field except the signature itself, in declaration order.
func signingPayload(m ModuleManifest) []byte {
	unsigned := m
	unsigned.Signature = ""
	raw, _ := json.Marshal(unsigned)
	return raw
}

// SignManifest produces the hex signature for a manifest. Used by
// module build tooling and tests.
func SignManifest(m ModuleManifest, key ed25519.PrivateKey) string {
	return hex.EncodeToString(ed25519.Sign(key, signingPayload(m)))
}

// VerifyManifestSignature checks the manifest's ed25519 signature.
func VerifyManifestSignature(m ModuleManifest, pub ed25519.PublicKey) error {
	if m.Signature == "" {
		return &SignatureVerificationFailedError{ModuleID: m.ID, Reason: "manifest is unsigned"}
	}
	sig, err := hex.DecodeString(m.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return &SignatureVerificationFailedError{ModuleID: m.ID, Reason: "malformed signature"}
	}
	if !ed25519.Verify(pub, signingPayload(m), sig) {
		return &SignatureVerificationFailedError{ModuleID: m.ID, Reason: "signature does not verify"}
	}
	return nil
}

// ModuleRegistry installs module manifests: it validates them, checks
// core compatibility and (when a verify key is configured) the
// signature, then grants the declared permissions and registers the
// declared tools. Uninstalling reverses all of it.
type ModuleRegistry struct {
	mu          sync.RWMutex
	modules     map[string]ModuleManifest
	permissions *PermissionEngine
	tools       *ToolRegistry
	verifyKey   ed25519.PublicKey
	core        string
}

// ModuleRegistryOption configures a ModuleRegistry.
type ModuleRegistryOption func(*ModuleRegistry)

// WithVerifyKey makes installation require a valid manifest signature.
func WithVerifyKey(pub ed25519.PublicKey) ModuleRegistryOption {
	return func(r *ModuleRegistry) { r.verifyKey = pub }
}

// WithCoreVersion overrides the version compatibility checks run
// against. Meant for tests.
func WithCoreVersion(v string) ModuleRegistryOption {
	return func(r *ModuleRegistry) { r.core = v }
}

// NewModuleRegistry creates a registry over the permission engine and
// tool registry.
func NewModuleRegistry(permissions *PermissionEngine, tools *ToolRegistry, opts ...ModuleRegistryOption) *ModuleRegistry {
	r := &ModuleRegistry{
		modules:     make(map[string]ModuleManifest),
		permissions: permissions,
		tools:       tools,
		core:        CoreVersion,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Install validates and admits a module. On any failure nothing is
// granted or registered.
func (r *ModuleRegistry) Install(m ModuleManifest) error {
	if strings.TrimSpace(m.ID) == "" {
		return &ValidationError{Field: "id", Message: "module id must not be empty"}
	}
	if _, err := parseVersion(m.Version); err != nil {
		return &ValidationError{Field: "version", Message: err.Error()}
	}
	for _, perm := range m.Permissions {
		if !ValidPermission(perm) {
			return &ValidationError{Field: "permissions", Message: "unknown permission " + string(perm)}
		}
	}
	if err := CheckCompatibility(m, r.core); err != nil {
		return err
	}
	if r.verifyKey != nil {
		if err := VerifyManifestSignature(m, r.verifyKey); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.modules[m.ID]; dup {
		return &ValidationError{Field: "id", Message: fmt.Sprintf("module %q already installed", m.ID)}
	}

	if err := r.permissions.Grant(m.ID, m.Permissions); err != nil {
		return &ModuleInstallFailedError{ModuleID: m.ID, Reason: err.Error()}
	}

	registered := make([]string, 0, len(m.Tools))
	for _, t := range m.Tools {
		def := ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			ModuleID:    m.ID,
			Permission:  PermToolExecute,
			InputSchema: t.InputSchema,
			Source:      t.Source,
		}
		if err := r.tools.Register(def, nil); err != nil {
			for _, name := range registered {
				r.tools.Unregister(name)
			}
			r.permissions.Revoke(m.ID)
			return &ModuleInstallFailedError{ModuleID: m.ID, Reason: err.Error()}
		}
		registered = append(registered, t.Name)
	}

	r.modules[m.ID] = m
	return nil
}

// Uninstall removes a module, revoking its permissions and tools.
func (r *ModuleRegistry) Uninstall(moduleID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.modules[moduleID]; !ok {
		return &ModuleNotFoundError{ModuleID: moduleID}
	}
	delete(r.modules, moduleID)
	r.permissions.Revoke(moduleID)
	r.tools.UnregisterModule(moduleID)
	return nil
}

// Get returns an installed module's manifest.
func (r *ModuleRegistry) Get(moduleID string) (ModuleManifest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[moduleID]
	if !ok {
		return ModuleManifest{}, &ModuleNotFoundError{ModuleID: moduleID}
	}
	return m, nil
}

// List returns every installed manifest.
func (r *ModuleRegistry) List() []ModuleManifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ModuleManifest, 0, len(r.modules))
	for _, m := range r.modules {
		out = append(out, m)
	}
	return out
}
