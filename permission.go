package loom

import (
	"strings"
	"sync"
)

// Permission is the closed, module-scoped authorization enum. Modules
// hold permissions; agents hold capabilities. Both must pass when a
// module-owned tool runs inside an agent.
type Permission string

const (
	PermAiGenerate         Permission = "AiGenerate"
	PermAiStream           Permission = "AiStream"
	PermStorageRead        Permission = "StorageRead"
	PermStorageWrite       Permission = "StorageWrite"
	PermNetworkFetch       Permission = "NetworkFetch"
	PermMemoryRead         Permission = "MemoryRead"
	PermMemoryWrite        Permission = "MemoryWrite"
	PermMemorySharedWrite  Permission = "MemorySharedWrite"
	PermComputerScreenshot Permission = "ComputerScreenshot"
	PermComputerInput      Permission = "ComputerInput"
	PermComputerClipboard  Permission = "ComputerClipboard"
	PermComputerShell      Permission = "ComputerShell"
	PermComputerFiles      Permission = "ComputerFiles"
	PermUiNotify           Permission = "UiNotify"
	PermUiDashboard        Permission = "UiDashboard"
	PermToolExecute        Permission = "ToolExecute"
	PermAgentCall          Permission = "AgentCall"
	PermFilesystem         Permission = "Filesystem"
)

// allPermissions indexes the closed enum for validation.
var allPermissions = map[Permission]struct{}{
	PermAiGenerate: {}, PermAiStream: {}, PermStorageRead: {}, PermStorageWrite: {},
	PermNetworkFetch: {}, PermMemoryRead: {}, PermMemoryWrite: {}, PermMemorySharedWrite: {},
	PermComputerScreenshot: {}, PermComputerInput: {}, PermComputerClipboard: {},
	PermComputerShell: {}, PermComputerFiles: {}, PermUiNotify: {}, PermUiDashboard: {},
	PermToolExecute: {}, PermAgentCall: {}, PermFilesystem: {},
}

// ValidPermission reports whether p belongs to the closed enum.
func ValidPermission(p Permission) bool {
	_, ok := allPermissions[p]
	return ok
}

// PermissionEngine tracks which permissions each module holds. Modules
// are isolated: a grant to one module never affects another. The engine
// never prompts; prompt decisions belong to the policy engine.
type PermissionEngine struct {
	mu      sync.RWMutex
	modules map[string]map[Permission]struct{}
}

// NewPermissionEngine creates an empty permission engine.
func NewPermissionEngine() *PermissionEngine {
	return &PermissionEngine{modules: make(map[string]map[Permission]struct{})}
}

// Grant accumulates perms onto moduleID's set. An empty or whitespace
// module ID is rejected; an empty perms list is a no-op. Permissions
// outside the closed enum are rejected.
func (p *PermissionEngine) Grant(moduleID string, perms []Permission) error {
	if strings.TrimSpace(moduleID) == "" {
		return &ValidationError{Field: "moduleId", Message: "must not be empty"}
	}
	if len(perms) == 0 {
		return nil
	}
	for _, perm := range perms {
		if !ValidPermission(perm) {
			return &ValidationError{Field: "permissions", Message: "unknown permission " + string(perm)}
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	set := p.modules[moduleID]
	if set == nil {
		set = make(map[Permission]struct{}, len(perms))
		p.modules[moduleID] = set
	}
	for _, perm := range perms {
		set[perm] = struct{}{}
	}
	return nil
}

// Revoke removes every permission held by moduleID.
func (p *PermissionEngine) Revoke(moduleID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.modules, moduleID)
}

// RevokePermission removes a single permission from moduleID.
func (p *PermissionEngine) RevokePermission(moduleID string, perm Permission) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if set, ok := p.modules[moduleID]; ok {
		delete(set, perm)
		if len(set) == 0 {
			delete(p.modules, moduleID)
		}
	}
}

// Check returns a PermissionDeniedError when moduleID does not hold perm.
func (p *PermissionEngine) Check(moduleID string, perm Permission) error {
	if !p.HasPermission(moduleID, perm) {
		return &PermissionDeniedError{Subject: moduleID, Action: string(perm)}
	}
	return nil
}

// HasPermission reports whether moduleID holds perm. O(1).
func (p *PermissionEngine) HasPermission(moduleID string, perm Permission) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	set, ok := p.modules[moduleID]
	if !ok {
		return false
	}
	_, held := set[perm]
	return held
}

// ModulePermissions returns a copy of moduleID's permission set.
func (p *PermissionEngine) ModulePermissions(moduleID string) []Permission {
	p.mu.RLock()
	defer p.mu.RUnlock()
	set, ok := p.modules[moduleID]
	if !ok {
		return nil
	}
	perms := make([]Permission, 0, len(set))
	for perm := range set {
		perms = append(perms, perm)
	}
	return perms
}

// Reset clears all grants. Meant for tests and runtime teardown.
func (p *PermissionEngine) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.modules = make(map[string]map[Permission]struct{})
}
