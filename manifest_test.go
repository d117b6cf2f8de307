package loom

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
)

func testManifest(id string) ModuleManifest {
	return ModuleManifest{
		ID:             id,
		Name:           "Test Module",
		Version:        "1.0.0",
		MinCoreVersion: "1.0.0",
		MaxCoreVersion: "1.x",
		Permissions:    []Permission{PermToolExecute},
		Tools: []ManifestTool{
			{Name: id + ".hello", Description: "says hello", Source: "set_result('hi')"},
		},
	}
}

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte(`{"id":"m1","name":"M","version":"1.2.3"}`))
	if err != nil {
		t.Fatal(err)
	}
	if m.ID != "m1" || m.Version != "1.2.3" {
		t.Errorf("got %+v", m)
	}

	if _, err := ParseManifest([]byte(`{"id":"m1","surprise":true}`)); err == nil {
		t.Error("unknown key should be rejected")
	}
	if _, err := ParseManifest([]byte(`not json`)); err == nil {
		t.Error("malformed JSON should be rejected")
	}
}

func TestCompareVersions(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"1.0.0", "1.0.0", 0},
		{"1.0.0", "1.0.1", -1},
		{"2.0.0", "1.9.9", 1},
		{"1.2", "1.2.0", 0},
		{"1.0.0", "1.x", -1},
		{"1.999.999", "1.x", 0},
	}
	for _, c := range cases {
		got, err := CompareVersions(c.a, c.b)
		if err != nil {
			t.Errorf("CompareVersions(%q, %q): %v", c.a, c.b, err)
			continue
		}
		if got != c.want {
			t.Errorf("CompareVersions(%q, %q) = %d, want %d", c.a, c.b, got, c.want)
		}
	}

	if _, err := CompareVersions("1.0.0", "one.two"); err == nil {
		t.Error("malformed version should fail")
	}
}

func TestCheckCompatibility(t *testing.T) {
	cases := []struct {
		min, max, core string
		ok             bool
	}{
		{"1.0.0", "1.x", "1.0.0", true},
		{"1.0.0", "1.x", "1.5.2", true},
		{"1.0.0", "1.x", "2.0.0", false},
		{"1.2.0", "", "1.1.0", false},
		{"", "", "9.9.9", true},
	}
	for _, c := range cases {
		m := ModuleManifest{ID: "m1", MinCoreVersion: c.min, MaxCoreVersion: c.max}
		err := CheckCompatibility(m, c.core)
		if c.ok && err != nil {
			t.Errorf("min=%q max=%q core=%q: unexpected %v", c.min, c.max, c.core, err)
		}
		if !c.ok {
			var ierr *ModuleVersionIncompatibleError
			if !errors.As(err, &ierr) {
				t.Errorf("min=%q max=%q core=%q: got %v, want incompatibility", c.min, c.max, c.core, err)
			}
		}
	}
}

func TestManifestSignatureRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	m := testManifest("m1")
	m.Signature = SignManifest(m, priv)
	if err := VerifyManifestSignature(m, pub); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}

	tampered := m
	tampered.Version = "6.6.6"
	var serr *SignatureVerificationFailedError
	if err := VerifyManifestSignature(tampered, pub); !errors.As(err, &serr) {
		t.Errorf("tampered manifest verified: %v", err)
	}

	unsigned := testManifest("m1")
	if err := VerifyManifestSignature(unsigned, pub); !errors.As(err, &serr) {
		t.Errorf("unsigned manifest verified: %v", err)
	}

	garbled := m
	garbled.Signature = "zz-not-hex"
	if err := VerifyManifestSignature(garbled, pub); !errors.As(err, &serr) {
		t.Errorf("garbled signature verified: %v", err)
	}
}

func TestModuleInstall(t *testing.T) {
	perms := NewPermissionEngine()
	tools := NewToolRegistry()
	reg := NewModuleRegistry(perms, tools)

	m := testManifest("m1")
	if err := reg.Install(m); err != nil {
		t.Fatal(err)
	}

	if !tools.Has("m1.hello") {
		t.Error("manifest tool not registered")
	}
	if !perms.HasPermission("m1", PermToolExecute) {
		t.Error("manifest permission not granted")
	}
	if _, err := reg.Get("m1"); err != nil {
		t.Errorf("installed module not found: %v", err)
	}
	if err := reg.Install(m); err == nil {
		t.Error("duplicate install should fail")
	}
}

func TestModuleInstallValidation(t *testing.T) {
	reg := NewModuleRegistry(NewPermissionEngine(), NewToolRegistry())

	m := testManifest("")
	if err := reg.Install(m); err == nil {
		t.Error("blank id should fail")
	}

	m = testManifest("m1")
	m.Version = "abc"
	if err := reg.Install(m); err == nil {
		t.Error("malformed version should fail")
	}

	m = testManifest("m1")
	m.Permissions = []Permission{Permission("Bogus")}
	if err := reg.Install(m); err == nil {
		t.Error("unknown permission should fail")
	}

	m = testManifest("m1")
	m.MinCoreVersion = "9.0.0"
	var ierr *ModuleVersionIncompatibleError
	if err := reg.Install(m); !errors.As(err, &ierr) {
		t.Errorf("incompatible module installed: %v", err)
	}
}

func TestModuleInstallRequiresSignatureWithVerifyKey(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	reg := NewModuleRegistry(NewPermissionEngine(), NewToolRegistry(), WithVerifyKey(pub))

	m := testManifest("m1")
	var serr *SignatureVerificationFailedError
	if err := reg.Install(m); !errors.As(err, &serr) {
		t.Fatalf("unsigned module installed: %v", err)
	}

	m.Signature = SignManifest(m, priv)
	if err := reg.Install(m); err != nil {
		t.Fatalf("signed module rejected: %v", err)
	}
}

func TestModuleInstallRollsBackOnToolConflict(t *testing.T) {
	perms := NewPermissionEngine()
	tools := NewToolRegistry()
	reg := NewModuleRegistry(perms, tools)

	// Occupy the name of the module's second tool so registration fails
	// partway through.
	if err := tools.Register(ToolDefinition{Name: "m1.second"}, echoHandler); err != nil {
		t.Fatal(err)
	}

	m := testManifest("m1")
	m.Tools = append(m.Tools, ManifestTool{Name: "m1.second", Source: "set_result(2)"})

	var ferr *ModuleInstallFailedError
	if err := reg.Install(m); !errors.As(err, &ferr) {
		t.Fatalf("got %v, want ModuleInstallFailedError", err)
	}
	if tools.Has("m1.hello") {
		t.Error("first tool survived the rollback")
	}
	if perms.HasPermission("m1", PermToolExecute) {
		t.Error("permissions survived the rollback")
	}
	if _, err := reg.Get("m1"); err == nil {
		t.Error("failed module reported as installed")
	}
}

func TestModuleUninstall(t *testing.T) {
	perms := NewPermissionEngine()
	tools := NewToolRegistry()
	reg := NewModuleRegistry(perms, tools)

	if err := reg.Install(testManifest("m1")); err != nil {
		t.Fatal(err)
	}
	if err := reg.Uninstall("m1"); err != nil {
		t.Fatal(err)
	}
	if tools.Has("m1.hello") {
		t.Error("tool survived uninstall")
	}
	if perms.HasPermission("m1", PermToolExecute) {
		t.Error("permission survived uninstall")
	}

	var nerr *ModuleNotFoundError
	if err := reg.Uninstall("m1"); !errors.As(err, &nerr) {
		t.Errorf("got %v, want ModuleNotFoundError", err)
	}
}

func TestModuleCoreVersionOverride(t *testing.T) {
	reg := NewModuleRegistry(NewPermissionEngine(), NewToolRegistry(), WithCoreVersion("2.5.0"))

	m := testManifest("m1")
	m.MinCoreVersion = "2.0.0"
	m.MaxCoreVersion = "2.x"
	if err := reg.Install(m); err != nil {
		t.Fatalf("override not applied: %v", err)
	}
}
