package rules

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aegis-proxy/aegis/internal/decision"
)

const samplePolicyYAML = `
name: reads-allowed
status: active
priority: 1
permission:
  - action:
      value: read
    target:
      uid: "*"
    duty:
      - action:
          value: log
`

func TestParseFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sample.yaml")
	if err := os.WriteFile(path, []byte(samplePolicyYAML), 0644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	p, err := ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile() error: %v", err)
	}
	if p.Name != "reads-allowed" {
		t.Errorf("Name = %q, want %q", p.Name, "reads-allowed")
	}
	if p.Status != decision.StatusActive {
		t.Errorf("Status = %q, want active", p.Status)
	}
	if len(p.Rules) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(p.Rules))
	}
	r := p.Rules[0]
	if r.Kind != decision.KindPermission || r.Action != "read" {
		t.Errorf("unexpected rule: %+v", r)
	}
	if len(r.Duties) != 1 || r.Duties[0].Action != "log" {
		t.Errorf("expected 'log' to route to Duties, got directives=%v duties=%v", r.Directives, r.Duties)
	}
}

func TestParseFile_DirectiveDutySplit(t *testing.T) {
	doc := `
name: shape-and-notify
permission:
  - action:
      value: write
    duty:
      - action:
          value: anonymize-pii
      - action:
          value: "notify:admin"
`
	dir := t.TempDir()
	path := filepath.Join(dir, "p.yaml")
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	p, err := ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile() error: %v", err)
	}
	r := p.Rules[0]
	if len(r.Directives) != 1 || r.Directives[0] != "anonymize-pii" {
		t.Errorf("expected anonymize-pii to be a directive, got %v", r.Directives)
	}
	if len(r.Duties) != 1 || r.Duties[0].Action != "notify:admin" {
		t.Errorf("expected notify:admin to be an obligation duty, got %v", r.Duties)
	}
}

func TestParseFile_MalformedYAMLErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.yaml")
	if err := os.WriteFile(path, []byte("{{{not yaml"), 0644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	if _, err := ParseFile(path); err == nil {
		t.Error("expected ParseFile to error on malformed YAML")
	}
}

func TestLoadDir_SkipsUnparsableFiles(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	bad := filepath.Join(dir, "bad.yaml")
	notAPolicy := filepath.Join(dir, "readme.txt")

	if err := os.WriteFile(good, []byte(samplePolicyYAML), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(bad, []byte("{{{broken"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(notAPolicy, []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}

	policies, err := LoadDir(dir, nil)
	if err != nil {
		t.Fatalf("LoadDir() error: %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("expected 1 policy loaded (bad file skipped, non-yaml ignored), got %d", len(policies))
	}
}

func TestLoader_LoadInstallsIntoEvaluator(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sample.yaml")
	if err := os.WriteFile(path, []byte(samplePolicyYAML), 0644); err != nil {
		t.Fatal(err)
	}

	eval, err := New(nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	loader := NewLoader(dir, eval, nil)
	if err := loader.Load(); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if eval.PolicyCount() != 1 {
		t.Errorf("PolicyCount() = %d, want 1", eval.PolicyCount())
	}
}

func TestLoader_WatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sample.yaml")
	if err := os.WriteFile(path, []byte(samplePolicyYAML), 0644); err != nil {
		t.Fatal(err)
	}

	eval, err := New(nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	loader := NewLoader(dir, eval, nil)
	if err := loader.Load(); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if err := loader.Watch(); err != nil {
		t.Fatalf("Watch() error: %v", err)
	}
	defer func() { _ = loader.Stop() }()

	second := filepath.Join(dir, "second.yaml")
	if err := os.WriteFile(second, []byte(`
name: second-policy
permission:
  - action:
      value: list
`), 0644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if eval.PolicyCount() == 2 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Errorf("expected watcher to pick up the new file, PolicyCount() = %d", eval.PolicyCount())
}
