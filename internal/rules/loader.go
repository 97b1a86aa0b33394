package rules

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/aegis-proxy/aegis/internal/decision"
)

// docConstraint mirrors one {leftOperand, operator, rightOperand} triple in
// the policy YAML wire format §6 defines.
type docConstraint struct {
	LeftOperand string `yaml:"leftOperand"`
	Operator    string `yaml:"operator"`
	RightOperand any    `yaml:"rightOperand"`
}

// docDuty mirrors one duty entry: an action plus optional constraints.
type docDuty struct {
	Action struct {
		Value string `yaml:"value"`
	} `yaml:"action"`
	Constraint []docConstraint `yaml:"constraint"`
}

// docRule mirrors one permission or prohibition entry.
type docRule struct {
	Action struct {
		Value string `yaml:"value"`
	} `yaml:"action"`
	Target *struct {
		UID string `yaml:"uid"`
	} `yaml:"target"`
	Constraint []docConstraint `yaml:"constraint"`
	Duty       []docDuty       `yaml:"duty"`
}

// document mirrors one policy-set YAML file's top-level shape.
type document struct {
	Name        string    `yaml:"name"`
	Status      string    `yaml:"status"`
	Priority    int       `yaml:"priority"`
	Permission  []docRule `yaml:"permission"`
	Prohibition []docRule `yaml:"prohibition"`
}

// obligationKeyword matches duty actions the Obligation Manager (C7)
// handles: logging, notification, retention scheduling. Everything else is
// treated as a Constraint Manager (C6) directive — rate limiting,
// anonymization, geo-restriction, time windows — per the canonical phrase
// table in §6.
var obligationKeyword = regexp.MustCompile(`^(log|notify:|delete-after:)`)

// splitDuties separates a rule's duty actions into Constraint Manager
// directives and Obligation Manager duties, since the wire format carries
// both under one duty[] array and dispatch is by keyword, not by field.
func splitDuties(duties []docDuty) (directives []string, obligations []decision.Duty) {
	for _, d := range duties {
		action := strings.TrimSpace(d.Action.Value)
		if action == "" {
			continue
		}
		if obligationKeyword.MatchString(action) {
			obligations = append(obligations, decision.Duty{
				Action:      action,
				Constraints: toConstraints(d.Constraint),
			})
			continue
		}
		directives = append(directives, action)
	}
	return directives, obligations
}

func toConstraints(cs []docConstraint) []decision.Constraint {
	out := make([]decision.Constraint, 0, len(cs))
	for _, c := range cs {
		out = append(out, decision.Constraint{
			LeftOperand: decision.LeftOperand(c.LeftOperand),
			Operator:    decision.Operator(c.Operator),
			RightOperand: c.RightOperand,
		})
	}
	return out
}

func toRule(kind decision.RuleKind, r docRule) decision.Rule {
	target := ""
	if r.Target != nil {
		target = r.Target.UID
	}
	directives, duties := splitDuties(r.Duty)
	return decision.Rule{
		Kind:        kind,
		Action:      r.Action.Value,
		Target:      target,
		Constraints: toConstraints(r.Constraint),
		Directives:  directives,
		Duties:      duties,
	}
}

func toPolicy(path string, doc document) decision.Policy {
	p := decision.Policy{
		Name:     doc.Name,
		Status:   decision.PolicyStatus(doc.Status),
		Priority: doc.Priority,
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if p.Status == "" {
		p.Status = decision.StatusActive
	}
	for _, r := range doc.Permission {
		p.Rules = append(p.Rules, toRule(decision.KindPermission, r))
	}
	for _, r := range doc.Prohibition {
		p.Rules = append(p.Rules, toRule(decision.KindProhibition, r))
	}
	return p
}

// ParseFile reads and decodes one policy YAML file into a Policy. Malformed
// files are reported, not silently skipped — a typo in one file must not
// invisibly drop a policy-set's prohibitions.
func ParseFile(path string) (decision.Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return decision.Policy{}, fmt.Errorf("reading policy file %s: %w", path, err)
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return decision.Policy{}, fmt.Errorf("parsing policy file %s: %w", path, err)
	}
	return toPolicy(path, doc), nil
}

// LoadDir parses every *.yml/*.yaml file directly inside dir into a policy
// set, skipping (and logging) any file that fails to parse rather than
// aborting the whole load.
func LoadDir(dir string, logger *slog.Logger) ([]decision.Policy, error) {
	if logger == nil {
		logger = slog.Default()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading policy directory %s: %w", dir, err)
	}

	var policies []decision.Policy
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yml" && ext != ".yaml" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		p, err := ParseFile(path)
		if err != nil {
			logger.Warn("skipping unparsable policy file", "path", path, "error", err)
			continue
		}
		policies = append(policies, p)
	}
	return policies, nil
}

// Loader owns a directory of policy YAML files, loads them into an
// Evaluator at startup, and watches the directory with fsnotify for hot
// reload — the same recursive-directory-watch idiom the reference
// service's markdown config loader uses, adapted to a flat directory of
// policy files instead of a three-directory tree.
type Loader struct {
	dir       string
	evaluator *Evaluator
	logger    *slog.Logger

	mu        sync.Mutex
	fsWatcher *fsnotify.Watcher
	done      chan struct{}
}

// NewLoader creates a Loader bound to a directory and an Evaluator. Call
// Load to perform the initial synchronous load, then Watch to start hot
// reload.
func NewLoader(dir string, evaluator *Evaluator, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		dir:       dir,
		evaluator: evaluator,
		logger:    logger.With("component", "rules.Loader"),
	}
}

// Load parses every policy file in the directory and installs them into
// the bound Evaluator.
func (l *Loader) Load() error {
	policies, err := LoadDir(l.dir, l.logger)
	if err != nil {
		return err
	}
	for _, p := range policies {
		res := ValidateDocument(p)
		for _, w := range res.Warnings {
			l.logger.Warn("policy validation warning", "warning", w)
		}
		if !res.OK() {
			for _, e := range res.Errors {
				l.logger.Error("policy validation error", "error", e)
			}
		}
	}
	return l.evaluator.LoadPolicies(policies)
}

// Watch starts a background goroutine that reloads the whole directory
// whenever any policy file in it changes, and returns immediately. Call
// Stop to shut it down.
func (l *Loader) Watch() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating policy file watcher: %w", err)
	}
	if err := fsw.Add(l.dir); err != nil {
		fsw.Close()
		return fmt.Errorf("watching policy directory %s: %w", l.dir, err)
	}

	l.mu.Lock()
	l.fsWatcher = fsw
	l.done = make(chan struct{})
	l.mu.Unlock()

	go l.loop(fsw, l.done)
	return nil
}

func (l *Loader) loop(fsw *fsnotify.Watcher, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			ext := filepath.Ext(event.Name)
			if ext != ".yml" && ext != ".yaml" {
				continue
			}
			l.logger.Info("policy file changed, reloading directory", "path", event.Name, "op", event.Op.String())
			if err := l.Load(); err != nil {
				l.logger.Error("policy reload failed", "error", err)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			l.logger.Error("policy watcher error", "error", err)
		}
	}
}

// Stop shuts down the watcher goroutine, if one was started.
func (l *Loader) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fsWatcher == nil {
		return nil
	}
	close(l.done)
	err := l.fsWatcher.Close()
	l.fsWatcher = nil
	return err
}
