// Package manifest owns the per-vertical tool manifests: the frozen
// descriptors of which tools exist, their args, and their operational
// policies. Manifests are loaded once at startup (built-in defaults, then
// YAML overrides from the manifest dir) and swapped atomically on reload;
// a request holds one immutable view for its whole lifetime.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/atiendo/atiendo/orchestrator/pkg/models"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// View is the frozen manifest for one vertical plus its compiled guardrail
// programs. Views are immutable; a reload produces new views.
type View struct {
	*models.VerticalManifest
	programs map[string]*vm.Program
}

// GuardrailProgram returns the compiled rule for a guardrail name.
func (v *View) GuardrailProgram(name string) (*vm.Program, bool) {
	p, ok := v.programs[name]
	return p, ok
}

type snapshot struct {
	views map[models.Vertical]*View
}

// Store holds the live manifest set.
type Store struct {
	dir string
	cur atomic.Pointer[snapshot]
}

// NewStore loads built-in defaults, overlays any YAML files found in dir
// (one file per vertical, matched by the `vertical:` field), and compiles
// guardrail rules. dir may be empty.
func NewStore(dir string) (*Store, error) {
	s := &Store{dir: dir}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns the frozen view for a vertical. Unknown verticals fall back to
// generic, which always exists.
func (s *Store) Get(vertical models.Vertical) *View {
	snap := s.cur.Load()
	if v, ok := snap.views[vertical]; ok {
		return v
	}
	return snap.views[models.VerticalGeneric]
}

// Reload re-reads defaults and overrides and swaps the live set atomically.
// In-flight requests keep the view they already hold.
func (s *Store) Reload() error {
	manifests, err := parseManifests([]byte(defaultManifests))
	if err != nil {
		return fmt.Errorf("built-in manifests: %w", err)
	}

	if s.dir != "" {
		overrides, err := loadDir(s.dir)
		if err != nil {
			return err
		}
		for vertical, m := range overrides {
			manifests[vertical] = m
		}
	}

	views := make(map[models.Vertical]*View, len(manifests))
	for vertical, m := range manifests {
		view, err := buildView(m)
		if err != nil {
			return fmt.Errorf("vertical %s: %w", vertical, err)
		}
		views[vertical] = view
	}
	if _, ok := views[models.VerticalGeneric]; !ok {
		return fmt.Errorf("manifest set has no generic vertical")
	}

	s.cur.Store(&snapshot{views: views})
	log.Info().Int("verticals", len(views)).Str("dir", s.dir).Msg("Tool manifests loaded")
	return nil
}

func loadDir(dir string) (map[models.Vertical]*models.VerticalManifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read manifest dir: %w", err)
	}

	out := map[models.Vertical]*models.VerticalManifest{}
	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", entry.Name(), err)
		}
		parsed, err := parseManifests(data)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", entry.Name(), err)
		}
		for vertical, m := range parsed {
			out[vertical] = m
		}
	}
	return out, nil
}

// parseManifests decodes one YAML stream of VerticalManifest documents.
func parseManifests(data []byte) (map[models.Vertical]*models.VerticalManifest, error) {
	out := map[models.Vertical]*models.VerticalManifest{}

	var docs []models.VerticalManifest
	if err := yaml.Unmarshal(data, &docs); err != nil {
		// Allow a single-document file as well.
		var one models.VerticalManifest
		if err2 := yaml.Unmarshal(data, &one); err2 != nil {
			return nil, err
		}
		docs = []models.VerticalManifest{one}
	}

	for i := range docs {
		m := docs[i]
		if !m.Vertical.Valid() {
			return nil, fmt.Errorf("unknown vertical %q", m.Vertical)
		}
		if err := normalize(&m); err != nil {
			return nil, err
		}
		out[m.Vertical] = &m
	}
	return out, nil
}

// normalize fills per-tool defaults and rejects inconsistent specs.
func normalize(m *models.VerticalManifest) error {
	seen := map[string]bool{}
	for i := range m.Tools {
		t := &m.Tools[i]
		if t.Name == "" {
			return fmt.Errorf("vertical %s: tool with empty name", m.Vertical)
		}
		if seen[t.Name] {
			return fmt.Errorf("vertical %s: duplicate tool %q", m.Vertical, t.Name)
		}
		seen[t.Name] = true

		if t.TimeoutMs <= 0 {
			t.TimeoutMs = 2000
		}
		if t.Retries.MaxAttempts <= 0 {
			t.Retries.MaxAttempts = 3
		}
		if t.Retries.BaseBackoffMs <= 0 {
			t.Retries.BaseBackoffMs = 100
		}
		if t.Circuit.Threshold <= 0 {
			t.Circuit.Threshold = 5
		}
		if t.Circuit.CooldownMs <= 0 {
			t.Circuit.CooldownMs = 30000
		}
		switch t.Idempotency.Scheme {
		case models.IdempotencyRequestID, models.IdempotencyArgHash:
		case "":
			t.Idempotency.Scheme = models.IdempotencyArgHash
		default:
			return fmt.Errorf("tool %s: unknown idempotency scheme %q", t.Name, t.Idempotency.Scheme)
		}
		if t.After != "" && (t.After == t.Name || !seen[t.After]) {
			// after: must reference an earlier tool in the manifest so the
			// dependency graph stays acyclic by construction.
			return fmt.Errorf("tool %s: after references unknown or later tool %q", t.Name, t.After)
		}
	}
	return nil
}

func buildView(m *models.VerticalManifest) (*View, error) {
	programs := make(map[string]*vm.Program, len(m.Guardrails))
	for _, g := range m.Guardrails {
		program, err := expr.Compile(g.Rule,
			expr.AllowUndefinedVariables(),
			expr.AsBool(),
		)
		if err != nil {
			return nil, fmt.Errorf("guardrail %s: %w", g.Name, err)
		}
		programs[g.Name] = program
	}
	return &View{VerticalManifest: m, programs: programs}, nil
}
