package simulator

import (
	"bytes"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/google/uuid"
)

// TemplateGenerator renders Go text/template message templates with helpers for random
// telemetry values:
//
//	{"deviceId":"{{uuid}}","temperature":{{float 20 30}},"humidity":{{int 40 60}},
//	 "status":"{{choice "ok" "warn" "fail"}}","seq":{{seq}},"at":"{{now}}","on":{{bool}}}
//
// Parsed templates are cached by source text.
type TemplateGenerator struct {
	mu     sync.Mutex
	rnd    *rand.Rand
	seq    int64
	now    func() time.Time
	parsed map[string]*template.Template
}

// NewTemplateGenerator creates a generator seeded from the runtime's random source.
func NewTemplateGenerator() *TemplateGenerator {
	return NewSeededTemplateGenerator(rand.Uint64(), rand.Uint64())
}

// NewSeededTemplateGenerator creates a generator with a reproducible random sequence.
func NewSeededTemplateGenerator(seed1, seed2 uint64) *TemplateGenerator {
	return &TemplateGenerator{
		rnd:    rand.New(rand.NewPCG(seed1, seed2)),
		now:    time.Now,
		parsed: make(map[string]*template.Template),
	}
}

// Render executes the template once, producing a fresh random payload.
func (g *TemplateGenerator) Render(tmpl string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.parsed[tmpl]
	if !ok {
		var err error
		t, err = template.New("message").Funcs(g.funcs()).Parse(tmpl)
		if err != nil {
			return "", &TemplateError{Err: err}
		}
		g.parsed[tmpl] = t
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, nil); err != nil {
		return "", &TemplateError{Err: err}
	}
	return buf.String(), nil
}

// funcs must only be called with g.mu held; the returned helpers rely on it.
func (g *TemplateGenerator) funcs() template.FuncMap {
	return template.FuncMap{
		"int": func(lo, hi int) (int, error) {
			if hi < lo {
				return 0, fmt.Errorf("int: max %d is below min %d", hi, lo)
			}
			return lo + g.rnd.IntN(hi-lo+1), nil
		},
		"float": func(lo, hi float64) (string, error) {
			if hi < lo {
				return "", fmt.Errorf("float: max %g is below min %g", hi, lo)
			}
			return fmt.Sprintf("%.2f", lo+g.rnd.Float64()*(hi-lo)), nil
		},
		"bool": func() bool {
			return g.rnd.IntN(2) == 1
		},
		"choice": func(options ...string) (string, error) {
			if len(options) == 0 {
				return "", fmt.Errorf("choice: no options given")
			}
			return options[g.rnd.IntN(len(options))], nil
		},
		"uuid": func() string {
			return uuid.NewString()
		},
		"now": func() string {
			return g.now().UTC().Format(time.RFC3339Nano)
		},
		"seq": func() int64 {
			g.seq++
			return g.seq
		},
		"upper": strings.ToUpper,
	}
}
