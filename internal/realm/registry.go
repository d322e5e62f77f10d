package realm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"intentline/internal/apperr"
)

const schemaBaseURL = "https://intentline.schemas.local/intents/"

// Registry is the table of registered intent types.
type Registry struct {
	mu      sync.RWMutex
	regs    map[string]Registration
	schemas map[string]*jsonschema.Schema
	env     *cel.Env
}

func NewRegistry() (*Registry, error) {
	env, err := newEligibilityEnv()
	if err != nil {
		return nil, err
	}
	return &Registry{
		regs:    map[string]Registration{},
		schemas: map[string]*jsonschema.Schema{},
		env:     env,
	}, nil
}

// Register adds reg. Registering an intent type twice is an error.
func (r *Registry) Register(reg Registration) error {
	reg.IntentType = strings.TrimSpace(reg.IntentType)
	if reg.IntentType == "" {
		return fmt.Errorf("registration requires an intent type")
	}
	if reg.Adapter == nil {
		return fmt.Errorf("intent %s: adapter is required", reg.IntentType)
	}
	if err := reg.Scope.Validate(); err != nil {
		return fmt.Errorf("intent %s: %w", reg.IntentType, err)
	}
	if reg.Deadline < 0 {
		return fmt.Errorf("intent %s: deadline must not be negative", reg.IntentType)
	}
	var schema *jsonschema.Schema
	if reg.ParametersSchema != "" {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := schemaBaseURL + reg.IntentType + ".schema.json"
		if err := c.AddResource(url, strings.NewReader(reg.ParametersSchema)); err != nil {
			return fmt.Errorf("intent %s: schema load failed: %w", reg.IntentType, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return fmt.Errorf("intent %s: schema compile failed: %w", reg.IntentType, err)
		}
		schema = compiled
	}
	if reg.Eligibility != nil {
		elig := *reg.Eligibility
		if err := elig.compile(r.env); err != nil {
			return fmt.Errorf("intent %s: %w", reg.IntentType, err)
		}
		reg.Eligibility = &elig
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.regs[reg.IntentType]; ok {
		return fmt.Errorf("intent %s is already registered", reg.IntentType)
	}
	r.regs[reg.IntentType] = reg
	if schema != nil {
		r.schemas[reg.IntentType] = schema
	}
	return nil
}

func (r *Registry) Lookup(intentType string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.regs[intentType]
	return reg, ok
}

// IntentTypes returns the registered intent types in sorted order.
func (r *Registry) IntentTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.regs))
	for k := range r.regs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Eligibility returns the eligibility declaration of intentType, if any.
func (r *Registry) Eligibility(intentType string) (*Eligibility, bool) {
	reg, ok := r.Lookup(intentType)
	if !ok || reg.Eligibility == nil {
		return nil, false
	}
	return reg.Eligibility, true
}

// CanPromote reports whether intentType may mutate artifacts of artifactType.
func (r *Registry) CanPromote(artifactType, intentType string) bool {
	reg, ok := r.Lookup(intentType)
	if !ok {
		return false
	}
	return slices.Contains(reg.Promotes, "*") || slices.Contains(reg.Promotes, artifactType)
}

// ValidateParameters checks params against the registered JSON schema.
func (r *Registry) ValidateParameters(intentType string, params map[string]any) error {
	r.mu.RLock()
	schema, ok := r.schemas[intentType]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	if params == nil {
		params = map[string]any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return apperr.Wrap(apperr.CodeInvalidParameters, err, "parameters are not JSON encodable")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return apperr.Wrap(apperr.CodeInvalidParameters, err, "parameters are not valid JSON")
	}
	if err := schema.Validate(doc); err != nil {
		ae := apperr.Wrap(apperr.CodeInvalidParameters, err, "parameters do not match the %s schema", intentType)
		if ve, ok := err.(*jsonschema.ValidationError); ok {
			ae.WithDetail("violations", violations(ve))
		}
		return ae
	}
	return nil
}

func violations(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return []string{loc + ": " + ve.Message}
	}
	var out []string
	for _, c := range ve.Causes {
		out = append(out, violations(c)...)
	}
	return out
}

// Capabilities maps an agent role to the intent types it may submit.
type Capabilities map[string][]string

// Allows reports whether role may submit intentType. "*" allows every type.
func (c Capabilities) Allows(role, intentType string) bool {
	allowed, ok := c[role]
	if !ok {
		return false
	}
	return slices.Contains(allowed, "*") || slices.Contains(allowed, intentType)
}
