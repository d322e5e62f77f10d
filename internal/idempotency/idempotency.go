// Package idempotency derives deduplication fingerprints for intents.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"intentline/internal/domain"
)

// DomainIntent prefixes every fingerprint so that digests of other payloads
// can never collide with intent fingerprints.
const DomainIntent = "intentline/intent/v1"

type ScopeKind string

const (
	Forever ScopeKind = "forever"
	Window  ScopeKind = "window"
)

// Scope bounds how long a fingerprint deduplicates.
type Scope struct {
	Kind   ScopeKind
	Window time.Duration
}

func (s Scope) Validate() error {
	switch s.Kind {
	case "", Forever:
		return nil
	case Window:
		if s.Window <= 0 {
			return fmt.Errorf("window scope requires a positive duration")
		}
		return nil
	}
	return fmt.Errorf("unknown scope kind %q", s.Kind)
}

// ScopeFunc selects the parameters that participate in the fingerprint.
type ScopeFunc func(params map[string]any) map[string]any

// Keys returns a ScopeFunc selecting the named top-level parameters.
// Absent names are left out rather than recorded as null.
func Keys(names ...string) ScopeFunc {
	return func(params map[string]any) map[string]any {
		out := make(map[string]any, len(names))
		for _, n := range names {
			if v, ok := params[n]; ok {
				out[n] = v
			}
		}
		return out
	}
}

// All scopes on every parameter.
func All(params map[string]any) map[string]any {
	return params
}

func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint hashes the canonical JSON of intent type, tenant and scoped
// parameters. Key order of the parameters never changes the result.
func Fingerprint(intentType, tenantID string, scoped map[string]any) (string, error) {
	if scoped == nil {
		scoped = map[string]any{}
	}
	raw, err := json.Marshal(struct {
		IntentType string         `json:"intent_type"`
		TenantID   string         `json:"tenant_id"`
		Params     map[string]any `json:"params"`
	}{intentType, tenantID, scoped})
	if err != nil {
		return "", fmt.Errorf("marshal fingerprint input: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize fingerprint input: %w", err)
	}
	return hashWithDomain(DomainIntent, canonical), nil
}

// Key is the resolved dedupe key of an intent.
type Key struct {
	Fingerprint string
	Scope       Scope
	// ExpiresAt is zero for forever scopes.
	ExpiresAt time.Time
}

// Live reports whether a key created at createdAt still deduplicates at now.
func (s Scope) Live(createdAt, now time.Time) bool {
	if s.Kind != Window {
		return true
	}
	return now.Before(createdAt.Add(s.Window))
}

// Resolver resolves intents to keys using per-intent scope functions and scopes.
type Resolver struct {
	ScopeFuncs map[string]ScopeFunc
	Scopes     map[string]Scope
}

func (r Resolver) scope(intentType string) Scope {
	if s, ok := r.Scopes[intentType]; ok && s.Kind != "" {
		return s
	}
	return Scope{Kind: Forever}
}

// Resolve fingerprints the intent and computes its expiry relative to now.
func (r Resolver) Resolve(intent domain.Intent, now time.Time) (Key, error) {
	scoped := intent.Parameters
	if fn, ok := r.ScopeFuncs[intent.IntentType]; ok && fn != nil {
		scoped = fn(intent.Parameters)
	}
	fp, err := Fingerprint(intent.IntentType, intent.TenantID, scoped)
	if err != nil {
		return Key{}, err
	}
	s := r.scope(intent.IntentType)
	k := Key{Fingerprint: fp, Scope: s}
	if s.Kind == Window {
		k.ExpiresAt = now.Add(s.Window)
	}
	return k, nil
}
