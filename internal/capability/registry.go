package capability

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/opwatch/opwatch/internal/report"
)

// HandlerCard is the registry metadata for one handler: what it does, which
// capabilities it may invoke, where it may hand off, and which report
// categories it is allowed to emit. The registry is static and read-only
// after construction.
type HandlerCard struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Description  string            `json:"description"`
	Instructions string            `json:"instructions"`
	Capabilities []string          `json:"capabilities"`
	Handoffs     []string          `json:"handoffs"`
	Outputs      []report.Category `json:"outputs"`
	Checksum     string            `json:"checksum"`
	Signature    string            `json:"signature"`
}

// Registry holds validated HandlerCards keyed by handler name.
type Registry struct {
	handlers map[string]HandlerCard
	entry    string
}

// ErrHandlerMissing indicates a required handler is not registered.
var ErrHandlerMissing = fmt.Errorf("required handler missing")

// RequiredHandlers is the default handler set the runtime refuses to start without.
var RequiredHandlers = []string{
	HandlerCoordinator,
	HandlerDataCollection,
	HandlerContentAnalysis,
	HandlerReportGeneration,
	HandlerDecisionSupport,
}

// NewRegistry validates HandlerCards and ensures required handlers exist.
// When signingSecret is non-empty every card signature is verified.
func NewRegistry(cards []HandlerCard, signingSecret string, required []string) (*Registry, error) {
	reg := &Registry{handlers: make(map[string]HandlerCard), entry: HandlerCoordinator}
	for _, hc := range cards {
		if err := validateSignature(hc, signingSecret); err != nil {
			return nil, fmt.Errorf("handler %s@%s signature invalid: %w", hc.Name, hc.Version, err)
		}
		existing, ok := reg.handlers[hc.Name]
		if !ok || versionGreater(hc.Version, existing.Version) {
			reg.handlers[hc.Name] = hc
		}
	}
	if len(required) == 0 {
		required = RequiredHandlers
	}
	for _, r := range required {
		if _, ok := reg.handlers[r]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrHandlerMissing, r)
		}
	}
	for name, hc := range reg.handlers {
		for _, next := range hc.Handoffs {
			if _, ok := reg.handlers[next]; !ok {
				return nil, fmt.Errorf("handler %s hands off to unknown handler %s", name, next)
			}
		}
		for _, cat := range hc.Outputs {
			if !report.Known(cat) {
				return nil, fmt.Errorf("handler %s declares unknown output category %s", name, cat)
			}
		}
	}
	if _, ok := reg.handlers[reg.entry]; !ok {
		return nil, fmt.Errorf("%w: entry handler %s", ErrHandlerMissing, reg.entry)
	}
	return reg, nil
}

// Entry returns the name of the handler every new task is routed to first.
func (r *Registry) Entry() string {
	if r == nil {
		return ""
	}
	return r.entry
}

// Handler returns the HandlerCard for a handler name.
func (r *Registry) Handler(name string) (HandlerCard, bool) {
	if r == nil {
		return HandlerCard{}, false
	}
	hc, ok := r.handlers[name]
	return hc, ok
}

// Names lists registered handler names in stable order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// AllowedNext returns the legal handoff targets for a handler.
func (r *Registry) AllowedNext(name string) []string {
	hc, ok := r.Handler(name)
	if !ok {
		return nil
	}
	out := make([]string, len(hc.Handoffs))
	copy(out, hc.Handoffs)
	return out
}

// CanHandoff reports whether from may hand the task to to.
func (r *Registry) CanHandoff(from, to string) bool {
	hc, ok := r.Handler(from)
	if !ok {
		return false
	}
	for _, next := range hc.Handoffs {
		if next == to {
			return true
		}
	}
	return false
}

// Outputs returns the report categories a handler may emit.
func (r *Registry) Outputs(name string) []report.Category {
	hc, ok := r.Handler(name)
	if !ok {
		return nil
	}
	out := make([]report.Category, len(hc.Outputs))
	copy(out, hc.Outputs)
	return out
}

// CanEmit reports whether the handler is permitted to emit the category.
func (r *Registry) CanEmit(name string, cat report.Category) bool {
	hc, ok := r.Handler(name)
	if !ok {
		return false
	}
	for _, c := range hc.Outputs {
		if c == cat {
			return true
		}
	}
	return false
}

// CanInvoke reports whether the handler may call the named capability.
func (r *Registry) CanInvoke(name, capability string) bool {
	hc, ok := r.Handler(name)
	if !ok {
		return false
	}
	for _, c := range hc.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// ComputeChecksum returns a deterministic hash of the HandlerCard payload
// (excluding checksum and signature fields).
func ComputeChecksum(hc HandlerCard) (string, error) {
	payload := map[string]interface{}{
		"name":         hc.Name,
		"version":      hc.Version,
		"description":  hc.Description,
		"instructions": hc.Instructions,
		"capabilities": hc.Capabilities,
		"handoffs":     hc.Handoffs,
		"outputs":      hc.Outputs,
	}
	normalized, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(normalized)
	return hex.EncodeToString(sum[:]), nil
}

// SignHandlerCard computes an HMAC signature using the signing secret.
func SignHandlerCard(hc HandlerCard, secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("signing secret is empty")
	}
	checksum, err := ComputeChecksum(hc)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(checksum))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func validateSignature(hc HandlerCard, secret string) error {
	if secret == "" {
		return nil
	}
	expected, err := SignHandlerCard(hc, secret)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(expected), []byte(hc.Signature)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

func versionGreater(a, b string) bool {
	if a == b {
		return false
	}
	// naive semver compare
	return versionCompare(splitVersion(a), splitVersion(b)) > 0
}

func splitVersion(v string) []int {
	parts := strings.Split(strings.TrimPrefix(v, "v"), ".")
	out := make([]int, len(parts))
	for i, p := range parts {
		fmt.Sscanf(p, "%d", &out[i])
	}
	return out
}

func versionCompare(a, b []int) int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		ai, bi := 0, 0
		if i < len(a) {
			ai = a[i]
		}
		if i < len(b) {
			bi = b[i]
		}
		if ai > bi {
			return 1
		}
		if ai < bi {
			return -1
		}
	}
	return 0
}
