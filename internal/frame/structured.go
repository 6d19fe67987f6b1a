package frame

import (
	"encoding/json"
	"strings"

	"github.com/anamnesos/squidrelay/internal/wire"
)

// canonicalStructuredTypes maps every accepted case-insensitive alias to
// its canonical spelling.
var canonicalStructuredTypes = map[string]string{
	"fyi":            wire.StructuredFYI,
	"conflictcheck":  wire.StructuredConflictCheck,
	"blocker":        wire.StructuredBlocker,
	"approval":       wire.StructuredApproval,
	"conflictresult": wire.StructuredConflictResult,
	"approvalresult": wire.StructuredApprovalResult,
}

// StructuredMessage is the normalized metadata.structured envelope.
type StructuredMessage struct {
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload"`
}

// structuredInput mirrors the shape a caller may send on xsend before
// normalization.
type structuredInput struct {
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload"`
}

type metadataEnvelope struct {
	Structured *structuredInput `json:"structured,omitempty"`
	TargetRole string           `json:"targetRole,omitempty"`
	Envelope   *struct {
		Target *struct {
			Role string `json:"role,omitempty"`
		} `json:"target,omitempty"`
	} `json:"envelope,omitempty"`
}

// CanonicalStructuredType looks up t case-insensitively and reports
// whether it is recognized.
func CanonicalStructuredType(t string) (string, bool) {
	canon, ok := canonicalStructuredTypes[strings.ToLower(TrimScalar(t))]
	return canon, ok
}

// NormalizeStructured builds the well-formed metadata.structured envelope
// the relay must attach to every xdeliver frame. raw is the caller-supplied
// metadata (may be nil/empty); content is the xsend's content field, used
// as the FYI fallback detail.
func NormalizeStructured(raw json.RawMessage, content string) StructuredMessage {
	var env metadataEnvelope
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &env) // malformed metadata degrades to "no structured data supplied"
	}

	if env.Structured == nil {
		return StructuredMessage{
			Type: wire.StructuredFYI,
			Payload: map[string]interface{}{
				"category": "status",
				"detail":   content,
				"impact":   "context-only",
			},
		}
	}

	callerType := env.Structured.Type
	canon, ok := CanonicalStructuredType(callerType)
	if ok {
		payload := env.Structured.Payload
		if payload == nil {
			payload = map[string]interface{}{}
		}
		return StructuredMessage{Type: canon, Payload: payload}
	}

	payload := map[string]interface{}{
		"category": "status",
		"detail":   content,
		"impact":   "context-only",
	}
	for k, v := range env.Structured.Payload {
		payload[k] = v
	}
	payload["originalType"] = callerType

	return StructuredMessage{Type: wire.StructuredFYI, Payload: payload}
}

// ExtractTargetRole resolves targetRole per §4.3: top-level targetRole
// field first, then metadata.targetRole, then metadata.envelope.target.role.
func ExtractTargetRole(topLevel string, rawMetadata json.RawMessage) string {
	if r := CanonicalRole(topLevel); r != "" {
		return r
	}
	if len(rawMetadata) == 0 {
		return ""
	}
	var env metadataEnvelope
	if err := json.Unmarshal(rawMetadata, &env); err != nil {
		return ""
	}
	if r := CanonicalRole(env.TargetRole); r != "" {
		return r
	}
	if env.Envelope != nil && env.Envelope.Target != nil {
		if r := CanonicalRole(env.Envelope.Target.Role); r != "" {
			return r
		}
	}
	return ""
}
