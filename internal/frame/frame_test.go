package frame

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalDeviceID(t *testing.T) {
	cases := map[string]string{
		"  alice-laptop ": "ALICE-LAPTOP",
		"alice laptop!!":  "ALICELAPTOP",
		"":                "",
		"already-UP_1":    "ALREADY-UP_1",
	}
	for in, want := range cases {
		require.Equal(t, want, CanonicalDeviceID(in), "input %q", in)
	}
}

func TestCanonicalRole(t *testing.T) {
	require.Equal(t, "architect", CanonicalRole(" Architect "))
	require.Equal(t, "builder-2", CanonicalRole("Builder-2!!"))
	require.Equal(t, "", CanonicalRole("   "))
}

func TestCanonicalRolesDedupAndOrder(t *testing.T) {
	got := CanonicalRoles([]string{"Architect", "", " architect", "Builder"})
	require.Equal(t, []string{"architect", "builder"}, got)
}

func TestParseRoleList(t *testing.T) {
	got := ParseRoleList("Architect, builder\tOracle")
	require.Equal(t, []string{"architect", "builder", "oracle"}, got)
}

func TestDecodeRejectsNonJSON(t *testing.T) {
	_, err := Decode([]byte("not json"))
	require.ErrorIs(t, err, ErrInvalidJSON)
}

func TestDecodeRejectsMissingType(t *testing.T) {
	_, err := Decode([]byte(`{"deviceId":"A"}`))
	require.ErrorIs(t, err, ErrInvalidJSON)
}

func TestDecodeIgnoresUnknownFields(t *testing.T) {
	f, err := Decode([]byte(`{"type":"ping","bogus":"field"}`))
	require.NoError(t, err)
	require.Equal(t, "ping", f.Type)
}

func TestNormalizeStructuredCanonicalPassThrough(t *testing.T) {
	raw := json.RawMessage(`{"structured":{"type":"blocker","payload":{"reason":"db lock"}}}`)
	sm := NormalizeStructured(raw, "fallback")
	require.Equal(t, "Blocker", sm.Type)
	require.Equal(t, "db lock", sm.Payload["reason"])
}

func TestNormalizeStructuredUnknownDownconvertsToFYI(t *testing.T) {
	raw := json.RawMessage(`{"structured":{"type":"WeirdCustomType","payload":{"note":"x"}}}`)
	sm := NormalizeStructured(raw, "fallback content")
	require.Equal(t, "FYI", sm.Type)
	require.Equal(t, "WeirdCustomType", sm.Payload["originalType"])
	require.Equal(t, "x", sm.Payload["note"])
	require.Equal(t, "context-only", sm.Payload["impact"])
}

func TestNormalizeStructuredNoMetadataBuildsMinimalFYI(t *testing.T) {
	sm := NormalizeStructured(nil, "hello there")
	require.Equal(t, "FYI", sm.Type)
	require.Equal(t, "hello there", sm.Payload["detail"])
}

func TestExtractTargetRolePrecedence(t *testing.T) {
	require.Equal(t, "architect", ExtractTargetRole("Architect", nil))

	raw := json.RawMessage(`{"targetRole":"Architect"}`)
	require.Equal(t, "architect", ExtractTargetRole("", raw))

	raw2 := json.RawMessage(`{"envelope":{"target":{"role":"Architect"}}}`)
	require.Equal(t, "architect", ExtractTargetRole("", raw2))

	require.Equal(t, "", ExtractTargetRole("", nil))
}
