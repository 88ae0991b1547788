package policy

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avauthz/internal/authz"
)

const testARN = "arn:aws:execute-api:us-east-1:123456789012:abc123/prod/GET/deals/123"

func TestBuilder_AllowShape(t *testing.T) {
	t.Parallel()

	doc := NewBuilder().Allow("user-1", testARN, map[string]interface{}{"user": map[string]interface{}{"id": "user-1"}})

	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"principalId": "user-1",
		"policyDocument": {
			"Version": "2012-10-17",
			"Statement": [{"Action": "execute-api:Invoke", "Effect": "Allow", "Resource": "`+testARN+`"}]
		},
		"context": {"user": {"id": "user-1"}}
	}`, string(raw))
	assert.Equal(t, authz.EffectAllow, doc.Effect())
	assert.False(t, doc.Truncated())
}

func TestBuilder_DenyUsesUnknownPrincipal(t *testing.T) {
	t.Parallel()

	b := NewBuilder()

	doc := b.Build("user-1", authz.EffectDeny, testARN, DenyContext("insufficient permissions: write_deals"))
	assert.Equal(t, UnknownCaller, doc.PrincipalID)
	assert.Equal(t, "Deny", doc.PolicyDocument.Statement[0].Effect)
	assert.Equal(t, map[string]interface{}{"error": "insufficient permissions: write_deals"}, doc.Context)

	doc = b.Deny(testARN, "")
	assert.Equal(t, InternalErrorReason, doc.Context["error"])

	// Anything but Allow is a Deny.
	doc = b.Build("user-1", authz.Effect("allow"), testARN, nil)
	assert.Equal(t, authz.EffectDeny, doc.Effect())
	assert.Equal(t, UnknownCaller, doc.PrincipalID)
}

func TestBuilder_EmptyContextOmitted(t *testing.T) {
	t.Parallel()

	raw, err := json.Marshal(NewBuilder().Allow("user-1", testARN, nil))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"context"`)
}

func TestBuilder_ContextCap(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics("test")
	b := NewBuilder(WithMetrics(metrics))

	big := map[string]interface{}{"blob": strings.Repeat("x", 5000)}
	doc := b.Allow("user-1", testARN, big)
	assert.Equal(t, map[string]interface{}{"user_id": "user-1", "truncated": true}, doc.Context)
	assert.True(t, doc.Truncated())

	// Exactly at the cap is kept.
	overhead := len(`{"blob":""}`)
	atCap := map[string]interface{}{"blob": strings.Repeat("x", DefaultMaxContextBytes-overhead)}
	doc = b.Allow("user-1", testARN, atCap)
	assert.Equal(t, atCap, doc.Context)

	over := map[string]interface{}{"blob": strings.Repeat("x", DefaultMaxContextBytes-overhead+1)}
	assert.True(t, b.Allow("user-1", testARN, over).Truncated())

	// Unserializable values are replaced too.
	assert.True(t, b.Allow("user-1", testARN, map[string]interface{}{"ch": make(chan int)}).Truncated())

	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.truncations))
	assert.Equal(t, float64(4), testutil.ToFloat64(metrics.documents.WithLabelValues("Allow")))
}

func TestBuilder_CustomCap(t *testing.T) {
	t.Parallel()

	b := NewBuilder(WithMaxContextBytes(16))
	doc := b.Allow("u", testARN, map[string]interface{}{"k": "0123456789"})
	assert.True(t, doc.Truncated())

	b = NewBuilder(WithMaxContextBytes(-1))
	assert.Equal(t, DefaultMaxContextBytes, b.maxContextBytes)
}

func TestContext(t *testing.T) {
	t.Parallel()

	ac := &authz.AccessContext{
		UserID:      "user-1",
		Email:       "analyst@example.com",
		Roles:       []string{"analyst"},
		Departments: []string{"re"},
		Clearance:   "l2",
		IPAddress:   "10.0.0.1",
		UserAgent:   "curl/8",
		RequestTime: time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600)),
	}
	rc := &authz.ResourceContext{
		Type:           authz.ResourceDeal,
		ID:             "123",
		Classification: authz.ClassificationConfidential,
		Tags:           map[string]string{"region": "emea"},
	}

	raw, err := json.Marshal(Context(ac, rc))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"user": {
			"id": "user-1",
			"email": "analyst@example.com",
			"roles": ["analyst"],
			"departments": ["re"],
			"location": "",
			"security_clearance": "l2"
		},
		"request": {
			"ip_address": "10.0.0.1",
			"user_agent": "curl/8",
			"timestamp": "2026-03-01T11:00:00Z"
		},
		"resource": {
			"type": "deal",
			"id": "123",
			"mnpi_classification": "confidential",
			"owner_id": "",
			"department": "",
			"tags": {"region": "emea"}
		}
	}`, string(raw))

	noResource := Context(&authz.AccessContext{UserID: "u"}, nil)
	assert.NotContains(t, noResource, "resource")
	assert.Equal(t, "", noResource["request"].(map[string]interface{})["timestamp"])
	assert.Equal(t, []string{}, noResource["user"].(map[string]interface{})["roles"])

	assert.Nil(t, Context(nil, rc))
}
