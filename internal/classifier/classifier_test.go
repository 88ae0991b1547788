package classifier

import (
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avauthz/internal/authz"
)

func TestResourceTypeOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path string
		want authz.ResourceType
	}{
		{path: "/deals/123", want: authz.ResourceDeal},
		{path: "/v1/DEALS", want: authz.ResourceDeal},
		{path: "/documents/abc", want: authz.ResourceDocument},
		{path: "/analysis/42", want: authz.ResourceAnalysis},
		{path: "/analyze", want: authz.ResourceAnalysis},
		{path: "/reports/q1", want: authz.ResourceReport},
		{path: "/users/7", want: authz.ResourceUser},
		{path: "/admin/settings", want: authz.ResourceUser},
		{path: "/health", want: authz.ResourceAPI},
		{path: "", want: authz.ResourceAPI},
		// First match wins.
		{path: "/deals/1/documents/2", want: authz.ResourceDeal},
		{path: "/documents/deals-summary", want: authz.ResourceDeal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ResourceTypeOf(tt.path), tt.path)
	}
}

func TestResourceID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		path string
		want string
	}{
		{name: "short numeric", path: "/deals/123", want: "123"},
		{name: "uuid", path: "/v1/deals/550e8400-e29b-41d4-a716-446655440000/notes", want: "550e8400-e29b-41d4-a716-446655440000"},
		{name: "short word", path: "/deals/abc", want: ""},
		{name: "underscore id", path: "/users/john_smith_01", want: "john_smith_01"},
		{name: "exactly eight chars", path: "/analysis/abcdefgh", want: ""},
		{name: "nine chars", path: "/analysis/abcdefghi", want: "abcdefghi"},
		{name: "collection name qualifies", path: "/documents/x", want: "documents"},
		{name: "year mistaken for id", path: "/reports/2024/q1", want: "2024"},
		{name: "dot excluded", path: "/deals/summary-2024.pdf", want: ""},
		{name: "non-ascii excluded", path: "/deals/déal-numéro-un", want: ""},
		{name: "encoded excluded", path: "/deals/%31%32%33", want: ""},
		{name: "empty segments", path: "//deals//77", want: "77"},
		{name: "empty path", path: "", want: ""},
		{name: "root", path: "/", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ResourceID(tt.path))
		})
	}
}

func TestRequiredPermission(t *testing.T) {
	t.Parallel()

	tests := []struct {
		rt     authz.ResourceType
		method string
		want   authz.Permission
	}{
		{authz.ResourceDeal, http.MethodGet, authz.ReadDeals},
		{authz.ResourceDeal, http.MethodHead, authz.ReadDeals},
		{authz.ResourceDeal, http.MethodPost, authz.WriteDeals},
		{authz.ResourceDeal, http.MethodPut, authz.WriteDeals},
		{authz.ResourceDeal, http.MethodPatch, authz.WriteDeals},
		{authz.ResourceDeal, http.MethodDelete, authz.DeleteDeals},
		{authz.ResourceDeal, "delete", authz.DeleteDeals},
		{authz.ResourceDocument, http.MethodGet, authz.ViewDocuments},
		{authz.ResourceDocument, http.MethodPost, authz.UploadDocuments},
		{authz.ResourceDocument, http.MethodPut, authz.UploadDocuments},
		{authz.ResourceDocument, http.MethodDelete, authz.DeleteDocuments},
		{authz.ResourceAnalysis, http.MethodGet, authz.ViewAnalysis},
		{authz.ResourceAnalysis, http.MethodPost, authz.RunAnalysis},
		{authz.ResourceAnalysis, http.MethodDelete, authz.RunAnalysis},
		{authz.ResourceReport, http.MethodOptions, authz.ViewReports},
		{authz.ResourceReport, http.MethodPost, authz.GenerateReports},
		{authz.ResourceReport, http.MethodDelete, authz.GenerateReports},
		{authz.ResourceUser, http.MethodGet, authz.ManageUsers},
		{authz.ResourceUser, http.MethodDelete, authz.ManageUsers},
		{authz.ResourceAPI, http.MethodPost, authz.ReadDeals},
		{authz.ResourceDeal, "PURGE", authz.WriteDeals},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RequiredPermission(tt.rt, tt.method), "%s %s", tt.rt, tt.method)
	}
}

func TestClassifier_Classify(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics("test")
	c := New(Config{}, WithMetrics(metrics))

	res, perm := c.Classify(http.MethodDelete, "/deals/123?force=true", map[string]string{
		"x-mnpi-classification": "Confidential",
	})
	require.NotNil(t, res)
	assert.Equal(t, authz.ResourceDeal, res.Type)
	assert.Equal(t, "123", res.ID)
	assert.Equal(t, authz.ClassificationConfidential, res.Classification)
	assert.Equal(t, authz.DeleteDeals, perm)
	assert.Empty(t, res.OwnerID)
	assert.Nil(t, res.Tags)

	res, _ = c.Classify(http.MethodGet, "/reports", nil)
	assert.Equal(t, authz.ClassificationUnset, res.Classification)

	res, _ = c.Classify(http.MethodGet, "/reports", map[string]string{"X-MNPI-Classification": "top-secret"})
	assert.Equal(t, authz.ClassificationInternal, res.Classification)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.unrecognized))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.classified.WithLabelValues("report")))
}

func TestClassifier_TrustedAttributeHeaders(t *testing.T) {
	t.Parallel()

	c := New(Config{
		ClassificationHeader: "X-Sensitivity",
		OwnerHeader:          "X-Resource-Owner",
		DepartmentHeader:     "X-Resource-Department",
		TagPrefix:            "X-Resource-Tag-",
	})

	res, perm := c.Classify(http.MethodGet, "/documents/contract-7781", map[string]string{
		"X-Sensitivity":            "restricted",
		"x-resource-owner":         "user-9",
		"X-Resource-Department":    "re",
		"X-Resource-Tag-Region":    "emea",
		"x-resource-tag-deal-team": "blue",
		"X-Resource-Tag-":          "ignored",
	})
	assert.Equal(t, authz.ViewDocuments, perm)
	assert.Equal(t, "documents", res.ID)
	assert.Equal(t, authz.ClassificationRestricted, res.Classification)
	assert.Equal(t, "user-9", res.OwnerID)
	assert.Equal(t, "re", res.Department)
	assert.Equal(t, map[string]string{"region": "emea", "deal-team": "blue"}, res.Tags)
}

func TestClassifier_IgnoresAttributeHeadersUnlessConfigured(t *testing.T) {
	t.Parallel()

	res, _ := New(Config{}).Classify(http.MethodGet, "/deals/1", map[string]string{
		"X-Resource-Owner":      "user-9",
		"X-Resource-Department": "re",
	})
	assert.Empty(t, res.OwnerID)
	assert.Empty(t, res.Department)
}

func TestParseMethodARN(t *testing.T) {
	t.Parallel()

	arn, err := ParseMethodARN("arn:aws:execute-api:us-east-1:123456789012:abc123/prod/delete/deals/123")
	require.NoError(t, err)
	assert.Equal(t, &MethodARN{
		Region:    "us-east-1",
		AccountID: "123456789012",
		APIID:     "abc123",
		Stage:     "prod",
		Method:    "DELETE",
		Path:      "/deals/123",
	}, arn)

	arn, err = ParseMethodARN("arn:aws:execute-api:eu-west-1:1:api/dev/GET")
	require.NoError(t, err)
	assert.Equal(t, "/", arn.Path)

	for _, bad := range []string{
		"",
		"/deals/123",
		"arn:aws:s3:::bucket/key",
		"arn:aws:execute-api:us-east-1:1:api",
		"arn:aws:execute-api:us-east-1:1:api/prod",
		"arn:aws:execute-api:us-east-1:1:api/prod//deals",
	} {
		_, err := ParseMethodARN(bad)
		assert.ErrorIs(t, err, ErrInvalidARN, bad)
	}
}
