package httputil

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
)

func TestParsePathString(t *testing.T) {
	tests := []struct {
		name        string
		vars        map[string]string
		key         string
		expected    string
		expectError bool
	}{
		{name: "present", vars: map[string]string{"tenantID": "t1"}, key: "tenantID", expected: "t1"},
		{name: "missing", vars: map[string]string{}, key: "tenantID", expectError: true},
		{name: "empty", vars: map[string]string{"tenantID": ""}, key: "tenantID", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := mux.SetURLVars(httptest.NewRequest("GET", "/test", nil), tt.vars)

			value, err := ParsePathString(req, tt.key)

			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, tt.expected, value)
			}
		})
	}
}

func TestParsePathStringOrError(t *testing.T) {
	req := mux.SetURLVars(httptest.NewRequest("GET", "/test", nil), map[string]string{})
	w := httptest.NewRecorder()

	_, ok := ParsePathStringOrError(w, req, "userID")

	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "userID")
}

func TestParseQueryString(t *testing.T) {
	req := httptest.NewRequest("GET", "/test?feature=billing", nil)

	assert.Equal(t, "billing", ParseQueryString(req, "feature", ""))
	assert.Equal(t, "read", ParseQueryString(req, "action", "read"))
}

func TestValidateAll(t *testing.T) {
	w := httptest.NewRecorder()

	ok := ValidateAll(w,
		func(w http.ResponseWriter) bool { return RequireNonEmpty(w, "billing", "feature") },
		func(w http.ResponseWriter) bool { return RequireNonEmpty(w, "", "action") },
	)

	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "action is required")
}
