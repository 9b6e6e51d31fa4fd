package iam_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/permengine/pkg/iam"
)

func TestReason_String(t *testing.T) {
	tests := []struct {
		reason iam.Reason
		want   string
	}{
		{iam.Reason{Code: iam.ReasonSuperAdmin}, "superadmin"},
		{iam.Reason{Code: iam.ReasonTenantInactive}, "tenant-inactive"},
		{iam.Reason{Code: iam.ReasonFeatureLocked}, "feature-locked"},
		{iam.Reason{Code: iam.ReasonRole, RoleKey: "owner"}, "role:owner"},
		{iam.Reason{Code: iam.ReasonStoreUnavailable}, "store-unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.reason.String())

			parsed, err := iam.ParseReason(tt.want)
			require.NoError(t, err)
			assert.Equal(t, tt.reason, parsed)
		})
	}
}

func TestParseReason_Unknown(t *testing.T) {
	_, err := iam.ParseReason("because")
	assert.ErrorIs(t, err, iam.ErrInvalidArgument)
}

func TestDecision_JSON(t *testing.T) {
	d := iam.Decision{Effect: iam.Locked, Reason: iam.Reason{Code: iam.ReasonFeatureLocked}}
	data, err := json.Marshal(d)
	require.NoError(t, err)
	assert.JSONEq(t, `{"effect":"locked","reason":"feature-locked"}`, string(data))
	assert.False(t, d.Allowed())
	assert.True(t, d.Locked())
}
