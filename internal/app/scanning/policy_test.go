package scanning

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicySetZeroDefaultsGetFallbacks(t *testing.T) {
	t.Parallel()
	ps := NewPolicySet(EnginePolicy{}, nil)

	eff := ps.For("anything")
	assert.Equal(t, DefaultCancelGrace, eff.Grace)
	assert.Equal(t, float64(DefaultEngineWeight), eff.Weight)
	assert.Zero(t, eff.Budget, "no budget means no wall-clock cap")
	assert.Nil(t, eff.Options)
}

func TestPolicySetEngineOverridesInheritUnsetFields(t *testing.T) {
	t.Parallel()
	ps := NewPolicySet(
		EnginePolicy{
			Budget:  5 * time.Minute,
			Grace:   10 * time.Second,
			Weight:  2,
			Options: map[string]any{"depth": 3, "follow_redirects": true},
		},
		map[string]EnginePolicy{
			"web_vuln": {
				Weight:  5,
				Options: map[string]any{"depth": 10, "spider": "ajax"},
			},
		},
	)

	eff := ps.For("web_vuln")
	assert.Equal(t, 5*time.Minute, eff.Budget, "unset budget inherits the default")
	assert.Equal(t, 10*time.Second, eff.Grace, "unset grace inherits the default")
	assert.Equal(t, float64(5), eff.Weight)
	assert.Equal(t, map[string]any{
		"depth":            10,
		"follow_redirects": true,
		"spider":           "ajax",
	}, eff.Options)

	// Engines without an entry get the defaults untouched.
	other := ps.For("port_scan")
	assert.Equal(t, float64(2), other.Weight)
	assert.Equal(t, map[string]any{"depth": 3, "follow_redirects": true}, other.Options)

	assert.Equal(t, float64(5), ps.Weight("web_vuln"))
	assert.Equal(t, float64(2), ps.Weight("port_scan"))
}

func TestMergeOptions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		defaults  map[string]any
		overrides map[string]any
		want      map[string]any
	}{
		{name: "both nil", defaults: nil, overrides: nil, want: nil},
		{
			name:     "defaults only",
			defaults: map[string]any{"depth": 3},
			want:     map[string]any{"depth": 3},
		},
		{
			name:      "overrides only",
			overrides: map[string]any{"depth": 9},
			want:      map[string]any{"depth": 9},
		},
		{
			name:      "overrides win on conflict",
			defaults:  map[string]any{"depth": 3, "timeout": "30s"},
			overrides: map[string]any{"depth": 9},
			want:      map[string]any{"depth": 9, "timeout": "30s"},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := mergeOptions(tt.defaults, tt.overrides)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMergeOptionsDoesNotAliasInputs(t *testing.T) {
	t.Parallel()
	defaults := map[string]any{"depth": 3}
	overrides := map[string]any{"spider": true}

	merged := mergeOptions(defaults, overrides)
	require.NotNil(t, merged)
	merged["depth"] = 99

	assert.Equal(t, 3, defaults["depth"])
	assert.NotContains(t, defaults, "spider")
	assert.NotContains(t, overrides, "depth")
}
