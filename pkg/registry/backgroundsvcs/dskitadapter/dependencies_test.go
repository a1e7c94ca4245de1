package dskitadapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDependencyMap(t *testing.T) {
	deps := dependencyMap()

	tests := []struct {
		module string
		want   []string
	}{
		{module: DataSources, want: []string{}},
		{module: Core, want: []string{DataSources}},
		{module: BackgroundServices, want: []string{}},
		{module: All, want: []string{Core, BackgroundServices}},
	}
	require.Len(t, deps, len(tests))
	for _, tc := range tests {
		t.Run(tc.module, func(t *testing.T) {
			got, ok := deps[tc.module]
			require.True(t, ok)
			assert.ElementsMatch(t, tc.want, got)
		})
	}
}

func TestDependencyMap_DataSourcesReachableFromAll(t *testing.T) {
	deps := dependencyMap()

	reached := map[string]bool{}
	var walk func(string)
	walk = func(module string) {
		for _, dep := range deps[module] {
			if !reached[dep] {
				reached[dep] = true
				walk(dep)
			}
		}
	}
	walk(All)

	assert.True(t, reached[Core])
	assert.True(t, reached[DataSources])
	assert.True(t, reached[BackgroundServices])
	assert.False(t, reached[All], "all must not depend on itself")
}
