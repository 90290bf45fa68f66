package catalog

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 = t0.Add(24 * time.Hour)
	t2 = t1.Add(24 * time.Hour)
)

func fixture() []Package {
	return []Package{
		{ID: "Newtonsoft.Json", Version: "12.0.3", Key: 1, Description: "Json.NET", Published: t0, Authors: []string{"James Newton-King"}},
		{ID: "Newtonsoft.Json", Version: "13.0.1", Key: 2, Title: "Json.NET", Description: "Json.NET", Tags: "json", Published: t1, Authors: []string{"James Newton-King"}},
		{ID: "newtonsoft.json", Version: "14.0.0-beta1", Key: 3, Description: "Json.NET preview", Published: t2, Prerelease: true},
		{ID: "Preview.Only", Version: "0.1.0-alpha", Key: 4, Description: "only prerelease", Published: t1, Prerelease: true},
		{ID: "Unpublished", Version: "1.0.0", Key: 5, Description: "never published"},
	}
}

func keys(pkgs []Package) []int {
	out := make([]int, len(pkgs))
	for i, p := range pkgs {
		out[i] = p.Key
	}
	return out
}

func TestSelectLatest_IncludePrerelease(t *testing.T) {
	got := selectLatest(fixture(), true)
	assert.Equal(t, []int{3, 4, 5}, keys(got))
}

func TestSelectLatest_StableOnly(t *testing.T) {
	// Preview.Only has no stable version and drops out
	got := selectLatest(fixture(), false)
	assert.Equal(t, []int{2, 5}, keys(got))
}

func TestSelectLatest_TieBreaksOnKey(t *testing.T) {
	pkgs := []Package{
		{ID: "Tie", Key: 10, Published: t1},
		{ID: "Tie", Key: 11, Published: t1},
	}
	assert.Equal(t, []int{11}, keys(selectLatest(pkgs, true)))
}

func TestMemoryCatalog_AddReplacesByKey(t *testing.T) {
	// Given: a catalog with one version
	c := NewMemoryCatalog(Package{ID: "A", Key: 1, Description: "old", Published: t0})

	// When: the same key is added again
	c.Add(Package{ID: "A", Key: 1, Description: "new", Published: t0})

	// Then: the version is replaced, not duplicated
	got, err := c.GetLatestPackageVersions(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].Description)
}

func TestMemoryCatalog_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewMemoryCatalog(fixture()...).GetLatestPackageVersions(ctx, true)

	assert.ErrorIs(t, err, context.Canceled)
}

func TestDecode_ValidFile(t *testing.T) {
	input := `
packages:
  - id: Newtonsoft.Json
    version: 13.0.3
    key: 1
    title: Json.NET
    description: Popular high-performance JSON framework for .NET
    tags: json serialization
    authors: [James Newton-King]
    published: 2023-03-08T07:42:54Z
  - id: Draft
    version: 0.0.1-alpha
    key: 2
    description: draft
    prerelease: true
`
	pkgs, err := Decode(strings.NewReader(input))

	require.NoError(t, err)
	require.Len(t, pkgs, 2)
	assert.Equal(t, "Newtonsoft.Json", pkgs[0].ID)
	assert.Equal(t, []string{"James Newton-King"}, pkgs[0].Authors)
	assert.Equal(t, time.Date(2023, 3, 8, 7, 42, 54, 0, time.UTC), pkgs[0].Published)
	assert.True(t, pkgs[1].Published.IsZero())
	assert.True(t, pkgs[1].Prerelease)
}

func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"missing id", "packages:\n  - key: 1\n    description: x\n", "id is required"},
		{"zero key", "packages:\n  - id: A\n    description: x\n", "key must be positive"},
		{"duplicate key", "packages:\n  - id: A\n    key: 1\n  - id: B\n    key: 1\n", "already used"},
		{"unknown field", "packages:\n  - id: A\n    key: 1\n    owner: me\n", "parse catalog file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(tt.input))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDecode_Empty(t *testing.T) {
	pkgs, err := Decode(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, pkgs)
}
