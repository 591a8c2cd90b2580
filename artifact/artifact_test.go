package artifact

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const doc = `
artifacts:
  - repository: team/app
    layers:
      zeta.bin: application/octet-stream
      alpha.json: application/json
    annotations:
      b: "2"
      a: "1"
      org.opencontainers.image.source: https://example.com/repo?x=1&y=2
    dependencies:
      - //lib:pkg
  - name: docs
    repository: team/docs
    artifact_type: application/vnd.team.docs.v1
    layers:
      site: application/vnd.team.site
`

func TestParsePreservesDeclarationOrder(t *testing.T) {
	specs, err := Parse([]byte(doc))
	require.NoError(t, err)
	require.Len(t, specs, 2)

	app := specs[0]
	require.Equal(t, "team/app", app.Name)
	require.Equal(t, DefaultArtifactType, app.ArtifactType)
	require.Equal(t, []Layer{
		{Path: "zeta.bin", MediaType: "application/octet-stream"},
		{Path: "alpha.json", MediaType: "application/json"},
	}, app.Layers)
	require.Equal(t, []Annotation{
		{Key: "b", Value: "2"},
		{Key: "a", Value: "1"},
		{Key: "org.opencontainers.image.source", Value: "https://example.com/repo?x=1&y=2"},
	}, app.Annotations)
	require.Equal(t, []string{"//lib:pkg"}, app.Dependencies)

	docs := specs[1]
	require.Equal(t, "docs", docs.Name)
	require.Equal(t, "application/vnd.team.docs.v1", docs.ArtifactType)
	require.Empty(t, docs.Annotations)
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"no artifacts":         "artifacts: []",
		"missing repository":   "artifacts:\n  - layers:\n      a: b\n",
		"layers not a map":     "artifacts:\n  - repository: r\n    layers: [a, b]\n",
		"duplicate annotation": "artifacts:\n  - repository: r\n    annotations:\n      k: a\n      k: b\n",
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(input))
			require.Error(t, err)
		})
	}
}

func TestParseKeepsValidArtifacts(t *testing.T) {
	specs, err := Parse([]byte(`
artifacts:
  - repository: team/app
    layers:
      app.bin: application/octet-stream
  - name: nameless
  - repository: team/docs
    layers:
      site: text/html
    annotations:
      owner: a
      owner: b
  - repository: team/cli
    layers:
      cli: application/octet-stream
`))
	require.Error(t, err)
	require.ErrorContains(t, err, `artifact 2: artifact "nameless": repository is required`)
	require.ErrorContains(t, err, `artifact 3: artifact "team/docs": duplicate annotation "owner"`)

	var names []string
	for _, s := range specs {
		names = append(names, s.Name)
	}
	require.Equal(t, []string{"team/app", "team/cli"}, names)
}

func TestParseAllowsEmptyLayers(t *testing.T) {
	specs, err := Parse([]byte("artifacts:\n  - repository: team/app\n"))
	require.NoError(t, err)
	require.Empty(t, specs[0].Layers)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "artifacts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	specs, err := Load(path)
	require.NoError(t, err)
	require.Len(t, specs, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
