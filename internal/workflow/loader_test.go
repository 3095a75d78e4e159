package workflow

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecouncil/council/internal/agent"
	"github.com/tradecouncil/council/internal/fault"
)

const sampleYAML = `
id: earnings_review
name: Earnings Review
version: 1.2.0
timeout: 10m
failure_strategy: continue
steps:
  - id: fetch
    agent_kinds: [market_analyst]
    timeout: 90s
  - id: debate
    name: earnings_debate
    agent_kinds: [bull_researcher, bear_researcher]
    depends_on: [fetch]
    parallel: true
    timeout: 4m
    max_retries: 2
`

func TestImportYAML(t *testing.T) {
	def, err := Import([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "earnings_review", def.ID)
	assert.Equal(t, "1.2.0", def.Version)
	assert.Equal(t, 10*time.Minute, def.Timeout)
	assert.Equal(t, FailContinue, def.FailureStrategy)
	require.Len(t, def.Steps, 2)

	// a step without a name inherits its id
	assert.Equal(t, "fetch", def.Steps[0].Name)
	assert.Equal(t, 90*time.Second, def.Steps[0].Timeout)

	assert.Equal(t, "earnings_debate", def.Steps[1].Name)
	assert.Equal(t, []agent.Kind{agent.KindBullResearcher, agent.KindBearResearcher}, def.Steps[1].AgentKinds)
	assert.Equal(t, []string{"fetch"}, def.Steps[1].DependsOn)
	assert.True(t, def.Steps[1].Parallel)
	assert.Equal(t, 2, def.Steps[1].MaxRetries)
}

func TestImportJSON(t *testing.T) {
	doc := `{
	  "id": "spot_check",
	  "name": "Spot Check",
	  "version": "0.1.0",
	  "steps": [
	    {"id": "look", "agent_kinds": ["market_analyst"], "timeout": "30s"}
	  ]
	}`
	def, err := Import([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "spot_check", def.ID)
	assert.Equal(t, 30*time.Second, def.Steps[0].Timeout)
}

func TestImportRejectsBadInput(t *testing.T) {
	_, err := Import(nil)
	assert.Equal(t, fault.KindInvalid, fault.KindOf(err))

	_, err = Import([]byte("{{{ not a document"))
	assert.Equal(t, fault.KindInvalid, fault.KindOf(err))

	bad := strings.Replace(sampleYAML, "timeout: 90s", "timeout: ninety", 1)
	_, err = Import([]byte(bad))
	require.Error(t, err)
	assert.Equal(t, fault.KindInvalid, fault.KindOf(err))
	assert.Contains(t, err.Error(), "invalid timeout")

	unknownKind := strings.Replace(sampleYAML, "[market_analyst]", "[astrologer]", 1)
	_, err = Import([]byte(unknownKind))
	assert.Equal(t, fault.KindInvalid, fault.KindOf(err))
}

func TestExportRoundTrip(t *testing.T) {
	l := NewLibrary()
	quick, err := l.Get(QuickAnalysisID)
	require.NoError(t, err)

	for _, format := range []ExportFormat{FormatYAML, FormatJSON} {
		data, err := Export(quick, format)
		require.NoError(t, err)

		back, err := Import(data)
		require.NoError(t, err)
		assert.Equal(t, quick.ID, back.ID)
		assert.Equal(t, quick.Version, back.Version)
		assert.Equal(t, quick.Timeout, back.Timeout)
		require.Len(t, back.Steps, len(quick.Steps))
		for i := range quick.Steps {
			assert.Equal(t, quick.Steps[i].ID, back.Steps[i].ID)
			assert.Equal(t, quick.Steps[i].AgentKinds, back.Steps[i].AgentKinds)
			assert.Equal(t, quick.Steps[i].Timeout, back.Steps[i].Timeout)
		}
	}

	_, err = Export(nil, FormatYAML)
	assert.Equal(t, fault.KindInvalid, fault.KindOf(err))

	_, err = Export(quick, "toml")
	assert.Equal(t, fault.KindInvalid, fault.KindOf(err))
}

func TestExportToFilePicksFormat(t *testing.T) {
	l := NewLibrary()
	quick, err := l.Get(QuickAnalysisID)
	require.NoError(t, err)

	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "nested", "quick.json")
	require.NoError(t, ExportToFile(quick, jsonPath))

	raw, err := os.ReadFile(jsonPath)
	require.NoError(t, err)
	var spec map[string]any
	require.NoError(t, json.Unmarshal(raw, &spec), "a .json path exports JSON")
	assert.Equal(t, QuickAnalysisID, spec["id"])

	yamlPath := filepath.Join(dir, "quick.yaml")
	require.NoError(t, ExportToFile(quick, yamlPath))
	raw, err = os.ReadFile(yamlPath)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(raw), "#"), "YAML export carries a header comment")
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(sampleYAML), 0o600))

	doc := `{"id":"spot_check","name":"Spot Check","version":"0.1.0",` +
		`"steps":[{"id":"look","agent_kinds":["market_analyst"]}]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.json"), []byte(doc), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o750))

	l := NewLibrary()
	loaded, err := l.LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded)

	_, err = l.Get("earnings_review")
	assert.NoError(t, err)
	_, err = l.Get("spot_check")
	assert.NoError(t, err)
}

func TestLoadDirStopsOnBadFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("id: broken"), 0o600))

	l := NewLibrary()
	loaded, err := l.LoadDir(dir)
	require.Error(t, err)
	assert.Equal(t, 0, loaded)
	assert.Contains(t, err.Error(), "bad.yaml")

	_, err = l.LoadDir(filepath.Join(dir, "missing"))
	assert.Equal(t, fault.KindInvalid, fault.KindOf(err))
}
