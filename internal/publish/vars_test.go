package publish

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVarsSubstitute(t *testing.T) {
	vars := Vars{"pipeline_id": "p1", "node_id": "edge-7"}

	assert.Equal(t, "infernode/p1/results", vars.Substitute("infernode/{pipeline_id}/results"))
	assert.Equal(t, "edge-7/p1", vars.Substitute("{node_id}/{pipeline_id}"))

	// Unknown variables stay visible rather than vanishing.
	assert.Equal(t, "x/{nope}", vars.Substitute("x/{nope}"))

	// No variables at all.
	assert.Equal(t, "plain", vars.Substitute("plain"))
	assert.Equal(t, "", vars.Substitute(""))
}

func TestVarsSubstituteTimeVariables(t *testing.T) {
	vars := Vars{}

	ts := vars.Substitute("{timestamp}")
	assert.Regexp(t, regexp.MustCompile(`^\d{8}_\d{6}$`), ts)

	date := vars.Substitute("{date}")
	assert.Regexp(t, regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`), date)

	unix := vars.Substitute("{unix_time}")
	assert.Regexp(t, regexp.MustCompile(`^\d+$`), unix)
}

func TestContextVars(t *testing.T) {
	vars := ContextVars("p1", "n1", "edge", "yolo_abc123")
	assert.Equal(t, "p1", vars["pipeline_id"])
	assert.Equal(t, "n1", vars["node_id"])
	assert.Equal(t, "edge", vars["node_name"])
	assert.Equal(t, "yolo_abc123", vars["model_name"])
	assert.NotEmpty(t, vars["hostname"])
}
