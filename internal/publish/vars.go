package publish

import (
	"os"
	"regexp"
	"strconv"
	"time"
)

var varPattern = regexp.MustCompile(`\{([a-z_]+)\}`)

// Vars are the template variables available to destination settings such as
// MQTT topics, webhook URLs and folder filename patterns.
type Vars map[string]string

// ContextVars builds the static variable set for one pipeline. Time-based
// variables are filled in per send by Substitute.
func ContextVars(pipelineID, nodeID, nodeName, modelName string) Vars {
	hostname, _ := os.Hostname()
	return Vars{
		"pipeline_id": pipelineID,
		"node_id":     nodeID,
		"node_name":   nodeName,
		"model_name":  modelName,
		"hostname":    hostname,
	}
}

// Substitute replaces every known {variable} in the template. Unknown
// variables are left intact so misconfigurations stay visible in the output
// instead of silently vanishing.
func (v Vars) Substitute(template string) string {
	if template == "" {
		return template
	}
	now := time.Now()
	return varPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := match[1 : len(match)-1]
		if val, ok := v[name]; ok {
			return val
		}
		switch name {
		case "timestamp":
			return now.Format("20060102_150405")
		case "date":
			return now.Format("2006-01-02")
		case "time":
			return now.Format("15-04-05")
		case "unix_time":
			return strconv.FormatInt(now.Unix(), 10)
		}
		return match
	})
}
