package transcript

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// AgentMetadata is attached to assistant messages that follow one of the
// documented sub-agent report formats.
type AgentMetadata struct {
	AgentName       string          `json:"agent_name"`
	ReportType      string          `json:"report_type,omitempty"`
	Format          string          `json:"format"`
	TaskID          string          `json:"task_id,omitempty"`
	ExecutionTime   float64         `json:"execution_time,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	ContentFeatures map[string]bool `json:"content_features"`
	Completeness    float64         `json:"completeness"`
}

var (
	// === Analysis Report by @researcher ===
	standardHeaderRe = regexp.MustCompile(`(?m)^===\s*(?:(.+?)\s+)?Report by @([\w-]+)\s*===`)

	// Agent Report: researcher
	simpleHeaderRe = regexp.MustCompile(`(?m)^Agent Report:\s*([\w-]+)`)

	// @researcher at the very start of the message
	mentionRe = regexp.MustCompile(`^@([\w-]+)\s`)

	// <!-- AGENT_METADATA {"agent_name": "..."} -->
	metadataBlockRe = regexp.MustCompile(`<!--\s*AGENT_METADATA\s*(\{.*?\})\s*-->`)

	taskIDRe        = regexp.MustCompile(`(?i)task[_ ]?id[:=]?\s*([\w-]+)`)
	executionTimeRe = regexp.MustCompile(`(?i)execution[_ ]?time[:=]?\s*([\d.]+)`)
)

// DetectAgentReport classifies an assistant message against the known
// report formats. Returns nil for an ordinary message.
func DetectAgentReport(content string) *AgentMetadata {
	if content == "" {
		return nil
	}

	meta := &AgentMetadata{}
	switch {
	case standardHeaderRe.MatchString(content):
		m := standardHeaderRe.FindStringSubmatch(content)
		meta.Format = "standard"
		meta.ReportType = strings.TrimSpace(m[1])
		meta.AgentName = m[2]
	case simpleHeaderRe.MatchString(content):
		meta.Format = "simple"
		meta.AgentName = simpleHeaderRe.FindStringSubmatch(content)[1]
	case metadataBlockRe.MatchString(content):
		meta.Format = "generic"
	case mentionRe.MatchString(content):
		meta.Format = "mention"
		meta.AgentName = mentionRe.FindStringSubmatch(content)[1]
	default:
		return nil
	}

	if m := metadataBlockRe.FindStringSubmatch(content); m != nil {
		var embedded map[string]any
		if err := json.Unmarshal([]byte(m[1]), &embedded); err == nil {
			meta.Metadata = json.RawMessage(m[1])
			if name, ok := embedded["agent_name"].(string); ok && meta.AgentName == "" {
				meta.AgentName = name
			}
		}
	}

	if m := taskIDRe.FindStringSubmatch(content); m != nil {
		meta.TaskID = m[1]
	}
	if m := executionTimeRe.FindStringSubmatch(content); m != nil {
		if seconds, err := strconv.ParseFloat(m[1], 64); err == nil {
			meta.ExecutionTime = seconds
		}
	}

	meta.ContentFeatures = contentFeatures(content)
	present := 0
	for _, ok := range meta.ContentFeatures {
		if ok {
			present++
		}
	}
	meta.Completeness = float64(present) / float64(len(meta.ContentFeatures))
	return meta
}

// contentFeatures checks for the structural sections a complete report
// carries. The completeness score is the fraction present.
func contentFeatures(content string) map[string]bool {
	lower := strings.ToLower(content)
	return map[string]bool{
		"has_execution_id":    strings.Contains(lower, "execution id") || strings.Contains(lower, "execution_id") || taskIDRe.MatchString(content),
		"has_metrics":         strings.Contains(lower, "metric") || executionTimeRe.MatchString(content),
		"has_errors":          strings.Contains(lower, "error"),
		"has_warnings":        strings.Contains(lower, "warning"),
		"has_success":         strings.Contains(lower, "success") || strings.Contains(lower, "completed") || strings.Contains(content, "✅"),
		"has_recommendations": strings.Contains(lower, "recommend"),
	}
}
