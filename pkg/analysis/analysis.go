// Package analysis builds a QueryContext from a raw query string using
// ordered keyword classification, no ML model involved.
package analysis

import (
	"regexp"
	"strings"
)

// Query types, most to least specific. Classification is first match
// wins in this order.
const (
	TypeDiagnostic     = "diagnostic"
	TypeTechnical      = "technical"
	TypeProcedural     = "procedural"
	TypeConceptual     = "conceptual"
	TypeCreative       = "creative"
	TypeConversational = "conversational"
)

// Emotional tones.
const (
	ToneUrgent     = "urgent"
	ToneConfused   = "confused"
	ToneFrustrated = "frustrated"
	ToneCurious    = "curious"
	ToneNeutral    = "neutral"
)

// Intents.
const (
	IntentImplementation  = "implementation"
	IntentExplanation     = "explanation"
	IntentTroubleshooting = "troubleshooting"
	IntentComparison      = "comparison"
	IntentOptimization    = "optimization"
)

// QueryContext is the per-query analysis product. Built per query,
// discarded after retrieval.
type QueryContext struct {
	Query          string   `json:"query"`
	QueryType      string   `json:"query_type"`
	Keywords       []string `json:"keywords,omitempty"`
	Intent         string   `json:"intent,omitempty"`
	EmotionalTone  string   `json:"emotional_tone"`
	UrgencyLevel   int      `json:"urgency_level"`
	SessionHistory []string `json:"session_history,omitempty"`
}

// Keyword lists per category, English and Chinese. Order matters:
// diagnostic beats technical beats procedural beats conceptual;
// conversational is the fallback.
var queryTypePatterns = []struct {
	queryType string
	keywords  []string
}{
	{TypeDiagnostic, []string{
		"error", "bug", "fail", "crash", "broken", "exception", "panic",
		"not working", "doesn't work", "why is", "wrong", "fix",
		"报错", "错误", "失败", "崩溃", "不工作", "修复",
	}},
	{TypeTechnical, []string{
		"code", "function", "api", "database", "implement", "config",
		"compile", "deploy", "server", "query", "index", "library",
		"代码", "函数", "接口", "数据库", "实现", "配置", "部署",
	}},
	{TypeProcedural, []string{
		"how to", "how do", "steps", "guide", "tutorial", "install",
		"set up", "setup", "procedure",
		"怎么", "如何", "步骤", "教程", "安装",
	}},
	{TypeConceptual, []string{
		"what is", "what are", "explain", "concept", "difference",
		"meaning", "definition", "why does", "understand",
		"是什么", "解释", "概念", "区别", "含义", "理解",
	}},
	{TypeCreative, []string{
		"write a", "generate", "create a", "design a", "draft",
		"写一个", "生成", "创建", "设计",
	}},
}

var emotionPatterns = []struct {
	tone     string
	urgency  int
	keywords []string
}{
	{ToneUrgent, 5, []string{
		"urgent", "asap", "immediately", "right now", "emergency", "critical",
		"紧急", "立刻", "马上",
	}},
	{ToneFrustrated, 3, []string{
		"frustrated", "annoying", "again", "still not", "keeps failing", "ugh",
		"烦", "又失败",
	}},
	{ToneConfused, 2, []string{
		"confused", "don't understand", "unclear", "lost", "makes no sense",
		"不懂", "不明白", "困惑",
	}},
	{ToneCurious, 1, []string{
		"curious", "wonder", "interesting", "what if",
		"好奇",
	}},
}

var intentPatterns = []struct {
	intent   string
	keywords []string
}{
	{IntentTroubleshooting, []string{"fix", "debug", "error", "broken", "fail", "troubleshoot"}},
	{IntentOptimization, []string{"optimize", "faster", "performance", "slow", "improve", "tune"}},
	{IntentComparison, []string{"vs", "versus", "compare", "difference between", "better than", "or should"}},
	{IntentImplementation, []string{"implement", "build", "create", "write", "add", "integrate"}},
	{IntentExplanation, []string{"explain", "what is", "how does", "why", "understand", "meaning"}},
}

// Analyze builds the QueryContext for one query.
func Analyze(query string, sessionHistory []string) *QueryContext {
	return &QueryContext{
		Query:          query,
		QueryType:      ClassifyQueryType(query),
		Keywords:       ExtractKeywords(query),
		Intent:         ClassifyIntent(query),
		EmotionalTone:  classifyEmotion(query),
		UrgencyLevel:   ComputeUrgency(query),
		SessionHistory: sessionHistory,
	}
}

// ClassifyQueryType runs the ordered keyword match. First category with
// any hit wins; no hit means conversational.
func ClassifyQueryType(query string) string {
	lower := strings.ToLower(query)
	for _, pattern := range queryTypePatterns {
		for _, keyword := range pattern.keywords {
			if strings.Contains(lower, keyword) {
				return pattern.queryType
			}
		}
	}
	return TypeConversational
}

var (
	camelCaseRe = regexp.MustCompile(`\b[a-z]+(?:[A-Z][a-z0-9]*)+\b`)
	snakeCaseRe = regexp.MustCompile(`\b[a-z0-9]+(?:_[a-z0-9]+)+\b`)
	wordRe      = regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9]*`)
)

// technicalLexicon covers the programming / database / system / network
// / data domains.
var technicalLexicon = map[string]bool{
	"api": true, "function": true, "class": true, "method": true,
	"variable": true, "compile": true, "runtime": true, "debug": true,
	"refactor": true, "interface": true, "struct": true, "goroutine": true,
	"database": true, "sql": true, "query": true, "index": true,
	"transaction": true, "migration": true, "schema": true, "postgres": true,
	"vector": true, "embedding": true,
	"server": true, "process": true, "thread": true, "memory": true,
	"cpu": true, "disk": true, "kernel": true, "container": true,
	"docker": true, "linux": true,
	"http": true, "tcp": true, "dns": true, "tls": true, "socket": true,
	"proxy": true, "latency": true, "timeout": true,
	"json": true, "cache": true, "serialization": true, "encoding": true,
	"parser": true, "stream": true, "batch": true, "pipeline": true,
}

// ExtractKeywords pulls camelCase identifiers, snake_case identifiers
// and lexicon hits, deduplicated, original order preserved.
func ExtractKeywords(query string) []string {
	seen := make(map[string]bool)
	var keywords []string
	add := func(kw string) {
		kw = strings.ToLower(kw)
		if kw != "" && !seen[kw] {
			seen[kw] = true
			keywords = append(keywords, kw)
		}
	}

	for _, m := range camelCaseRe.FindAllString(query, -1) {
		add(m)
	}
	for _, m := range snakeCaseRe.FindAllString(query, -1) {
		add(m)
	}
	for _, word := range wordRe.FindAllString(strings.ToLower(query), -1) {
		if technicalLexicon[word] {
			add(word)
		}
	}
	return keywords
}

func classifyEmotion(query string) string {
	lower := strings.ToLower(query)
	for _, pattern := range emotionPatterns {
		for _, keyword := range pattern.keywords {
			if strings.Contains(lower, keyword) {
				return pattern.tone
			}
		}
	}
	return ToneNeutral
}

// ClassifyIntent runs the intent keyword classifier. Empty string means
// no clear intent.
func ClassifyIntent(query string) string {
	lower := strings.ToLower(query)
	for _, pattern := range intentPatterns {
		for _, keyword := range pattern.keywords {
			if strings.Contains(lower, keyword) {
				return pattern.intent
			}
		}
	}
	return ""
}

// urgencyOverrides escalate regardless of tone.
var urgencyOverrides = []struct {
	level    int
	keywords []string
}{
	{5, []string{"production", "outage", "data loss", "down", "严重"}},
	{4, []string{"deadline", "blocking", "blocked", "阻塞"}},
}

// ComputeUrgency is max(baseline from emotion, keyword override),
// clamped to 1..5.
func ComputeUrgency(query string) int {
	lower := strings.ToLower(query)

	urgency := 1
	for _, pattern := range emotionPatterns {
		for _, keyword := range pattern.keywords {
			if strings.Contains(lower, keyword) && pattern.urgency > urgency {
				urgency = pattern.urgency
			}
		}
	}
	for _, override := range urgencyOverrides {
		for _, keyword := range override.keywords {
			if strings.Contains(lower, keyword) && override.level > urgency {
				urgency = override.level
			}
		}
	}

	if urgency < 1 {
		urgency = 1
	}
	if urgency > 5 {
		urgency = 5
	}
	return urgency
}
