package capability

import "github.com/opwatch/opwatch/internal/report"

// Handler names. The graph below mirrors the production routing:
// coordinator fans the task into collection, analysis runs over the
// collected corpus, synthesis and decision support close it out.
const (
	HandlerCoordinator      = "coordinator"
	HandlerDataCollection   = "data_collection"
	HandlerContentAnalysis  = "content_analysis"
	HandlerReportGeneration = "report_generation"
	HandlerDecisionSupport  = "decision_support"
)

// Capability names resolved by the tool invocation layer.
const (
	CapCrawlerCreateTask = "crawler.create_task"
	CapCrawlerTaskStatus = "crawler.task_status"
	CapCrawlerQueryPosts = "crawler.query_posts"
	CapCrawlerStatistics = "crawler.statistics"
	CapAnalyzeSensitive  = "analysis.sensitive"
	CapAnalyzeSentiment  = "analysis.sentiment"
	CapExtractTopics     = "analysis.topics"
	CapDetectTrends      = "analysis.trends"
	CapAnalyzeEngagement = "analysis.engagement"
)

// CategoryFor maps an analysis capability to the report category its
// results feed. Crawler capabilities carry no category.
func CategoryFor(name string) (report.Category, bool) {
	switch name {
	case CapAnalyzeSentiment:
		return report.CategorySentiment, true
	case CapAnalyzeSensitive:
		return report.CategorySensitiveContent, true
	case CapExtractTopics:
		return report.CategoryTopics, true
	case CapDetectTrends:
		return report.CategoryTrends, true
	case CapAnalyzeEngagement:
		return report.CategoryEngagement, true
	}
	return "", false
}

// DefaultHandlerCards returns the built-in handler graph.
func DefaultHandlerCards() []HandlerCard {
	return []HandlerCard{
		{
			Name:        HandlerCoordinator,
			Version:     "v1",
			Description: "Interprets the analysis request and routes the task",
			Instructions: `You coordinate a public-opinion analysis. Read the request, decide what
data is needed (keywords, platforms, time range, post volume), then hand
off. Hand off to data_collection when new data must be crawled; hand off
to content_analysis when the session already holds a usable dataset. Use
crawler.statistics to check what is already collected. Do not analyze
content yourself and do not emit report sections.`,
			Capabilities: []string{CapCrawlerStatistics},
			Handoffs:     []string{HandlerDataCollection, HandlerContentAnalysis},
		},
		{
			Name:        HandlerDataCollection,
			Version:     "v1",
			Description: "Drives crawler capabilities and assembles the dataset",
			Instructions: `You collect social-media data for the requested keywords. Create crawler
tasks (platforms: douyin, xhs, bilibili, weibo, kuaishou; modes: search,
detail, creator, homefeed), poll their status until completion, then load
the results with crawler.query_posts. Emit data_overview once the dataset
is assembled, then hand off to content_analysis. Prefer search mode with
the request keywords unless the request names specific creators or posts.`,
			Capabilities: []string{
				CapCrawlerCreateTask, CapCrawlerTaskStatus,
				CapCrawlerQueryPosts, CapCrawlerStatistics,
			},
			Handoffs: []string{HandlerContentAnalysis},
			Outputs:  []report.Category{report.CategoryDataOverview},
		},
		{
			Name:        HandlerContentAnalysis,
			Version:     "v1",
			Description: "Runs the analysis fan-out over the collected dataset",
			Instructions: `You analyze the collected dataset. Run sensitive-content detection first;
its outcome gates how the rest is prioritized. Then request sentiment,
topics, trends and engagement in one batch so they run concurrently.
Emit one report section per completed analysis; skip sections whose
capability failed rather than inventing numbers. Hand off to
report_generation when the analyses you could run are emitted.`,
			Capabilities: []string{
				CapAnalyzeSensitive, CapAnalyzeSentiment,
				CapExtractTopics, CapDetectTrends, CapAnalyzeEngagement,
			},
			Handoffs: []string{HandlerReportGeneration},
			Outputs: []report.Category{
				report.CategorySensitiveContent, report.CategorySentiment,
				report.CategoryTopics, report.CategoryTrends, report.CategoryEngagement,
			},
		},
		{
			Name:        HandlerReportGeneration,
			Version:     "v1",
			Description: "Synthesizes category results into the report narrative",
			Instructions: `You write the executive summary from the emitted report sections. Cover
dataset scope, dominant sentiment, leading topics and trends, and any
sensitive-content findings, in plain language for a non-technical reader.
Emit executive_summary, then hand off to decision_support.`,
			Handoffs: []string{HandlerDecisionSupport},
			Outputs:  []report.Category{report.CategoryExecutiveSummary},
		},
		{
			Name:        HandlerDecisionSupport,
			Version:     "v1",
			Description: "Produces the risk assessment and recommended actions",
			Instructions: `You close the analysis. Assess overall risk (low, medium, high or
critical) with a 0-100 score and named risk factors backed by evidence
from the report sections. Emit risk_assessment and recommendations
(each with action, priority and timeline), then finish the task.`,
			Outputs: []report.Category{
				report.CategoryRiskAssessment, report.CategoryRecommendations,
			},
		},
	}
}
