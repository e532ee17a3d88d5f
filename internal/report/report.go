package report

import (
	"encoding/json"
	"fmt"
	"time"
)

// Category identifies one section of the analysis report. Handlers emit
// results per category; the registry restricts which handler may emit which.
type Category string

const (
	CategoryDataOverview     Category = "data_overview"
	CategorySensitiveContent Category = "sensitive_content"
	CategorySentiment        Category = "sentiment"
	CategoryTopics           Category = "topics"
	CategoryTrends           Category = "trends"
	CategoryEngagement       Category = "engagement"
	CategoryRiskAssessment   Category = "risk_assessment"
	CategoryRecommendations  Category = "recommendations"
	CategoryExecutiveSummary Category = "executive_summary"
)

// AnalysisCategories are the fan-out categories produced over the collected
// dataset by the content-analysis handler.
var AnalysisCategories = []Category{
	CategorySensitiveContent,
	CategorySentiment,
	CategoryTopics,
	CategoryTrends,
	CategoryEngagement,
}

var knownCategories = map[Category]struct{}{
	CategoryDataOverview:     {},
	CategorySensitiveContent: {},
	CategorySentiment:        {},
	CategoryTopics:           {},
	CategoryTrends:           {},
	CategoryEngagement:       {},
	CategoryRiskAssessment:   {},
	CategoryRecommendations:  {},
	CategoryExecutiveSummary: {},
}

// Known reports whether c names a report category.
func Known(c Category) bool {
	_, ok := knownCategories[c]
	return ok
}

// DataOverview summarizes the collected dataset.
type DataOverview struct {
	TotalPosts    int      `json:"total_posts"`
	TotalAccounts int      `json:"total_accounts"`
	Platforms     []string `json:"platforms"`
}

// SensitiveExample is a flagged item kept for reviewer context.
type SensitiveExample struct {
	PostID string `json:"post_id"`
	Level  string `json:"level"`
	Reason string `json:"reason,omitempty"`
}

// SensitiveSummary aggregates sensitive-content detection results.
type SensitiveSummary struct {
	FlaggedCount int                `json:"flagged_count"`
	FlagRate     float64            `json:"flag_rate"`
	Levels       map[string]int     `json:"levels,omitempty"`
	Examples     []SensitiveExample `json:"examples,omitempty"`
}

// SentimentSummary aggregates sentiment scores over the dataset.
type SentimentSummary struct {
	OverallSentiment      string             `json:"overall_sentiment"`
	AverageScore          float64            `json:"average_score"`
	SentimentDistribution map[string]int     `json:"sentiment_distribution,omitempty"`
	Emotions              map[string]float64 `json:"emotions,omitempty"`
}

// TopicSummary describes one extracted topic cluster.
type TopicSummary struct {
	TopicName     string   `json:"topic_name"`
	Keywords      []string `json:"keywords,omitempty"`
	DocumentCount int      `json:"document_count"`
	Percentage    float64  `json:"percentage"`
}

// TrendSummary describes one detected trend over the observation window.
type TrendSummary struct {
	TrendName       string   `json:"trend_name"`
	TrendType       string   `json:"trend_type"`
	GrowthRate      float64  `json:"growth_rate"`
	PostCount       int      `json:"post_count"`
	TotalEngagement int      `json:"total_engagement"`
	RelatedKeywords []string `json:"related_keywords,omitempty"`
}

// EngagementSummary aggregates interaction levels against the platform benchmark.
type EngagementSummary struct {
	AverageEngagement float64        `json:"average_engagement"`
	Distribution      map[string]int `json:"distribution,omitempty"`
	Benchmark         float64        `json:"benchmark"`
}

// RiskFactor is one contributor to the overall risk score.
type RiskFactor struct {
	Factor   string `json:"factor"`
	Severity string `json:"severity"`
	Evidence string `json:"evidence,omitempty"`
}

// RiskAssessment is the decision-support risk verdict.
type RiskAssessment struct {
	OverallRiskLevel string       `json:"overall_risk_level"`
	RiskScore        float64      `json:"risk_score"`
	RiskFactors      []RiskFactor `json:"risk_factors,omitempty"`
}

// Recommendation is one suggested action with priority and timeline.
type Recommendation struct {
	Action   string `json:"action"`
	Priority string `json:"priority"`
	Timeline string `json:"timeline,omitempty"`
}

// ExecutiveSummary wraps the report narrative.
type ExecutiveSummary struct {
	Summary string `json:"summary"`
}

// Report is the final analysis product. Categories that were never emitted
// stay at their zero value and are omitted from the JSON encoding; readers
// distinguish "absent" from "empty" through the omitempty contract.
type Report struct {
	ExecutiveSummary        string             `json:"executive_summary,omitempty"`
	DataOverview            *DataOverview      `json:"data_overview,omitempty"`
	SensitiveContentSummary *SensitiveSummary  `json:"sensitive_content_summary,omitempty"`
	SentimentSummary        *SentimentSummary  `json:"sentiment_summary,omitempty"`
	TopicSummary            []TopicSummary     `json:"topic_summary,omitempty"`
	TrendSummary            []TrendSummary     `json:"trend_summary,omitempty"`
	EngagementSummary       *EngagementSummary `json:"engagement_summary,omitempty"`
	RiskAssessment          *RiskAssessment    `json:"risk_assessment,omitempty"`
	Recommendations         []Recommendation   `json:"recommendations,omitempty"`
	Partial                 bool               `json:"partial"`
	Warnings                []string           `json:"warnings,omitempty"`
	GeneratedAt             time.Time          `json:"generated_at"`
}

// Has reports whether the category has been filled in.
func (r *Report) Has(c Category) bool {
	switch c {
	case CategoryDataOverview:
		return r.DataOverview != nil
	case CategorySensitiveContent:
		return r.SensitiveContentSummary != nil
	case CategorySentiment:
		return r.SentimentSummary != nil
	case CategoryTopics:
		return r.TopicSummary != nil
	case CategoryTrends:
		return r.TrendSummary != nil
	case CategoryEngagement:
		return r.EngagementSummary != nil
	case CategoryRiskAssessment:
		return r.RiskAssessment != nil
	case CategoryRecommendations:
		return r.Recommendations != nil
	case CategoryExecutiveSummary:
		return r.ExecutiveSummary != ""
	}
	return false
}

// Categories lists the categories currently present.
func (r *Report) Categories() []Category {
	var out []Category
	for _, c := range []Category{
		CategoryDataOverview, CategorySensitiveContent, CategorySentiment,
		CategoryTopics, CategoryTrends, CategoryEngagement,
		CategoryRiskAssessment, CategoryRecommendations, CategoryExecutiveSummary,
	} {
		if r.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

// Apply validates payload against the category schema and writes it into the
// report, replacing any previous value for the category. Unknown categories
// and schema violations are rejected without touching the report.
func (r *Report) Apply(c Category, payload json.RawMessage) error {
	if !Known(c) {
		return fmt.Errorf("unknown report category %q", c)
	}
	if err := ValidatePayload(c, payload); err != nil {
		return err
	}
	switch c {
	case CategoryDataOverview:
		var v DataOverview
		if err := json.Unmarshal(payload, &v); err != nil {
			return fmt.Errorf("decode %s: %w", c, err)
		}
		r.DataOverview = &v
	case CategorySensitiveContent:
		var v SensitiveSummary
		if err := json.Unmarshal(payload, &v); err != nil {
			return fmt.Errorf("decode %s: %w", c, err)
		}
		r.SensitiveContentSummary = &v
	case CategorySentiment:
		var v SentimentSummary
		if err := json.Unmarshal(payload, &v); err != nil {
			return fmt.Errorf("decode %s: %w", c, err)
		}
		r.SentimentSummary = &v
	case CategoryTopics:
		var v []TopicSummary
		if err := json.Unmarshal(payload, &v); err != nil {
			return fmt.Errorf("decode %s: %w", c, err)
		}
		r.TopicSummary = v
	case CategoryTrends:
		var v []TrendSummary
		if err := json.Unmarshal(payload, &v); err != nil {
			return fmt.Errorf("decode %s: %w", c, err)
		}
		r.TrendSummary = v
	case CategoryEngagement:
		var v EngagementSummary
		if err := json.Unmarshal(payload, &v); err != nil {
			return fmt.Errorf("decode %s: %w", c, err)
		}
		r.EngagementSummary = &v
	case CategoryRiskAssessment:
		var v RiskAssessment
		if err := json.Unmarshal(payload, &v); err != nil {
			return fmt.Errorf("decode %s: %w", c, err)
		}
		r.RiskAssessment = &v
	case CategoryRecommendations:
		var v []Recommendation
		if err := json.Unmarshal(payload, &v); err != nil {
			return fmt.Errorf("decode %s: %w", c, err)
		}
		r.Recommendations = v
	case CategoryExecutiveSummary:
		var v ExecutiveSummary
		if err := json.Unmarshal(payload, &v); err != nil {
			return fmt.Errorf("decode %s: %w", c, err)
		}
		r.ExecutiveSummary = v.Summary
	}
	return nil
}
