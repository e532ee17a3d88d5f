package report

import (
	"encoding/json"
	"testing"
)

func TestApplySentiment(t *testing.T) {
	var r Report
	payload := json.RawMessage(`{
		"overall_sentiment": "negative",
		"average_score": -0.42,
		"sentiment_distribution": {"positive": 40, "neutral": 60, "negative": 100},
		"emotions": {"anger": 0.38, "joy": 0.12}
	}`)
	if err := r.Apply(CategorySentiment, payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.SentimentSummary == nil {
		t.Fatalf("expected sentiment summary to be set")
	}
	if r.SentimentSummary.OverallSentiment != "negative" {
		t.Fatalf("expected negative sentiment, got %s", r.SentimentSummary.OverallSentiment)
	}
	if !r.Has(CategorySentiment) {
		t.Fatalf("expected Has to report sentiment present")
	}
	if r.Has(CategoryTopics) {
		t.Fatalf("topics should stay absent")
	}
}

func TestApplyRejectsSchemaMismatch(t *testing.T) {
	var r Report
	// average_score must be a number
	payload := json.RawMessage(`{"overall_sentiment": "positive", "average_score": "high"}`)
	if err := r.Apply(CategorySentiment, payload); err == nil {
		t.Fatalf("expected schema error")
	}
	if r.SentimentSummary != nil {
		t.Fatalf("report must stay untouched after a rejected payload")
	}

	// missing required field
	payload = json.RawMessage(`{"total_posts": 10, "platforms": []}`)
	if err := r.Apply(CategoryDataOverview, payload); err == nil {
		t.Fatalf("expected missing total_accounts to fail validation")
	}
}

func TestApplyRejectsUnknownCategory(t *testing.T) {
	var r Report
	if err := r.Apply(Category("weather"), json.RawMessage(`{}`)); err == nil {
		t.Fatalf("expected unknown category error")
	}
}

func TestApplyListCategories(t *testing.T) {
	var r Report
	topics := json.RawMessage(`[
		{"topic_name": "price hike", "keywords": ["price", "increase"], "document_count": 120, "percentage": 48.0},
		{"topic_name": "service quality", "document_count": 80, "percentage": 32.0}
	]`)
	if err := r.Apply(CategoryTopics, topics); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(r.TopicSummary) != 2 {
		t.Fatalf("expected 2 topics, got %d", len(r.TopicSummary))
	}

	recs := json.RawMessage(`[{"action": "publish clarification", "priority": "high", "timeline": "24h"}]`)
	if err := r.Apply(CategoryRecommendations, recs); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(r.Recommendations) != 1 || r.Recommendations[0].Priority != "high" {
		t.Fatalf("expected one high priority recommendation")
	}
}

func TestApplyRiskLevelEnum(t *testing.T) {
	var r Report
	bad := json.RawMessage(`{"overall_risk_level": "catastrophic", "risk_score": 91}`)
	if err := r.Apply(CategoryRiskAssessment, bad); err == nil {
		t.Fatalf("expected enum violation for risk level")
	}
	good := json.RawMessage(`{"overall_risk_level": "critical", "risk_score": 91, "risk_factors": [{"factor": "sensitive spike", "severity": "high"}]}`)
	if err := r.Apply(CategoryRiskAssessment, good); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.RiskAssessment.OverallRiskLevel != "critical" {
		t.Fatalf("expected critical risk level")
	}
}

func TestApplyLastWriteWins(t *testing.T) {
	var r Report
	first := json.RawMessage(`{"summary": "first pass"}`)
	second := json.RawMessage(`{"summary": "refined pass"}`)
	if err := r.Apply(CategoryExecutiveSummary, first); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Apply(CategoryExecutiveSummary, second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.ExecutiveSummary != "refined pass" {
		t.Fatalf("expected last write to win, got %q", r.ExecutiveSummary)
	}
}

func TestCategoriesOrder(t *testing.T) {
	var r Report
	_ = r.Apply(CategoryExecutiveSummary, json.RawMessage(`{"summary": "s"}`))
	_ = r.Apply(CategoryDataOverview, json.RawMessage(`{"total_posts": 1, "total_accounts": 1, "platforms": ["weibo"]}`))
	cats := r.Categories()
	if len(cats) != 2 {
		t.Fatalf("expected 2 categories, got %d", len(cats))
	}
	if cats[0] != CategoryDataOverview {
		t.Fatalf("expected stable category order, got %v", cats)
	}
}
