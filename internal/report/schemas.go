package report

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// categorySchemas are the wire contracts for handler emissions. Validation is
// structural: required keys and types are enforced, extra keys are tolerated
// so remote services can grow their payloads without breaking older cores.
var categorySchemas = map[Category]string{
	CategoryDataOverview: `{
  "type": "object",
  "required": ["total_posts", "total_accounts", "platforms"],
  "properties": {
    "total_posts": {"type": "integer", "minimum": 0},
    "total_accounts": {"type": "integer", "minimum": 0},
    "platforms": {"type": "array", "items": {"type": "string"}}
  }
}`,
	CategorySensitiveContent: `{
  "type": "object",
  "required": ["flagged_count", "flag_rate"],
  "properties": {
    "flagged_count": {"type": "integer", "minimum": 0},
    "flag_rate": {"type": "number", "minimum": 0},
    "levels": {"type": "object", "additionalProperties": {"type": "integer"}},
    "examples": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["post_id", "level"],
        "properties": {
          "post_id": {"type": "string"},
          "level": {"type": "string"},
          "reason": {"type": "string"}
        }
      }
    }
  }
}`,
	CategorySentiment: `{
  "type": "object",
  "required": ["overall_sentiment", "average_score"],
  "properties": {
    "overall_sentiment": {"type": "string"},
    "average_score": {"type": "number"},
    "sentiment_distribution": {"type": "object", "additionalProperties": {"type": "integer"}},
    "emotions": {"type": "object", "additionalProperties": {"type": "number"}}
  }
}`,
	CategoryTopics: `{
  "type": "array",
  "items": {
    "type": "object",
    "required": ["topic_name", "document_count"],
    "properties": {
      "topic_name": {"type": "string"},
      "keywords": {"type": "array", "items": {"type": "string"}},
      "document_count": {"type": "integer", "minimum": 0},
      "percentage": {"type": "number"}
    }
  }
}`,
	CategoryTrends: `{
  "type": "array",
  "items": {
    "type": "object",
    "required": ["trend_name", "trend_type"],
    "properties": {
      "trend_name": {"type": "string"},
      "trend_type": {"type": "string"},
      "growth_rate": {"type": "number"},
      "post_count": {"type": "integer"},
      "total_engagement": {"type": "integer"},
      "related_keywords": {"type": "array", "items": {"type": "string"}}
    }
  }
}`,
	CategoryEngagement: `{
  "type": "object",
  "required": ["average_engagement", "benchmark"],
  "properties": {
    "average_engagement": {"type": "number"},
    "distribution": {"type": "object", "additionalProperties": {"type": "integer"}},
    "benchmark": {"type": "number"}
  }
}`,
	CategoryRiskAssessment: `{
  "type": "object",
  "required": ["overall_risk_level", "risk_score"],
  "properties": {
    "overall_risk_level": {"type": "string", "enum": ["low", "medium", "high", "critical"]},
    "risk_score": {"type": "number", "minimum": 0, "maximum": 100},
    "risk_factors": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["factor", "severity"],
        "properties": {
          "factor": {"type": "string"},
          "severity": {"type": "string"},
          "evidence": {"type": "string"}
        }
      }
    }
  }
}`,
	CategoryRecommendations: `{
  "type": "array",
  "items": {
    "type": "object",
    "required": ["action", "priority"],
    "properties": {
      "action": {"type": "string"},
      "priority": {"type": "string"},
      "timeline": {"type": "string"}
    }
  }
}`,
	CategoryExecutiveSummary: `{
  "type": "object",
  "required": ["summary"],
  "properties": {
    "summary": {"type": "string", "minLength": 1}
  }
}`,
}

var (
	compiledOnce    sync.Once
	compiledSchemas map[Category]*jsonschema.Schema
	compileErr      error
)

func compiled() (map[Category]*jsonschema.Schema, error) {
	compiledOnce.Do(func() {
		out := make(map[Category]*jsonschema.Schema, len(categorySchemas))
		for cat, src := range categorySchemas {
			compiler := jsonschema.NewCompiler()
			name := string(cat) + ".json"
			if err := compiler.AddResource(name, strings.NewReader(src)); err != nil {
				compileErr = fmt.Errorf("add schema %s: %w", cat, err)
				return
			}
			schema, err := compiler.Compile(name)
			if err != nil {
				compileErr = fmt.Errorf("compile schema %s: %w", cat, err)
				return
			}
			out[cat] = schema
		}
		compiledSchemas = out
	})
	return compiledSchemas, compileErr
}

// Schema returns the raw JSON schema source for a category. Registry cards
// expose it so planners can show handlers the exact emission contract.
func Schema(c Category) (string, bool) {
	src, ok := categorySchemas[c]
	return src, ok
}

// ValidatePayload checks raw against the category schema.
func ValidatePayload(c Category, raw json.RawMessage) error {
	schemas, err := compiled()
	if err != nil {
		return err
	}
	schema, ok := schemas[c]
	if !ok {
		return fmt.Errorf("no schema registered for category %q", c)
	}
	var payload interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", c, err)
	}
	if err := schema.Validate(payload); err != nil {
		return fmt.Errorf("payload does not match %s schema: %w", c, err)
	}
	return nil
}
