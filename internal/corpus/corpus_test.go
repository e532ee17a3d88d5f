package corpus

import (
	"strings"
	"testing"
	"time"
)

func seedPosts(t *testing.T) *Corpus {
	t.Helper()
	c, err := New()
	if err != nil {
		t.Fatalf("new corpus: %v", err)
	}
	err = c.Add(
		Post{ID: "p1", Platform: "douyin", Content: "battery life is excellent", AuthorID: "a1", LikeCount: 8, CommentCount: 4},
		Post{ID: "p2", Platform: "douyin", Content: "shipping was slow and support unhelpful", AuthorID: "a2", LikeCount: 1},
		Post{ID: "p3", Platform: "xhs", Content: "excellent camera, mediocre battery", AuthorID: "a1", LikeCount: 3, ShareCount: 1},
	)
	if err != nil {
		t.Fatalf("add posts: %v", err)
	}
	return c
}

func TestSearchFindsPostsByKeyword(t *testing.T) {
	c := seedPosts(t)
	hits, err := c.Search("battery", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	for _, h := range hits {
		if h.PostID != "p1" && h.PostID != "p3" {
			t.Fatalf("unexpected hit %s", h.PostID)
		}
		if h.Rank == 0 {
			t.Fatalf("expected rank to be assigned")
		}
	}
}

func TestStatsCountsPlatformsAndAccounts(t *testing.T) {
	c := seedPosts(t)
	stats := c.Stats()
	if stats.TotalPosts != 3 {
		t.Fatalf("expected 3 posts, got %d", stats.TotalPosts)
	}
	if stats.TotalAccounts != 2 {
		t.Fatalf("expected 2 accounts, got %d", stats.TotalAccounts)
	}
	if stats.Platforms["douyin"] != 2 || stats.Platforms["xhs"] != 1 {
		t.Fatalf("unexpected platform counts: %v", stats.Platforms)
	}
}

func TestAddSanitizesMarkup(t *testing.T) {
	c, err := New()
	if err != nil {
		t.Fatalf("new corpus: %v", err)
	}
	if err := c.Add(Post{
		ID:       "p1",
		Platform: "weibo",
		Title:    `<b>sale</b>`,
		Content:  `<p>check this</p><script>steal()</script>`,
	}); err != nil {
		t.Fatalf("add: %v", err)
	}
	posts := c.Posts()
	if posts[0].Title != "sale" {
		t.Fatalf("title not sanitized: %q", posts[0].Title)
	}
	if strings.Contains(posts[0].Content, "<") || strings.Contains(posts[0].Content, "steal") {
		t.Fatalf("content not sanitized: %q", posts[0].Content)
	}
}

func TestReAddReplacesPost(t *testing.T) {
	c := seedPosts(t)
	if err := c.Add(Post{ID: "p1", Platform: "douyin", Content: "updated text", AuthorID: "a1"}); err != nil {
		t.Fatalf("re-add: %v", err)
	}
	if c.Len() != 3 {
		t.Fatalf("expected 3 posts after replace, got %d", c.Len())
	}
	for _, p := range c.Posts() {
		if p.ID == "p1" && p.Content != "updated text" {
			t.Fatalf("expected replaced content, got %q", p.Content)
		}
	}
}

func TestEngagementLevels(t *testing.T) {
	cases := []struct {
		score float64
		want  string
	}{
		{12, "very_high"},
		{6, "high"},
		{3, "medium"},
		{2, "low"},
		{0, "low"},
	}
	for _, tc := range cases {
		if got := EngagementLevel(tc.score); got != tc.want {
			t.Fatalf("score %.0f: expected %s, got %s", tc.score, tc.want, got)
		}
	}
}

func TestEngagementDistributionAndAverage(t *testing.T) {
	c := seedPosts(t)
	dist := c.EngagementDistribution()
	if dist["very_high"] != 1 || dist["medium"] != 1 || dist["low"] != 1 {
		t.Fatalf("unexpected distribution: %v", dist)
	}
	avg := c.AverageEngagement()
	if avg < 5.6 || avg > 5.7 {
		t.Fatalf("expected average near 5.67, got %.2f", avg)
	}
}

func TestTextsRespectsLimitAndOrder(t *testing.T) {
	c := seedPosts(t)
	texts := c.Texts(2)
	if len(texts) != 2 {
		t.Fatalf("expected 2 texts, got %d", len(texts))
	}
	if !strings.Contains(texts[0], "battery life") {
		t.Fatalf("expected insertion order, got %q", texts[0])
	}
	if got := c.Texts(0); len(got) != 3 {
		t.Fatalf("expected all texts with limit 0, got %d", len(got))
	}
}

func TestSnippetTruncatesLongContent(t *testing.T) {
	c, _ := New()
	long := strings.Repeat("review ", 100)
	if err := c.Add(Post{ID: "p1", Platform: "bilibili", Content: long, PublishedAt: time.Now()}); err != nil {
		t.Fatalf("add: %v", err)
	}
	hits, err := c.Search("review", 1)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit, got %d", len(hits))
	}
	if len(hits[0].Snippet) > 310 {
		t.Fatalf("snippet not truncated: %d bytes", len(hits[0].Snippet))
	}
}
