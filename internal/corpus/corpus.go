package corpus

import (
	"sort"
	"sync"
	"time"

	"github.com/blevesearch/bleve"

	"github.com/opwatch/opwatch/internal/helpers"
)

// Post is one collected social-media post after normalization. Counts
// default to zero when a platform does not report them.
type Post struct {
	ID           string    `json:"post_id"`
	Platform     string    `json:"platform"`
	Title        string    `json:"title,omitempty"`
	Content      string    `json:"content"`
	AuthorID     string    `json:"author_id,omitempty"`
	AuthorName   string    `json:"author_name,omitempty"`
	URL          string    `json:"url,omitempty"`
	PublishedAt  time.Time `json:"published_at,omitempty"`
	LikeCount    int       `json:"like_count"`
	CommentCount int       `json:"comment_count"`
	ShareCount   int       `json:"share_count"`
	CollectCount int       `json:"collect_count"`
}

// Engagement is the post's total interaction count.
func (p Post) Engagement() float64 {
	return float64(p.LikeCount + p.CommentCount + p.ShareCount + p.CollectCount)
}

// EngagementLevel buckets a per-post engagement score.
func EngagementLevel(score float64) string {
	switch {
	case score > 10:
		return "very_high"
	case score > 5:
		return "high"
	case score > 2:
		return "medium"
	default:
		return "low"
	}
}

type Hit struct {
	PostID   string  `json:"post_id"`
	Platform string  `json:"platform"`
	Title    string  `json:"title"`
	Snippet  string  `json:"snippet"`
	Score    float64 `json:"score"`
	Rank     int     `json:"rank"`
}

// Overview summarizes the corpus for the data_overview report section.
type Overview struct {
	TotalPosts    int            `json:"total_posts"`
	TotalAccounts int            `json:"total_accounts"`
	Platforms     map[string]int `json:"platforms"`
}

// Corpus is the in-memory post set collected for one analysis task. Posts
// are indexed in a mem-only bleve index for keyword lookup; the meta map
// keeps the full records for stats and analysis payloads.
type Corpus struct {
	index bleve.Index
	meta  map[string]Post
	order []string
	mu    sync.RWMutex
}

func New() (*Corpus, error) {
	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, err
	}
	return &Corpus{
		index: index,
		meta:  make(map[string]Post),
	}, nil
}

// Add indexes posts, sanitizing title and content so crawler-supplied
// HTML never reaches analysis payloads or reports. Re-adding a post id
// replaces the stored record.
func (c *Corpus) Add(posts ...Post) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range posts {
		p.Title = helpers.SanitizeHTMLStrict(p.Title)
		p.Content = helpers.SanitizeHTMLStrict(p.Content)
		if _, seen := c.meta[p.ID]; !seen {
			c.order = append(c.order, p.ID)
		}
		c.meta[p.ID] = p
		if err := c.index.Index(p.ID, p); err != nil {
			return err
		}
	}
	return nil
}

func (c *Corpus) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.meta)
}

// Posts returns all posts in insertion order.
func (c *Corpus) Posts() []Post {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Post, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.meta[id])
	}
	return out
}

// Texts returns up to limit post contents in insertion order; limit <= 0
// means all.
func (c *Corpus) Texts(limit int) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := len(c.order)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]string, 0, n)
	for _, id := range c.order[:n] {
		out = append(out, c.meta[id].Content)
	}
	return out
}

func (c *Corpus) Search(q string, k int) ([]Hit, error) {
	query := bleve.NewQueryStringQuery(q)
	searchReq := bleve.NewSearchRequestOptions(query, k*3, 0, false)
	res, err := c.index.Search(searchReq)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Hit
	for i, hit := range res.Hits {
		post := c.meta[hit.ID]
		out = append(out, Hit{
			PostID:   hit.ID,
			Platform: post.Platform,
			Title:    post.Title,
			Snippet:  snippet(post.Content),
			Score:    hit.Score,
			Rank:     i + 1,
		})
		if len(out) >= k {
			break
		}
	}
	return out, nil
}

// Stats summarizes the corpus for the data overview.
func (c *Corpus) Stats() Overview {
	c.mu.RLock()
	defer c.mu.RUnlock()
	platforms := make(map[string]int)
	accounts := make(map[string]struct{})
	for _, p := range c.meta {
		platforms[p.Platform]++
		if p.AuthorID != "" {
			accounts[p.AuthorID] = struct{}{}
		}
	}
	return Overview{
		TotalPosts:    len(c.meta),
		TotalAccounts: len(accounts),
		Platforms:     platforms,
	}
}

// AverageEngagement is the mean per-post interaction count.
func (c *Corpus) AverageEngagement() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.meta) == 0 {
		return 0
	}
	var total float64
	for _, p := range c.meta {
		total += p.Engagement()
	}
	return total / float64(len(c.meta))
}

// EngagementDistribution counts posts per engagement level.
func (c *Corpus) EngagementDistribution() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	dist := make(map[string]int)
	for _, p := range c.meta {
		dist[EngagementLevel(p.Engagement())]++
	}
	return dist
}

// Platforms returns the distinct platform names, sorted.
func (c *Corpus) Platforms() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, p := range c.meta {
		seen[p.Platform] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func snippet(s string) string {
	if len(s) <= 300 {
		return s
	}
	return s[:300] + "…"
}
