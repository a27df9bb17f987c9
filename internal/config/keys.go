package config

import (
	"fmt"
	"net/url"
	"time"
)

// ResourceClass names a logical group of cached resources. Each class has a
// deterministic key template and a default TTL.
type ResourceClass string

const (
	ResourcePostsList   ResourceClass = "posts:list"
	ResourcePostDetail  ResourceClass = "posts:detail"
	ResourceAnalytics   ResourceClass = "analytics:views"
	ResourceUserProfile ResourceClass = "user:profile"
	ResourceSearch      ResourceClass = "search"
)

// defaultTTLs maps each resource class to how long its entries live.
// Listing pages churn fastest; profiles are the most stable.
var defaultTTLs = map[ResourceClass]time.Duration{
	ResourcePostsList:   5 * time.Minute,
	ResourcePostDetail:  10 * time.Minute,
	ResourceAnalytics:   time.Minute,
	ResourceUserProfile: 15 * time.Minute,
	ResourceSearch:      5 * time.Minute,
}

// DefaultTTL returns the default TTL for a resource class, falling back to
// one hour for unknown classes.
func DefaultTTL(class ResourceClass) time.Duration {
	if ttl, ok := defaultTTLs[class]; ok {
		return ttl
	}
	return time.Hour
}

// PostsListKey builds the cache key for a paginated post listing.
func PostsListKey(page, limit int) string {
	return fmt.Sprintf("posts:list:%d:%d", page, limit)
}

// PostDetailKey builds the cache key for a single post.
func PostDetailKey(id string) string {
	return "posts:detail:" + id
}

// AnalyticsViewsKey builds the cache key for a post's view counter.
func AnalyticsViewsKey(postID string) string {
	return "analytics:views:" + postID
}

// UserProfileKey builds the cache key for a user profile.
func UserProfileKey(id string) string {
	return "user:profile:" + id
}

// SearchKey builds the cache key for a search result page. The query is
// URL-escaped so arbitrary input cannot fork the key namespace.
func SearchKey(query string, page int) string {
	return fmt.Sprintf("search:%s:%d", url.QueryEscape(query), page)
}

// TagKey builds the backend set key that tracks members of a cache tag.
func TagKey(name string) string {
	return "tag:" + name
}
