package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeyBuilders(t *testing.T) {
	assert.Equal(t, "posts:list:2:20", PostsListKey(2, 20))
	assert.Equal(t, "posts:detail:abc", PostDetailKey("abc"))
	assert.Equal(t, "analytics:views:abc", AnalyticsViewsKey("abc"))
	assert.Equal(t, "user:profile:u1", UserProfileKey("u1"))
	assert.Equal(t, "tag:posts", TagKey("posts"))
}

func TestSearchKeyEscapesQuery(t *testing.T) {
	assert.Equal(t, "search:go+redis%3Anotes:1", SearchKey("go redis:notes", 1))
}

func TestDefaultTTL(t *testing.T) {
	assert.Equal(t, 5*time.Minute, DefaultTTL(ResourcePostsList))
	assert.Equal(t, 10*time.Minute, DefaultTTL(ResourcePostDetail))
	assert.Equal(t, time.Minute, DefaultTTL(ResourceAnalytics))
	assert.Equal(t, time.Hour, DefaultTTL(ResourceClass("unknown")))
}
