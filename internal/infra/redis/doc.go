// Package redis is the storage integration layer for the blog platform.
//
// # Overview
//
// The package provides four components, all built on one provider-agnostic
// command surface:
//   - Commander: the command interface, with a connection-based adapter
//     (go-redis) and a stateless hosted-REST adapter selected from the
//     environment
//   - Cache: JSON-envelope caching with tag invalidation, read-through
//     GetOrSet, and persisted hit/miss statistics
//   - RateLimiter: named policies over fixed-window, sliding-window, and
//     token-bucket counting, with a strategy chain for inbound requests
//   - SessionManager: opaque session ids, per-user session caps with LRU
//     eviction, and one-time refresh tokens
//
// # Quick Start
//
//	cfg, err := config.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//	cmd, err := redis.New(cfg, logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer cmd.Close()
//
//	cache, err := redis.NewCache(cmd, &cfg.Cache, logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	post, err := redis.GetOrSet(ctx, cache, config.PostDetailKey(id),
//		func(ctx context.Context) (Post, error) {
//			return loadPost(ctx, id)
//		},
//		redis.WithTTL(10*time.Minute),
//		redis.WithTags("posts"),
//	)
//
// Every key this process writes is namespaced under the configured prefix;
// callers never see or pass the prefix themselves.
//
// # Error Handling
//
// Steady-state transport errors do not escape the Cache, RateLimiter, or
// SessionManager surfaces: cache calls degrade to misses, limit checks fail
// open, and session reads report absence. CreateSession is the one exception
// and returns an error, since callers cannot proceed without a session id.
package redis
