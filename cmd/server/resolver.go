package main

import (
	"context"

	"github.com/matst80/burrow/internal/config"
	"github.com/matst80/burrow/internal/obs"
	"github.com/matst80/burrow/internal/routes"
)

// newResolver builds the route lookup: the Redis store when configured,
// falling through to the file table. The store is nil without Redis.
func newResolver(ctx context.Context, file *config.File, table *routes.Table) (routes.Resolver, *routes.RedisStore, error) {
	rs := file.Redis
	if rs.Addr == "" {
		return table, nil, nil
	}
	key := rs.HashKey
	if key == "" {
		key = routes.DefaultHashKey
	}
	store, err := routes.NewRedisStore(ctx, rs.Addr, rs.Password, rs.DB, key)
	if err != nil {
		return nil, nil, err
	}
	obs.Info("routes.redis", obs.Fields{"addr": rs.Addr, "key": key})
	return routes.Chain{store, table}, store, nil
}
