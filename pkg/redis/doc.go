// Package redis provides a thin wrapper around go-redis/v9 for establishing
// resilient Redis connections: URL-based configuration from the environment,
// retrying connect, and a health check closure for readiness endpoints.
//
// # Usage
//
//	var cfg redis.Config
//	if err := env.Parse(&cfg); err != nil {
//	    panic(err)
//	}
//
//	client, err := redis.Connect(ctx, cfg)
//	if err != nil {
//	    panic(err)
//	}
//	defer client.Close()
package redis
