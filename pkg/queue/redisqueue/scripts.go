package redisqueue

import (
	"embed"
	"fmt"

	"github.com/redis/go-redis/v9"
)

//go:embed scripts/*.lua
var scriptsFS embed.FS

// scripts holds the Lua state-transition programs. go-redis caches each by
// SHA and falls back to EVAL transparently after a script flush.
type scripts struct {
	enqueue   *redis.Script
	claim     *redis.Script
	complete  *redis.Script
	retry     *redis.Script
	release   *redis.Script
	fail      *redis.Script
	heartbeat *redis.Script
}

func loadScripts() (*scripts, error) {
	load := func(name string) (*redis.Script, error) {
		src, err := scriptsFS.ReadFile("scripts/" + name)
		if err != nil {
			return nil, fmt.Errorf("failed to read script %s: %w", name, err)
		}
		return redis.NewScript(string(src)), nil
	}

	var s scripts
	var err error
	if s.enqueue, err = load("enqueue.lua"); err != nil {
		return nil, err
	}
	if s.claim, err = load("claim.lua"); err != nil {
		return nil, err
	}
	if s.complete, err = load("complete.lua"); err != nil {
		return nil, err
	}
	if s.retry, err = load("retry.lua"); err != nil {
		return nil, err
	}
	if s.release, err = load("release.lua"); err != nil {
		return nil, err
	}
	if s.fail, err = load("fail.lua"); err != nil {
		return nil, err
	}
	if s.heartbeat, err = load("heartbeat.lua"); err != nil {
		return nil, err
	}
	return &s, nil
}
