// Copyright 2026, Streamstitch. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/streamstitch/stitchd/internal/channel"
)

const microCacheSize = 4096

// microCache absorbs same-bucket request bursts for rendered manifests.
// Keys include the time bucket and viewer bucket so entries age out by
// construction; the LRU TTL is just a backstop.
type microCache struct {
	lru        *expirable.LRU[string, []byte]
	bucketSecs int64
}

func newMicroCache(bucketSecs int) *microCache {
	if bucketSecs <= 0 {
		bucketSecs = 2
	}
	return &microCache{
		lru: expirable.NewLRU[string, []byte](microCacheSize, nil,
			time.Duration(bucketSecs)*time.Second),
		bucketSecs: int64(bucketSecs),
	}
}

func (c *microCache) key(channelID, variant string, mode channel.Mode, now time.Time, viewerBucket string) string {
	return fmt.Sprintf("%s|%s|%s|%d|%s",
		channelID, variant, mode, now.Unix()/c.bucketSecs, viewerBucket)
}

func (c *microCache) get(key string) ([]byte, bool) {
	return c.lru.Get(key)
}

func (c *microCache) put(key string, body []byte) {
	c.lru.Add(key, body)
}
