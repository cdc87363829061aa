// Copyright 2026, Streamstitch. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package serializer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/streamstitch/stitchd/internal/channel"
)

const (
	originTimeout   = 2 * time.Second
	originMicroTTL  = time.Second
	originCacheSize = 512
	maxManifestSize = 4 << 20
)

// OriginFetcher pulls variant playlists from channel origins. A 1s
// micro cache absorbs same-second request bursts per (channel, variant)
// so the origin sees at most one fetch per second per rendition.
type OriginFetcher struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	cache      *expirable.LRU[string, []byte]
}

func NewOriginFetcher() *OriginFetcher {
	return &OriginFetcher{
		HTTPClient: &http.Client{},
		Timeout:    originTimeout,
		cache:      expirable.NewLRU[string, []byte](originCacheSize, nil, originMicroTTL),
	}
}

// VariantURL joins the channel's origin base with a variant path.
func VariantURL(cfg *channel.Config, variant string) string {
	return strings.TrimRight(cfg.OriginURL, "/") + "/" + strings.TrimLeft(variant, "/")
}

// FetchVariant returns the variant playlist body, micro-cached.
func (f *OriginFetcher) FetchVariant(ctx context.Context, cfg *channel.Config, variant string) ([]byte, error) {
	key := cfg.ID + "|" + variant
	if body, ok := f.cache.Get(key); ok {
		return body, nil
	}
	body, err := f.FetchURL(ctx, VariantURL(cfg, variant))
	if err != nil {
		return nil, err
	}
	f.cache.Add(key, body)
	return body, nil
}

// FetchURL fetches one manifest with the origin timeout, no caching.
func (f *OriginFetcher) FetchURL(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("origin fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("origin fetch %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestSize))
	if err != nil {
		return nil, fmt.Errorf("origin read %s: %w", url, err)
	}
	return body, nil
}
