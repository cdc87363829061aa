// Copyright 2026, Streamstitch. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package channel

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore reads the channel table maintained by the admin service.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens the channel database. The core never migrates the
// schema; the admin collaborator owns it.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open channel db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

const selectChannel = `
SELECT c.id, o.slug, c.slug, c.origin_url, c.ad_pod_base_url, c.sign_host,
       c.status, c.mode, c.tier, c.scte35_auto_insert, c.time_based_auto_insert,
       c.slate_pod_id, COALESCE(c.slate_pod_url, ''), c.bitrate_ladder, c.detected_bitrates,
       c.segment_cache_max_age, c.manifest_cache_max_age
FROM channels c JOIN orgs o ON o.id = c.org_id
WHERE o.slug = ? AND c.slug = ?`

func (s *SQLiteStore) Get(ctx context.Context, org, slug string) (*Config, error) {
	row := s.db.QueryRowContext(ctx, selectChannel, org, slug)
	var c Config
	var ladderJSON, detectedJSON sql.NullString
	var scteAuto, timeAuto int
	err := row.Scan(&c.ID, &c.OrgSlug, &c.Slug, &c.OriginURL, &c.AdPodBaseURL, &c.SignHost,
		&c.Status, &c.Mode, &c.Tier, &scteAuto, &timeAuto,
		&c.SlatePodID, &c.SlatePodURL, &ladderJSON, &detectedJSON,
		&c.SegmentCacheMaxAge, &c.ManifestCacheMaxAge)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select channel %s/%s: %w", org, slug, err)
	}
	c.SCTE35AutoInsert = scteAuto != 0
	c.TimeBasedAutoInsert = timeAuto != 0
	c.BitrateLadder = decodeLadder(ladderJSON)
	c.DetectedBitrates = decodeLadder(detectedJSON)
	return &c, nil
}

func (s *SQLiteStore) UpdateDetectedBitrates(ctx context.Context, channelID string, kbps []int) error {
	raw, err := json.Marshal(kbps)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE channels SET detected_bitrates = ? WHERE id = ?`, string(raw), channelID)
	if err != nil {
		return fmt.Errorf("update detected bitrates for %s: %w", channelID, err)
	}
	return nil
}

func decodeLadder(v sql.NullString) []int {
	if !v.Valid || v.String == "" {
		return nil
	}
	var out []int
	if err := json.Unmarshal([]byte(v.String), &out); err != nil {
		return nil
	}
	return out
}
