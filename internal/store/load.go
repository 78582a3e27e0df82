package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/snapetech/hdhrbridge/internal/catalog"
)

// Load reads every table the bridge understands into a snapshot. Optional
// columns that are absent read as NULL so older schemas keep working.
func Load(ctx context.Context, db *sql.DB) (*catalog.Snapshot, error) {
	channels, err := loadChannels(ctx, db)
	if err != nil {
		return nil, err
	}
	streams, err := loadStreams(ctx, db)
	if err != nil {
		return nil, err
	}
	profiles, err := loadProfiles(ctx, db)
	if err != nil {
		return nil, err
	}
	return catalog.NewSnapshot(channels, streams, profiles), nil
}

func loadChannels(ctx context.Context, db *sql.DB) ([]catalog.Channel, error) {
	cols, err := columns(ctx, db, "channels")
	if err != nil {
		return nil, err
	}
	if err := requireColumns("channels", cols, "id", "name", "number"); err != nil {
		return nil, err
	}
	q := "SELECT id, name, number, " +
		pick(cols, "enabled", "1") + ", " +
		pick(cols, "epg_id", "NULL") + ", " +
		pick(cols, "stream_id", "NULL") + ", " +
		pick(cols, "profile_id", "NULL") +
		" FROM channels"
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query channels: %w", err)
	}
	defer rows.Close()
	var out []catalog.Channel
	for rows.Next() {
		var (
			id, name, number           sql.NullString
			enabled                    sql.NullBool
			epgID, streamID, profileID sql.NullString
		)
		if err := rows.Scan(&id, &name, &number, &enabled, &epgID, &streamID, &profileID); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		if !id.Valid || id.String == "" {
			continue
		}
		out = append(out, catalog.Channel{
			ID:        id.String,
			Number:    normalizeNumber(number.String),
			Name:      name.String,
			EPGID:     epgID.String,
			Enabled:   !enabled.Valid || enabled.Bool,
			StreamID:  streamID.String,
			ProfileID: profileID.String,
		})
	}
	return out, rows.Err()
}

func loadStreams(ctx context.Context, db *sql.DB) ([]catalog.Stream, error) {
	cols, err := columns(ctx, db, "streams")
	if err != nil {
		return nil, err
	}
	if err := requireColumns("streams", cols, "id", "url"); err != nil {
		return nil, err
	}
	q := "SELECT id, url, " +
		pick(cols, "name", "NULL") + ", " +
		pick(cols, "type", "NULL") + ", " +
		pick(cols, "enabled", "1") + ", " +
		pick(cols, "channel_id", "NULL") + ", " +
		pick(cols, "profile_id", "NULL") + ", " +
		pick(cols, "connection_limits", "0") +
		" FROM streams"
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query streams: %w", err)
	}
	defer rows.Close()
	var out []catalog.Stream
	for rows.Next() {
		var (
			id, url, name, kind  sql.NullString
			enabled, limits      sql.NullBool
			channelID, profileID sql.NullString
		)
		if err := rows.Scan(&id, &url, &name, &kind, &enabled, &channelID, &profileID, &limits); err != nil {
			return nil, fmt.Errorf("scan stream: %w", err)
		}
		if !id.Valid || id.String == "" {
			continue
		}
		out = append(out, catalog.Stream{
			ID:               id.String,
			Name:             name.String,
			URL:              strings.TrimSpace(url.String),
			Kind:             catalog.ParseStreamKind(kind.String),
			Enabled:          !enabled.Valid || enabled.Bool,
			ChannelID:        channelID.String,
			ProfileID:        profileID.String,
			ConnectionLimits: limits.Valid && limits.Bool,
		})
	}
	return out, rows.Err()
}

func loadProfiles(ctx context.Context, db *sql.DB) ([]catalog.Profile, error) {
	cols, err := columns(ctx, db, "processing_profiles")
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, nil
	}
	if err := requireColumns("processing_profiles", cols, "id", "config"); err != nil {
		return nil, err
	}
	q := "SELECT id, config, " +
		pick(cols, "name", "NULL") + ", " +
		pick(cols, "is_system", "0") + ", " +
		pick(cols, "is_default", "0") +
		" FROM processing_profiles"
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	defer rows.Close()
	var out []catalog.Profile
	for rows.Next() {
		var (
			id, config, name    sql.NullString
			isSystem, isDefault sql.NullBool
		)
		if err := rows.Scan(&id, &config, &name, &isSystem, &isDefault); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		tpls, err := catalog.ParseProfileConfig([]byte(config.String))
		if err != nil {
			return nil, fmt.Errorf("profile %s: %w", id.String, err)
		}
		out = append(out, catalog.Profile{
			ID:        id.String,
			Name:      name.String,
			IsSystem:  isSystem.Valid && isSystem.Bool,
			IsDefault: isDefault.Valid && isDefault.Bool,
			Templates: tpls,
		})
	}
	return out, rows.Err()
}

// columns returns the column names of table; an absent table yields an
// empty set.
func columns(ctx context.Context, db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", table, err)
	}
	defer rows.Close()
	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols[strings.ToLower(name)] = true
	}
	return cols, rows.Err()
}

func requireColumns(table string, cols map[string]bool, names ...string) error {
	if len(cols) == 0 {
		return fmt.Errorf("store: table %s missing", table)
	}
	for _, n := range names {
		if !cols[n] {
			return fmt.Errorf("store: table %s lacks column %s", table, n)
		}
	}
	return nil
}

func pick(cols map[string]bool, name, fallback string) string {
	if cols[name] {
		return name
	}
	return fallback
}

// normalizeNumber renders REAL-typed whole numbers without a fraction.
func normalizeNumber(n string) string {
	n = strings.TrimSpace(n)
	if strings.HasSuffix(n, ".0") {
		return strings.TrimSuffix(n, ".0")
	}
	return n
}
