package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/voyagen/stbgate/internal/models"
)

// pgForeignKeyViolation is the SQLSTATE raised when a referenced row is missing.
const pgForeignKeyViolation = "23503"

// Postgres implements Store using PostgreSQL.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Postgres store from a DSN. Caller must call Close when done.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close closes the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// wrapErr prefixes err with op and maps no-rows and foreign key failures to
// the package sentinels.
func wrapErr(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
		return fmt.Errorf("%s: %w: %s", op, ErrDeviceGone, pgErr.ConstraintName)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// --- devices ---

const deviceColumns = `device_uid, mac_address, device_id1, device_id2, signature, portal,
	language, timezone, modified_timestamp, creation_timestamp`

func scanDevice(row pgx.Row) (*models.DeviceProfile, error) {
	var d models.DeviceProfile
	err := row.Scan(&d.UID, &d.MACAddress, &d.DeviceID1, &d.DeviceID2, &d.Signature, &d.Portal,
		&d.Language, &d.Timezone, &d.ModifiedAt, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// GetDevice returns a single device profile by uid.
func (p *Postgres) GetDevice(ctx context.Context, uid uuid.UUID) (*models.DeviceProfile, error) {
	d, err := scanDevice(p.pool.QueryRow(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE device_uid = $1`, uid))
	if err != nil {
		return nil, wrapErr("GetDevice", err)
	}
	return d, nil
}

// ListDevices returns every registered device ordered by creation time.
func (p *Postgres) ListDevices(ctx context.Context) ([]models.DeviceProfile, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY creation_timestamp`)
	if err != nil {
		return nil, wrapErr("ListDevices", err)
	}
	defer rows.Close()
	var out []models.DeviceProfile
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, wrapErr("ListDevices scan", err)
		}
		out = append(out, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("ListDevices", err)
	}
	return out, nil
}

// UpdateDeviceSignature replaces the stored signature of a device.
func (p *Postgres) UpdateDeviceSignature(ctx context.Context, uid uuid.UUID, signature string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE devices SET signature = $2, modified_timestamp = NOW() WHERE device_uid = $1`,
		uid, signature)
	if err != nil {
		return wrapErr("UpdateDeviceSignature", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("UpdateDeviceSignature: %w", ErrNotFound)
	}
	return nil
}

// --- genres ---

// UpsertGenres inserts or updates genres in one transaction.
func (p *Postgres) UpsertGenres(ctx context.Context, uid uuid.UUID, genres []models.Genre) error {
	if len(genres) == 0 {
		return nil
	}
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		b := &pgx.Batch{}
		for _, g := range genres {
			b.Queue(
				`INSERT INTO genres (device_uid, genre_id, genre_number, genre_name)
				 VALUES ($1, $2, $3, $4)
				 ON CONFLICT (device_uid, genre_id) DO UPDATE SET
				   genre_number = EXCLUDED.genre_number,
				   genre_name = EXCLUDED.genre_name,
				   modified_timestamp = NOW()`,
				uid, g.GenreID, g.Number, g.Name)
		}
		return execBatch(ctx, tx, b)
	})
	if err != nil {
		return wrapErr("UpsertGenres", err)
	}
	return nil
}

// ListGenres returns genres ordered by number.
func (p *Postgres) ListGenres(ctx context.Context, filter GenreFilter) ([]models.Genre, error) {
	q := `SELECT g.device_uid, g.genre_id, g.genre_number, g.genre_name, g.modified_timestamp, g.creation_timestamp
		FROM genres g WHERE g.device_uid = $1`
	args := []any{filter.DeviceUID}
	if filter.Enabled != nil {
		q += ` AND EXISTS (SELECT 1 FROM channels c
			WHERE c.device_uid = g.device_uid AND c.genre_id = g.genre_id AND c.channel_enabled = $2)`
		args = append(args, *filter.Enabled)
	}
	q += ` ORDER BY g.genre_number, g.genre_id`

	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, wrapErr("ListGenres", err)
	}
	defer rows.Close()
	var out []models.Genre
	for rows.Next() {
		var g models.Genre
		if err := rows.Scan(&g.DeviceUID, &g.GenreID, &g.Number, &g.Name, &g.ModifiedAt, &g.CreatedAt); err != nil {
			return nil, wrapErr("ListGenres scan", err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("ListGenres", err)
	}
	return out, nil
}

// --- channels ---

const channelColumns = `device_uid, channel_id, channel_number, channel_name, channel_hd,
	channel_enabled, channel_stale, genre_id, stream_id, modified_timestamp, creation_timestamp`

func scanChannel(row pgx.Row) (*models.Channel, error) {
	var c models.Channel
	err := row.Scan(&c.DeviceUID, &c.ChannelID, &c.Number, &c.Name, &c.HD,
		&c.Enabled, &c.Stale, &c.GenreID, &c.StreamID, &c.ModifiedAt, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpsertChannels inserts or updates channels in one transaction. New rows
// start disabled; channel_enabled is never touched on conflict.
func (p *Postgres) UpsertChannels(ctx context.Context, uid uuid.UUID, channels []models.Channel) error {
	if len(channels) == 0 {
		return nil
	}
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		b := &pgx.Batch{}
		for _, c := range channels {
			b.Queue(
				`INSERT INTO channels (device_uid, channel_id, channel_number, channel_name, channel_hd,
				   channel_enabled, channel_stale, genre_id, stream_id)
				 VALUES ($1, $2, $3, $4, $5, false, false, $6, $7)
				 ON CONFLICT (device_uid, channel_id) DO UPDATE SET
				   channel_number = EXCLUDED.channel_number,
				   channel_name = EXCLUDED.channel_name,
				   channel_hd = EXCLUDED.channel_hd,
				   channel_stale = false,
				   genre_id = EXCLUDED.genre_id,
				   stream_id = EXCLUDED.stream_id,
				   modified_timestamp = NOW()`,
				uid, c.ChannelID, c.Number, c.Name, c.HD, c.GenreID, c.StreamID)
		}
		return execBatch(ctx, tx, b)
	})
	if err != nil {
		return wrapErr("UpsertChannels", err)
	}
	return nil
}

// MarkStaleChannels flags every channel whose id is not in keepIDs.
func (p *Postgres) MarkStaleChannels(ctx context.Context, uid uuid.UUID, keepIDs []int64) (int64, error) {
	if keepIDs == nil {
		keepIDs = []int64{}
	}
	tag, err := p.pool.Exec(ctx,
		`UPDATE channels SET channel_stale = true, modified_timestamp = NOW()
		 WHERE device_uid = $1 AND NOT channel_stale AND NOT (channel_id = ANY($2))`,
		uid, keepIDs)
	if err != nil {
		return 0, wrapErr("MarkStaleChannels", err)
	}
	return tag.RowsAffected(), nil
}

// ListChannels returns channels matching the filter ordered by number.
func (p *Postgres) ListChannels(ctx context.Context, filter ChannelFilter) ([]models.Channel, error) {
	var (
		where = []string{"device_uid = $1"}
		args  = []any{filter.DeviceUID}
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.Enabled != nil {
		add("channel_enabled = $%d", *filter.Enabled)
	}
	if filter.Stale != nil {
		add("channel_stale = $%d", *filter.Stale)
	}
	if filter.GenreID != nil {
		add("genre_id = $%d", *filter.GenreID)
	}
	if q := strings.TrimSpace(filter.Query); q != "" {
		add("channel_name ILIKE '%%' || $%d || '%%'", q)
	}

	rows, err := p.pool.Query(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE `+strings.Join(where, " AND ")+
			` ORDER BY channel_number, channel_id`, args...)
	if err != nil {
		return nil, wrapErr("ListChannels", err)
	}
	defer rows.Close()
	var out []models.Channel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, wrapErr("ListChannels scan", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("ListChannels", err)
	}
	return out, nil
}

// GetChannel returns a single channel.
func (p *Postgres) GetChannel(ctx context.Context, uid uuid.UUID, channelID int64) (*models.Channel, error) {
	c, err := scanChannel(p.pool.QueryRow(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE device_uid = $1 AND channel_id = $2`,
		uid, channelID))
	if err != nil {
		return nil, wrapErr("GetChannel", err)
	}
	return c, nil
}

// SetChannelEnabled sets the enabled flag on one channel.
func (p *Postgres) SetChannelEnabled(ctx context.Context, uid uuid.UUID, channelID int64, enabled bool) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE channels SET channel_enabled = $3, modified_timestamp = NOW()
		 WHERE device_uid = $1 AND channel_id = $2`,
		uid, channelID, enabled)
	if err != nil {
		return wrapErr("SetChannelEnabled", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("SetChannelEnabled: %w", ErrNotFound)
	}
	return nil
}

// ToggleChannel flips the enabled flag and returns the new value.
func (p *Postgres) ToggleChannel(ctx context.Context, uid uuid.UUID, channelID int64) (bool, error) {
	var enabled bool
	err := p.pool.QueryRow(ctx,
		`UPDATE channels SET channel_enabled = NOT channel_enabled, modified_timestamp = NOW()
		 WHERE device_uid = $1 AND channel_id = $2
		 RETURNING channel_enabled`,
		uid, channelID).Scan(&enabled)
	if err != nil {
		return false, wrapErr("ToggleChannel", err)
	}
	return enabled, nil
}

// SetAllChannelsEnabled sets the enabled flag on every channel of the device.
func (p *Postgres) SetAllChannelsEnabled(ctx context.Context, uid uuid.UUID, enabled bool) (int64, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE channels SET channel_enabled = $2, modified_timestamp = NOW()
		 WHERE device_uid = $1 AND channel_enabled <> $2`,
		uid, enabled)
	if err != nil {
		return 0, wrapErr("SetAllChannelsEnabled", err)
	}
	return tag.RowsAffected(), nil
}

// --- guides ---

// UpsertChannelGuides replaces overlapping entries and upserts the exact
// ranges, all in one transaction.
func (p *Postgres) UpsertChannelGuides(ctx context.Context, uid uuid.UUID, guides []models.ChannelGuide) error {
	if len(guides) == 0 {
		return nil
	}
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		b := &pgx.Batch{}
		for _, g := range guides {
			categories := g.Categories
			if categories == nil {
				categories = []string{}
			}
			b.Queue(
				`DELETE FROM channel_guides
				 WHERE device_uid = $1 AND channel_id = $2
				   AND timestamp_range && tstzrange($3, $4, '[)')
				   AND timestamp_range <> tstzrange($3, $4, '[)')`,
				uid, g.ChannelID, g.Start, g.End)
			b.Queue(
				`INSERT INTO channel_guides (device_uid, channel_id, guide_title, guide_categories,
				   guide_description, timestamp_range)
				 VALUES ($1, $2, $3, $4, $5, tstzrange($6, $7, '[)'))
				 ON CONFLICT (device_uid, channel_id, timestamp_range) DO UPDATE SET
				   guide_title = EXCLUDED.guide_title,
				   guide_categories = EXCLUDED.guide_categories,
				   guide_description = EXCLUDED.guide_description,
				   modified_timestamp = NOW()`,
				uid, g.ChannelID, g.Title, categories, g.Description, g.Start, g.End)
		}
		return execBatch(ctx, tx, b)
	})
	if err != nil {
		return wrapErr("UpsertChannelGuides", err)
	}
	return nil
}

const guideColumns = `g.device_uid, g.channel_id, g.guide_title, g.guide_categories, g.guide_description,
	lower(g.timestamp_range), upper(g.timestamp_range), g.modified_timestamp, g.creation_timestamp`

func (p *Postgres) queryGuides(ctx context.Context, op, q string, args ...any) ([]models.ChannelGuide, error) {
	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, wrapErr(op, err)
	}
	defer rows.Close()
	var out []models.ChannelGuide
	for rows.Next() {
		var g models.ChannelGuide
		if err := rows.Scan(&g.DeviceUID, &g.ChannelID, &g.Title, &g.Categories, &g.Description,
			&g.Start, &g.End, &g.ModifiedAt, &g.CreatedAt); err != nil {
			return nil, wrapErr(op+" scan", err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(op, err)
	}
	return out, nil
}

// ListCurrentGuides returns entries still airing or upcoming for enabled, non-stale channels.
func (p *Postgres) ListCurrentGuides(ctx context.Context, uid uuid.UUID, now time.Time) ([]models.ChannelGuide, error) {
	return p.queryGuides(ctx, "ListCurrentGuides",
		`SELECT `+guideColumns+`
		 FROM channel_guides g
		 JOIN channels c ON c.device_uid = g.device_uid AND c.channel_id = g.channel_id
		 WHERE g.device_uid = $1 AND c.channel_enabled AND NOT c.channel_stale
		   AND upper(g.timestamp_range) > $2
		 ORDER BY g.channel_id, lower(g.timestamp_range)`,
		uid, now)
}

// ListChannelGuide returns entries still airing or upcoming for one channel.
func (p *Postgres) ListChannelGuide(ctx context.Context, uid uuid.UUID, channelID int64, now time.Time) ([]models.ChannelGuide, error) {
	return p.queryGuides(ctx, "ListChannelGuide",
		`SELECT `+guideColumns+`
		 FROM channel_guides g
		 WHERE g.device_uid = $1 AND g.channel_id = $2 AND upper(g.timestamp_range) > $3
		 ORDER BY lower(g.timestamp_range)`,
		uid, channelID, now)
}

// --- task logs ---

// StartTaskLog records the start of a task run.
func (p *Postgres) StartTaskLog(ctx context.Context, uid uuid.UUID, task string) (uuid.UUID, error) {
	logUID := uuid.New()
	_, err := p.pool.Exec(ctx,
		`INSERT INTO task_logs (log_uid, device_uid, task_name, started_timestamp) VALUES ($1, $2, $3, NOW())`,
		logUID, uid, task)
	if err != nil {
		return uuid.Nil, wrapErr("StartTaskLog", err)
	}
	return logUID, nil
}

// CompleteTaskLog stamps the completion time of a task run.
func (p *Postgres) CompleteTaskLog(ctx context.Context, logUID uuid.UUID) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE task_logs SET completed_timestamp = NOW() WHERE log_uid = $1`, logUID)
	if err != nil {
		return wrapErr("CompleteTaskLog", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("CompleteTaskLog: %w", ErrNotFound)
	}
	return nil
}

// ListTaskLogs returns the newest task runs of a device.
func (p *Postgres) ListTaskLogs(ctx context.Context, uid uuid.UUID, limit int) ([]models.TaskLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := p.pool.Query(ctx,
		`SELECT log_uid, device_uid, task_name, started_timestamp, completed_timestamp
		 FROM task_logs WHERE device_uid = $1
		 ORDER BY started_timestamp DESC LIMIT $2`,
		uid, limit)
	if err != nil {
		return nil, wrapErr("ListTaskLogs", err)
	}
	defer rows.Close()
	var out []models.TaskLog
	for rows.Next() {
		var t models.TaskLog
		if err := rows.Scan(&t.LogUID, &t.DeviceUID, &t.TaskName, &t.StartedAt, &t.CompletedAt); err != nil {
			return nil, wrapErr("ListTaskLogs scan", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("ListTaskLogs", err)
	}
	return out, nil
}

// execBatch sends b on tx and surfaces the first statement error.
func execBatch(ctx context.Context, tx pgx.Tx, b *pgx.Batch) error {
	br := tx.SendBatch(ctx, b)
	for i := 0; i < b.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return err
		}
	}
	return br.Close()
}
