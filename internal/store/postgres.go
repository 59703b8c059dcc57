package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---- users ----

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, display_name, password_hash, email_verified, verification_token, verification_expires_at)
		VALUES ($1, LOWER($2), $3, $4, $5, NULLIF($6, ''), $7)
	`, user.ID, user.Email, user.DisplayName, user.PasswordHash, user.IsEmailVerified, user.VerificationToken, user.VerificationExpiresAt)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, password_hash, email_verified, COALESCE(verification_token, ''), verification_expires_at
		FROM users WHERE email = LOWER($1)
	`, email))
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, password_hash, email_verified, COALESCE(verification_token, ''), verification_expires_at
		FROM users WHERE id = $1
	`, userID))
}

func scanUser(row *sql.Row) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Email, &user.DisplayName, &user.PasswordHash,
		&user.IsEmailVerified, &user.VerificationToken, &user.VerificationExpiresAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET verification_token=$2, verification_expires_at=$3, updated_at=NOW() WHERE id=$1
	`, userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("update verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyUserEmail(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET email_verified=TRUE, verification_token=NULL, verification_expires_at=NULL, updated_at=NOW()
		WHERE verification_token=$1 AND verification_expires_at > NOW()
	`, token)
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify email result: %w", err)
	}
	if affected == 0 {
		return errors.New("invalid or expired verification token")
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, user_id, expires_at) VALUES ($1, $2, $3)
	`, token, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets
		WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

// ---- refresh sessions (Postgres fallback when Redis is not configured) ----

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.email, u.display_name
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1 AND rs.revoked_at IS NULL AND rs.expires_at > NOW()
	`, tokenHash).Scan(&user.ID, &user.Email, &user.DisplayName)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at) VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// ---- calendars ----

const calendarColumns = `id, user_id, name, tags, required_tag_groups, score_settings,
	duplicated_calendar, COALESCE(source_calendar_id, ''), last_modified, created_at`

func (s *PostgresStore) InsertCalendar(ctx context.Context, calendar Calendar) error {
	tagsJSON, groupsJSON, scoreJSON, err := encodeCalendarSettings(calendar)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO calendars (id, user_id, name, tags, required_tag_groups, score_settings, duplicated_calendar, source_calendar_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''))
	`, calendar.ID, calendar.UserID, calendar.Name, tagsJSON, groupsJSON, scoreJSON,
		calendar.DuplicatedCalendar, calendar.SourceCalendarID)
	if err != nil {
		return fmt.Errorf("insert calendar: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCalendar(ctx context.Context, calendarID string) (Calendar, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+calendarColumns+` FROM calendars WHERE id=$1`, calendarID)
	return scanCalendar(row)
}

func (s *PostgresStore) ListCalendars(ctx context.Context, userID string) ([]Calendar, error) {
	return s.queryCalendars(ctx, `SELECT `+calendarColumns+` FROM calendars WHERE user_id=$1 ORDER BY created_at`, userID)
}

// FindDuplicatedCalendars returns the calendars cloned from sourceCalendarID.
func (s *PostgresStore) FindDuplicatedCalendars(ctx context.Context, sourceCalendarID string) ([]Calendar, error) {
	return s.queryCalendars(ctx, `SELECT `+calendarColumns+` FROM calendars WHERE source_calendar_id=$1`, sourceCalendarID)
}

func (s *PostgresStore) queryCalendars(ctx context.Context, query string, args ...any) ([]Calendar, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query calendars: %w", err)
	}
	defer rows.Close()

	items := make([]Calendar, 0)
	for rows.Next() {
		item, err := scanCalendar(rows)
		if err != nil {
			return nil, fmt.Errorf("scan calendar: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate calendars: %w", err)
	}
	return items, nil
}

// UpdateCalendarSettings writes the calendar-level tag fields in one
// statement: aggregate tags, required groups, both score-settings lists, and
// the last-modified marker.
func (s *PostgresStore) UpdateCalendarSettings(ctx context.Context, calendar Calendar) error {
	tagsJSON, groupsJSON, scoreJSON, err := encodeCalendarSettings(calendar)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE calendars SET tags=$2, required_tag_groups=$3, score_settings=$4, last_modified=NOW()
		WHERE id=$1
	`, calendar.ID, tagsJSON, groupsJSON, scoreJSON)
	if err != nil {
		return fmt.Errorf("update calendar settings: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update calendar settings result: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// UpdateCalendarTags replaces only the aggregate tag list (rebuild path).
func (s *PostgresStore) UpdateCalendarTags(ctx context.Context, calendarID string, tagList []string) error {
	tagsJSON, err := json.Marshal(emptyIfNil(tagList))
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE calendars SET tags=$2, last_modified=NOW() WHERE id=$1
	`, calendarID, tagsJSON)
	if err != nil {
		return fmt.Errorf("update calendar tags: %w", err)
	}
	return nil
}

func (s *PostgresStore) RenameCalendar(ctx context.Context, calendarID, name string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE calendars SET name=$2, last_modified=NOW() WHERE id=$1`, calendarID, name)
	if err != nil {
		return fmt.Errorf("rename calendar: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteCalendar(ctx context.Context, calendarID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM calendars WHERE id=$1`, calendarID)
	if err != nil {
		return fmt.Errorf("delete calendar: %w", err)
	}
	return nil
}

// ---- year shards ----

func (s *PostgresStore) GetYearShard(ctx context.Context, calendarID string, year int) (YearShard, error) {
	var shard YearShard
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT calendar_id, year, trades, last_modified FROM calendar_years
		WHERE calendar_id=$1 AND year=$2
	`, calendarID, year).Scan(&shard.CalendarID, &shard.Year, &raw, &shard.LastModified)
	if err != nil {
		return YearShard{}, err
	}
	shard.Trades, err = unmarshalTrades(raw)
	if err != nil {
		return YearShard{}, fmt.Errorf("decode trades %s/%d: %w", calendarID, year, err)
	}
	return shard, nil
}

// ListYearShards fans out over every shard of a calendar, unordered.
func (s *PostgresStore) ListYearShards(ctx context.Context, calendarID string) ([]YearShard, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT calendar_id, year, trades, last_modified FROM calendar_years WHERE calendar_id=$1
	`, calendarID)
	if err != nil {
		return nil, fmt.Errorf("list year shards: %w", err)
	}
	defer rows.Close()

	shards := make([]YearShard, 0)
	for rows.Next() {
		var shard YearShard
		var raw []byte
		if err := rows.Scan(&shard.CalendarID, &shard.Year, &raw, &shard.LastModified); err != nil {
			return nil, fmt.Errorf("scan year shard: %w", err)
		}
		trades, err := unmarshalTrades(raw)
		if err != nil {
			return nil, fmt.Errorf("decode trades %s/%d: %w", calendarID, shard.Year, err)
		}
		shard.Trades = trades
		shards = append(shards, shard)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate year shards: %w", err)
	}
	return shards, nil
}

// SaveYearShard writes back the entire trade array for one shard. The shard
// row is the unit of mutation; partial updates of the array are not possible.
func (s *PostgresStore) SaveYearShard(ctx context.Context, shard YearShard) error {
	raw, err := marshalTrades(shard.Trades)
	if err != nil {
		return fmt.Errorf("encode trades: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO calendar_years (calendar_id, year, trades, last_modified)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (calendar_id, year) DO UPDATE SET trades=EXCLUDED.trades, last_modified=NOW()
	`, shard.CalendarID, shard.Year, raw)
	if err != nil {
		return fmt.Errorf("save year shard %s/%d: %w", shard.CalendarID, shard.Year, err)
	}
	return nil
}

func (s *PostgresStore) DeleteYearShard(ctx context.Context, calendarID string, year int) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM calendar_years WHERE calendar_id=$1 AND year=$2`, calendarID, year)
	if err != nil {
		return fmt.Errorf("delete year shard %s/%d: %w", calendarID, year, err)
	}
	return nil
}

func (s *PostgresStore) DeleteYearShards(ctx context.Context, calendarID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM calendar_years WHERE calendar_id=$1`, calendarID)
	if err != nil {
		return fmt.Errorf("delete year shards %s: %w", calendarID, err)
	}
	return nil
}

// MoveTrade relocates one trade between two year shards of the same calendar
// in a single transaction, creating the target shard if absent and dropping
// the source row when the move empties it. Both shard rows are locked so
// concurrent moves touching the same shard serialize.
func (s *PostgresStore) MoveTrade(ctx context.Context, calendarID, tradeID string, fromYear, toYear int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin move tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	source, err := lockShard(ctx, tx, calendarID, fromYear)
	if err != nil {
		return err
	}

	var moved *Trade
	remaining := make([]Trade, 0, len(source.Trades))
	for _, trade := range source.Trades {
		if trade.ID == tradeID && moved == nil {
			copied := trade
			moved = &copied
			continue
		}
		remaining = append(remaining, trade)
	}
	if moved == nil {
		return fmt.Errorf("move trade %s: %w", tradeID, sql.ErrNoRows)
	}

	target, err := lockShard(ctx, tx, calendarID, toYear)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	// A stale copy with the same ID in the target is replaced, not duplicated.
	kept := make([]Trade, 0, len(target.Trades)+1)
	for _, trade := range target.Trades {
		if trade.ID != tradeID {
			kept = append(kept, trade)
		}
	}
	target.Trades = append(kept, *moved)

	// The source shard row only exists while it has trades.
	if len(remaining) == 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM calendar_years WHERE calendar_id=$1 AND year=$2`, calendarID, fromYear); err != nil {
			return fmt.Errorf("delete emptied shard %s/%d: %w", calendarID, fromYear, err)
		}
	} else if err := writeShardTx(ctx, tx, calendarID, fromYear, remaining); err != nil {
		return err
	}
	if err := writeShardTx(ctx, tx, calendarID, toYear, target.Trades); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit move tx: %w", err)
	}
	return nil
}

func lockShard(ctx context.Context, tx *sql.Tx, calendarID string, year int) (YearShard, error) {
	var shard YearShard
	var raw []byte
	err := tx.QueryRowContext(ctx, `
		SELECT calendar_id, year, trades, last_modified FROM calendar_years
		WHERE calendar_id=$1 AND year=$2
		FOR UPDATE
	`, calendarID, year).Scan(&shard.CalendarID, &shard.Year, &raw, &shard.LastModified)
	if errors.Is(err, sql.ErrNoRows) {
		return YearShard{CalendarID: calendarID, Year: year, Trades: []Trade{}}, sql.ErrNoRows
	}
	if err != nil {
		return YearShard{}, fmt.Errorf("lock shard %s/%d: %w", calendarID, year, err)
	}
	shard.Trades, err = unmarshalTrades(raw)
	if err != nil {
		return YearShard{}, fmt.Errorf("decode trades %s/%d: %w", calendarID, year, err)
	}
	return shard, nil
}

func writeShardTx(ctx context.Context, tx *sql.Tx, calendarID string, year int, trades []Trade) error {
	raw, err := marshalTrades(trades)
	if err != nil {
		return fmt.Errorf("encode trades: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO calendar_years (calendar_id, year, trades, last_modified)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (calendar_id, year) DO UPDATE SET trades=EXCLUDED.trades, last_modified=NOW()
	`, calendarID, year, raw)
	if err != nil {
		return fmt.Errorf("write shard %s/%d: %w", calendarID, year, err)
	}
	return nil
}

// ---- scanning helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCalendar(row rowScanner) (Calendar, error) {
	var calendar Calendar
	var tagsJSON, groupsJSON, scoreJSON []byte
	err := row.Scan(&calendar.ID, &calendar.UserID, &calendar.Name, &tagsJSON, &groupsJSON, &scoreJSON,
		&calendar.DuplicatedCalendar, &calendar.SourceCalendarID, &calendar.LastModified, &calendar.CreatedAt)
	if err != nil {
		return Calendar{}, err
	}
	if err := json.Unmarshal(tagsJSON, &calendar.Tags); err != nil {
		return Calendar{}, fmt.Errorf("decode calendar tags: %w", err)
	}
	if err := json.Unmarshal(groupsJSON, &calendar.RequiredTagGroups); err != nil {
		return Calendar{}, fmt.Errorf("decode required tag groups: %w", err)
	}
	if err := json.Unmarshal(scoreJSON, &calendar.ScoreSettings); err != nil {
		return Calendar{}, fmt.Errorf("decode score settings: %w", err)
	}
	return calendar, nil
}

func encodeCalendarSettings(calendar Calendar) (tags, groups, score []byte, err error) {
	tags, err = json.Marshal(emptyIfNil(calendar.Tags))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encode tags: %w", err)
	}
	groups, err = json.Marshal(emptyIfNil(calendar.RequiredTagGroups))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encode required tag groups: %w", err)
	}
	settings := calendar.ScoreSettings
	settings.ExcludedTagsFromPatterns = emptyIfNil(settings.ExcludedTagsFromPatterns)
	settings.SelectedTags = emptyIfNil(settings.SelectedTags)
	score, err = json.Marshal(settings)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encode score settings: %w", err)
	}
	return tags, groups, score, nil
}

func emptyIfNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}
