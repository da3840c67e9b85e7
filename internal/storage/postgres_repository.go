package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"siderec/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgForeignKeyViolation = "23503"
	pgUniqueViolation     = "23505"
)

type postgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

var _ Repository = (*postgresRepository)(nil)

// NewPostgresRepository opens a Postgres-backed repository and, unless told
// otherwise, creates the tables it needs.
func NewPostgresRepository(dsn string, opts ...Option) (Repository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	repo := &postgresRepository{pool: pool, cfg: cfg}
	if !cfg.SkipSchema {
		if err := repo.ensureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return repo, nil
}

func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// withConn acquires a pooled connection bounded by the configured acquire
// timeout and runs fn with the same deadline.
func (r *postgresRepository) withConn(ctx context.Context, fn func(context.Context, *pgxpool.Conn) error) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("postgres pool not configured")
	}
	if r.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.AcquireTimeout)
		defer cancel()
	}
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire postgres connection: %w", err)
	}
	defer conn.Release()
	return fn(ctx, conn)
}

func (r *postgresRepository) ensureSchema(ctx context.Context) error {
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		for _, stmt := range schemaStatements {
			if _, err := conn.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("apply schema: %w", err)
			}
		}
		return nil
	})
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		return conn.Ping(ctx)
	})
}

func (r *postgresRepository) now() time.Time {
	if r.cfg.Clock != nil {
		return r.cfg.Clock().UTC()
	}
	return time.Now().UTC()
}

const meetingColumns = `id, code, host_id, title, description, created_at, duration_ms, ended_at`

func scanMeeting(row pgx.Row) (models.Meeting, error) {
	var meeting models.Meeting
	err := row.Scan(
		&meeting.ID,
		&meeting.Code,
		&meeting.HostID,
		&meeting.Title,
		&meeting.Description,
		&meeting.CreatedAt,
		&meeting.DurationMs,
		&meeting.EndedAt,
	)
	if err != nil {
		return models.Meeting{}, err
	}
	meeting.CreatedAt = meeting.CreatedAt.UTC()
	if meeting.EndedAt != nil {
		ended := meeting.EndedAt.UTC()
		meeting.EndedAt = &ended
	}
	return meeting, nil
}

const participantColumns = `meeting_id, user_id, name, email, profile_pic, has_joined, joined_at, left_at`

func scanParticipant(row pgx.Row) (models.Participant, error) {
	var participant models.Participant
	err := row.Scan(
		&participant.MeetingID,
		&participant.UserID,
		&participant.Name,
		&participant.Email,
		&participant.ProfilePic,
		&participant.HasJoined,
		&participant.JoinedAt,
		&participant.LeftAt,
	)
	if err != nil {
		return models.Participant{}, err
	}
	return participant, nil
}

func (r *postgresRepository) CreateMeeting(ctx context.Context, params CreateMeetingParams) (models.Meeting, error) {
	params, err := validateMeetingParams(params)
	if err != nil {
		return models.Meeting{}, err
	}
	var meeting models.Meeting
	err = r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		for attempt := 0; attempt < 8; attempt++ {
			code, err := generateMeetingCode()
			if err != nil {
				return err
			}
			row := conn.QueryRow(ctx, `
INSERT INTO meetings (id, code, host_id, title, description, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING `+meetingColumns,
				generateID(), code, params.HostID, params.Title, params.Description, r.now())
			meeting, err = scanMeeting(row)
			if pgErrorCode(err) == pgUniqueViolation {
				continue
			}
			if err != nil {
				return fmt.Errorf("insert meeting: %w", err)
			}
			return nil
		}
		return fmt.Errorf("could not allocate unique meeting code")
	})
	if err != nil {
		return models.Meeting{}, err
	}
	return meeting, nil
}

func (r *postgresRepository) GetMeeting(ctx context.Context, id string) (models.Meeting, error) {
	return r.getMeetingWhere(ctx, "id = $1", strings.TrimSpace(id))
}

func (r *postgresRepository) GetMeetingByCode(ctx context.Context, code string) (models.Meeting, error) {
	return r.getMeetingWhere(ctx, "code = $1", normalizeCode(code))
}

func (r *postgresRepository) getMeetingWhere(ctx context.Context, predicate, arg string) (models.Meeting, error) {
	var meeting models.Meeting
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		row := conn.QueryRow(ctx, `SELECT `+meetingColumns+` FROM meetings WHERE `+predicate, arg)
		var err error
		meeting, err = scanMeeting(row)
		if isNoRows(err) {
			return fmt.Errorf("meeting %s: %w", arg, ErrNotFound)
		}
		return err
	})
	if err != nil {
		return models.Meeting{}, err
	}
	return meeting, nil
}

func (r *postgresRepository) ResolveMeeting(ctx context.Context, ref string) (models.Meeting, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return models.Meeting{}, fmt.Errorf("%w: meeting reference required", ErrInvalidInput)
	}
	var meeting models.Meeting
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		row := conn.QueryRow(ctx, `
SELECT `+meetingColumns+`
FROM meetings
WHERE id = $1 OR code = $2
ORDER BY (id = $1) DESC
LIMIT 1`, ref, normalizeCode(ref))
		var err error
		meeting, err = scanMeeting(row)
		if isNoRows(err) {
			return fmt.Errorf("meeting %s: %w", ref, ErrNotFound)
		}
		return err
	})
	if err != nil {
		return models.Meeting{}, err
	}
	return meeting, nil
}

func (r *postgresRepository) ListMeetingsForUser(ctx context.Context, userID string) ([]models.MeetingDetails, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id required", ErrInvalidInput)
	}
	var out []models.MeetingDetails
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `
SELECT `+meetingColumns+`
FROM meetings
WHERE host_id = $1
   OR id IN (SELECT meeting_id FROM meeting_participants WHERE user_id = $1)
ORDER BY created_at DESC`, userID)
		if err != nil {
			return fmt.Errorf("list meetings: %w", err)
		}
		index := make(map[string]int)
		ids := make([]string, 0)
		for rows.Next() {
			meeting, err := scanMeeting(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("scan meeting: %w", err)
			}
			index[meeting.ID] = len(out)
			ids = append(ids, meeting.ID)
			out = append(out, models.MeetingDetails{Meeting: meeting, Participants: []models.Participant{}})
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate meetings: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}

		prow, err := conn.Query(ctx, `
SELECT `+participantColumns+`
FROM meeting_participants
WHERE meeting_id = ANY($1)
ORDER BY user_id`, ids)
		if err != nil {
			return fmt.Errorf("list participants: %w", err)
		}
		defer prow.Close()
		for prow.Next() {
			participant, err := scanParticipant(prow)
			if err != nil {
				return fmt.Errorf("scan participant: %w", err)
			}
			pos := index[participant.MeetingID]
			out[pos].Participants = append(out[pos].Participants, participant)
		}
		return prow.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *postgresRepository) SetMeetingDuration(ctx context.Context, meetingID string, durationMs int64, endedAt time.Time) (bool, error) {
	var written bool
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		tag, err := conn.Exec(ctx, `
UPDATE meetings
SET duration_ms = $2, ended_at = $3
WHERE id = $1 AND duration_ms IS NULL`, meetingID, durationMs, endedAt.UTC())
		if err != nil {
			return fmt.Errorf("set meeting duration: %w", err)
		}
		if tag.RowsAffected() == 1 {
			written = true
			return nil
		}
		var exists bool
		if err := conn.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM meetings WHERE id = $1)`, meetingID).Scan(&exists); err != nil {
			return fmt.Errorf("check meeting: %w", err)
		}
		if !exists {
			return fmt.Errorf("meeting %s: %w", meetingID, ErrNotFound)
		}
		return nil
	})
	return written, err
}

func (r *postgresRepository) AddParticipant(ctx context.Context, meetingID, userID string) (models.Participant, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return models.Participant{}, fmt.Errorf("%w: user id required", ErrInvalidInput)
	}
	var participant models.Participant
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, `
INSERT INTO meeting_participants (meeting_id, user_id)
VALUES ($1, $2)
ON CONFLICT (meeting_id, user_id) DO NOTHING`, meetingID, userID)
		if pgErrorCode(err) == pgForeignKeyViolation {
			return fmt.Errorf("meeting %s: %w", meetingID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("insert participant: %w", err)
		}
		participant, err = scanParticipant(conn.QueryRow(ctx, `
SELECT `+participantColumns+` FROM meeting_participants WHERE meeting_id = $1 AND user_id = $2`, meetingID, userID))
		return err
	})
	if err != nil {
		return models.Participant{}, err
	}
	return participant, nil
}

func (r *postgresRepository) UpsertParticipantJoined(ctx context.Context, meetingID string, info models.UserInfo, at time.Time) (models.Participant, error) {
	userID := strings.TrimSpace(info.UserID)
	if userID == "" {
		return models.Participant{}, fmt.Errorf("%w: user id required", ErrInvalidInput)
	}
	var participant models.Participant
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		row := conn.QueryRow(ctx, `
INSERT INTO meeting_participants (meeting_id, user_id, name, email, profile_pic, has_joined, joined_at, left_at)
VALUES ($1, $2, $3, $4, $5, TRUE, $6, NULL)
ON CONFLICT (meeting_id, user_id) DO UPDATE SET
	name = COALESCE(NULLIF(EXCLUDED.name, ''), meeting_participants.name),
	email = COALESCE(NULLIF(EXCLUDED.email, ''), meeting_participants.email),
	profile_pic = COALESCE(NULLIF(EXCLUDED.profile_pic, ''), meeting_participants.profile_pic),
	has_joined = TRUE,
	joined_at = EXCLUDED.joined_at,
	left_at = NULL
RETURNING `+participantColumns,
			meetingID, userID, normalizeText(info.Name), strings.TrimSpace(info.Email), strings.TrimSpace(info.ProfilePic), at.UTC())
		var err error
		participant, err = scanParticipant(row)
		if pgErrorCode(err) == pgForeignKeyViolation {
			return fmt.Errorf("meeting %s: %w", meetingID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("upsert participant: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.Participant{}, err
	}
	return participant, nil
}

func (r *postgresRepository) MarkParticipantLeft(ctx context.Context, meetingID, userID string, at time.Time) (models.Participant, error) {
	var participant models.Participant
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		row := conn.QueryRow(ctx, `
UPDATE meeting_participants
SET has_joined = FALSE, left_at = $3
WHERE meeting_id = $1 AND user_id = $2
RETURNING `+participantColumns, meetingID, userID, at.UTC())
		var err error
		participant, err = scanParticipant(row)
		if isNoRows(err) {
			return fmt.Errorf("participant %s in %s: %w", userID, meetingID, ErrNotFound)
		}
		return err
	})
	if err != nil {
		return models.Participant{}, err
	}
	return participant, nil
}

func (r *postgresRepository) GetParticipant(ctx context.Context, meetingID, userID string) (models.Participant, error) {
	var participant models.Participant
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		var err error
		participant, err = scanParticipant(conn.QueryRow(ctx, `
SELECT `+participantColumns+` FROM meeting_participants WHERE meeting_id = $1 AND user_id = $2`, meetingID, userID))
		if isNoRows(err) {
			return fmt.Errorf("participant %s in %s: %w", userID, meetingID, ErrNotFound)
		}
		return err
	})
	if err != nil {
		return models.Participant{}, err
	}
	return participant, nil
}

func (r *postgresRepository) ListParticipants(ctx context.Context, meetingID string, joinedOnly bool) ([]models.Participant, error) {
	out := make([]models.Participant, 0)
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		var exists bool
		if err := conn.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM meetings WHERE id = $1)`, meetingID).Scan(&exists); err != nil {
			return fmt.Errorf("check meeting: %w", err)
		}
		if !exists {
			return fmt.Errorf("meeting %s: %w", meetingID, ErrNotFound)
		}
		rows, err := conn.Query(ctx, `
SELECT `+participantColumns+`
FROM meeting_participants
WHERE meeting_id = $1 AND ($2 = FALSE OR has_joined)
ORDER BY user_id`, meetingID, joinedOnly)
		if err != nil {
			return fmt.Errorf("list participants: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			participant, err := scanParticipant(rows)
			if err != nil {
				return fmt.Errorf("scan participant: %w", err)
			}
			out = append(out, participant)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func isNoRows(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, pgx.ErrNoRows)
}

func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
