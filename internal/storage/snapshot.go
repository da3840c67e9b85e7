package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"siderec/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Snapshot is the full content of a JSON datastore in a stable order.
type Snapshot struct {
	Meetings     []models.Meeting
	Participants []models.Participant
}

// SnapshotCounts summarises a snapshot for verification.
type SnapshotCounts struct {
	Meetings     int
	Participants int
}

func (s Snapshot) Counts() SnapshotCounts {
	return SnapshotCounts{Meetings: len(s.Meetings), Participants: len(s.Participants)}
}

// LoadSnapshotFromJSON reads a JSON datastore file without opening it for
// writes.
func LoadSnapshotFromJSON(path string) (Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read datastore: %w", err)
	}
	var data dataset
	if err := json.Unmarshal(raw, &data); err != nil {
		return Snapshot{}, fmt.Errorf("decode datastore: %w", err)
	}
	return snapshotFromDataset(data), nil
}

// Snapshot copies the current dataset.
func (s *Storage) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromDataset(s.data)
}

func snapshotFromDataset(data dataset) Snapshot {
	var snap Snapshot
	for _, meeting := range data.Meetings {
		snap.Meetings = append(snap.Meetings, meeting)
	}
	sort.Slice(snap.Meetings, func(i, j int) bool {
		if snap.Meetings[i].CreatedAt.Equal(snap.Meetings[j].CreatedAt) {
			return snap.Meetings[i].ID < snap.Meetings[j].ID
		}
		return snap.Meetings[i].CreatedAt.Before(snap.Meetings[j].CreatedAt)
	})
	for meetingID, rows := range data.Participants {
		for userID, participant := range rows {
			participant.MeetingID = meetingID
			participant.UserID = userID
			snap.Participants = append(snap.Participants, participant)
		}
	}
	sort.Slice(snap.Participants, func(i, j int) bool {
		a, b := snap.Participants[i], snap.Participants[j]
		if a.MeetingID != b.MeetingID {
			return a.MeetingID < b.MeetingID
		}
		return a.UserID < b.UserID
	})
	return snap
}

// Validate reports participants that point at meetings missing from the
// snapshot. Postgres rejects those rows with a foreign key violation.
func (s Snapshot) Validate() error {
	known := make(map[string]struct{}, len(s.Meetings))
	for _, meeting := range s.Meetings {
		known[meeting.ID] = struct{}{}
	}
	var errs []error
	for _, p := range s.Participants {
		if _, ok := known[p.MeetingID]; !ok {
			errs = append(errs, fmt.Errorf("participant %s references unknown meeting %s", p.UserID, p.MeetingID))
		}
	}
	return errors.Join(errs...)
}

// ImportSnapshotToPostgres copies a snapshot into a Postgres repository in a
// single transaction. Rows that already exist are left untouched so the
// import can be re-run.
func ImportSnapshotToPostgres(ctx context.Context, repo Repository, snap Snapshot) error {
	pg, ok := repo.(*postgresRepository)
	if !ok {
		return fmt.Errorf("import requires a postgres repository, got %T", repo)
	}
	if err := snap.Validate(); err != nil {
		return fmt.Errorf("invalid snapshot: %w", err)
	}
	return pg.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		tx, err := conn.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("begin import: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		batch := &pgx.Batch{}
		for _, m := range snap.Meetings {
			batch.Queue(`
INSERT INTO meetings (`+meetingColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO NOTHING`,
				m.ID, m.Code, m.HostID, m.Title, m.Description, m.CreatedAt.UTC(), m.DurationMs, m.EndedAt)
		}
		for _, p := range snap.Participants {
			batch.Queue(`
INSERT INTO meeting_participants (`+participantColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (meeting_id, user_id) DO NOTHING`,
				p.MeetingID, p.UserID, p.Name, p.Email, p.ProfilePic, p.HasJoined, p.JoinedAt, p.LeftAt)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("import rows: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit import: %w", err)
		}
		return nil
	})
}
