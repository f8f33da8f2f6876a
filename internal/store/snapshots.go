package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// lastOutputCap bounds the persisted terminal tail per agent.
const lastOutputCap = 5000

// Snapshot is the persisted state of one agent, enough to survive restarts.
type Snapshot struct {
	AgentID        string
	Project        string
	SessionName    string
	WorktreePath   string
	BranchName     string
	Status         string
	Task           string
	CreatedAt      time.Time
	LastActivity   time.Time
	LastOutput     string
	NeedsAttention bool
	Parked         bool
	LastResponse   string
	LastUserMsg    string
	Profile        string
}

// SaveSnapshot upserts an agent snapshot. LastOutput is truncated to its
// final 5000 chars to keep the database small.
func (s *Store) SaveSnapshot(snap Snapshot) error {
	output := snap.LastOutput
	if len(output) > lastOutputCap {
		output = output[len(output)-lastOutputCap:]
	}

	_, err := s.db.Exec(
		`INSERT INTO agent_snapshots
		   (agent_id, project_name, session_name, worktree_path, branch_name, status,
		    task_description, created_at, last_activity, last_output,
		    needs_attention, parked, last_response, last_user_message, profile)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(agent_id) DO UPDATE SET
		   project_name=excluded.project_name,
		   session_name=excluded.session_name,
		   worktree_path=excluded.worktree_path,
		   branch_name=excluded.branch_name,
		   status=excluded.status,
		   task_description=excluded.task_description,
		   created_at=excluded.created_at,
		   last_activity=excluded.last_activity,
		   last_output=excluded.last_output,
		   needs_attention=excluded.needs_attention,
		   parked=excluded.parked,
		   last_response=excluded.last_response,
		   last_user_message=excluded.last_user_message,
		   profile=excluded.profile`,
		snap.AgentID, snap.Project, snap.SessionName, snap.WorktreePath,
		snap.BranchName, snap.Status, snap.Task,
		snap.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
		snap.LastActivity.UTC().Format("2006-01-02 15:04:05"),
		output, boolInt(snap.NeedsAttention), boolInt(snap.Parked),
		snap.LastResponse, snap.LastUserMsg, snap.Profile,
	)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", snap.AgentID, err)
	}
	return nil
}

// Snapshot returns the snapshot for one agent, or false when absent.
func (s *Store) Snapshot(agentID string) (Snapshot, bool, error) {
	row := s.db.QueryRow(snapshotSelect+" WHERE agent_id = ?", agentID)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("load snapshot %s: %w", agentID, err)
	}
	return snap, true, nil
}

// Snapshots returns all persisted snapshots.
func (s *Store) Snapshots() ([]Snapshot, error) {
	rows, err := s.db.Query(snapshotSelect + " ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// DeleteSnapshot removes an agent's snapshot.
func (s *Store) DeleteSnapshot(agentID string) error {
	if _, err := s.db.Exec("DELETE FROM agent_snapshots WHERE agent_id = ?", agentID); err != nil {
		return fmt.Errorf("delete snapshot %s: %w", agentID, err)
	}
	return nil
}

const snapshotSelect = `SELECT agent_id, project_name, session_name, worktree_path,
	branch_name, status, task_description, created_at, last_activity, last_output,
	needs_attention, parked, last_response, last_user_message, profile
	FROM agent_snapshots`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSnapshot(row rowScanner) (Snapshot, error) {
	var (
		snap               Snapshot
		created, activity  string
		attention, parked  int
	)
	err := row.Scan(
		&snap.AgentID, &snap.Project, &snap.SessionName, &snap.WorktreePath,
		&snap.BranchName, &snap.Status, &snap.Task, &created, &activity,
		&snap.LastOutput, &attention, &parked, &snap.LastResponse,
		&snap.LastUserMsg, &snap.Profile,
	)
	if err != nil {
		return Snapshot{}, err
	}
	snap.CreatedAt = parseDBTime(created)
	snap.LastActivity = parseDBTime(activity)
	snap.NeedsAttention = attention != 0
	snap.Parked = parked != 0
	return snap, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
