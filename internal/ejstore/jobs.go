package ejstore

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ejdispatch/ej/internal/ejmodel"
)

// CreateJob persists a new job in NotStarted status.
func (s *Store) CreateJob(sub ejmodel.JobSubmission) (ejmodel.Job, error) {
	now := time.Now().UTC()
	job := ejmodel.Job{
		ID:          uuid.NewString(),
		Type:        sub.Type,
		CommitHash:  sub.CommitHash,
		RemoteURL:   sub.RemoteURL,
		RemoteToken: sub.RemoteToken,
		Status:      ejmodel.JobNotStarted,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err := s.conn.Exec(
		`INSERT INTO jobs (id, job_type, commit_hash, remote_url, remote_token, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.Type), job.CommitHash, job.RemoteURL, job.RemoteToken, string(job.Status),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return ejmodel.Job{}, fmt.Errorf("inserting job: %w", err)
	}
	return job, nil
}

// FetchJob loads a job by id.
func (s *Store) FetchJob(id string) (ejmodel.Job, error) {
	row := s.conn.QueryRow(
		`SELECT id, job_type, commit_hash, remote_url, remote_token, status, dispatched_at, finished_at, created_at, updated_at
		 FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

func scanJob(row *sql.Row) (ejmodel.Job, error) {
	var j ejmodel.Job
	var jobType, status string
	var dispatchedAt, finishedAt sql.NullString
	var createdAt, updatedAt string

	if err := row.Scan(&j.ID, &jobType, &j.CommitHash, &j.RemoteURL, &j.RemoteToken, &status,
		&dispatchedAt, &finishedAt, &createdAt, &updatedAt); err != nil {
		return ejmodel.Job{}, fmt.Errorf("fetching job: %w", err)
	}

	j.Type = ejmodel.JobType(jobType)
	j.Status = ejmodel.JobStatus(status)
	j.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	j.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if dispatchedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, dispatchedAt.String)
		j.DispatchedAt = &t
	}
	if finishedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, finishedAt.String)
		j.FinishedAt = &t
	}
	return j, nil
}

// UpdateStatus enforces the monotone state machine of spec.md §3: once a
// job is terminal, its status never changes again (the UPDATE's WHERE
// clause excludes terminal current rows, matching the invariant without
// requiring every caller to re-check first). dispatched_at is stamped on
// entry to Running; finished_at is stamped on entry to any terminal state.
func (s *Store) UpdateStatus(id string, status ejmodel.JobStatus) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	var dispatchedSet, finishedSet string
	if status == ejmodel.JobRunning {
		dispatchedSet = fmt.Sprintf(", dispatched_at = '%s'", now)
	}
	if status.Terminal() {
		finishedSet = fmt.Sprintf(", finished_at = '%s'", now)
	}

	query := fmt.Sprintf(
		`UPDATE jobs SET status = ?, updated_at = ?%s%s
		 WHERE id = ? AND status NOT IN ('Success', 'Failed', 'Cancelled')`,
		dispatchedSet, finishedSet,
	)

	res, err := s.conn.Exec(query, string(status), now, id)
	if err != nil {
		return fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if n == 0 {
		// Either the job doesn't exist, or it's already terminal — the
		// latter is not an error per spec.md §3 ("late-arriving logs are
		// still accepted but do not change status"); verify existence.
		if _, err := s.FetchJob(id); err != nil {
			return fmt.Errorf("updating status of unknown job %s: %w", id, err)
		}
	}
	return nil
}

// AppendLog appends one (job, board-config) log line. Accepted even after
// the job has reached a terminal status, per spec §3.
func (s *Store) AppendLog(jobID, boardConfigID, text string) error {
	_, err := s.conn.Exec(
		`INSERT INTO job_logs (job_id, board_config_id, text) VALUES (?, ?, ?)`,
		jobID, boardConfigID, text,
	)
	if err != nil {
		return fmt.Errorf("appending job log: %w", err)
	}
	return nil
}

// PutResult stores the result blob for one (job, board-config) pair,
// replacing any prior value — re-posting an identical result is accepted
// idempotently per spec §8.
func (s *Store) PutResult(jobID, boardConfigID, text string) error {
	_, err := s.conn.Exec(
		`INSERT INTO job_results (job_id, board_config_id, text) VALUES (?, ?, ?)
		 ON CONFLICT (job_id, board_config_id) DO UPDATE SET text = excluded.text`,
		jobID, boardConfigID, text,
	)
	if err != nil {
		return fmt.Errorf("storing job result: %w", err)
	}
	return nil
}

// BoardLog pairs a board configuration with one concatenated text blob,
// the shape the engine joins logs/results against when composing
// BuildFinished/RunFinished updates (spec §4.F).
type BoardLog struct {
	Board ejmodel.BoardConfigAPI
	Text  string
}

// FetchLogsWithBoard returns every log row for a job, concatenated per
// board-config and joined with board-config metadata, in insertion order
// (spec §6.4 fetch_logs_with_board).
func (s *Store) FetchLogsWithBoard(jobID string) ([]BoardLog, error) {
	rows, err := s.conn.Query(
		`SELECT bc.id, bc.name, l.text
		 FROM job_logs l JOIN board_configs bc ON bc.id = l.board_config_id
		 WHERE l.job_id = ?
		 ORDER BY l.rowid`, jobID)
	if err != nil {
		return nil, fmt.Errorf("fetching logs with board: %w", err)
	}
	defer rows.Close()

	concatenated := make(map[string]*BoardLog)
	var order []string
	for rows.Next() {
		var id, name, text string
		if err := rows.Scan(&id, &name, &text); err != nil {
			return nil, fmt.Errorf("scanning log row: %w", err)
		}
		bl, ok := concatenated[id]
		if !ok {
			tags, tagErr := s.fetchTags(id)
			if tagErr != nil {
				return nil, tagErr
			}
			bl = &BoardLog{Board: ejmodel.BoardConfigAPI{ID: id, Name: name, Tags: tags}}
			concatenated[id] = bl
			order = append(order, id)
		}
		bl.Text += text
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]BoardLog, 0, len(order))
	for _, id := range order {
		out = append(out, *concatenated[id])
	}
	return out, nil
}

// BoardResult pairs a board configuration with its result blob.
type BoardResult struct {
	Board ejmodel.BoardConfigAPI
	Text  string
}

// FetchResultsWithBoard returns every result row for a job joined with
// board-config metadata (spec §6.4 fetch_results_with_board).
func (s *Store) FetchResultsWithBoard(jobID string) ([]BoardResult, error) {
	rows, err := s.conn.Query(
		`SELECT bc.id, bc.name, r.text
		 FROM job_results r JOIN board_configs bc ON bc.id = r.board_config_id
		 WHERE r.job_id = ?`, jobID)
	if err != nil {
		return nil, fmt.Errorf("fetching results with board: %w", err)
	}
	defer rows.Close()

	var out []BoardResult
	for rows.Next() {
		var id, name, text string
		if err := rows.Scan(&id, &name, &text); err != nil {
			return nil, fmt.Errorf("scanning result row: %w", err)
		}
		tags, err := s.fetchTags(id)
		if err != nil {
			return nil, err
		}
		out = append(out, BoardResult{Board: ejmodel.BoardConfigAPI{ID: id, Name: name, Tags: tags}, Text: text})
	}
	return out, rows.Err()
}

func (s *Store) fetchTags(boardConfigID string) ([]string, error) {
	rows, err := s.conn.Query(`SELECT tag FROM board_config_tags WHERE board_config_id = ?`, boardConfigID)
	if err != nil {
		return nil, fmt.Errorf("fetching tags: %w", err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}
