package ejstore

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/ejdispatch/ej/internal/ejmodel"
)

// ConfigHash computes the content-addressed hash spec.md §3 uses to
// de-duplicate identical pushes from the same owner: a stable
// serialization (sorted-field JSON) followed by SHA-256, grounded on the
// original's ej_auth::sha256 helper.
func ConfigHash(boardName string, cfg ejmodel.UserBoardConfig) string {
	type stable struct {
		BoardName   string   `json:"board_name"`
		Name        string   `json:"name"`
		Tags        []string `json:"tags"`
		BuildScript string   `json:"build_script"`
		RunScript   string   `json:"run_script"`
		ResultsPath string   `json:"results_path"`
		LibraryPath string   `json:"library_path"`
	}

	sortedTags := append([]string(nil), cfg.Tags...)
	sort.Strings(sortedTags)

	data, _ := json.Marshal(stable{
		BoardName:   boardName,
		Name:        cfg.Name,
		Tags:        sortedTags,
		BuildScript: cfg.BuildScript,
		RunScript:   cfg.RunScript,
		ResultsPath: cfg.ResultsPath,
		LibraryPath: cfg.LibraryPath,
	})

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FetchConfigByHash looks up a previously-pushed config by (owner, hash).
func (s *Store) FetchConfigByHash(ownerID, hash string) (ejmodel.BoardConfig, error) {
	var bc ejmodel.BoardConfig
	err := s.conn.QueryRow(
		`SELECT id, owner_id, config_hash, board_name, name, build_script, run_script, results_path, library_path
		 FROM board_configs WHERE owner_id = ? AND config_hash = ?`, ownerID, hash,
	).Scan(&bc.ID, &bc.OwnerID, &bc.ConfigHash, &bc.BoardName, &bc.Name,
		&bc.BuildScript, &bc.RunScript, &bc.ResultsPath, &bc.LibraryPath)
	if errors.Is(err, sql.ErrNoRows) {
		return ejmodel.BoardConfig{}, ErrNotFound
	}
	if err != nil {
		return ejmodel.BoardConfig{}, fmt.Errorf("fetching config by hash: %w", err)
	}
	bc.Tags, err = s.fetchTags(bc.ID)
	if err != nil {
		return ejmodel.BoardConfig{}, err
	}
	return bc, nil
}

// InsertBoardConfig persists a board/config/tags triple on first sight of
// a (owner, hash) pair. Callers should FetchConfigByHash first and skip
// the insert on a hit — this method does not itself de-duplicate.
func (s *Store) InsertBoardConfig(ownerID string, boardName string, cfg ejmodel.UserBoardConfig) (ejmodel.BoardConfig, error) {
	hash := ConfigHash(boardName, cfg)

	bc := ejmodel.BoardConfig{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		ConfigHash:  hash,
		BoardName:   boardName,
		Name:        cfg.Name,
		Tags:        cfg.Tags,
		BuildScript: cfg.BuildScript,
		RunScript:   cfg.RunScript,
		ResultsPath: cfg.ResultsPath,
		LibraryPath: cfg.LibraryPath,
	}

	err := s.Tx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO board_configs (id, owner_id, config_hash, board_name, name, build_script, run_script, results_path, library_path)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			bc.ID, bc.OwnerID, bc.ConfigHash, bc.BoardName, bc.Name, bc.BuildScript, bc.RunScript, bc.ResultsPath, bc.LibraryPath,
		)
		if err != nil {
			return fmt.Errorf("inserting board config: %w", err)
		}
		for _, tag := range cfg.Tags {
			if _, err := tx.Exec(`INSERT OR IGNORE INTO board_config_tags (board_config_id, tag) VALUES (?, ?)`, bc.ID, tag); err != nil {
				return fmt.Errorf("inserting tag %q: %w", tag, err)
			}
		}
		return nil
	})
	if err != nil {
		return ejmodel.BoardConfig{}, err
	}
	return bc, nil
}

// PushConfig is the (owner id, config hash) de-duplicating entry point
// used by the push-config request handler (spec §4.E): on first sight it
// inserts the board/config/tags; on a repeat it returns the existing row
// unchanged, satisfying the idempotence property of spec §8.
func (s *Store) PushConfig(ownerID, boardName string, cfg ejmodel.UserBoardConfig) (ejmodel.BoardConfig, error) {
	hash := ConfigHash(boardName, cfg)
	existing, err := s.FetchConfigByHash(ownerID, hash)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return ejmodel.BoardConfig{}, err
	}
	return s.InsertBoardConfig(ownerID, boardName, cfg)
}
