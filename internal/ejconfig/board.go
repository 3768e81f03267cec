package ejconfig

import (
	"fmt"
	"os"
	"sort"

	"github.com/pelletier/go-toml/v2"

	"github.com/ejdispatch/ej/internal/ejmodel"
)

// LoadBoardConfig reads and parses a builder's board-configuration TOML
// file (ej.toml-shaped: boards -> configs), matching the original Rust
// EjUserConfig/EjBoard/EjUserBoardConfig shape.
func LoadBoardConfig(path string) (*ejmodel.UserConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading board config %s: %w", path, err)
	}

	var cfg ejmodel.UserConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing board config %s: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid board config %s: %w", path, err)
	}

	return &cfg, nil
}

// Validate checks that every declared board has at least one configuration
// and that every configuration has a name, a build_script and a
// library_path. run_script and results_path are not checked.
func Validate(cfg *ejmodel.UserConfig) error {
	if len(cfg.Boards) == 0 {
		return fmt.Errorf("no boards declared")
	}
	for boardName, board := range cfg.Boards {
		if len(board.Configs) == 0 {
			return fmt.Errorf("board %q has no configurations", boardName)
		}
		for _, c := range board.Configs {
			if c.Name == "" {
				return fmt.Errorf("board %q has a configuration with no name", boardName)
			}
			if c.BuildScript == "" {
				return fmt.Errorf("board %q config %q: missing build_script", boardName, c.Name)
			}
			if c.LibraryPath == "" {
				return fmt.Errorf("board %q config %q: missing library_path", boardName, c.Name)
			}
		}
	}
	return nil
}

// Flatten returns every (board name, config) pair declared in cfg, in a
// stable order (sorted by board name then config name) so callers that
// need deterministic iteration (checkout dedup, sequential build) don't
// depend on Go's randomized map order.
func Flatten(cfg *ejmodel.UserConfig) []BoardConfigEntry {
	var entries []BoardConfigEntry
	for boardName, board := range cfg.Boards {
		for _, c := range board.Configs {
			entries = append(entries, BoardConfigEntry{BoardName: boardName, Config: c})
		}
	}
	sortEntries(entries)
	return entries
}

// BoardConfigEntry pairs a board name with one of its configurations.
type BoardConfigEntry struct {
	BoardName string
	Config    ejmodel.UserBoardConfig
}

func sortEntries(entries []BoardConfigEntry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.BoardName != b.BoardName {
			return a.BoardName < b.BoardName
		}
		return a.Config.Name < b.Config.Name
	})
}
