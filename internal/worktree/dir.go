// Package worktree finds the work units a supervisor can run, watches for
// new ones, and launches their terminal sessions through a spawn script.
package worktree

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// Dir is a directory whose immediate subdirectories are work units. The
// subdirectory name is the ticket.
type Dir struct {
	path string
}

// NewDir returns a Dir rooted at path.
func NewDir(path string) *Dir {
	return &Dir{path: path}
}

// Path returns the root directory.
func (d *Dir) Path() string {
	return d.path
}

// Paths maps each ticket to its directory. A missing root has no tickets.
func (d *Dir) Paths() (map[string]string, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, err
	}

	result := make(map[string]string, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || isHidden(entry.Name()) {
			continue
		}
		result[entry.Name()] = filepath.Join(d.path, entry.Name())
	}
	return result, nil
}

// Tickets returns the sorted ticket names.
func (d *Dir) Tickets() ([]string, error) {
	paths, err := d.Paths()
	if err != nil {
		return nil, err
	}
	tickets := make([]string, 0, len(paths))
	for ticket := range paths {
		tickets = append(tickets, ticket)
	}
	sort.Strings(tickets)
	return tickets, nil
}

func isHidden(name string) bool {
	return len(name) > 0 && name[0] == '.'
}
