package store

import (
	"fmt"
	"strings"
)

// ZoneRef selects the files of one zone and dir.
type ZoneRef struct {
	Zone string
	Dir  string
}

// zoneClause returns "(f.zone = ? AND f.dir = ?) OR ..." for refs.
func zoneClause(refs []ZoneRef) (string, []any) {
	parts := make([]string, len(refs))
	args := make([]any, 0, 2*len(refs))
	for i, r := range refs {
		parts[i] = "(f.zone = ? AND f.dir = ?)"
		args = append(args, r.Zone, r.Dir)
	}
	return strings.Join(parts, " OR "), args
}

// NamesByPrefix returns module-level names starting with prefix defined in
// the given zones, ordered by name. A limit of zero means no limit.
func (s *Store) NamesByPrefix(lang string, zones []ZoneRef, prefix string, limit int) ([]NameHit, error) {
	if len(zones) == 0 {
		return nil, nil
	}
	clause, zargs := zoneClause(zones)
	q := `SELECT n.name, n.kind, n.blob, f.zone, f.dir, f.base, n.line
		FROM toplevel_names n JOIN files f ON f.id = n.file_id
		WHERE f.lang = ? AND (` + clause + `) AND instr(n.name, ?) = 1
		ORDER BY n.name, f.zone, f.dir, f.base`
	args := append([]any{lang}, zargs...)
	args = append(args, prefix)
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("names by prefix: %w", err)
	}
	defer rows.Close()
	var hits []NameHit
	for rows.Next() {
		var h NameHit
		if err := rows.Scan(&h.Name, &h.Kind, &h.Blob, &h.Zone, &h.Dir, &h.Base, &h.Line); err != nil {
			return nil, fmt.Errorf("scan name: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// BlobsByPrefix returns the distinct blob names in the given zones that
// start with prefix, sorted.
func (s *Store) BlobsByPrefix(lang string, zones []ZoneRef, prefix string) ([]string, error) {
	if len(zones) == 0 {
		return nil, nil
	}
	clause, zargs := zoneClause(zones)
	q := `SELECT DISTINCT blob FROM (
			SELECT n.blob AS blob, f.zone AS zone, f.dir AS dir, f.lang AS lang
			FROM toplevel_names n JOIN files f ON f.id = n.file_id
			UNION
			SELECT i.blob, f.zone, f.dir, f.lang
			FROM imports i JOIN files f ON f.id = i.file_id
		) f
		WHERE f.lang = ? AND (` + clause + `) AND instr(blob, ?) = 1
		ORDER BY blob`
	args := append([]any{lang}, zargs...)
	args = append(args, prefix)
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("blobs by prefix: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var b string
		if err := rows.Scan(&b); err != nil {
			return nil, fmt.Errorf("scan blob: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// CountFiles returns the number of files recorded for lang and zone.
func (s *Store) CountFiles(lang, zone string) (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM files WHERE lang = ? AND zone = ?", lang, zone).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count files: %w", err)
	}
	return n, nil
}
