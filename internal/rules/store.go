// Package rules holds the policy database and the evaluator that turns
// enriched events into decisions. Rules live in a local sqlite file so
// decisions keep working when the sync service is unreachable.
package rules

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hostsentry/hostsentry/pkg/types"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("rules db path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS rules (
			identifier TEXT NOT NULL,
			type TEXT NOT NULL,
			policy TEXT NOT NULL,
			custom_msg TEXT,
			created_ts_unix_ns INTEGER NOT NULL,
			PRIMARY KEY (identifier, type)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_rules_type ON rules(type);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite migrate: %w", err)
		}
	}
	return nil
}

// Add inserts or replaces a rule.
func (s *Store) Add(ctx context.Context, r types.Rule) error {
	if r.Identifier == "" || r.Type == "" {
		return fmt.Errorf("rule missing identifier or type")
	}
	if r.Policy != types.RulePolicyAllow && r.Policy != types.RulePolicyDeny {
		return fmt.Errorf("rule %s/%s: bad policy %q", r.Type, r.Identifier, r.Policy)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO rules (identifier, type, policy, custom_msg, created_ts_unix_ns)
		 VALUES (?, ?, ?, ?, ?)`,
		r.Identifier, string(r.Type), string(r.Policy), r.CustomMsg, r.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	return nil
}

// Remove deletes a rule. Removing an absent rule is not an error.
func (s *Store) Remove(ctx context.Context, typ types.RuleType, identifier string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM rules WHERE identifier = ? AND type = ?`, identifier, string(typ))
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	return nil
}

// RuleForIdentifiers looks the identifier set up in specificity order
// and returns the first match, or nil when nothing matches.
func (s *Store) RuleForIdentifiers(ctx context.Context, ids types.RuleIdentifiers) (*types.Rule, error) {
	candidates := []struct {
		typ types.RuleType
		id  string
	}{
		{types.RuleCDHash, ids.CDHash},
		{types.RuleBinary, ids.BinaryHash},
		{types.RuleSigningID, ids.SigningID},
		{types.RuleCertificate, ids.CertificateHash},
		{types.RuleTeamID, ids.TeamID},
	}
	for _, c := range candidates {
		if c.id == "" {
			continue
		}
		r, err := s.lookup(ctx, c.typ, c.id)
		if err != nil {
			return nil, err
		}
		if r != nil {
			return r, nil
		}
	}
	return nil, nil
}

func (s *Store) lookup(ctx context.Context, typ types.RuleType, identifier string) (*types.Rule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT identifier, type, policy, custom_msg, created_ts_unix_ns
		 FROM rules WHERE identifier = ? AND type = ?`, identifier, string(typ))

	var r types.Rule
	var msg sql.NullString
	var createdNS int64
	err := row.Scan(&r.Identifier, &r.Type, &r.Policy, &msg, &createdNS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup rule %s/%s: %w", typ, identifier, err)
	}
	r.CustomMsg = msg.String
	r.CreatedAt = time.Unix(0, createdNS).UTC()
	return &r, nil
}

// Counts aggregates rule totals by category for the control surface and
// sync preflight.
func (s *Store) Counts(ctx context.Context) (types.RuleCounts, error) {
	var counts types.RuleCounts
	rows, err := s.db.QueryContext(ctx, `SELECT type, COUNT(*) FROM rules GROUP BY type`)
	if err != nil {
		return counts, fmt.Errorf("count rules: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var typ string
		var n int64
		if err := rows.Scan(&typ, &n); err != nil {
			return counts, fmt.Errorf("scan rule count: %w", err)
		}
		switch types.RuleType(typ) {
		case types.RuleBinary:
			counts.Binary = n
		case types.RuleCertificate:
			counts.Certificate = n
		case types.RuleCompiler:
			counts.Compiler = n
		case types.RuleTransitive:
			counts.Transitive = n
		case types.RuleTeamID:
			counts.TeamID = n
		case types.RuleSigningID:
			counts.SigningID = n
		case types.RuleCDHash:
			counts.CDHash = n
		}
	}
	return counts, rows.Err()
}

// Hash digests the rule set in canonical order. Two stores with the
// same rules produce the same hash regardless of insertion order, which
// is what sync uses to detect drift.
func (s *Store) Hash(ctx context.Context) (string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT identifier, type, policy FROM rules ORDER BY type, identifier`)
	if err != nil {
		return "", fmt.Errorf("hash rules: %w", err)
	}
	defer rows.Close()

	h := sha256.New()
	for rows.Next() {
		var identifier, typ, policy string
		if err := rows.Scan(&identifier, &typ, &policy); err != nil {
			return "", fmt.Errorf("scan rule: %w", err)
		}
		fmt.Fprintf(h, "%s:%s:%s\n", typ, identifier, policy)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
