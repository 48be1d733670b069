// Package pgcred is the Postgres-backed credential store, for deployments
// that need cached credentials to survive hub restarts.
package pgcred

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/open-rails/feedgate/credential"
)

// Store persists credentials in a feedgate-schema table.
type Store struct {
	pg     *pgxpool.Pool
	schema string
}

// New builds a store over the given pool. If schema is empty, "feedgate"
// is used.
func New(pg *pgxpool.Pool, schema string) *Store {
	s := strings.TrimSpace(schema)
	if s == "" {
		s = "feedgate"
	}
	return &Store{pg: pg, schema: s}
}

func (s *Store) table() string { return s.schema + ".credentials" }

func (s *Store) Get(ctx context.Context, identity string) (*credential.Credential, bool, error) {
	if s.pg == nil || identity == "" {
		return nil, false, nil
	}
	var c credential.Credential
	err := s.pg.QueryRow(ctx,
		`SELECT token, session_key, namespace, expires_at FROM `+s.table()+` WHERE identity=$1 LIMIT 1`,
		identity,
	).Scan(&c.Token, &c.SessionKey, &c.Namespace, &c.ExpiresAt)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if c.Expired(time.Now()) {
		_, _ = s.pg.Exec(ctx, `DELETE FROM `+s.table()+` WHERE identity=$1`, identity)
		return nil, false, nil
	}
	return &c, true, nil
}

// Put inserts only if no live row exists. An expired row is displaced so a
// returning client is not blocked by stale material.
func (s *Store) Put(ctx context.Context, identity string, cred credential.Credential) (bool, error) {
	if s.pg == nil || identity == "" {
		return false, nil
	}
	tag, err := s.pg.Exec(ctx,
		`INSERT INTO `+s.table()+` (identity, token, session_key, namespace, expires_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (identity) DO UPDATE
		   SET token=EXCLUDED.token, session_key=EXCLUDED.session_key,
		       namespace=EXCLUDED.namespace, expires_at=EXCLUDED.expires_at
		 WHERE `+s.table()+`.expires_at <= NOW()`,
		identity, cred.Token, cred.SessionKey, cred.Namespace, cred.ExpiresAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) Clear(ctx context.Context, identity string) error {
	if s.pg == nil || identity == "" {
		return nil
	}
	_, err := s.pg.Exec(ctx, `DELETE FROM `+s.table()+` WHERE identity=$1`, identity)
	return err
}

// SweepExpired deletes expired rows. The janitor calls this on a schedule.
func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	if s.pg == nil {
		return 0, nil
	}
	tag, err := s.pg.Exec(ctx, `DELETE FROM `+s.table()+` WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
