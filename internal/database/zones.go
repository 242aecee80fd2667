package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/mediaposte/server/internal/geometry"
	"github.com/mediaposte/server/internal/zone"
	"github.com/mediaposte/server/internal/zonekind"
	"go.uber.org/zap"
)

// ErrUnknownKind is returned for a zone kind missing from the registry.
var ErrUnknownKind = errors.New("unknown zone kind")

// ZoneStorage handles the zone tables.
type ZoneStorage struct {
	db    *sql.DB
	kinds *zonekind.Registry
	log   *zap.Logger
}

// NewZoneStorage creates a new zone storage instance.
func NewZoneStorage(db *sql.DB, kinds *zonekind.Registry, log *zap.Logger) *ZoneStorage {
	if kinds == nil {
		kinds = zonekind.Default()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ZoneStorage{db: db, kinds: kinds, log: log.Named("zones")}
}

// Kinds returns the registry the storage was built with.
func (s *ZoneStorage) Kinds() *zonekind.Registry { return s.kinds }

func (s *ZoneStorage) kind(id zonekind.ID) (*zonekind.Kind, error) {
	k, ok := s.kinds.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, id)
	}
	return k, nil
}

// AtomicRectangle returns the atomic units whose bounding box meets rect,
// skipping the ids in exclude. At most limit rows are returned when limit
// is positive.
func (s *ZoneStorage) AtomicRectangle(ctx context.Context, rect geometry.Rect, exclude []string, limit int) ([]zone.Record, error) {
	k := s.kinds.Atomic()
	query := fmt.Sprintf(`
		SELECT %[1]s, foyers, ST_AsGeoJSON(geom)
		FROM %[2]s
		WHERE geom && ST_MakeEnvelope($1, $2, $3, $4, 4326)
		  AND NOT (%[1]s = ANY($5))
		ORDER BY %[1]s
		%[3]s
	`, pq.QuoteIdentifier(k.CodeField), pq.QuoteIdentifier(k.Table), limitClause(limit))

	if exclude == nil {
		exclude = []string{}
	}
	rows, err := s.db.QueryContext(ctx, query, rect.LngMin, rect.LatMin, rect.LngMax, rect.LatMax, pq.Array(exclude))
	if err != nil {
		return nil, fmt.Errorf("failed to query atomic zones: %w", err)
	}
	defer s.closeRows(rows)

	records := []zone.Record{}
	for rows.Next() {
		var (
			id     string
			foyers int
			geom   string
		)
		if err := rows.Scan(&id, &foyers, &geom); err != nil {
			return nil, fmt.Errorf("failed to scan atomic zone: %w", err)
		}
		records = append(records, zone.Record{
			ID:       quote(id),
			Foyers:   json.RawMessage(fmt.Sprint(foyers)),
			Geometry: json.RawMessage(geom),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating atomic zones: %w", err)
	}
	return records, nil
}

// CoarseRectangle returns the zones of a coarse kind whose bounding box
// meets rect, and the zones of its superior kind meeting the same rect.
func (s *ZoneStorage) CoarseRectangle(ctx context.Context, kind zonekind.ID, rect geometry.Rect, limit int) (zones, superior []zone.Record, err error) {
	k, err := s.kind(kind)
	if err != nil {
		return nil, nil, err
	}
	if k.Atomic {
		return nil, nil, fmt.Errorf("%w: %q is not a coarse kind", ErrUnknownKind, kind)
	}
	zones, err = s.coarseInRect(ctx, k, rect, limit)
	if err != nil {
		return nil, nil, err
	}
	if k.HasSuperior() {
		sk, err := s.kind(k.Superior)
		if err != nil {
			return nil, nil, err
		}
		superior, err = s.coarseInRect(ctx, sk, rect, 0)
		if err != nil {
			return nil, nil, err
		}
	}
	return zones, superior, nil
}

func (s *ZoneStorage) coarseInRect(ctx context.Context, k *zonekind.Kind, rect geometry.Rect, limit int) ([]zone.Record, error) {
	query := fmt.Sprintf(`
		SELECT %[1]s, %[2]s, ST_AsGeoJSON(geom)
		FROM %[3]s
		WHERE geom && ST_MakeEnvelope($1, $2, $3, $4, 4326)
		ORDER BY %[1]s
		%[4]s
	`, pq.QuoteIdentifier(k.CodeField), pq.QuoteIdentifier(labelColumn(k)), pq.QuoteIdentifier(k.Table), limitClause(limit))

	rows, err := s.db.QueryContext(ctx, query, rect.LngMin, rect.LatMin, rect.LngMax, rect.LatMax)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s zones: %w", k.ID, err)
	}
	defer s.closeRows(rows)
	return scanCoarse(rows, k)
}

// ByCodes returns the zones of a coarse kind with the given codes and the
// codes that matched nothing, in request order.
func (s *ZoneStorage) ByCodes(ctx context.Context, kind zonekind.ID, codes []string) (zones []zone.Record, notFound []string, err error) {
	k, err := s.kind(kind)
	if err != nil {
		return nil, nil, err
	}
	if len(codes) == 0 {
		return []zone.Record{}, nil, nil
	}
	query := fmt.Sprintf(`
		SELECT %[1]s, %[2]s, ST_AsGeoJSON(geom)
		FROM %[3]s
		WHERE %[1]s = ANY($1)
		ORDER BY %[1]s
	`, pq.QuoteIdentifier(k.CodeField), pq.QuoteIdentifier(labelColumn(k)), pq.QuoteIdentifier(k.Table))

	rows, err := s.db.QueryContext(ctx, query, pq.Array(codes))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query %s zones by code: %w", kind, err)
	}
	defer s.closeRows(rows)
	zones, err = scanCoarse(rows, k)
	if err != nil {
		return nil, nil, err
	}

	found := make(map[string]bool, len(zones))
	for _, z := range zones {
		var code string
		_ = json.Unmarshal(z.Code, &code)
		found[code] = true
	}
	for _, c := range codes {
		if !found[c] {
			notFound = append(notFound, c)
		}
	}
	return zones, notFound, nil
}

// SearchHit is one free-text search match.
type SearchHit struct {
	Code  string
	Label string
}

// Search finds zones of a kind whose code or normalized name starts with
// the query.
func (s *ZoneStorage) Search(ctx context.Context, kind zonekind.ID, text string, limit int) ([]SearchHit, error) {
	k, err := s.kind(kind)
	if err != nil {
		return nil, err
	}
	prefix := escapeLike(NormalizeName(text))
	codePrefix := escapeLike(strings.TrimSpace(text))
	if prefix == "" && codePrefix == "" {
		return []SearchHit{}, nil
	}

	var query string
	args := []interface{}{prefix, codePrefix}
	if k.Atomic {
		query = fmt.Sprintf(`
			SELECT %[1]s, %[1]s
			FROM %[2]s
			WHERE %[1]s LIKE $1 || '%%'
			ORDER BY %[1]s
			%[3]s
		`, pq.QuoteIdentifier(k.CodeField), pq.QuoteIdentifier(k.Table), limitClause(limit))
		args = []interface{}{codePrefix}
	} else {
		query = fmt.Sprintf(`
			SELECT %[1]s, %[2]s
			FROM %[3]s
			WHERE ($1 <> '' AND nom_normalise LIKE $1 || '%%')
			   OR %[1]s LIKE $2 || '%%'
			ORDER BY %[2]s, %[1]s
			%[4]s
		`, pq.QuoteIdentifier(k.CodeField), pq.QuoteIdentifier(labelColumn(k)), pq.QuoteIdentifier(k.Table), limitClause(limit))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search %s zones: %w", kind, err)
	}
	defer s.closeRows(rows)

	hits := []SearchHit{}
	for rows.Next() {
		var h SearchHit
		if err := rows.Scan(&h.Code, &h.Label); err != nil {
			return nil, fmt.Errorf("failed to scan search result: %w", err)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating search results: %w", err)
	}
	return hits, nil
}

// AtomicInput is one atomic unit to store.
type AtomicInput struct {
	ID       string
	Foyers   int
	Geometry json.RawMessage
}

// CoarseInput is one coarse zone to store.
type CoarseInput struct {
	Code     string
	Label    string
	Geometry json.RawMessage
}

// UpsertAtomic inserts or replaces atomic units in one transaction.
// Geometries are validated before anything is written.
func (s *ZoneStorage) UpsertAtomic(ctx context.Context, units []AtomicInput) error {
	for _, u := range units {
		if u.ID == "" {
			return errors.New("atomic unit without id")
		}
		if u.Foyers < 0 {
			return fmt.Errorf("atomic unit %s: negative foyers", u.ID)
		}
		if err := geometry.Validate(u.Geometry); err != nil {
			return fmt.Errorf("atomic unit %s: %w", u.ID, err)
		}
	}
	k := s.kinds.Atomic()
	query := fmt.Sprintf(`
		INSERT INTO %[2]s (%[1]s, foyers, geom)
		VALUES ($1, $2, ST_SetSRID(ST_GeomFromGeoJSON($3), 4326))
		ON CONFLICT (%[1]s) DO UPDATE SET foyers = EXCLUDED.foyers, geom = EXCLUDED.geom
	`, pq.QuoteIdentifier(k.CodeField), pq.QuoteIdentifier(k.Table))

	return s.inTx(ctx, query, len(units), func(i int) []interface{} {
		u := units[i]
		return []interface{}{u.ID, u.Foyers, string(u.Geometry)}
	})
}

// UpsertCoarse inserts or replaces zones of a coarse kind in one
// transaction. The normalized search name is derived from the label.
func (s *ZoneStorage) UpsertCoarse(ctx context.Context, kind zonekind.ID, zones []CoarseInput) error {
	k, err := s.kind(kind)
	if err != nil {
		return err
	}
	if k.Atomic {
		return fmt.Errorf("%w: %q is not a coarse kind", ErrUnknownKind, kind)
	}
	for _, z := range zones {
		if z.Code == "" {
			return fmt.Errorf("%s zone without code", kind)
		}
		if err := geometry.Validate(z.Geometry); err != nil {
			return fmt.Errorf("%s zone %s: %w", kind, z.Code, err)
		}
	}

	query := fmt.Sprintf(`
		INSERT INTO %[3]s (%[1]s, %[2]s, nom_normalise, geom)
		VALUES ($1, $2, $3, ST_SetSRID(ST_GeomFromGeoJSON($4), 4326))
		ON CONFLICT (%[1]s) DO UPDATE SET
			%[2]s = EXCLUDED.%[2]s,
			nom_normalise = EXCLUDED.nom_normalise,
			geom = EXCLUDED.geom
	`, pq.QuoteIdentifier(k.CodeField), pq.QuoteIdentifier(labelColumn(k)), pq.QuoteIdentifier(k.Table))

	return s.inTx(ctx, query, len(zones), func(i int) []interface{} {
		z := zones[i]
		return []interface{}{z.Code, z.Label, NormalizeName(z.Label), string(z.Geometry)}
	})
}

func (s *ZoneStorage) inTx(ctx context.Context, query string, n int, args func(i int) []interface{}) (err error) {
	if n == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				s.log.Warn("rollback failed", zap.Error(rbErr))
			}
		}
	}()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	for i := 0; i < n; i++ {
		if _, err = stmt.ExecContext(ctx, args(i)...); err != nil {
			return fmt.Errorf("failed to upsert row %d: %w", i, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit upsert: %w", err)
	}
	return nil
}

// Count returns the number of rows stored for a kind.
func (s *ZoneStorage) Count(ctx context.Context, kind zonekind.ID) (int, error) {
	k, err := s.kind(kind)
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+pq.QuoteIdentifier(k.Table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s zones: %w", kind, err)
	}
	return n, nil
}

// Ping checks the database connection.
func (s *ZoneStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func scanCoarse(rows *sql.Rows, k *zonekind.Kind) ([]zone.Record, error) {
	records := []zone.Record{}
	for rows.Next() {
		var code, label, geom string
		if err := rows.Scan(&code, &label, &geom); err != nil {
			return nil, fmt.Errorf("failed to scan %s zone: %w", k.ID, err)
		}
		records = append(records, zone.Record{
			Code:     quote(code),
			Nom:      label,
			Geometry: json.RawMessage(geom),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s zones: %w", k.ID, err)
	}
	return records, nil
}

func (s *ZoneStorage) closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		s.log.Warn("failed to close rows", zap.Error(err))
	}
}

func labelColumn(k *zonekind.Kind) string {
	if k.LabelField == "" {
		return k.CodeField
	}
	return k.LabelField
}

func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return fmt.Sprintf("LIMIT %d", limit)
}

func quote(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
