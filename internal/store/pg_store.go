package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ILLUVRSE/traceledger/internal/canonical"
	"github.com/ILLUVRSE/traceledger/internal/models"
)

//go:embed migrations/001_init.sql
var schemaSQL string

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// PGStore persists events and proofs into Postgres.
type PGStore struct {
	db *sql.DB
}

// NewPGStore constructs a Postgres-backed store.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *PGStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping verifies connectivity to Postgres.
func (s *PGStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx implements Store.
func (s *PGStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&pgTx{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

const eventColumns = `seq, id, product_id, event_type, performed_by, ts, latitude, longitude, accuracy,
	description, metadata, data_hash, anchor_ref, verified`

func scanEvent(row rowScanner) (models.Event, error) {
	var (
		ev          models.Event
		eventType   string
		lat, lon    sql.NullFloat64
		accuracy    sql.NullFloat64
		description sql.NullString
		metadata    []byte
		anchorRef   sql.NullString
	)
	if err := row.Scan(
		&ev.Seq,
		&ev.ID,
		&ev.ProductID,
		&eventType,
		&ev.PerformedBy,
		&ev.Timestamp,
		&lat,
		&lon,
		&accuracy,
		&description,
		&metadata,
		&ev.DataHash,
		&anchorRef,
		&ev.Verified,
	); err != nil {
		return models.Event{}, err
	}
	ev.EventType = models.EventType(eventType)
	ev.Timestamp = ev.Timestamp.UTC()
	if lat.Valid && lon.Valid {
		ev.Location = &models.Location{Latitude: lat.Float64, Longitude: lon.Float64}
		if accuracy.Valid {
			a := accuracy.Float64
			ev.Location.Accuracy = &a
		}
	}
	ev.Description = description.String
	if len(metadata) > 0 {
		md, err := canonical.ParseJSON(metadata)
		if err != nil {
			return models.Event{}, fmt.Errorf("decode metadata of event %s: %w", ev.ID, err)
		}
		ev.Metadata = md
	}
	if anchorRef.Valid {
		ref := anchorRef.String
		ev.AnchorRef = &ref
	}
	return ev, nil
}

const proofColumns = `id, event_id, transaction_ref, data_hash, block_number, block_timestamp,
	network, cost_units, status, created_at`

func scanProof(row rowScanner) (models.AnchorProof, error) {
	var (
		p         models.AnchorProof
		block     int64
		blockTime sql.NullTime
		cost      sql.NullString
		status    string
	)
	if err := row.Scan(
		&p.ID,
		&p.EventID,
		&p.TransactionRef,
		&p.DataHash,
		&block,
		&blockTime,
		&p.Network,
		&cost,
		&status,
		&p.CreatedAt,
	); err != nil {
		return models.AnchorProof{}, err
	}
	p.BlockNumber = uint64(block)
	if blockTime.Valid {
		p.BlockTimestamp = blockTime.Time.UTC()
	}
	p.CostUnits = cost.String
	p.Status = models.AnchorStatus(status)
	p.CreatedAt = p.CreatedAt.UTC()
	return p, nil
}

// ProductExists implements Reader.
func (s *PGStore) ProductExists(ctx context.Context, productID string) (bool, error) {
	var exists bool
	const q = `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`
	if err := s.db.QueryRowContext(ctx, q, productID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check product: %w", err)
	}
	return exists, nil
}

// GetEvent implements Reader.
func (s *PGStore) GetEvent(ctx context.Context, id string) (models.Event, error) {
	q := `SELECT ` + eventColumns + ` FROM supply_chain_events WHERE id = $1`
	ev, err := scanEvent(s.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Event{}, ErrNotFound
		}
		return models.Event{}, fmt.Errorf("get event: %w", err)
	}
	return ev, nil
}

// ListEventsByProduct implements Reader.
func (s *PGStore) ListEventsByProduct(ctx context.Context, productID string) ([]models.Event, error) {
	q := `SELECT ` + eventColumns + ` FROM supply_chain_events WHERE product_id = $1 ORDER BY ts ASC, seq ASC`
	rows, err := s.db.QueryContext(ctx, q, productID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// GetAnchorProof implements Reader.
func (s *PGStore) GetAnchorProof(ctx context.Context, eventID string) (models.AnchorProof, error) {
	q := `SELECT ` + proofColumns + ` FROM anchor_proofs WHERE event_id = $1`
	p, err := scanProof(s.db.QueryRowContext(ctx, q, eventID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.AnchorProof{}, ErrNotFound
		}
		return models.AnchorProof{}, fmt.Errorf("get anchor proof: %w", err)
	}
	return p, nil
}

// ListAnchorProofsByProduct implements Reader.
func (s *PGStore) ListAnchorProofsByProduct(ctx context.Context, productID string) ([]models.AnchorProof, error) {
	const q = `
		SELECT p.id, p.event_id, p.transaction_ref, p.data_hash, p.block_number, p.block_timestamp,
			p.network, p.cost_units, p.status, p.created_at
		FROM anchor_proofs p
		JOIN supply_chain_events e ON e.id = p.event_id
		WHERE e.product_id = $1
	`
	rows, err := s.db.QueryContext(ctx, q, productID)
	if err != nil {
		return nil, fmt.Errorf("list anchor proofs: %w", err)
	}
	defer rows.Close()

	var proofs []models.AnchorProof
	for rows.Next() {
		p, err := scanProof(rows)
		if err != nil {
			return nil, fmt.Errorf("scan anchor proof: %w", err)
		}
		proofs = append(proofs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate anchor proofs: %w", err)
	}
	return proofs, nil
}

// GetParticipants implements Reader. Unknown ids are skipped.
func (s *PGStore) GetParticipants(ctx context.Context, ids []string) ([]models.Participant, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	const q = `SELECT id, name, role, organization FROM profiles WHERE id = ANY($1) ORDER BY name, id`
	rows, err := s.db.QueryContext(ctx, q, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var out []models.Participant
	for rows.Next() {
		var (
			p   models.Participant
			org sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.Role, &org); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		p.Organization = org.String
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participants: %w", err)
	}
	return out, nil
}

type pgTx struct {
	q querier
}

func (t *pgTx) InsertEvent(ctx context.Context, ev *models.Event) error {
	var lat, lon, acc sql.NullFloat64
	if ev.Location != nil {
		lat = sql.NullFloat64{Float64: ev.Location.Latitude, Valid: true}
		lon = sql.NullFloat64{Float64: ev.Location.Longitude, Valid: true}
		if ev.Location.Accuracy != nil {
			acc = sql.NullFloat64{Float64: *ev.Location.Accuracy, Valid: true}
		}
	}
	var metadata interface{}
	if !ev.Metadata.IsNull() {
		b, err := canonical.MarshalValue(ev.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		metadata = string(b)
	}
	var description sql.NullString
	if ev.Description != "" {
		description = sql.NullString{String: ev.Description, Valid: true}
	}

	const q = `
		INSERT INTO supply_chain_events
			(id, product_id, event_type, performed_by, ts, latitude, longitude, accuracy,
			 description, metadata, data_hash, anchor_ref, verified)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NULL,FALSE)
		RETURNING seq
	`
	err := t.q.QueryRowContext(ctx, q,
		ev.ID, ev.ProductID, string(ev.EventType), ev.PerformedBy, ev.Timestamp,
		lat, lon, acc, description, metadata, ev.DataHash,
	).Scan(&ev.Seq)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			switch pqErr.Code {
			case "23505": // unique_violation
				return ErrEventExists
			case "23503": // foreign_key_violation
				return ErrNotFound
			}
		}
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (t *pgTx) SaveAnchorProof(ctx context.Context, p *models.AnchorProof) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	var blockTime sql.NullTime
	if !p.BlockTimestamp.IsZero() {
		blockTime = sql.NullTime{Time: p.BlockTimestamp, Valid: true}
	}
	var cost sql.NullString
	if p.CostUnits != "" {
		cost = sql.NullString{String: p.CostUnits, Valid: true}
	}

	// A FAILED proof is overwritten in place so the event's anchor reference
	// keeps pointing at the same row.
	const q = `
		INSERT INTO anchor_proofs
			(id, event_id, transaction_ref, data_hash, block_number, block_timestamp, network, cost_units, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (event_id) DO UPDATE SET
			transaction_ref = EXCLUDED.transaction_ref,
			data_hash = EXCLUDED.data_hash,
			block_number = EXCLUDED.block_number,
			block_timestamp = EXCLUDED.block_timestamp,
			network = EXCLUDED.network,
			cost_units = EXCLUDED.cost_units,
			status = EXCLUDED.status,
			created_at = EXCLUDED.created_at
		WHERE anchor_proofs.status = 'FAILED'
		RETURNING id
	`
	var id string
	err := t.q.QueryRowContext(ctx, q,
		p.ID, p.EventID, p.TransactionRef, p.DataHash, int64(p.BlockNumber), blockTime,
		p.Network, cost, string(p.Status), p.CreatedAt,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrProofExists
		}
		return fmt.Errorf("save anchor proof: %w", err)
	}
	p.ID = id
	return nil
}

func (t *pgTx) LinkAnchorProof(ctx context.Context, eventID, proofID string, verified bool) error {
	const q = `
		UPDATE supply_chain_events
		SET anchor_ref = $2, verified = verified OR $3
		WHERE id = $1 AND (anchor_ref IS NULL OR anchor_ref = $2)
	`
	res, err := t.q.ExecContext(ctx, q, eventID, proofID, verified)
	if err != nil {
		return fmt.Errorf("link anchor proof: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("link anchor proof: %w", err)
	}
	if n == 0 {
		var exists bool
		if err := t.q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM supply_chain_events WHERE id = $1)`, eventID).Scan(&exists); err != nil {
			return fmt.Errorf("link anchor proof: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrAnchorRefSet
	}
	return nil
}

func (t *pgTx) ResolveAnchorProof(ctx context.Context, p models.AnchorProof) error {
	var blockTime sql.NullTime
	if !p.BlockTimestamp.IsZero() {
		blockTime = sql.NullTime{Time: p.BlockTimestamp, Valid: true}
	}
	var cost sql.NullString
	if p.CostUnits != "" {
		cost = sql.NullString{String: p.CostUnits, Valid: true}
	}
	const q = `
		UPDATE anchor_proofs
		SET status = $3, block_number = $4, block_timestamp = $5, cost_units = $6
		WHERE event_id = $1 AND transaction_ref = $2 AND status = 'PENDING'
	`
	res, err := t.q.ExecContext(ctx, q, p.EventID, p.TransactionRef, string(p.Status), int64(p.BlockNumber), blockTime, cost)
	if err != nil {
		return fmt.Errorf("resolve anchor proof: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve anchor proof: %w", err)
	}
	if n == 0 {
		return ErrStaleProof
	}
	return nil
}
