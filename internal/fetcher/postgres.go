package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rafaeljc/bifrost/internal/dtos"
	"github.com/rafaeljc/bifrost/internal/validation"
)

// ErrStaleChangeNumber is returned when publishing a definition that is not newer than the stored one.
var ErrStaleChangeNumber = errors.New("change number is not newer than the stored definition")

// PostgresFetcher reads a self-hosted change feed from PostgreSQL.
// It also publishes to the same tables, which is how operators feed it.
type PostgresFetcher struct {
	db *pgxpool.Pool
}

// NewPostgresFetcher creates a fetcher over the given connection pool.
func NewPostgresFetcher(db *pgxpool.Pool) *PostgresFetcher {
	validation.AssertNotNil(db, "fetcher", "database pool")
	return &PostgresFetcher{db: db}
}

// FetchSplitChanges returns every flag and rule-based segment changed after the
// given change numbers. The feed is read whole, so a single page always catches up.
func (f *PostgresFetcher) FetchSplitChanges(ctx context.Context, since, rbSince int64, _ *int64) (*dtos.SplitChangesDTO, error) {
	splits, till, err := queryDefinitions[dtos.SplitDTO](ctx, f.db, "splits", since)
	if err != nil {
		return nil, err
	}
	rbs, rbTill, err := queryDefinitions[dtos.RuleBasedSegmentDTO](ctx, f.db, "rule_based_segments", rbSince)
	if err != nil {
		return nil, err
	}

	return &dtos.SplitChangesDTO{
		FeatureFlags:      dtos.FeatureFlagsDTO{Splits: splits, Since: since, Till: till},
		RuleBasedSegments: dtos.RuleBasedSegmentsDTO{RuleBasedSegments: rbs, Since: rbSince, Till: rbTill},
	}, nil
}

// FetchSegmentChanges collapses the membership log after since into one delta.
// The latest row for a key decides whether it was added or removed.
func (f *PostgresFetcher) FetchSegmentChanges(ctx context.Context, name string, since int64, _ *int64) (*dtos.SegmentChangesDTO, error) {
	query := `
		SELECT member_key, removed, change_number
		FROM segment_changes
		WHERE segment_name = $1 AND change_number > $2
		ORDER BY change_number, id
	`

	rows, err := f.db.Query(ctx, query, name, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query segment %q: %w", name, err)
	}
	defer rows.Close()

	till := since
	latest := make(map[string]bool)
	var order []string
	for rows.Next() {
		var (
			key     string
			removed bool
			cn      int64
		)
		if err := rows.Scan(&key, &removed, &cn); err != nil {
			return nil, fmt.Errorf("failed to scan segment row: %w", err)
		}
		if _, seen := latest[key]; !seen {
			order = append(order, key)
		}
		latest[key] = removed
		till = max(till, cn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	page := &dtos.SegmentChangesDTO{Name: name, Since: since, Till: till}
	for _, key := range order {
		if latest[key] {
			page.Removed = append(page.Removed, key)
		} else {
			page.Added = append(page.Added, key)
		}
	}
	return page, nil
}

// PublishSplit stores a flag definition. It fails with ErrStaleChangeNumber
// when the stored definition has the same or a newer change number.
func (f *PostgresFetcher) PublishSplit(ctx context.Context, split *dtos.SplitDTO) error {
	return publishDefinition(ctx, f.db, "splits", split.Name, split.ChangeNumber, split)
}

// PublishRuleBasedSegment stores a rule-based segment definition.
func (f *PostgresFetcher) PublishRuleBasedSegment(ctx context.Context, rbs *dtos.RuleBasedSegmentDTO) error {
	return publishDefinition(ctx, f.db, "rule_based_segments", rbs.Name, rbs.ChangeNumber, rbs)
}

// PublishSegmentChange appends membership changes to a segment in one transaction.
func (f *PostgresFetcher) PublishSegmentChange(ctx context.Context, name string, added, removed []string, changeNumber int64) error {
	tx, err := f.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	// Rollback is a no-op after a successful commit.
	defer func() { _ = tx.Rollback(ctx) }()

	var current int64
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(change_number), -1) FROM segment_changes WHERE segment_name = $1`, name,
	).Scan(&current); err != nil {
		return fmt.Errorf("failed to read segment change number: %w", err)
	}
	if changeNumber <= current {
		return fmt.Errorf("segment %q: %w", name, ErrStaleChangeNumber)
	}

	batch := &pgx.Batch{}
	insert := `INSERT INTO segment_changes (segment_name, member_key, removed, change_number) VALUES ($1, $2, $3, $4)`
	for _, key := range added {
		batch.Queue(insert, name, key, false, changeNumber)
	}
	for _, key := range removed {
		batch.Queue(insert, name, key, true, changeNumber)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert segment changes: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit segment changes: %w", err)
	}
	return nil
}

// queryDefinitions reads definitions changed after since from table.
// table is never user input.
func queryDefinitions[T any](ctx context.Context, db *pgxpool.Pool, table string, since int64) ([]T, int64, error) {
	query := fmt.Sprintf(`
		SELECT definition, change_number
		FROM %s
		WHERE change_number > $1
		ORDER BY change_number, name
	`, table)

	rows, err := db.Query(ctx, query, since)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	till := since
	var items []T
	for rows.Next() {
		var (
			raw []byte
			cn  int64
		)
		if err := rows.Scan(&raw, &cn); err != nil {
			return nil, 0, fmt.Errorf("failed to scan %s row: %w", table, err)
		}
		var item T
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, 0, fmt.Errorf("failed to decode %s definition: %w", table, err)
		}
		items = append(items, item)
		till = max(till, cn)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("rows iteration error: %w", err)
	}

	return items, till, nil
}

func publishDefinition(ctx context.Context, db *pgxpool.Pool, table, name string, changeNumber int64, definition any) error {
	raw, err := json.Marshal(definition)
	if err != nil {
		return fmt.Errorf("failed to encode %q: %w", name, err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %[1]s (name, change_number, definition)
		VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (name) DO UPDATE
		SET change_number = EXCLUDED.change_number,
		    definition = EXCLUDED.definition,
		    updated_at = NOW()
		WHERE %[1]s.change_number < EXCLUDED.change_number
	`, table)

	tag, err := db.Exec(ctx, query, name, changeNumber, string(raw))
	if err != nil {
		return fmt.Errorf("failed to publish %q: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%q: %w", name, ErrStaleChangeNumber)
	}
	return nil
}
