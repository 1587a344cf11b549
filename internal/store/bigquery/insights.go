package bigquery

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"

	"github.com/dvloznov/txsync/internal/store"
)

// SaveInsight implements store.InsightStore. Insights are append-only, so
// the streaming inserter is fine here.
func (s *Store) SaveInsight(ctx context.Context, ins *store.Insight) error {
	row := *ins
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}

	inserter := s.table(insightsTable).Inserter()
	if err := inserter.Put(ctx, &InsightRow{
		InsightID:   row.ID,
		InsightType: row.Type,
		RangeStart:  row.RangeStart,
		RangeEnd:    row.RangeEnd,
		Content:     row.Content,
		Model:       row.Model,
		CreatedTS:   row.CreatedAt,
	}); err != nil {
		return fmt.Errorf("SaveInsight: inserting row: %w", err)
	}
	ins.ID = row.ID
	ins.CreatedAt = row.CreatedAt
	return nil
}

// ListInsights implements store.InsightStore.
func (s *Store) ListInsights(ctx context.Context, insightType string, limit int) ([]*store.Insight, error) {
	q := s.client.Query(`
		SELECT insight_id, insight_type, range_start, range_end, content, model, created_ts
		FROM ` + s.fq(insightsTable) + `
		WHERE (@insight_type = '' OR insight_type = @insight_type)
		ORDER BY created_ts DESC
		LIMIT @row_limit
	`)
	q.Parameters = []bigquery.QueryParameter{
		{Name: "insight_type", Value: insightType},
		{Name: "row_limit", Value: int64(limit)},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("ListInsights: query read: %w", err)
	}

	var out []*store.Insight
	for {
		var r InsightRow
		err := it.Next(&r)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ListInsights: iter next: %w", err)
		}
		out = append(out, &store.Insight{
			ID:         r.InsightID,
			Type:       r.InsightType,
			RangeStart: r.RangeStart,
			RangeEnd:   r.RangeEnd,
			Content:    r.Content,
			Model:      r.Model,
			CreatedAt:  r.CreatedTS,
		})
	}
	return out, nil
}
