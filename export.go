package edgeguard

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// ExportFilter narrows an evaluation log export. Zero values match everything.
type ExportFilter struct {
	Since time.Time
	Until time.Time
	Color Color
}

func (f ExportFilter) match(e EvaluationLog) bool {
	if !f.Until.IsZero() && !e.CreatedAt.Before(f.Until) {
		return false
	}
	if f.Color != "" && e.ResultColor != f.Color {
		return false
	}
	return true
}

// ExportEvaluations streams evaluation log rows to w as JSON lines, oldest
// first, and returns how many rows were written. Rows are read with a
// cursor so large audit logs are never held in memory.
func (s *Store) ExportEvaluations(ctx context.Context, w io.Writer, filter ExportFilter) (int, error) {
	enc := json.NewEncoder(w)
	written := 0

	err := s.EachEvaluation(ctx, filter.Since, func(e EvaluationLog) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !filter.match(e) {
			return nil
		}
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("encode evaluation %s: %w", e.ID, err)
		}
		written++
		return nil
	})
	if err != nil {
		return written, fmt.Errorf("export evaluations: %w", err)
	}
	return written, nil
}
