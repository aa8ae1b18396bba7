package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/alanyoungcy/alertbridge/internal/domain"
)

// Journal implements domain.TradeJournal by writing one JSON object per
// closed position under <prefix>/YYYY/MM/DD/<position_id>.json.
type Journal struct {
	writer domain.BlobWriter
	prefix string
}

// NewJournal creates a Journal; an empty prefix defaults to "journal".
func NewJournal(writer domain.BlobWriter, prefix string) *Journal {
	if prefix == "" {
		prefix = "journal"
	}
	return &Journal{writer: writer, prefix: prefix}
}

// Record uploads the closed position.
func (j *Journal) Record(ctx context.Context, p domain.Position) error {
	if p.IsOpen() || p.ClosedAt == nil {
		return fmt.Errorf("s3blob: journal %s: %w", p.ID, domain.Validationf("position is not closed"))
	}
	body, err := json.Marshal(p.ToRecord())
	if err != nil {
		return fmt.Errorf("s3blob: marshal journal %s: %w", p.ID, err)
	}
	key := journalPath(j.prefix, *p.ClosedAt, p.ID)
	if err := j.writer.Put(ctx, key, bytes.NewReader(body), "application/json"); err != nil {
		return fmt.Errorf("s3blob: journal %s: %w", p.ID, err)
	}
	return nil
}

func journalPath(prefix string, closedAt time.Time, id string) string {
	t := closedAt.UTC()
	return path.Join(prefix, t.Format("2006"), t.Format("01"), t.Format("02"), id+".json")
}

var _ domain.TradeJournal = (*Journal)(nil)
