package search

import (
	"fmt"

	"github.com/Sternrassler/record-importer/pkg/record"
	"github.com/goccy/go-json"
)

// JSONMapper decodes hit sources into records.
type JSONMapper struct{}

// Map implements fetcher.RecordMapper.
func (JSONMapper) Map(hits [][]byte) ([]record.Record, error) {
	records := make([]record.Record, 0, len(hits))
	for i, hit := range hits {
		var r record.Record
		if err := json.Unmarshal(hit, &r); err != nil {
			return nil, fmt.Errorf("decode hit %d: %w", i, err)
		}
		records = append(records, r)
	}
	return records, nil
}
