package search

import (
	"github.com/Sternrassler/record-importer/pkg/fetcher"
)

// Document fields used by the page query.
const (
	FieldPartitionID = "partitionId"
	FieldPosition    = "position"
	FieldSequence    = "sequence"
)

// BuildQuery returns the search request body for one page.
//
// Position paging asks for records strictly after the cursor position.
// Sequence paging asks for the window (sequence, sequence+batchSize], which
// stays bounded even when the exporter skips positions. Sequences count per
// index, so the fetcher only asks for it against a single value type.
func BuildQuery(q fetcher.Query) map[string]any {
	var (
		rangeFilter map[string]any
		sortField   string
	)

	if q.UseSequence {
		sortField = FieldSequence
		rangeFilter = map[string]any{
			"range": map[string]any{
				FieldSequence: map[string]any{
					"gt":  q.Sequence,
					"lte": q.Sequence + int64(q.BatchSize),
				},
			},
		}
	} else {
		sortField = FieldPosition
		rangeFilter = map[string]any{
			"range": map[string]any{
				FieldPosition: map[string]any{
					"gt": q.Position,
				},
			},
		}
	}

	return map[string]any{
		"size": q.BatchSize,
		"sort": []any{
			map[string]any{sortField: map[string]any{"order": "asc"}},
		},
		"query": map[string]any{
			"bool": map[string]any{
				"filter": []any{
					map[string]any{"term": map[string]any{FieldPartitionID: q.PartitionID}},
					rangeFilter,
				},
			},
		},
	}
}
