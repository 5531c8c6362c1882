package attributes

import (
	"context"

	"github.com/Sternrassler/workforce-harvester/pkg/record"
)

// Reconcile gives every absent id exactly one more Fetch. Resolved results
// overwrite the absent marker; the rest stay absent. It returns a new map
// and the number of ids resolved. A map without absent ids costs no
// requests. On cancellation the input is returned unchanged with the
// context error.
func Reconcile(ctx context.Context, f *Fetcher, accessToken string, results map[string]Result) (map[string]Result, int, error) {
	absent := AbsentIDs(results)

	out := make(map[string]Result, len(results))
	for k, v := range results {
		out[k] = v
	}
	if len(absent) == 0 {
		return out, 0, nil
	}

	f.logger.Info().
		Int("absent", len(absent)).
		Msg("Reconciling absent attributes")

	resolved := 0
	for _, id := range absent {
		if err := ctx.Err(); err != nil {
			return results, 0, err
		}
		r := f.fetch(ctx, accessToken, id, "reconcile")
		if r.Absent {
			continue
		}
		out[id] = r
		resolved++
	}

	f.logger.Info().
		Int("resolved", resolved).
		Int("still_absent", len(absent)-resolved).
		Msg("Reconciliation finished")

	return out, resolved, nil
}

// FieldsByID returns the resolved fields keyed by id for merging. Absent
// ids are left out.
func FieldsByID(results map[string]Result) map[string]record.Fields {
	out := make(map[string]record.Fields, len(results))
	for id, r := range results {
		if r.Absent {
			continue
		}
		out[id] = r.Fields
	}
	return out
}
