package collection

import (
	"github.com/google/uuid"

	"collabspace/workspace/schema"
)

// Shadow declares a derived 1:1 relation: exactly one child document per
// parent, materialized on parent CREATE and removed on parent DELETE. The
// child payload's linkField must hold the parent id. Materialization is
// idempotent, so replaying a create event cannot produce duplicates.
//
// Returns the cancel capability for the underlying parent subscription; the
// wiring layer holds it for process lifetime.
func Shadow[P, T any](parent *Collection[P], child *Collection[T], linkField string, build func(schema.Document[P]) T) CancelFunc {
	return parent.Subscribe(func(event Event[P]) {
		switch event.Type {
		case EventCreate:
			for _, doc := range event.Docs {
				if existing := child.Query(linkField, doc.Id.String()); len(existing) > 0 {
					continue
				}
				child.Add(build(doc), doc.CreatedBy)
			}
		case EventDelete:
			for _, doc := range event.Docs {
				orphans := child.Query(linkField, doc.Id.String())
				if len(orphans) == 0 {
					continue
				}
				ids := make([]uuid.UUID, 0, len(orphans))
				for _, orphan := range orphans {
					ids = append(ids, orphan.Id)
				}
				child.DeleteBatch(ids)
			}
		}
	})
}
