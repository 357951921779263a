// Package store persists workspace documents. One table holds every
// partition; payloads are opaque JSON at this layer. Typed access and event
// fan-out live in the collection package.
package store

import (
	"errors"
	"log/slog"
	"time"

	"collabspace/workspace/schema"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) DB() *gorm.DB {
	return s.db
}

// Get returns nil when the document does not exist or storage fails; absent
// documents are an expected condition, not an error.
func (s *Store) Get(partition string, id uuid.UUID) *schema.DocumentRow {
	row, err := schema.GetDocumentRow(id, partition, s.db)
	if err != nil {
		return nil
	}
	return &row
}

// Query returns every document in the partition whose payload field equals
// value. Matching happens in the database via a JSON path query so the same
// code runs on sqlite and postgres.
func (s *Store) Query(partition, field string, value any) []schema.DocumentRow {
	var rows []schema.DocumentRow

	result := s.db.
		Where("partition = ?", partition).
		Where(datatypes.JSONQuery("data").Equals(value, field)).
		Order("created_at").
		Find(&rows)
	if result.Error != nil {
		slog.Error("sql error in document query", "partition", partition, "field", field, "error", result.Error)
		return nil
	}

	return rows
}

func (s *Store) All(partition string) []schema.DocumentRow {
	var rows []schema.DocumentRow

	result := s.db.Where("partition = ?", partition).Order("created_at").Find(&rows)
	if result.Error != nil {
		slog.Error("sql error listing partition", "partition", partition, "error", result.Error)
		return nil
	}

	return rows
}

func (s *Store) Add(partition string, id, creatorId uuid.UUID, data []byte) *schema.DocumentRow {
	now := time.Now().UTC()
	row := schema.DocumentRow{
		Id:        id,
		Partition: partition,
		CreatedBy: creatorId,
		CreatedAt: now,
		UpdatedAt: now,
		Data:      datatypes.JSON(data),
	}

	result := s.db.Create(&row)
	if result.Error != nil {
		slog.Error("sql error creating document", "partition", partition, "document_id", id, "error", result.Error)
		return nil
	}

	return &row
}

func (s *Store) Update(partition string, id uuid.UUID, data []byte) *schema.DocumentRow {
	row, err := schema.GetDocumentRow(id, partition, s.db)
	if err != nil {
		return nil
	}

	row.Data = datatypes.JSON(data)
	row.UpdatedAt = time.Now().UTC()

	result := s.db.Save(&row)
	if result.Error != nil {
		slog.Error("sql error updating document", "partition", partition, "document_id", id, "error", result.Error)
		return nil
	}

	return &row
}

func (s *Store) Delete(partition string, id uuid.UUID) *schema.DocumentRow {
	row, err := schema.GetDocumentRow(id, partition, s.db)
	if err != nil {
		return nil
	}

	result := s.db.Delete(&schema.DocumentRow{}, "id = ? and partition = ?", id, partition)
	if result.Error != nil {
		slog.Error("sql error deleting document", "partition", partition, "document_id", id, "error", result.Error)
		return nil
	}

	return &row
}

// DeleteBatch removes the ids that exist and returns their final state.
// Absent ids are skipped; a nil return means storage itself failed.
func (s *Store) DeleteBatch(partition string, ids []uuid.UUID) []schema.DocumentRow {
	if len(ids) == 0 {
		return []schema.DocumentRow{}
	}

	var rows []schema.DocumentRow
	result := s.db.Where("partition = ? and id IN ?", partition, ids).Find(&rows)
	if result.Error != nil {
		slog.Error("sql error loading batch for delete", "partition", partition, "error", result.Error)
		return nil
	}

	if len(rows) == 0 {
		return []schema.DocumentRow{}
	}

	found := make([]uuid.UUID, 0, len(rows))
	for _, row := range rows {
		found = append(found, row.Id)
	}

	result = s.db.Delete(&schema.DocumentRow{}, "partition = ? and id IN ?", partition, found)
	if result.Error != nil {
		slog.Error("sql error deleting batch", "partition", partition, "error", result.Error)
		return nil
	}

	return rows
}

// Migrate creates the documents and users tables. Production deployments run
// cmd/migration instead; tests and local sqlite setups call this directly.
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(&schema.DocumentRow{}, &schema.User{})
	if err != nil {
		return errors.Join(errors.New("error migrating document store"), err)
	}
	return nil
}
