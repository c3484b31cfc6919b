package fake

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"filevault/internal/domain"
)

// RecordStore is an in-memory metadata store.
type RecordStore struct {
	mu      sync.Mutex
	records map[string]domain.FileRecord

	CreateErr error
	GetErr    error
	ListErr   error
	UpdateErr error
	DeleteErr error
	PingErr   error

	// BeforeUpdate and BeforeDelete run ahead of every Update or Delete,
	// outside the lock.
	BeforeUpdate func(id string)
	BeforeDelete func(id string)
}

func NewRecordStore() *RecordStore {
	return &RecordStore{records: map[string]domain.FileRecord{}}
}

func (s *RecordStore) Create(_ context.Context, file *domain.FileRecord) (*domain.FileRecord, error) {
	if s.CreateErr != nil {
		return nil, s.CreateErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[file.ID]; ok {
		return nil, fmt.Errorf("%w: duplicate id %s", domain.ErrConflict, file.ID)
	}
	created := *file
	created.UploadDate = time.Now().UTC()
	created.UpdatedAt = created.UploadDate
	s.records[file.ID] = created
	return &created, nil
}

func (s *RecordStore) GetByID(_ context.Context, id string) (*domain.FileRecord, error) {
	if s.GetErr != nil {
		return nil, s.GetErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: file %s", domain.ErrNotFound, id)
	}
	return &rec, nil
}

func (s *RecordStore) List(context.Context) ([]domain.FileInfo, error) {
	if s.ListErr != nil {
		return nil, s.ListErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	files := make([]domain.FileInfo, 0, len(s.records))
	for _, rec := range s.records {
		files = append(files, domain.FileInfo{
			ID:         rec.ID,
			Filename:   rec.Filename,
			MIMEType:   rec.MIMEType,
			Size:       rec.Size,
			UploadDate: rec.UploadDate,
			URL:        rec.URL,
		})
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].UploadDate.Equal(files[j].UploadDate) {
			return files[i].ID < files[j].ID
		}
		return files[i].UploadDate.Before(files[j].UploadDate)
	})
	return files, nil
}

func (s *RecordStore) Update(_ context.Context, id string, upd domain.FileUpdate) (*domain.FileRecord, error) {
	if s.BeforeUpdate != nil {
		s.BeforeUpdate(id)
	}
	if s.UpdateErr != nil {
		return nil, s.UpdateErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: file %s", domain.ErrNotFound, id)
	}
	if upd.ExpectedObjectKey != nil && *upd.ExpectedObjectKey != rec.ObjectKey {
		return nil, fmt.Errorf("%w: file %s was modified concurrently", domain.ErrConflict, id)
	}
	if upd.Filename != nil {
		rec.Filename = *upd.Filename
	}
	if upd.MIMEType != nil {
		rec.MIMEType = *upd.MIMEType
	}
	if upd.Size != nil {
		rec.Size = *upd.Size
	}
	if upd.ObjectKey != nil {
		rec.ObjectKey = *upd.ObjectKey
	}
	rec.UpdatedAt = time.Now().UTC()
	s.records[id] = rec
	return &rec, nil
}

func (s *RecordStore) Delete(_ context.Context, id, objectKey string) error {
	if s.BeforeDelete != nil {
		s.BeforeDelete(id)
	}
	if s.DeleteErr != nil {
		return s.DeleteErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%w: file %s", domain.ErrNotFound, id)
	}
	if objectKey != "" && rec.ObjectKey != objectKey {
		return fmt.Errorf("%w: file %s was modified concurrently", domain.ErrConflict, id)
	}
	delete(s.records, id)
	return nil
}

func (s *RecordStore) Ping(context.Context) error {
	return s.PingErr
}

// Len reports how many records are stored.
func (s *RecordStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Put stores rec directly, bypassing fault injection.
func (s *RecordStore) Put(rec domain.FileRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
}
