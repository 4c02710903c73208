package documents

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// MemoryRepo is an in-memory implementation of Repo.
type MemoryRepo struct {
	mu     sync.RWMutex
	data   map[string][]Document // projectID -> documents ordered by id
	nextID int64
	// FailSave, when set, is returned by SaveStepResult for matching calls.
	FailSave func(docID int64, blob json.RawMessage) error
}

// NewMemoryRepo constructs a MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		data: make(map[string][]Document),
	}
}

// Add stores a document, assigning the next id when doc.ID is zero.
func (r *MemoryRepo) Add(doc Document) Document {
	r.mu.Lock()
	defer r.mu.Unlock()
	if doc.ID == 0 {
		r.nextID++
		doc.ID = r.nextID
	} else if doc.ID > r.nextID {
		r.nextID = doc.ID
	}
	doc = clone(doc)
	docs := append(r.data[doc.ProjectID], doc)
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	r.data[doc.ProjectID] = docs
	return clone(doc)
}

// Get returns a copy of one document.
func (r *MemoryRepo) Get(projectID string, docID int64) (Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i, doc := range r.data[projectID] {
		if doc.ID == docID {
			out := clone(doc)
			out.Position = i
			return out, nil
		}
	}
	return Document{}, ErrNotFound
}

func (r *MemoryRepo) Count(ctx context.Context, projectID string, sel Selection) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for i, doc := range r.data[projectID] {
		doc.Position = i
		if sel.matches(doc) {
			count++
		}
	}
	return count, nil
}

func (r *MemoryRepo) ListBatch(ctx context.Context, projectID string, sel Selection, afterID int64, limit int) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Document
	for i, doc := range r.data[projectID] {
		if limit > 0 && len(out) >= limit {
			break
		}
		doc.Position = i
		if doc.ID <= afterID || !sel.matches(doc) {
			continue
		}
		out = append(out, clone(doc))
	}
	return out, nil
}

func (r *MemoryRepo) SaveExtractedText(ctx context.Context, projectID string, docID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.mutate(projectID, docID, func(doc *Document) {
		t := text
		doc.ExtractedText = &t
	})
}

func (r *MemoryRepo) SaveStepResult(ctx context.Context, projectID string, docID int64, stepID string, blob json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.FailSave != nil {
		if err := r.FailSave(docID, blob); err != nil {
			return err
		}
	}
	return r.mutate(projectID, docID, func(doc *Document) {
		if doc.Results == nil {
			doc.Results = map[string]json.RawMessage{}
		}
		doc.Results[stepID] = append(json.RawMessage(nil), blob...)
	})
}

func (r *MemoryRepo) mutate(projectID string, docID int64, fn func(*Document)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	docs := r.data[projectID]
	for i := range docs {
		if docs[i].ID == docID {
			fn(&docs[i])
			return nil
		}
	}
	return ErrNotFound
}

func (r *MemoryRepo) ListStepResults(ctx context.Context, projectID, stepID string) ([]json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []json.RawMessage
	for _, doc := range r.data[projectID] {
		if raw, ok := doc.Results[stepID]; ok {
			out = append(out, append(json.RawMessage(nil), raw...))
		}
	}
	return out, nil
}

func (r *MemoryRepo) ClearStepResults(ctx context.Context, projectID, stepID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var cleared int64
	for i := range r.data[projectID] {
		if _, ok := r.data[projectID][i].Results[stepID]; ok {
			delete(r.data[projectID][i].Results, stepID)
			cleared++
		}
	}
	return cleared, nil
}

func (r *MemoryRepo) CountProject(ctx context.Context, projectID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data[projectID]), nil
}

func clone(doc Document) Document {
	if doc.ExtractedText != nil {
		t := *doc.ExtractedText
		doc.ExtractedText = &t
	}
	results := make(map[string]json.RawMessage, len(doc.Results))
	for k, v := range doc.Results {
		results[k] = append(json.RawMessage(nil), v...)
	}
	doc.Results = results
	return doc
}

var _ Repo = (*MemoryRepo)(nil)
