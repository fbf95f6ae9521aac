package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

// Snippet is one retrieved chunk of knowledge base text.
type Snippet struct {
	KnowledgeBaseID string
	DocumentID      string
	Text            string
	Score           float32
}

// Retriever fetches the snippets most relevant to a query across a set of
// knowledge bases.
type Retriever interface {
	Retrieve(ctx context.Context, kbIDs []string, query string, topK int) ([]Snippet, error)
}

// Store keeps one chromem collection per knowledge base. Vectors live in
// memory with optional gob persistence.
type Store struct {
	db          *chromem.DB
	embedder    Embedder
	persistPath string

	mu          sync.Mutex
	collections map[string]*chromem.Collection
}

// NewStore opens (or creates) the vector database. An empty persistPath
// means in-memory only.
func NewStore(embedder Embedder, persistPath string) (*Store, error) {
	db := chromem.NewDB()

	if persistPath != "" {
		if err := os.MkdirAll(persistPath, 0755); err != nil {
			return nil, fmt.Errorf("failed to create persist directory: %w", err)
		}
		dbPath := filepath.Join(persistPath, "vectors.gob")
		if _, err := os.Stat(dbPath); err == nil {
			if err := db.ImportFromFile(dbPath, ""); err != nil {
				slog.Warn("Failed to load existing vector database, starting fresh",
					"path", dbPath, "error", err)
				db = chromem.NewDB()
			}
		}
	}

	return &Store{
		db:          db,
		embedder:    embedder,
		persistPath: persistPath,
		collections: make(map[string]*chromem.Collection),
	}, nil
}

func (s *Store) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return s.embedder.Embed(ctx, text)
	}
}

func (s *Store) collection(kbID string) (*chromem.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if col, ok := s.collections[kbID]; ok {
		return col, nil
	}
	// Collections restored from disk come back without an embedding func;
	// GetCollection attaches ours before any query runs.
	if col := s.db.GetCollection(kbID, s.embeddingFunc()); col != nil {
		s.collections[kbID] = col
		return col, nil
	}
	col, err := s.db.GetOrCreateCollection(kbID, nil, s.embeddingFunc())
	if err != nil {
		return nil, fmt.Errorf("failed to open collection for knowledge base %s: %w", kbID, err)
	}
	s.collections[kbID] = col
	return col, nil
}

// AddDocument indexes one pre-chunked piece of text under a knowledge base.
func (s *Store) AddDocument(ctx context.Context, kbID, documentID, text string) error {
	col, err := s.collection(kbID)
	if err != nil {
		return err
	}

	doc := chromem.Document{
		ID:       documentID,
		Content:  text,
		Metadata: map[string]string{"document_id": documentID},
	}
	if err := col.AddDocuments(ctx, []chromem.Document{doc}, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to index document %s: %w", documentID, err)
	}

	if err := s.persist(); err != nil {
		slog.Warn("Failed to persist vector database", "error", err)
	}
	return nil
}

// Retrieve queries each knowledge base and merges the results. A knowledge
// base that has no documents yet contributes nothing; a query failure for
// one knowledge base is logged and skipped so retrieval never aborts a
// chat turn.
func (s *Store) Retrieve(ctx context.Context, kbIDs []string, query string, topK int) ([]Snippet, error) {
	if len(kbIDs) == 0 || query == "" {
		return nil, nil
	}

	var snippets []Snippet
	for _, kbID := range kbIDs {
		col, err := s.collection(kbID)
		if err != nil {
			slog.Warn("Skipping knowledge base", "knowledge_base", kbID, "error", err)
			continue
		}

		// chromem rejects queries asking for more results than documents.
		n := topK
		if count := col.Count(); count < n {
			n = count
		}
		if n == 0 {
			continue
		}

		results, err := col.Query(ctx, query, n, nil, nil)
		if err != nil {
			slog.Warn("Knowledge retrieval failed", "knowledge_base", kbID, "error", err)
			continue
		}

		for _, r := range results {
			snippets = append(snippets, Snippet{
				KnowledgeBaseID: kbID,
				DocumentID:      r.Metadata["document_id"],
				Text:            r.Content,
				Score:           r.Similarity,
			})
		}
	}
	return snippets, nil
}

// Close flushes the database to disk when persistence is enabled.
func (s *Store) Close() error {
	return s.persist()
}

func (s *Store) persist() error {
	if s.persistPath == "" {
		return nil
	}
	dbPath := filepath.Join(s.persistPath, "vectors.gob")
	if err := s.db.ExportToFile(dbPath, false, ""); err != nil {
		return fmt.Errorf("failed to persist vector database: %w", err)
	}
	return nil
}

var _ Retriever = (*Store)(nil)
