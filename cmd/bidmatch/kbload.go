package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/custodia-labs/bidmatch/internal/adapters/driven/pgvector"
	"github.com/custodia-labs/bidmatch/internal/chunking"
)

// capabilityDocument is the on-disk shape accepted by kb-load.
type capabilityDocument struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	SourceLocation string `json:"sourceLocation"`
	Content        string `json:"content"`
}

var (
	kbLoadBatchSize    int
	kbLoadChunkChars   int
	kbLoadChunkOverlap int
)

var kbLoadCmd = &cobra.Command{
	Use:   "kb-load FILE",
	Short: "Index capability documents into the pgvector knowledge base",
	Long: `Reads a JSON array of {id, title, sourceLocation, content} documents,
splits long content into passages, embeds them and upserts them under
KNOWLEDGE_BASE_ID. Passage IDs are the document ID with a #N suffix.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		docs, err := readCapabilityDocuments(args[0])
		if err != nil {
			return err
		}
		splitter := chunking.NewSplitter(chunking.Config{
			MaxChars: kbLoadChunkChars,
			Overlap:  kbLoadChunkOverlap,
		})
		docs = splitDocuments(splitter, docs)
		a, err := buildApp(cmd)
		if err != nil {
			return err
		}
		defer closeApp(a)

		if a.CapabilityStore == nil {
			return errors.New("kb-load requires KB_BACKEND=pgvector")
		}
		kbID := a.Config.KnowledgeBase.ID
		if kbID == "" {
			return errors.New("KNOWLEDGE_BASE_ID is not set")
		}

		if kbLoadBatchSize <= 0 {
			kbLoadBatchSize = 32
		}
		for start := 0; start < len(docs); start += kbLoadBatchSize {
			end := min(start+kbLoadBatchSize, len(docs))
			if err := a.CapabilityStore.Upsert(cmd.Context(), kbID, docs[start:end]); err != nil {
				return err
			}
			a.Logger.Info("indexed capability documents", "kb_id", kbID, "done", end, "total", len(docs))
		}
		return nil
	},
}

func init() {
	kbLoadCmd.Flags().IntVar(&kbLoadBatchSize, "batch-size", 32, "passages embedded per request")
	kbLoadCmd.Flags().IntVar(&kbLoadChunkChars, "chunk-chars", chunking.DefaultConfig().MaxChars, "longest passage in characters")
	kbLoadCmd.Flags().IntVar(&kbLoadChunkOverlap, "chunk-overlap", chunking.DefaultConfig().Overlap, "characters repeated between passages")
}

func readCapabilityDocuments(path string) ([]pgvector.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read documents: %w", err)
	}
	var raw []capabilityDocument
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse documents %s: %w", path, err)
	}

	docs := make([]pgvector.Document, 0, len(raw))
	for i, d := range raw {
		if strings.TrimSpace(d.Content) == "" {
			return nil, fmt.Errorf("document %d has no content", i)
		}
		id := d.ID
		if id == "" {
			id = d.SourceLocation
		}
		if id == "" {
			return nil, fmt.Errorf("document %d needs an id or sourceLocation", i)
		}
		docs = append(docs, pgvector.Document{
			ID:             id,
			Title:          d.Title,
			SourceLocation: d.SourceLocation,
			Content:        d.Content,
		})
	}
	return docs, nil
}

// splitDocuments replaces each document with its passages. A document that
// fits in one passage keeps its ID.
func splitDocuments(s *chunking.Splitter, docs []pgvector.Document) []pgvector.Document {
	out := make([]pgvector.Document, 0, len(docs))
	for _, d := range docs {
		passages := s.Split(d.Content)
		if len(passages) == 1 {
			d.Content = passages[0].Text
			out = append(out, d)
			continue
		}
		for _, p := range passages {
			out = append(out, pgvector.Document{
				ID:             fmt.Sprintf("%s#%d", d.ID, p.Index),
				Title:          d.Title,
				SourceLocation: d.SourceLocation,
				Content:        p.Text,
			})
		}
	}
	return out
}
