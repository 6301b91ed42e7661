package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/custodia-labs/bidmatch/internal/core/domain"
	"github.com/custodia-labs/bidmatch/internal/core/ports/driven"
	"github.com/custodia-labs/bidmatch/internal/normalisers"
)

// Attachment loading defaults.
const (
	DefaultMaxAttachmentFiles      = 10
	DefaultMaxAttachmentChars      = 20000
	DefaultMaxTotalAttachmentChars = 50000
	DefaultMaxConcurrentFetches    = 5
)

// attachmentSeparators may follow the item prefix in an attachment key.
var attachmentSeparators = []string{"/", "_", "-", "."}

// BinaryPlaceholder formats the stand-in text for undecodable attachments.
func BinaryPlaceholder(name string, size int) string {
	return fmt.Sprintf("[binary attachment %s (%d bytes) could not be decoded as text]", name, size)
}

// RecordLoader fetches opportunity records and their attachments.
type RecordLoader struct {
	store        driven.ObjectStore
	registry     driven.NormaliserRegistry
	maxFileChars int
	concurrency  int
	logger       *slog.Logger
}

// RecordLoaderConfig holds dependencies for RecordLoader.
type RecordLoaderConfig struct {
	Store    driven.ObjectStore
	Registry driven.NormaliserRegistry

	// MaxAttachmentChars caps each attachment (default 20000)
	MaxAttachmentChars int

	// MaxConcurrentFetches bounds the fetch pool (default 5)
	MaxConcurrentFetches int

	Logger *slog.Logger
}

// NewRecordLoader creates a new RecordLoader.
func NewRecordLoader(cfg RecordLoaderConfig) *RecordLoader {
	l := &RecordLoader{
		store:        cfg.Store,
		registry:     cfg.Registry,
		maxFileChars: cfg.MaxAttachmentChars,
		concurrency:  cfg.MaxConcurrentFetches,
		logger:       cfg.Logger,
	}
	if l.registry == nil {
		l.registry = normalisers.DefaultRegistry()
	}
	if l.maxFileChars <= 0 {
		l.maxFileChars = DefaultMaxAttachmentChars
	}
	if l.concurrency <= 0 {
		l.concurrency = DefaultMaxConcurrentFetches
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l
}

// Load fetches and decodes the opportunity record at ref.
// Storage failures are retryable data_access errors; undecodable or
// invalid records are permanent data_access errors.
func (l *RecordLoader) Load(ctx context.Context, ref domain.StorageRef) (*domain.OpportunityRecord, error) {
	data, err := l.store.Get(ctx, ref.Container, ref.Key)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, domain.NewClassifiedError(domain.ErrorKindSystem, true, ctxErr).WithStage(domain.StageLoadRecord)
		}
		return nil, domain.NewClassifiedError(domain.ErrorKindDataAccess, true,
			fmt.Errorf("get %s: %w", ref, err)).WithStage(domain.StageLoadRecord)
	}

	var record domain.OpportunityRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, domain.NewClassifiedError(domain.ErrorKindDataAccess, false,
			fmt.Errorf("%w: decode %s: %v", domain.ErrMalformedRecord, ref, err)).WithStage(domain.StageLoadRecord)
	}
	if err := record.Validate(); err != nil {
		return nil, domain.NewClassifiedError(domain.ErrorKindDataAccess, false,
			fmt.Errorf("%s: %w", ref, err)).WithStage(domain.StageLoadRecord)
	}
	return &record, nil
}

// LoadAttachments collects the supporting documents stored next to ref.
// Candidates are keys starting with the item prefix (the key without
// ".json") followed by a separator, sorted, capped at maxFiles and fetched
// with a bounded pool. Per-file failures are logged and skipped. The
// character budget is enforced per file in key order: the file that crosses
// it is truncated and later files are dropped.
func (l *RecordLoader) LoadAttachments(ctx context.Context, ref domain.StorageRef, maxFiles, maxTotalChars int) domain.AttachmentBundle {
	if maxFiles <= 0 {
		maxFiles = DefaultMaxAttachmentFiles
	}
	if maxTotalChars <= 0 {
		maxTotalChars = DefaultMaxTotalAttachmentChars
	}

	start := time.Now()
	prefix := strings.TrimSuffix(ref.Key, ".json")
	objects, err := l.store.List(ctx, ref.Container, prefix)
	if err != nil {
		l.logger.Warn("failed to list attachments", "prefix", prefix, "error", err)
		return domain.AttachmentBundle{}
	}

	candidates := attachmentCandidates(objects, ref.Key, prefix, maxFiles)
	if len(candidates) == 0 {
		return domain.AttachmentBundle{}
	}

	fetched := make([]*domain.Attachment, len(candidates))
	var budgetMu sync.Mutex
	claimed := 0
	exhausted := func() bool {
		budgetMu.Lock()
		defer budgetMu.Unlock()
		return claimed >= maxTotalChars
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.concurrency)
	for i, key := range candidates {
		g.Go(func() error {
			if gctx.Err() != nil || exhausted() {
				return nil
			}
			a, err := l.fetchAttachment(gctx, ref.Container, key)
			if err != nil {
				l.logger.Warn("skipping attachment", "key", key, "error", err)
				return nil
			}
			budgetMu.Lock()
			claimed += len([]rune(a.Content))
			budgetMu.Unlock()
			fetched[i] = a
			return nil
		})
	}
	_ = g.Wait()

	bundle := make(domain.AttachmentBundle, 0, len(fetched))
	remaining := maxTotalChars
	for _, a := range fetched {
		if a == nil {
			continue
		}
		if remaining <= 0 {
			break
		}
		content := []rune(a.Content)
		if len(content) > remaining {
			a.Content = string(content[:remaining])
			a.Truncated = true
			content = content[:remaining]
		}
		remaining -= len(content)
		bundle = append(bundle, *a)
	}

	l.logger.Debug("attachments loaded",
		"prefix", prefix,
		"candidates", len(candidates),
		"loaded", len(bundle),
		"chars", bundle.TotalChars(),
		"duration", time.Since(start))
	return bundle
}

// fetchAttachment reads and decodes one attachment, capped to the per-file limit.
func (l *RecordLoader) fetchAttachment(ctx context.Context, container, key string) (*domain.Attachment, error) {
	data, err := l.store.Get(ctx, container, key)
	if err != nil {
		return nil, err
	}

	name := path.Base(key)
	a := &domain.Attachment{
		Name:          name,
		Key:           key,
		OriginalBytes: len(data),
	}

	mimeType := normalisers.DetectMIMEType(name, data)
	text, err := l.decode(data, mimeType)
	if err != nil {
		if !errors.Is(err, domain.ErrUndecodableContent) {
			return nil, err
		}
		a.Content = BinaryPlaceholder(name, len(data))
		a.Placeholder = true
		return a, nil
	}

	if runes := []rune(text); len(runes) > l.maxFileChars {
		text = string(runes[:l.maxFileChars])
		a.Truncated = true
	}
	a.Content = text
	return a, nil
}

// decode tries matching normalisers in priority order. A normaliser that
// recognises the content as undecodable ends the search.
func (l *RecordLoader) decode(data []byte, mimeType string) (string, error) {
	var lastErr error = domain.ErrUndecodableContent
	for _, n := range l.registry.Candidates(mimeType) {
		text, err := n.Normalise(data, mimeType)
		if err == nil {
			return text, nil
		}
		if errors.Is(err, domain.ErrUndecodableContent) {
			return "", err
		}
		lastErr = err
	}
	return "", lastErr
}

// attachmentCandidates filters listed keys to the item's attachments.
func attachmentCandidates(objects []driven.ObjectInfo, primaryKey, prefix string, maxFiles int) []string {
	keys := make([]string, 0, len(objects))
	for _, o := range objects {
		if o.Key == primaryKey || !strings.HasPrefix(o.Key, prefix) {
			continue
		}
		rest := o.Key[len(prefix):]
		for _, sep := range attachmentSeparators {
			if strings.HasPrefix(rest, sep) && len(rest) > len(sep) {
				keys = append(keys, o.Key)
				break
			}
		}
	}
	slices.Sort(keys)
	if len(keys) > maxFiles {
		keys = keys[:maxFiles]
	}
	return keys
}
