// Package retrieval gathers codebase context for plan generation. Project
// files are chunked into an in-memory chromem collection and ranked by
// embedding similarity to the conversation's request.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fyrsmithlabs/agentd/internal/orchestrator"
	chromem "github.com/philippgille/chromem-go"
	"github.com/spf13/afero"
	"github.com/tmc/langchaingo/embeddings"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/agentd/internal/retrieval")

const (
	defaultMaxResults   = 8
	defaultMaxFileBytes = 256 * 1024
	defaultChunkLines   = 60
)

// skipDirs are never indexed.
var skipDirs = map[string]bool{
	".git": true, "node_modules": true, "vendor": true, "dist": true, "build": true,
}

// Config configures a Retriever.
type Config struct {
	// Include lists base-name globs of files to index.
	Include      []string
	MaxResults   int
	MaxFileBytes int64
	ChunkLines   int
}

// Retriever implements orchestrator.ContextRetriever.
type Retriever struct {
	fs       afero.Fs
	embedder embeddings.Embedder
	cfg      Config
	logger   *zap.Logger
	db       *chromem.DB

	mu      sync.Mutex
	indexes map[string]*projectIndex
}

// projectIndex tracks what a project's collection holds.
type projectIndex struct {
	mu         sync.Mutex
	collection *chromem.Collection
	files      map[string]fileState
}

type fileState struct {
	modTime time.Time
	size    int64
	chunks  []string
}

// New returns a Retriever over fsys. A project names a directory of fsys;
// an empty project means the root.
func New(fsys afero.Fs, embedder embeddings.Embedder, cfg Config, logger *zap.Logger) (*Retriever, error) {
	if fsys == nil {
		return nil, errors.New("retrieval: filesystem is required")
	}
	if embedder == nil {
		embedder = NewHashEmbedder()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = defaultMaxResults
	}
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = defaultMaxFileBytes
	}
	if cfg.ChunkLines <= 0 {
		cfg.ChunkLines = defaultChunkLines
	}
	for _, g := range cfg.Include {
		if _, err := path.Match(g, ""); err != nil {
			return nil, fmt.Errorf("retrieval: invalid include pattern %q: %w", g, err)
		}
	}

	return &Retriever{
		fs:       fsys,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger.Named("retrieval"),
		db:       chromem.NewDB(),
		indexes:  make(map[string]*projectIndex),
	}, nil
}

// Retrieve refreshes the project's index and returns the chunks most
// similar to query.
func (r *Retriever) Retrieve(ctx context.Context, query, project string) (*orchestrator.RetrievedContext, error) {
	ctx, span := tracer.Start(ctx, "retrieval.retrieve")
	defer span.End()
	span.SetAttributes(attribute.String("project", project))

	out := &orchestrator.RetrievedContext{}
	if strings.TrimSpace(query) == "" {
		return out, nil
	}

	idx, err := r.refresh(ctx, project)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	k := min(r.cfg.MaxResults, idx.collection.Count())
	if k == 0 {
		return out, nil
	}
	results, err := idx.collection.Query(ctx, query, k, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying %s: %w", project, err)
	}

	seen := make(map[string]bool)
	for _, res := range results {
		p := res.Metadata["path"]
		out.Chunks = append(out.Chunks, orchestrator.ContextChunk{
			Path:    p,
			Content: res.Content,
			Score:   float64(res.Similarity),
		})
		if !seen[p] {
			seen[p] = true
			out.Files = append(out.Files, p)
		}
	}

	span.SetAttributes(attribute.Int("results", len(out.Chunks)))
	r.logger.Debug("context retrieved",
		zap.String("project", project),
		zap.Int("chunks", len(out.Chunks)),
		zap.Int("files", len(out.Files)))
	return out, nil
}

// Index brings the project's collection up to date with the filesystem.
// Unchanged files are not re-embedded.
func (r *Retriever) Index(ctx context.Context, project string) error {
	_, err := r.refresh(ctx, project)
	return err
}

func (r *Retriever) refresh(ctx context.Context, project string) (*projectIndex, error) {
	dir, err := projectDir(project)
	if err != nil {
		return nil, err
	}
	idx, err := r.indexFor(dir)
	if err != nil {
		return nil, err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	current, err := r.scan(ctx, dir)
	if err != nil {
		return nil, err
	}

	var stale []string
	for p, st := range idx.files {
		if cur, ok := current[p]; !ok || !cur.modTime.Equal(st.modTime) || cur.size != st.size {
			stale = append(stale, st.chunks...)
			delete(idx.files, p)
		}
	}
	if len(stale) > 0 {
		if err := idx.collection.Delete(ctx, nil, nil, stale...); err != nil {
			return nil, fmt.Errorf("removing stale chunks: %w", err)
		}
	}

	var (
		docs    []chromem.Document
		changed []string
	)
	for p := range current {
		if _, ok := idx.files[p]; !ok {
			changed = append(changed, p)
		}
	}
	sort.Strings(changed)
	for _, p := range changed {
		data, err := afero.ReadFile(r.fs, path.Join(dir, p))
		if err != nil {
			r.logger.Warn("skipping unreadable file", zap.String("path", p), zap.Error(err))
			continue
		}
		st := current[p]
		for i, chunk := range Chunk(string(data), r.cfg.ChunkLines) {
			id := fmt.Sprintf("%s#%d", p, i)
			st.chunks = append(st.chunks, id)
			docs = append(docs, chromem.Document{
				ID:       id,
				Content:  chunk,
				Metadata: map[string]string{"path": p},
			})
		}
		idx.files[p] = st
	}
	if len(docs) == 0 {
		return idx, nil
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}
	vectors, err := r.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding %d chunks: %w", len(docs), err)
	}
	if len(vectors) != len(docs) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(docs))
	}
	for i := range docs {
		docs[i].Embedding = vectors[i]
	}
	if err := idx.collection.AddDocuments(ctx, docs, 1); err != nil {
		return nil, fmt.Errorf("adding chunks: %w", err)
	}

	r.logger.Debug("project indexed",
		zap.String("project", project),
		zap.Int("files_changed", len(changed)),
		zap.Int("chunks_added", len(docs)),
		zap.Int("chunks_removed", len(stale)))
	return idx, nil
}

func (r *Retriever) indexFor(dir string) (*projectIndex, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx, ok := r.indexes[dir]; ok {
		return idx, nil
	}

	embed := func(ctx context.Context, text string) ([]float32, error) {
		return r.embedder.EmbedQuery(ctx, text)
	}
	col, err := r.db.GetOrCreateCollection("project:"+dir, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("creating collection for %s: %w", dir, err)
	}
	idx := &projectIndex{collection: col, files: make(map[string]fileState)}
	r.indexes[dir] = idx
	return idx, nil
}

// scan lists indexable files under dir keyed by their dir-relative path.
func (r *Retriever) scan(ctx context.Context, dir string) (map[string]fileState, error) {
	files := make(map[string]fileState)
	err := afero.Walk(r.fs, dir, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			if p == dir {
				return err
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		name := info.Name()
		if info.IsDir() {
			if p != dir && (skipDirs[name] || strings.HasPrefix(name, ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if info.Size() > r.cfg.MaxFileBytes || !r.included(name) {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return nil
		}
		files[filepath.ToSlash(rel)] = fileState{modTime: info.ModTime(), size: info.Size()}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return files, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", dir, err)
	}
	return files, nil
}

func (r *Retriever) included(name string) bool {
	if len(r.cfg.Include) == 0 {
		return true
	}
	for _, g := range r.cfg.Include {
		if ok, _ := path.Match(g, name); ok {
			return true
		}
	}
	return false
}

// projectDir maps a project name onto a directory of the filesystem.
func projectDir(project string) (string, error) {
	if project == "" {
		return "/", nil
	}
	if strings.Contains(project, "..") {
		return "", fmt.Errorf("retrieval: invalid project %q", project)
	}
	return path.Clean("/" + filepath.ToSlash(project)), nil
}

// Chunk splits content into pieces of at most lines lines. Blank content
// yields no chunks.
func Chunk(content string, lines int) []string {
	if strings.TrimSpace(content) == "" {
		return nil
	}
	all := strings.SplitAfter(content, "\n")
	var out []string
	for start := 0; start < len(all); start += lines {
		end := min(start+lines, len(all))
		chunk := strings.Join(all[start:end], "")
		if strings.TrimSpace(chunk) != "" {
			out = append(out, chunk)
		}
	}
	return out
}

var _ orchestrator.ContextRetriever = (*Retriever)(nil)
