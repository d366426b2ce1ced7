package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainRAG "github.com/knowdex/backend/internal/domain/rag"
	"github.com/knowdex/backend/internal/infrastructure/config"
)

// newTestManifest 创建内存模式清单库
func newTestManifest(t *testing.T) *ManifestImpl {
	t.Helper()

	db, err := OpenDB(&config.DatabaseConfig{InMemory: true})
	require.NoError(t, err)

	m, err := NewManifest(db)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func testDocument(path string) *domainRAG.Document {
	return &domainRAG.Document{
		Path:     path,
		MimeType: "text/plain",
		Scope:    "team-a",
		FileHash: "abc123",
		Metadata: map[string]any{"risk_level": "safe"},
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	db, err := OpenDB(&config.DatabaseConfig{InMemory: true})
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, Migrate(db))
	// 重复执行不应报错，也不应重复登记版本
	require.NoError(t, Migrate(db))

	version, err := SchemaVersion(db)
	require.NoError(t, err)
	assert.Equal(t, 2, version)
}

func TestAddDocument_DuplicatePath(t *testing.T) {
	m := newTestManifest(t)

	require.NoError(t, m.AddDocument(testDocument("/docs/a.md")))

	err := m.AddDocument(testDocument("/docs/a.md"))
	require.Error(t, err)
	var integrityErr *domainRAG.ManifestIntegrityError
	assert.ErrorAs(t, err, &integrityErr)
}

func TestGetDocument_RoundTrip(t *testing.T) {
	m := newTestManifest(t)

	doc := testDocument("/docs/a.md")
	require.NoError(t, m.AddDocument(doc))
	require.NotEmpty(t, doc.ID)

	got, err := m.GetDocument(doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "/docs/a.md", got.Path)
	assert.Equal(t, "team-a", got.Scope)
	assert.Equal(t, domainRAG.DocStatusPending, got.Status)
	assert.Equal(t, "safe", got.Metadata["risk_level"])

	byPath, err := m.GetDocumentByPath("/docs/a.md")
	require.NoError(t, err)
	assert.Equal(t, doc.ID, byPath.ID)
}

func TestGetDocument_NotFound(t *testing.T) {
	m := newTestManifest(t)

	_, err := m.GetDocument("missing")
	assert.ErrorIs(t, err, domainRAG.ErrDocumentNotFound)
}

func TestUpdateDocumentStatus(t *testing.T) {
	m := newTestManifest(t)

	doc := testDocument("/docs/a.md")
	require.NoError(t, m.AddDocument(doc))

	require.NoError(t, m.UpdateDocumentStatus(doc.ID, domainRAG.DocStatusIngested))
	got, err := m.GetDocument(doc.ID)
	require.NoError(t, err)
	assert.Equal(t, domainRAG.DocStatusIngested, got.Status)

	assert.ErrorIs(t, m.UpdateDocumentStatus("missing", domainRAG.DocStatusStale), domainRAG.ErrDocumentNotFound)
}

func TestMarkDocumentStale(t *testing.T) {
	m := newTestManifest(t)

	doc := testDocument("/docs/a.md")
	require.NoError(t, m.AddDocument(doc))

	// pending 状态不应被标记
	require.NoError(t, m.MarkDocumentStale(doc.ID))
	got, err := m.GetDocument(doc.ID)
	require.NoError(t, err)
	assert.Equal(t, domainRAG.DocStatusPending, got.Status)

	require.NoError(t, m.UpdateDocumentStatus(doc.ID, domainRAG.DocStatusIngested))
	require.NoError(t, m.MarkDocumentStale(doc.ID))
	got, err = m.GetDocument(doc.ID)
	require.NoError(t, err)
	assert.Equal(t, domainRAG.DocStatusStale, got.Status)

	assert.ErrorIs(t, m.MarkDocumentStale("missing"), domainRAG.ErrDocumentNotFound)
}

func TestVacuum(t *testing.T) {
	m := newTestManifest(t)

	doc := testDocument("/docs/a.md")
	require.NoError(t, m.AddDocument(doc))
	require.NoError(t, m.DeleteDocument(doc.ID))

	assert.NoError(t, m.Vacuum())
}

func TestListDocuments_Filters(t *testing.T) {
	m := newTestManifest(t)

	docA := testDocument("/docs/a.md")
	docA.Scope = "team-a"
	docB := testDocument("/docs/b.md")
	docB.Scope = "team-b"
	require.NoError(t, m.AddDocument(docA))
	require.NoError(t, m.AddDocument(docB))
	require.NoError(t, m.UpdateDocumentStatus(docA.ID, domainRAG.DocStatusIngested))

	all, err := m.ListDocuments("", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	teamA, err := m.ListDocuments("team-a", "")
	require.NoError(t, err)
	require.Len(t, teamA, 1)
	assert.Equal(t, docA.ID, teamA[0].ID)

	ingested, err := m.ListDocuments("", "ingested")
	require.NoError(t, err)
	require.Len(t, ingested, 1)
	assert.Equal(t, docA.ID, ingested[0].ID)
}

func addChunks(t *testing.T, m *ManifestImpl, docID string, texts ...string) []*domainRAG.Chunk {
	t.Helper()

	chunks := make([]*domainRAG.Chunk, 0, len(texts))
	for i, text := range texts {
		chunks = append(chunks, &domainRAG.Chunk{
			DocumentID: docID,
			ChunkIndex: i,
			ChunkHash:  "hash",
			TokenCount: 10,
			Scope:      "team-a",
			Text:       text,
		})
	}
	require.NoError(t, m.AddChunks(chunks))
	return chunks
}

func TestDeleteDocument_Cascades(t *testing.T) {
	m := newTestManifest(t)

	doc := testDocument("/docs/a.md")
	require.NoError(t, m.AddDocument(doc))
	chunks := addChunks(t, m, doc.ID, "first chunk", "second chunk")

	require.NoError(t, m.AddEmbedding(&domainRAG.Embedding{
		ChunkID: chunks[0].ID,
		Model:   "test-model",
	}))

	require.NoError(t, m.DeleteDocument(doc.ID))

	// 级联后不留孤儿
	remaining, err := m.GetChunksForDocument(doc.ID)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	stats, err := m.Statistics()
	require.NoError(t, err)
	assert.Equal(t, 0, stats.ChunkCount)
	assert.Equal(t, 0, stats.EmbeddingCount)
}

func TestAddChunks_ForeignKeyEnforced(t *testing.T) {
	m := newTestManifest(t)

	err := m.AddChunks([]*domainRAG.Chunk{{
		DocumentID: "no-such-doc",
		ChunkHash:  "hash",
		Text:       "orphan",
	}})
	require.Error(t, err)
	var integrityErr *domainRAG.ManifestIntegrityError
	assert.ErrorAs(t, err, &integrityErr)
}

func TestAddEmbedding_UniquePerModel(t *testing.T) {
	m := newTestManifest(t)

	doc := testDocument("/docs/a.md")
	require.NoError(t, m.AddDocument(doc))
	chunks := addChunks(t, m, doc.ID, "text")

	emb := &domainRAG.Embedding{ChunkID: chunks[0].ID, Model: "model-x", ModelVersion: "1"}
	require.NoError(t, m.AddEmbedding(emb))

	// 同一 (chunk, model, version) 二次登记被唯一约束拒绝
	dup := &domainRAG.Embedding{ChunkID: chunks[0].ID, Model: "model-x", ModelVersion: "1"}
	err := m.AddEmbedding(dup)
	require.Error(t, err)
	var integrityErr *domainRAG.ManifestIntegrityError
	assert.ErrorAs(t, err, &integrityErr)

	// 不同版本允许
	other := &domainRAG.Embedding{ChunkID: chunks[0].ID, Model: "model-x", ModelVersion: "2"}
	assert.NoError(t, m.AddEmbedding(other))

	has, err := m.HasEmbedding(chunks[0].ID, "model-x", "1")
	require.NoError(t, err)
	assert.True(t, has)

	has, err = m.HasEmbedding(chunks[0].ID, "model-y", "1")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestListChunkTextsByScope(t *testing.T) {
	m := newTestManifest(t)

	doc := testDocument("/docs/a.md")
	require.NoError(t, m.AddDocument(doc))
	addChunks(t, m, doc.ID, "alpha", "beta")

	chunks, err := m.ListChunkTextsByScope("team-a")
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "alpha", chunks[0].Text)

	empty, err := m.ListChunkTextsByScope("team-z")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestIngestJob_MonotonicCounters(t *testing.T) {
	m := newTestManifest(t)

	job, err := m.StartIngestJob()
	require.NoError(t, err)
	assert.Equal(t, domainRAG.JobRunning, job.Status)

	require.NoError(t, m.UpdateIngestJobProgress(job.ID, 5, 20, 20))
	// 回退的计数被 MAX 钳制
	require.NoError(t, m.UpdateIngestJobProgress(job.ID, 3, 10, 25))

	got, err := m.GetIngestJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.DocsProcessed)
	assert.Equal(t, 20, got.ChunksCreated)
	assert.Equal(t, 25, got.EmbeddingsCreated)
}

func TestIngestJob_Complete(t *testing.T) {
	m := newTestManifest(t)

	job, err := m.StartIngestJob()
	require.NoError(t, err)

	require.NoError(t, m.CompleteIngestJob(job.ID, domainRAG.JobFailed, "provider unreachable"))

	got, err := m.GetIngestJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, domainRAG.JobFailed, got.Status)
	assert.Equal(t, "provider unreachable", got.ErrorMessage)
	require.NotNil(t, got.CompletedAt)

	// 结束后进度冻结
	assert.ErrorIs(t, m.UpdateIngestJobProgress(job.ID, 100, 100, 100), domainRAG.ErrJobNotFound)
}

func TestStatistics(t *testing.T) {
	m := newTestManifest(t)

	docA := testDocument("/docs/a.md")
	docB := testDocument("/docs/b.md")
	docB.Scope = "team-b"
	require.NoError(t, m.AddDocument(docA))
	require.NoError(t, m.AddDocument(docB))
	require.NoError(t, m.UpdateDocumentStatus(docA.ID, domainRAG.DocStatusIngested))
	addChunks(t, m, docA.ID, "one", "two", "three")

	stats, err := m.Statistics()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DocumentsByStatus["ingested"])
	assert.Equal(t, 1, stats.DocumentsByStatus["pending"])
	assert.Equal(t, 1, stats.DocumentsByScope["team-a"])
	assert.Equal(t, 1, stats.DocumentsByScope["team-b"])
	assert.Equal(t, 3, stats.ChunkCount)
}
