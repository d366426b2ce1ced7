package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/qdrant/go-client/qdrant"

	domainRAG "github.com/knowdex/backend/internal/domain/rag"
	"github.com/knowdex/backend/internal/infrastructure/config"
	"github.com/knowdex/backend/internal/infrastructure/log"
)

// 确保 QdrantIndex 实现了 domainRAG.VectorIndex 接口
var _ domainRAG.VectorIndex = (*QdrantIndex)(nil)

// QdrantIndex 向量引擎适配层
// 快照恢复走 HTTP 接口，其余操作走 gRPC 客户端
type QdrantIndex struct {
	manager    *QdrantManager
	collection string
	httpBase   string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewQdrantIndex 创建向量索引适配器
func NewQdrantIndex(manager *QdrantManager, cfg *config.QdrantConfig) *QdrantIndex {
	return &QdrantIndex{
		manager:    manager,
		collection: cfg.Collection,
		httpBase:   fmt.Sprintf("http://%s:%d", cfg.Host, cfg.HTTPPort),
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     log.NewModuleLogger("vector", "qdrant_index"),
	}
}

func (q *QdrantIndex) client() (*qdrant.Client, error) {
	client := q.manager.GetClient()
	if client == nil {
		return nil, &domainRAG.VectorIndexError{Op: "client", Err: fmt.Errorf("qdrant client not initialized")}
	}
	return client, nil
}

// EnsureCollection 确保集合存在，余弦距离
func (q *QdrantIndex) EnsureCollection(ctx context.Context, dimension int) error {
	client, err := q.client()
	if err != nil {
		return err
	}

	existing, err := client.ListCollections(ctx)
	if err != nil {
		return &domainRAG.VectorIndexError{Op: "list_collections", Err: err}
	}
	for _, name := range existing {
		if name == q.collection {
			return nil
		}
	}

	err = client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return &domainRAG.VectorIndexError{Op: "create_collection", Err: err}
	}

	q.logger.Info("Collection created",
		"collection", q.collection,
		"dimension", dimension,
	)
	return nil
}

// Upsert 写入单个点
func (q *QdrantIndex) Upsert(ctx context.Context, point *domainRAG.VectorPoint) error {
	_, err := q.UpsertBatch(ctx, []*domainRAG.VectorPoint{point}, 1)
	return err
}

// UpsertBatch 分批写入，返回成功写入的点数
func (q *QdrantIndex) UpsertBatch(ctx context.Context, points []*domainRAG.VectorPoint, batchSize int) (int, error) {
	if len(points) == 0 {
		return 0, nil
	}
	if batchSize <= 0 {
		batchSize = 100
	}

	client, err := q.client()
	if err != nil {
		return 0, err
	}

	written := 0
	for i := 0; i < len(points); i += batchSize {
		end := i + batchSize
		if end > len(points) {
			end = len(points)
		}
		batch := points[i:end]

		qdrantPoints := make([]*qdrant.PointStruct, len(batch))
		for j, p := range batch {
			qdrantPoints[j] = &qdrant.PointStruct{
				Id:      qdrant.NewID(p.ID),
				Vectors: qdrant.NewVectors(p.Vector...),
				Payload: qdrant.NewValueMap(sanitizePayload(p.Payload)),
			}
		}

		_, err := client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: q.collection,
			Points:         qdrantPoints,
		})
		if err != nil {
			return written, &domainRAG.VectorIndexError{Op: "upsert", Err: err}
		}
		written += len(batch)
	}

	return written, nil
}

// Search 按分区过滤的相似度检索
// scope 是强制过滤条件，filters 为附加的 payload 等值匹配
func (q *QdrantIndex) Search(ctx context.Context, vector []float32, scope string, topK int, filters map[string]string, scoreThreshold float64) ([]*domainRAG.VectorHit, error) {
	client, err := q.client()
	if err != nil {
		return nil, err
	}

	conditions := []*qdrant.Condition{
		qdrant.NewMatch("scope", scope),
	}
	for key, value := range filters {
		conditions = append(conditions, qdrant.NewMatch(key, value))
	}

	limit := uint64(topK)
	query := &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          &limit,
		Filter:         &qdrant.Filter{Must: conditions},
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if scoreThreshold > 0 {
		threshold := float32(scoreThreshold)
		query.ScoreThreshold = &threshold
	}

	searchResp, err := client.Query(ctx, query)
	if err != nil {
		return nil, &domainRAG.VectorIndexError{Op: "search", Err: err}
	}

	hits := make([]*domainRAG.VectorHit, 0, len(searchResp))
	for _, point := range searchResp {
		hits = append(hits, scoredPointToHit(point))
	}
	return hits, nil
}

// Delete 按点 ID 删除
func (q *QdrantIndex) Delete(ctx context.Context, id string) error {
	client, err := q.client()
	if err != nil {
		return err
	}

	_, err = client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{
					Ids: []*qdrant.PointId{qdrant.NewID(id)},
				},
			},
		},
	})
	if err != nil {
		return &domainRAG.VectorIndexError{Op: "delete", Err: err}
	}
	return nil
}

// DeleteByDoc 删除文档的全部点，返回删除前的点数
func (q *QdrantIndex) DeleteByDoc(ctx context.Context, docID string) (int, error) {
	client, err := q.client()
	if err != nil {
		return 0, err
	}

	count, err := q.Count(ctx, map[string]string{"doc_id": docID})
	if err != nil {
		return 0, err
	}

	_, err = client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: &qdrant.Filter{
					Must: []*qdrant.Condition{
						qdrant.NewMatch("doc_id", docID),
					},
				},
			},
		},
	})
	if err != nil {
		return 0, &domainRAG.VectorIndexError{Op: "delete_by_doc", Err: err}
	}
	return count, nil
}

// Count 统计满足过滤条件的点数
func (q *QdrantIndex) Count(ctx context.Context, filters map[string]string) (int, error) {
	client, err := q.client()
	if err != nil {
		return 0, err
	}

	var filter *qdrant.Filter
	if len(filters) > 0 {
		conditions := make([]*qdrant.Condition, 0, len(filters))
		for key, value := range filters {
			conditions = append(conditions, qdrant.NewMatch(key, value))
		}
		filter = &qdrant.Filter{Must: conditions}
	}

	exact := true
	count, err := client.Count(ctx, &qdrant.CountPoints{
		CollectionName: q.collection,
		Filter:         filter,
		Exact:          &exact,
	})
	if err != nil {
		return 0, &domainRAG.VectorIndexError{Op: "count", Err: err}
	}
	return int(count), nil
}

// CreateSnapshot 创建集合快照，返回快照名
func (q *QdrantIndex) CreateSnapshot(ctx context.Context) (string, error) {
	client, err := q.client()
	if err != nil {
		return "", err
	}

	desc, err := client.CreateSnapshot(ctx, q.collection)
	if err != nil {
		return "", &domainRAG.VectorIndexError{Op: "create_snapshot", Err: err}
	}
	return desc.GetName(), nil
}

// ListSnapshots 列出集合快照名
func (q *QdrantIndex) ListSnapshots(ctx context.Context) ([]string, error) {
	client, err := q.client()
	if err != nil {
		return nil, err
	}

	descs, err := client.ListSnapshots(ctx, q.collection)
	if err != nil {
		return nil, &domainRAG.VectorIndexError{Op: "list_snapshots", Err: err}
	}

	names := make([]string, 0, len(descs))
	for _, desc := range descs {
		names = append(names, desc.GetName())
	}
	return names, nil
}

// RestoreSnapshot 恢复快照
// gRPC 客户端没有恢复接口，走 HTTP recover 端点
func (q *QdrantIndex) RestoreSnapshot(ctx context.Context, name string) error {
	location := name
	if !strings.Contains(location, "://") {
		location = fmt.Sprintf("%s/collections/%s/snapshots/%s", q.httpBase, q.collection, name)
	}

	body, err := json.Marshal(map[string]string{"location": location})
	if err != nil {
		return &domainRAG.VectorIndexError{Op: "restore_snapshot", Err: err}
	}

	url := fmt.Sprintf("%s/collections/%s/snapshots/recover", q.httpBase, q.collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewBuffer(body))
	if err != nil {
		return &domainRAG.VectorIndexError{Op: "restore_snapshot", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := q.httpClient.Do(req)
	if err != nil {
		return &domainRAG.VectorIndexError{Op: "restore_snapshot", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return &domainRAG.VectorIndexError{
			Op:  "restore_snapshot",
			Err: fmt.Errorf("recover returned status %d: %s", resp.StatusCode, string(respBody)),
		}
	}

	q.logger.Info("Snapshot restored",
		"collection", q.collection,
		"snapshot", name,
	)
	return nil
}

// HealthCheck 检查向量引擎可用性
func (q *QdrantIndex) HealthCheck(ctx context.Context) (bool, string) {
	client := q.manager.GetClient()
	if client == nil {
		return false, "qdrant client not initialized"
	}

	reply, err := client.HealthCheck(ctx)
	if err != nil {
		return false, err.Error()
	}
	return true, fmt.Sprintf("qdrant %s", reply.GetVersion())
}

// sanitizePayload 清理 payload 中的非法 UTF-8 字符串
// Qdrant 客户端要求所有字符串必须是有效的 UTF-8
func sanitizePayload(payload map[string]any) map[string]any {
	cleaned := make(map[string]any, len(payload))
	for key, value := range payload {
		if s, ok := value.(string); ok && !utf8.ValidString(s) {
			cleaned[key] = strings.ToValidUTF8(s, "")
			continue
		}
		cleaned[key] = value
	}
	return cleaned
}

// scoredPointToHit 将命中点转换为领域结构
func scoredPointToHit(point *qdrant.ScoredPoint) *domainRAG.VectorHit {
	hit := &domainRAG.VectorHit{
		Score:   float64(point.GetScore()),
		Payload: make(map[string]any),
	}

	if id := point.GetId(); id != nil {
		hit.ID = id.GetUuid()
	}

	for key, value := range point.GetPayload() {
		hit.Payload[key] = valueToAny(value)
	}
	return hit
}

// valueToAny 将 Qdrant Value 转换为 Go 原生类型
func valueToAny(value *qdrant.Value) any {
	switch v := value.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return v.StringValue
	case *qdrant.Value_IntegerValue:
		return v.IntegerValue
	case *qdrant.Value_DoubleValue:
		return v.DoubleValue
	case *qdrant.Value_BoolValue:
		return v.BoolValue
	default:
		return value.String()
	}
}
