package databases

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"

	"github.com/ragkit/sage/pkg/config"
	"github.com/ragkit/sage/pkg/llms"
)

// maxGrpcMessageBytes accommodates large upsert batches of high-dimension
// vectors.
const maxGrpcMessageBytes = 64 << 20

// payloadIDField carries the caller's document id inside the payload.
// Qdrant point ids must be UUIDs or integers, so arbitrary string ids are
// mapped to deterministic UUIDs and the original kept here.
const payloadIDField = "_id"

// QdrantProvider speaks the Qdrant gRPC API.
type QdrantProvider struct {
	cfg    config.VectorStoreConfig
	client *qdrant.Client
}

// NewQdrantProvider creates a provider from config.
func NewQdrantProvider(cfg config.VectorStoreConfig) (*QdrantProvider, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("host is required for Qdrant")
	}
	port := cfg.Port
	if port == 0 {
		port = 6334
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(maxGrpcMessageBytes),
				grpc.MaxCallSendMsgSize(maxGrpcMessageBytes),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Qdrant client: %w", err)
	}
	return &QdrantProvider{cfg: cfg, client: client}, nil
}

func (p *QdrantProvider) Close() error { return p.client.Close() }

// pointID maps a document id to a stable Qdrant point id.
func pointID(id string) *qdrant.PointId {
	return qdrant.NewID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String())
}

func (p *QdrantProvider) EnsureCollection(ctx context.Context, collection string, dimension int) error {
	exists, err := p.client.CollectionExists(ctx, collection)
	if err != nil {
		return llms.WrapBackendError("qdrant", fmt.Errorf("failed to check collection: %w", err))
	}
	if exists {
		return nil
	}
	err = p.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return llms.WrapBackendError("qdrant", fmt.Errorf("failed to create collection: %w", err))
	}
	return nil
}

func (p *QdrantProvider) Upsert(ctx context.Context, collection string, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	points := make([]*qdrant.PointStruct, 0, len(docs))
	for _, doc := range docs {
		payload := make(map[string]interface{}, len(doc.Metadata)+1)
		for k, v := range doc.Metadata {
			payload[k] = v
		}
		payload[payloadIDField] = doc.ID
		points = append(points, &qdrant.PointStruct{
			Id:      pointID(doc.ID),
			Vectors: qdrant.NewVectors(doc.Vector...),
			Payload: qdrant.NewValueMap(payload),
		})
	}
	wait := true
	_, err := p.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         points,
		Wait:           &wait,
	})
	if err != nil {
		return llms.WrapBackendError("qdrant", fmt.Errorf("failed to upsert points: %w", err))
	}
	return nil
}

func (p *QdrantProvider) Search(ctx context.Context, collection string, vector []float32, topK int, filter Filter) ([]Result, error) {
	searchRequest := &qdrant.SearchPoints{
		CollectionName: collection,
		Vector:         vector,
		Limit:          uint64(topK),
		WithPayload:    qdrant.NewWithPayload(true),
		Filter:         buildQdrantFilter(filter),
	}
	resp, err := p.client.GetPointsClient().Search(ctx, searchRequest)
	if err != nil {
		return nil, llms.WrapBackendError("qdrant", fmt.Errorf("search failed: %w", err))
	}

	results := make([]Result, 0, len(resp.Result))
	for _, point := range resp.Result {
		metadata := payloadToMap(point.Payload)
		id := ""
		if v, ok := metadata[payloadIDField].(string); ok {
			id = v
			delete(metadata, payloadIDField)
		} else if pid := point.Id.GetUuid(); pid != "" {
			id = pid
		} else {
			id = fmt.Sprintf("%d", point.Id.GetNum())
		}
		results = append(results, Result{ID: id, Score: point.Score, Metadata: metadata})
	}
	return results, nil
}

func (p *QdrantProvider) DeleteByID(ctx context.Context, collection string, id string) error {
	wait := true
	_, err := p.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Wait:           &wait,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: []*qdrant.PointId{pointID(id)}},
			},
		},
	})
	if err != nil {
		return llms.WrapBackendError("qdrant", fmt.Errorf("failed to delete point: %w", err))
	}
	return nil
}

func (p *QdrantProvider) DeleteByFilter(ctx context.Context, collection string, filter Filter) error {
	qf := buildQdrantFilter(filter)
	if qf == nil {
		return fmt.Errorf("refusing to delete with empty filter")
	}
	wait := true
	_, err := p.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Wait:           &wait,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{Filter: qf},
		},
	})
	if err != nil {
		return llms.WrapBackendError("qdrant", fmt.Errorf("failed to delete by filter: %w", err))
	}
	return nil
}

// buildQdrantFilter compiles a filter to Qdrant conditions. AllowMissing
// becomes a nested should: match-or-empty.
func buildQdrantFilter(filter Filter) *qdrant.Filter {
	if len(filter) == 0 {
		return nil
	}
	conditions := make([]*qdrant.Condition, 0, len(filter))
	for _, cond := range filter {
		match := matchCondition(cond.Field, cond.Equals)
		if cond.AllowMissing {
			conditions = append(conditions, &qdrant.Condition{
				ConditionOneOf: &qdrant.Condition_Filter{
					Filter: &qdrant.Filter{
						Should: []*qdrant.Condition{match, qdrant.NewIsEmpty(cond.Field)},
					},
				},
			})
			continue
		}
		conditions = append(conditions, match)
	}
	return &qdrant.Filter{Must: conditions}
}

func matchCondition(field string, value interface{}) *qdrant.Condition {
	switch v := value.(type) {
	case bool:
		return qdrant.NewMatchBool(field, v)
	case int:
		return qdrant.NewMatchInt(field, int64(v))
	case int64:
		return qdrant.NewMatchInt(field, v)
	case float64:
		return qdrant.NewMatchInt(field, int64(v))
	default:
		return qdrant.NewMatch(field, fmt.Sprintf("%v", v))
	}
}

func payloadToMap(payload map[string]*qdrant.Value) map[string]interface{} {
	out := make(map[string]interface{}, len(payload))
	for key, value := range payload {
		out[key] = valueToInterface(value)
	}
	return out
}

func valueToInterface(value *qdrant.Value) interface{} {
	switch kind := value.Kind.(type) {
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_IntegerValue:
		return kind.IntegerValue
	case *qdrant.Value_DoubleValue:
		return kind.DoubleValue
	case *qdrant.Value_BoolValue:
		return kind.BoolValue
	case *qdrant.Value_ListValue:
		items := make([]interface{}, 0, len(kind.ListValue.Values))
		for _, item := range kind.ListValue.Values {
			items = append(items, valueToInterface(item))
		}
		return items
	case *qdrant.Value_StructValue:
		return payloadToMap(kind.StructValue.Fields)
	default:
		return nil
	}
}
