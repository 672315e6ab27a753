package memory

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	weaviate "github.com/weaviate/weaviate-go-client/v5/weaviate"
	filters "github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	gql "github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	wm "github.com/weaviate/weaviate/entities/models"

	"github.com/AnshRaj112/clara-backend/internal/models"
)

const (
	ClassName = "ClaraMemory"

	defaultReadyPolls    = 30
	defaultReadyInterval = time.Second
)

// WeaviateIndex stores memories in a multi-tenant Weaviate class; each user
// is its own tenant and every query also filters on userId.
type WeaviateIndex struct {
	client *weaviate.Client
	log    zerolog.Logger

	ReadyPolls    int
	ReadyInterval time.Duration
}

// NewWeaviateIndex connects to host (host:port, no scheme).
func NewWeaviateIndex(scheme, host string, log zerolog.Logger) (*WeaviateIndex, error) {
	if scheme == "" {
		scheme = "http"
	}
	cl, err := weaviate.NewClient(weaviate.Config{Scheme: scheme, Host: host})
	if err != nil {
		return nil, errors.Wrap(err, "weaviate client")
	}
	return &WeaviateIndex{
		client:        cl,
		log:           log.With().Str("component", "weaviate").Logger(),
		ReadyPolls:    defaultReadyPolls,
		ReadyInterval: defaultReadyInterval,
	}, nil
}

func memoryClass() *wm.Class {
	text := func(name string) *wm.Property {
		return &wm.Property{Name: name, DataType: []string{"text"}, Tokenization: "field"}
	}
	return &wm.Class{
		Class:       ClassName,
		Description: "Per-user conversational memories",
		Vectorizer:  "none",
		VectorIndexConfig: map[string]interface{}{
			"distance": "cosine",
		},
		MultiTenancyConfig: &wm.MultiTenancyConfig{Enabled: true},
		Properties: []*wm.Property{
			text("recordId"),
			text("userId"),
			{Name: "text", DataType: []string{"text"}},
			text("timestamp"),
			text("tone"),
			{Name: "weight", DataType: []string{"int"}},
			text("topic"),
			text("role"),
		},
	}
}

// Provision waits for Weaviate to report ready, then creates the class if absent.
func (w *WeaviateIndex) Provision(ctx context.Context) error {
	var lastErr error
	ready := false
	for i := 0; i < w.ReadyPolls; i++ {
		ok, err := w.client.Misc().ReadyChecker().Do(ctx)
		if err == nil && ok {
			ready = true
			break
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.ReadyInterval):
		}
	}
	if !ready {
		if lastErr == nil {
			lastErr = errors.New("not ready")
		}
		return errors.Wrapf(lastErr, "weaviate not ready after %d polls", w.ReadyPolls)
	}

	if cls, err := w.client.Schema().ClassGetter().WithClassName(ClassName).Do(ctx); err == nil && cls != nil {
		return nil
	}
	if err := w.client.Schema().ClassCreator().WithClass(memoryClass()).Do(ctx); err != nil {
		// Another replica may have won the race.
		if strings.Contains(strings.ToLower(err.Error()), "already exists") {
			return nil
		}
		return errors.Wrap(err, "create weaviate class")
	}
	w.log.Info().Str("class", ClassName).Msg("weaviate class created")
	return nil
}

// ensureTenant creates the tenant; errors (already exists) are ignored.
func (w *WeaviateIndex) ensureTenant(ctx context.Context, tenant string) {
	_ = w.client.Schema().TenantsCreator().WithClassName(ClassName).WithTenants(wm.Tenant{Name: tenant}).Do(ctx)
}

func (w *WeaviateIndex) Upsert(ctx context.Context, rec models.MemoryRecord, vector []float32) error {
	if rec.UserID == "" {
		return errors.New("weaviate upsert: missing user id")
	}
	w.ensureTenant(ctx, rec.UserID)

	props := map[string]interface{}{
		"recordId":  rec.ID,
		"userId":    rec.UserID,
		"text":      rec.Text,
		"timestamp": rec.Timestamp.UTC().Format(time.RFC3339),
		"tone":      rec.Tone,
		"weight":    rec.Weight,
		"topic":     rec.Topic,
		"role":      string(rec.Role),
	}
	_, err := w.client.Data().Creator().
		WithClassName(ClassName).
		WithTenant(rec.UserID).
		WithID(rec.ID).
		WithProperties(props).
		WithVector(vector).
		Do(ctx)
	return errors.Wrap(err, "weaviate upsert")
}

func (w *WeaviateIndex) Query(ctx context.Context, q Query) ([]models.MemoryRecord, error) {
	where := filters.Where().WithPath([]string{"userId"}).WithOperator(filters.Equal).WithValueText(q.UserID)
	if q.Tone != "" {
		where = filters.Where().WithOperator(filters.And).WithOperands([]*filters.WhereBuilder{
			where,
			filters.Where().WithPath([]string{"tone"}).WithOperator(filters.Equal).WithValueText(q.Tone),
		})
	}
	near := w.client.GraphQL().NearVectorArgBuilder().WithVector(q.Vector)

	resp, err := w.client.GraphQL().Get().
		WithClassName(ClassName).
		WithTenant(q.UserID).
		WithWhere(where).
		WithNearVector(near).
		WithLimit(q.TopK).
		WithFields(
			gql.Field{Name: "recordId"},
			gql.Field{Name: "userId"},
			gql.Field{Name: "text"},
			gql.Field{Name: "timestamp"},
			gql.Field{Name: "tone"},
			gql.Field{Name: "weight"},
			gql.Field{Name: "topic"},
			gql.Field{Name: "role"},
			gql.Field{Name: "_additional", Fields: []gql.Field{{Name: "distance"}}},
		).
		Do(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "weaviate query")
	}
	if len(resp.Errors) > 0 {
		msgs := make([]string, 0, len(resp.Errors))
		for _, e := range resp.Errors {
			if e != nil {
				msgs = append(msgs, e.Message)
			}
		}
		joined := strings.Join(msgs, "; ")
		// A user without memories has no tenant yet.
		if isTenantNotFound(joined) {
			return []models.MemoryRecord{}, nil
		}
		return nil, errors.Errorf("weaviate graphql: %s", joined)
	}
	return parseGetResponse(resp.Data), nil
}

// DeleteUser removes the user's tenant, and with it every vector.
func (w *WeaviateIndex) DeleteUser(ctx context.Context, userID string) error {
	err := w.client.Schema().TenantsDeleter().WithClassName(ClassName).WithTenants(userID).Do(ctx)
	if err != nil && !isTenantNotFound(err.Error()) {
		return errors.Wrap(err, "weaviate delete tenant")
	}
	return nil
}

func isTenantNotFound(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "tenant") && strings.Contains(msg, "not found")
}

func parseGetResponse(data map[string]wm.JSONObject) []models.MemoryRecord {
	out := []models.MemoryRecord{}
	get, ok := data["Get"].(map[string]interface{})
	if !ok {
		return out
	}
	raw, ok := get[ClassName].([]interface{})
	if !ok {
		return out
	}
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		rec := models.MemoryRecord{
			ID:     str(m["recordId"]),
			UserID: str(m["userId"]),
			Text:   str(m["text"]),
			Tone:   str(m["tone"]),
			Topic:  str(m["topic"]),
			Role:   models.Role(str(m["role"])),
			Weight: int(num(m["weight"])),
		}
		if ts, err := time.Parse(time.RFC3339, str(m["timestamp"])); err == nil {
			rec.Timestamp = ts
		}
		if add, ok := m["_additional"].(map[string]interface{}); ok {
			// Cosine distance is in [0,2]; relevance is 1 - distance, floored at 0.
			rec.Score = 1 - num(add["distance"])
			if rec.Score < 0 {
				rec.Score = 0
			}
		}
		out = append(out, rec)
	}
	return out
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}

func num(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case json.Number:
		f, _ := n.Float64()
		return f
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	}
	return 0
}
