package services

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"pdf-vector-ingest/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var testIndex = models.VectorIndexConfig{Name: "vector_index", Field: "embedding", Dimension: 4, Similarity: models.SimilarityCosine}

func TestVectorIndexDefinition(t *testing.T) {
	def := vectorIndexDefinition(models.VectorIndexConfig{Name: "idx", Field: "embedding", Dimension: 1024, Similarity: models.SimilarityDotProduct})

	raw, err := bson.Marshal(def)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got struct {
		Fields []struct {
			Type          string `bson:"type"`
			Path          string `bson:"path"`
			NumDimensions int    `bson:"numDimensions"`
			Similarity    string `bson:"similarity"`
		} `bson:"fields"`
	}
	if err := bson.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got.Fields) != 1 {
		t.Fatalf("got %d fields", len(got.Fields))
	}
	f := got.Fields[0]
	if f.Type != "vector" || f.Path != "embedding" || f.NumDimensions != 1024 || f.Similarity != "dotProduct" {
		t.Errorf("unexpected field definition %+v", f)
	}
}

func TestVectorSearchPipeline(t *testing.T) {
	vec := []float32{0.1, 0.2, 0.3, 0.4}
	pipeline := vectorSearchPipeline(testIndex, vec, 3, 10)
	if len(pipeline) != 3 {
		t.Fatalf("pipeline has %d stages", len(pipeline))
	}

	stage := pipeline[0]
	if stage[0].Key != "$vectorSearch" {
		t.Fatalf("first stage is %s", stage[0].Key)
	}
	body := stage[0].Value.(bson.D).Map()
	if body["index"] != "vector_index" || body["path"] != "embedding" {
		t.Errorf("unexpected target %v", body)
	}
	if body["numCandidates"] != 30 || body["limit"] != 3 {
		t.Errorf("numCandidates/limit = %v/%v, want 30/3", body["numCandidates"], body["limit"])
	}

	project := pipeline[2][0]
	if project.Key != "$project" || project.Value.(bson.D)[0].Key != "embedding" {
		t.Errorf("embedding not projected away: %v", project)
	}
}

func TestNumCandidates(t *testing.T) {
	tests := []struct{ k, factor, want int }{
		{3, 10, 30},
		{5, 1, 5},
		{4, 0, 4},
	}
	for _, tt := range tests {
		if got := numCandidates(tt.k, tt.factor); got != tt.want {
			t.Errorf("numCandidates(%d, %d) = %d, want %d", tt.k, tt.factor, got, tt.want)
		}
	}
}

func TestDocumentBSONUsesConfiguredField(t *testing.T) {
	doc := &models.StoredDocument{
		ChunkID:   "c1",
		Text:      "hello",
		Embedding: []float32{1, 2},
		Metadata: models.DocumentMetadata{
			ChunkMetadata: models.ChunkMetadata{
				PageMetadata: models.PageMetadata{Source: "D01.pdf", Page: 2},
				StartIndex:   models.IntPtr(40),
			},
			RunID: "run-1",
		},
	}
	raw, err := bson.Marshal(documentBSON(doc, "vec"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	stored := bson.Raw(raw)
	if _, err := stored.LookupErr("vec"); err != nil {
		t.Errorf("embedding not stored under configured field: %v", stored)
	}
	if _, err := stored.LookupErr("embedding"); err == nil {
		t.Errorf("embedding also stored under default field")
	}
	if got := stored.Lookup("metadata", "source").StringValue(); got != "D01.pdf" {
		t.Errorf("metadata.source = %q", got)
	}
	if got := stored.Lookup("metadata", "page").AsInt64(); got != 2 {
		t.Errorf("metadata.page = %d", got)
	}
	if got := stored.Lookup("metadata", "start_index").AsInt64(); got != 40 {
		t.Errorf("metadata.start_index = %d", got)
	}
	if got := stored.Lookup("metadata", "run_id").StringValue(); got != "run-1" {
		t.Errorf("metadata.run_id = %q", got)
	}
}

func TestSearchIndexInfo(t *testing.T) {
	info := searchIndexInfo(bson.M{"name": "vector_index", "type": "vectorSearch", "status": "READY", "queryable": true})
	want := models.IndexInfo{Name: "vector_index", Type: "vectorSearch", Status: "READY", Queryable: true}
	if info != want {
		t.Errorf("searchIndexInfo = %+v, want %+v", info, want)
	}
	if info := searchIndexInfo(bson.M{"name": "legacy"}); info.Type != "search" || info.Queryable {
		t.Errorf("defaults not applied: %+v", info)
	}
}

func TestNewAtlasVectorStoreRejectsBadIndex(t *testing.T) {
	if _, err := NewAtlasVectorStore(nil, VectorStoreConfig{Index: models.VectorIndexConfig{Name: "x", Field: "embedding"}}, nil); err == nil {
		t.Error("expected error for zero dimension")
	}
}

// atlasCollection connects to the Atlas cluster named by MONGO_URI. Vector
// search needs Atlas (or a local Atlas deployment), so the test is skipped
// otherwise.
func atlasCollection(t *testing.T) *mongo.Collection {
	t.Helper()
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		t.Skip("MONGO_URI not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { client.Disconnect(context.Background()) })
	return client.Database("pdf_vector_ingest_test").Collection("chunks_" + time.Now().Format("150405"))
}

func TestAtlasVectorStoreRoundTrip(t *testing.T) {
	collection := atlasCollection(t)
	ctx := context.Background()
	t.Cleanup(func() { collection.Drop(context.Background()) })

	store, err := NewAtlasVectorStore(collection, VectorStoreConfig{
		Index:        testIndex,
		ReadyTimeout: 3 * time.Minute,
		SettleDelay:  5 * time.Second,
	}, nil)
	if err != nil {
		t.Fatalf("NewAtlasVectorStore: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := store.Reset(ctx, true); err != nil {
			t.Fatalf("Reset #%d: %v", i+1, err)
		}
	}
	if n, _ := store.Count(ctx); n != 0 {
		t.Fatalf("count after reset = %d", n)
	}

	doc := &models.StoredDocument{
		Text:      "platform economy",
		Embedding: []float32{0.9, 0.1, 0, 0},
		Metadata:  models.DocumentMetadata{ChunkMetadata: models.ChunkMetadata{PageMetadata: models.PageMetadata{Source: "D01.pdf", Page: 0}}, RunID: "r1"},
	}
	if err := store.Insert(ctx, doc); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := store.Insert(ctx, &models.StoredDocument{Text: "bad", Embedding: []float32{1}}); !errors.Is(err, models.ErrDimensionMismatch) {
		t.Fatalf("Insert with wrong dimension: %v", err)
	}

	if err := store.CreateIndex(ctx, testIndex); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}

	results, err := store.Search(ctx, []float32{0.9, 0.1, 0, 0}, 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Document.Text != "platform economy" {
		t.Fatalf("unexpected results %+v", results)
	}
	if results[0].Document.Metadata.Source != "D01.pdf" {
		t.Errorf("metadata lost: %+v", results[0].Document.Metadata)
	}

	if n, err := store.ResetRun(ctx, "r1"); err != nil || n != 1 {
		t.Errorf("ResetRun = %d, %v", n, err)
	}
}

func TestAtlasVectorStoreDeduplicates(t *testing.T) {
	collection := atlasCollection(t)
	ctx := context.Background()
	t.Cleanup(func() { collection.Drop(context.Background()) })

	store, err := NewAtlasVectorStore(collection, VectorStoreConfig{Index: testIndex, Deduplicate: true}, nil)
	if err != nil {
		t.Fatalf("NewAtlasVectorStore: %v", err)
	}

	newDoc := func() *models.StoredDocument {
		return &models.StoredDocument{
			Text:      "platform economy",
			Embedding: []float32{0.9, 0.1, 0, 0},
			Metadata:  models.DocumentMetadata{ChunkMetadata: models.ChunkMetadata{PageMetadata: models.PageMetadata{Source: "D01.pdf", Page: 0}}},
		}
	}
	for i, want := range []int64{1, 0} {
		n, err := store.insert(ctx, newDoc())
		if err != nil {
			t.Fatalf("insert #%d: %v", i+1, err)
		}
		if n != want {
			t.Errorf("insert #%d stored %d documents, want %d", i+1, n, want)
		}
	}
	if n, err := store.Count(ctx); err != nil || n != 1 {
		t.Errorf("Count = %d, %v, want 1", n, err)
	}
}
