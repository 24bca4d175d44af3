package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/OFFIS-RIT/kgraph/pkg/graph"
	"github.com/OFFIS-RIT/kgraph/pkg/store"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type fakeObjects struct {
	objects map[string][]byte
	types   map[string]string
	putErr  error
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeObjects) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeObjects) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	k := *in.Bucket + "/" + *in.Key
	f.objects[k] = data
	f.types[k] = *in.ContentType
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeObjects) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, *in.Bucket+"/"+*in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func sampleGraph() *graph.Graph {
	return graph.BuildSubgraph([]graph.Triple{{
		StartNode: graph.TripleNode{Label: graph.LabelEntity, Properties: graph.Properties{Name: "布达拉宫", FileNames: []string{"a.txt"}}},
		Relation:  "位于",
		EndNode:   graph.TripleNode{Label: graph.LabelEntity, Properties: graph.Properties{Name: "拉萨", FileNames: []string{"a.txt"}}},
	}})
}

func TestS3GraphStore_RoundTrip(t *testing.T) {
	objs := newFakeObjects()
	s := NewS3GraphStore(objs, "bucket", "")
	ref := store.KBRef{UserID: "u1", KBName: "kb"}
	ctx := context.Background()

	if err := s.Save(ctx, ref, sampleGraph()); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if _, ok := objs.objects["bucket/graphs/u1/kb.json"]; !ok {
		t.Fatalf("expected object at graphs/u1/kb.json, got %v", objs.objects)
	}
	if ct := objs.types["bucket/graphs/u1/kb.json"]; ct != "application/json" {
		t.Errorf("unexpected content type %q", ct)
	}

	g, err := s.Load(ctx, ref)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if g.Len() != 2 || g.EdgeCount() != 1 {
		t.Errorf("expected 2 nodes and 1 edge, got %d and %d", g.Len(), g.EdgeCount())
	}
}

func TestS3GraphStore_MissingAndDelete(t *testing.T) {
	s := NewS3GraphStore(newFakeObjects(), "bucket", "/custom/")
	ref := store.KBRef{UserID: "u1", KBName: "kb"}
	ctx := context.Background()

	if _, err := s.Load(ctx, ref); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected store.ErrNotFound, got %v", err)
	}
	if err := s.Save(ctx, ref, sampleGraph()); err != nil {
		t.Fatal(err)
	}
	if got := s.key(ref); got != "custom/u1/kb.json" {
		t.Errorf("unexpected key %q", got)
	}
	if err := s.Delete(ctx, ref); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, ref); err != nil {
		t.Errorf("expected idempotent delete, got %v", err)
	}
	if _, err := s.Load(ctx, ref); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected graph gone, got %v", err)
	}
}

func TestS3GraphStore_SaveError(t *testing.T) {
	objs := newFakeObjects()
	objs.putErr = errors.New("boom")
	s := NewS3GraphStore(objs, "bucket", "")

	err := s.Save(context.Background(), store.KBRef{UserID: "u", KBName: "k"}, sampleGraph())
	if err == nil || !errors.Is(err, objs.putErr) {
		t.Fatalf("expected wrapped put error, got %v", err)
	}
}

func TestS3GraphStore_RejectsInvalidRef(t *testing.T) {
	s := NewS3GraphStore(newFakeObjects(), "bucket", "")
	if _, err := s.Load(context.Background(), store.KBRef{UserID: "..", KBName: "k"}); err == nil {
		t.Fatal("expected invalid ref error")
	}
}
