package app

import (
	"context"
	"testing"

	"github.com/OFFIS-RIT/kgraph/internal/storage"
	"github.com/OFFIS-RIT/kgraph/pkg/kb"
	"github.com/OFFIS-RIT/kgraph/pkg/resolve"
	"github.com/OFFIS-RIT/kgraph/pkg/store"
)

func TestNewGraphStore(t *testing.T) {
	t.Setenv("GRAPH_STORE", "")
	t.Setenv("GRAPH_DIR", t.TempDir())
	s, err := NewGraphStore(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*store.FileStore); !ok {
		t.Fatalf("expected file store by default, got %T", s)
	}

	t.Setenv("GRAPH_STORE", "s3")
	t.Setenv("AWS_BUCKET", "")
	if _, err := NewGraphStore(context.Background()); err == nil {
		t.Error("expected error without bucket")
	}

	t.Setenv("AWS_BUCKET", "graphs")
	t.Setenv("AWS_REGION", "us-east-1")
	t.Setenv("AWS_ENDPOINT", "http://localhost:9000")
	t.Setenv("AWS_ACCESS_KEY", "key")
	t.Setenv("AWS_SECRET_KEY", "secret")
	s, err = NewGraphStore(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*storage.S3GraphStore); !ok {
		t.Fatalf("expected s3 store, got %T", s)
	}

	t.Setenv("GRAPH_STORE", "redis")
	if _, err := NewGraphStore(context.Background()); err == nil {
		t.Error("expected error for unknown store")
	}
}

func TestNewLocker(t *testing.T) {
	t.Setenv("GRAPH_LOCK", "")
	l, err := NewLocker(nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := l.(*kb.LocalLocker); !ok {
		t.Fatalf("expected local locker, got %T", l)
	}

	t.Setenv("GRAPH_LOCK", "lease")
	if _, err := NewLocker(nil); err == nil {
		t.Error("expected lease locker to require a pool")
	}
}

func TestNewResolver(t *testing.T) {
	tests := []struct {
		env     string
		want    any
		wantErr bool
	}{
		{"", resolve.Exact{}, false},
		{"none", resolve.Noop{}, false},
		{"llm", &resolve.LLM{}, false},
		{"fuzzy", nil, true},
	}
	for _, tt := range tests {
		t.Setenv("RESOLVER", tt.env)
		r, err := NewResolver(nil)
		if (err != nil) != tt.wantErr {
			t.Fatalf("RESOLVER=%q: unexpected error %v", tt.env, err)
		}
		if tt.wantErr {
			continue
		}
		switch tt.want.(type) {
		case resolve.Exact:
			if _, ok := r.(resolve.Exact); !ok {
				t.Errorf("RESOLVER=%q: got %T", tt.env, r)
			}
		case resolve.Noop:
			if _, ok := r.(resolve.Noop); !ok {
				t.Errorf("RESOLVER=%q: got %T", tt.env, r)
			}
		case *resolve.LLM:
			if _, ok := r.(*resolve.LLM); !ok {
				t.Errorf("RESOLVER=%q: got %T", tt.env, r)
			}
		}
	}
}

func TestNewAIClient_UnknownAdapter(t *testing.T) {
	t.Setenv("AI_ADAPTER", "bard")
	if _, err := NewAIClient(); err == nil {
		t.Fatal("expected error for unknown adapter")
	}
}

func TestClientFactory(t *testing.T) {
	t.Setenv("AI_CHAT_KEY", "")
	t.Setenv("AI_EMBED_KEY", "")
	factory := ClientFactory()

	if _, err := factory(kb.LLMConfig{Model: "qwen"}); err == nil {
		t.Error("expected error without any api key")
	}
	c, err := factory(kb.LLMConfig{Model: "qwen", BaseURL: "http://llm:8000/v1", APIKey: "k"})
	if err != nil {
		t.Fatal(err)
	}
	if c == nil {
		t.Fatal("expected a client")
	}
}
