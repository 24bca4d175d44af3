package resolve

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/OFFIS-RIT/kgraph/pkg/ai"
	"github.com/OFFIS-RIT/kgraph/pkg/graph"
)

type fakeDedupe struct {
	calls   int
	prompts []string
	resp    ai.DuplicatesResponse
	err     error
}

func (f *fakeDedupe) GenerateCompletionWithFormat(
	ctx context.Context,
	name string,
	description string,
	prompt string,
	out any,
	opts ...ai.GenerateOption,
) error {
	f.calls++
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return f.err
	}
	*out.(*ai.DuplicatesResponse) = f.resp
	return nil
}

func entityGraph(nodes ...[2]string) *graph.Graph {
	var triples []graph.Triple
	hub := graph.TripleNode{Label: graph.LabelEntity, Properties: graph.Properties{Name: "hub", SchemaType: "hub"}}
	for _, n := range nodes {
		triples = append(triples, graph.Triple{
			StartNode: graph.TripleNode{Label: graph.LabelEntity, Properties: graph.Properties{Name: n[0], SchemaType: n[1]}},
			Relation:  "related_to",
			EndNode:   hub,
		})
	}
	return graph.BuildSubgraph(triples)
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		a, b string
		same bool
	}{
		{"藏戏面具", "藏戏 面具", true},
		{"\"ACME Corp\"", "acme corp", true},
		{"《藏戏面具》", "藏戏面具", true},
		{"（布达拉宫）", "布达拉宫", true},
		{"C++", "C", false},
		{"C#", "C", false},
		{"C++", "C#", false},
		{"ＡＢＣ", "abc", true},
		{"拉萨", "拉萨河", false},
		{"EWE", "EWE AG", false},
	}
	for _, tt := range tests {
		got := Normalize(tt.a) == Normalize(tt.b)
		if got != tt.same {
			t.Errorf("Normalize(%q)==Normalize(%q): got %v, want %v", tt.a, tt.b, got, tt.same)
		}
	}
}

func TestExact_MatchesNormalizedNameAndType(t *testing.T) {
	existing := entityGraph([2]string{"藏戏面具", "手工艺品"}, [2]string{"Lhasa", "city"})
	incoming := entityGraph(
		[2]string{"藏戏 面具", "手工艺品"},
		[2]string{"lhasa", "river"},
		[2]string{"Lhasa", "city"},
	)

	mapping, err := Exact{}.Resolve(context.Background(), existing, incoming)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mapping["藏戏 面具"] != "藏戏面具" {
		t.Errorf("expected whitespace variant to map to existing name, got %v", mapping)
	}
	if _, ok := mapping["lhasa"]; ok {
		t.Errorf("different schema types must not be merged: %v", mapping)
	}
	if _, ok := mapping["Lhasa"]; ok {
		t.Errorf("identical names need no mapping: %v", mapping)
	}
}

func TestExact_KeepsPunctuationDistinctNames(t *testing.T) {
	existing := entityGraph([2]string{"C", "language"}, [2]string{"布达拉宫", "建筑"})
	incoming := entityGraph(
		[2]string{"C++", "language"},
		[2]string{"C#", "language"},
		[2]string{"《布达拉宫》", "建筑"},
	)

	mapping, err := Exact{}.Resolve(context.Background(), existing, incoming)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, name := range []string{"C++", "C#"} {
		if to, ok := mapping[name]; ok {
			t.Errorf("expected %q to stay distinct, mapped to %q", name, to)
		}
	}
	if mapping["《布达拉宫》"] != "布达拉宫" {
		t.Errorf("expected quoted name to map to existing name, got %v", mapping)
	}
}

func TestNoop(t *testing.T) {
	mapping, err := Noop{}.Resolve(context.Background(), entityGraph([2]string{"a", "x"}), entityGraph([2]string{"A", "x"}))
	if err != nil || len(mapping) != 0 {
		t.Fatalf("expected empty mapping, got %v, %v", mapping, err)
	}
}

func TestLLM_MapsGroupOntoExistingName(t *testing.T) {
	existing := entityGraph([2]string{"Microsoft Corporation", "org"})
	incoming := entityGraph([2]string{"Microsoft", "org"}, [2]string{"Contoso", "org"})

	fake := &fakeDedupe{resp: ai.DuplicatesResponse{Duplicates: []ai.DuplicateGroup{{
		Name:     "Microsoft Corporation",
		Entities: []string{"Microsoft", "Microsoft Corporation"},
	}}}}

	mapping, err := NewLLM(fake, 1).Resolve(context.Background(), existing, incoming)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fake.calls != 1 {
		t.Fatalf("expected one model call, got %d", fake.calls)
	}
	if !strings.Contains(fake.prompts[0], "Name: Microsoft Corporation, Type: org, Origin: existing") {
		t.Errorf("expected existing candidate in prompt, got %s", fake.prompts[0])
	}
	if mapping["Microsoft"] != "Microsoft Corporation" {
		t.Errorf("expected Microsoft to map onto existing name, got %v", mapping)
	}
	if _, ok := mapping["Contoso"]; ok {
		t.Errorf("unexpected mapping for Contoso: %v", mapping)
	}
}

func TestLLM_IgnoresGroupsAcrossTypes(t *testing.T) {
	existing := entityGraph([2]string{"Amazon", "river"})
	incoming := entityGraph([2]string{"Amazon Web Services", "org"})

	fake := &fakeDedupe{resp: ai.DuplicatesResponse{Duplicates: []ai.DuplicateGroup{{
		Name:     "Amazon",
		Entities: []string{"Amazon", "Amazon Web Services"},
	}}}}

	mapping, err := NewLLM(fake, 1).Resolve(context.Background(), existing, incoming)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fake.calls != 0 {
		t.Errorf("candidates of another type should not be sent, got %d calls", fake.calls)
	}
	if len(mapping) != 0 {
		t.Errorf("expected no mapping, got %v", mapping)
	}
}

func TestLLM_FallsBackToExactOnError(t *testing.T) {
	existing := entityGraph([2]string{"藏戏面具", "手工艺品"}, [2]string{"布达拉宫", "建筑"})
	incoming := entityGraph([2]string{"藏戏 面具", "手工艺品"}, [2]string{"布达拉", "建筑"})

	fake := &fakeDedupe{err: errors.New("boom")}
	mapping, err := NewLLM(fake, 2).Resolve(context.Background(), existing, incoming)
	if err != nil {
		t.Fatalf("model failure must not fail resolution: %v", err)
	}
	if fake.calls != 2 {
		t.Errorf("expected the call to be retried once, got %d calls", fake.calls)
	}
	if mapping["藏戏 面具"] != "藏戏面具" {
		t.Errorf("expected exact match to survive, got %v", mapping)
	}
	if _, ok := mapping["布达拉"]; ok {
		t.Errorf("unexpected mapping from failed call: %v", mapping)
	}
}

func TestTokens(t *testing.T) {
	got := tokens("Potala Palace 布达拉宫")
	want := []string{"potala", "palace", "布达", "达拉", "拉宫"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("got %v, want %v", got, want)
	}
}
