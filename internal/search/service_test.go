package search

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"funnelsync/api/internal/content"
	"funnelsync/api/internal/store"

	meili "github.com/meilisearch/meilisearch-go"
)

type fakeFieldSearcher struct {
	fields []store.Field
	err    error
	limit  int
}

func (f *fakeFieldSearcher) SearchFields(_ context.Context, _ string, _ string, limit int) ([]store.Field, error) {
	f.limit = limit
	return f.fields, f.err
}

func TestSearchFallsBackToStore(t *testing.T) {
	fallback := &fakeFieldSearcher{fields: []store.Field{
		{ProjectID: "p", SectionID: "offer", FieldID: "tier1Promise", Value: content.String("Lose 10lbs"), Version: 2},
		{ProjectID: "p", SectionID: "ads", FieldID: "headlines", Value: content.List(content.String("Lose weight"), content.String("Now")), Version: 1},
	}}
	svc := NewService(nil, fallback)

	resp := svc.Search(context.Background(), Query{ProjectID: "p", Text: "lose", Limit: 5})
	if resp.Total != 2 || resp.Query != "lose" || fallback.limit != 5 {
		t.Fatalf("unexpected response %+v (limit %d)", resp, fallback.limit)
	}
	if resp.Results[1].Snippet != "Lose weight\nNow" {
		t.Fatalf("snippet = %q", resp.Results[1].Snippet)
	}

	resp = svc.Search(context.Background(), Query{ProjectID: "p", Text: "lose", SectionID: "offer"})
	if len(resp.Results) != 1 || resp.Results[0].FieldID != "tier1Promise" || resp.Results[0].Version != 2 {
		t.Fatalf("section filter ignored: %+v", resp.Results)
	}
}

func TestSearchFallbackErrorIsEmpty(t *testing.T) {
	svc := NewService(nil, &fakeFieldSearcher{err: errors.New("db down")})
	resp := svc.Search(context.Background(), Query{ProjectID: "p", Text: "x"})
	if resp.Results == nil || len(resp.Results) != 0 {
		t.Fatalf("expected empty results, got %+v", resp)
	}
}

func TestIndexFieldsWithoutMeiliIsNoop(t *testing.T) {
	svc := NewService(nil, nil)
	svc.IndexFields("p", "offer", []store.Field{{FieldID: "x"}})
	if err := svc.Reindex([]store.Field{{FieldID: "x"}}); err != nil {
		t.Fatal(err)
	}
}

func TestToRecordsBuildsValidIDs(t *testing.T) {
	records := ToRecords([]store.Field{{
		ProjectID: "6f1c2a1e-7d1b-4c4e-9a53-0c8f1b2d9e11",
		SectionID: "offer",
		FieldID:   "offer.bonuses",
		Value:     content.String("Cookbook"),
		Version:   3,
	}})
	if len(records) != 1 {
		t.Fatalf("records = %+v", records)
	}
	got := records[0]
	if got.ID != "6f1c2a1e-7d1b-4c4e-9a53-0c8f1b2d9e11_offer_offer-bonuses" || got.Text != "Cookbook" || got.Version != 3 {
		t.Fatalf("unexpected record %+v", got)
	}
}

func TestHitToResultPrefersHighlight(t *testing.T) {
	hit := meili.Hit{
		"projectId":  json.RawMessage(`"p"`),
		"sectionId":  json.RawMessage(`"offer"`),
		"fieldId":    json.RawMessage(`"tier1Promise"`),
		"text":       json.RawMessage(`"Lose 10lbs"`),
		"version":    json.RawMessage(`4`),
		"_formatted": json.RawMessage(`{"text":"<mark>Lose</mark> 10lbs","version":"4"}`),
	}
	got := hitToResult(hit)
	if got.Snippet != "<mark>Lose</mark> 10lbs" || got.Version != 4 || got.FieldID != "tier1Promise" {
		t.Fatalf("hitToResult() = %+v", got)
	}
}

func TestSnippetTruncates(t *testing.T) {
	if got := snippet(strings.Repeat("a", 10), 4); got != "aaaa…" {
		t.Fatalf("snippet() = %q", got)
	}
}
