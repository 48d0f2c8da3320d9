package service

import (
	"testing"

	"quote_scanner/internal/domain"
)

func TestIndexRegistry(t *testing.T) {
	r := NewIndexRegistry(DefaultIndices())
	if r.Len() != 7 {
		t.Fatalf("Expected 7 default indices, got %d", r.Len())
	}

	if r.Add(domain.IndexInstrument{Key: "OTHER", Ticker: "IMOEX"}) {
		t.Error("duplicate ticker should not be added")
	}
	if !r.Add(domain.IndexInstrument{Key: "BBGNEW", Ticker: "MOEXOG"}) {
		t.Error("new index should be added")
	}
	list := r.List()
	if last := list[len(list)-1]; last.DisplayName != "MOEXOG" {
		t.Errorf("display name should default to ticker, got %q", last.DisplayName)
	}

	if !r.Remove("RTSI") {
		t.Error("existing index should be removed")
	}
	if r.Remove("RTSI") {
		t.Error("removing twice should report false")
	}
	if r.Len() != 7 {
		t.Errorf("Expected 7 indices, got %d", r.Len())
	}
}

func TestUniverse_MergesIndices(t *testing.T) {
	reg := NewIndexRegistry([]domain.IndexInstrument{
		{Key: "IDX1", Ticker: "IMOEX"},
		{Key: "S1", Ticker: "DUP"},
	})
	u := NewUniverse(reg)
	u.SetStatic([]domain.InstrumentMeta{
		{Key: "S1", Ticker: "SBER", Name: "Sberbank", Kind: domain.KindShare},
		{Key: "S1", Ticker: "SBER"},
		{Key: "F1", Ticker: "SiH6", Kind: domain.KindFuture},
	})

	keys := u.Keys()
	want := []domain.InstrumentKey{"S1", "F1", "IDX1"}
	if len(keys) != len(want) {
		t.Fatalf("Keys = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("Keys[%d] = %s, want %s", i, keys[i], want[i])
		}
	}

	m, ok := u.Meta("IDX1")
	if !ok || m.Kind != domain.KindIndex || m.Ticker != "IMOEX" {
		t.Errorf("Meta(IDX1) = %+v %v", m, ok)
	}

	reg.Add(domain.IndexInstrument{Key: "IDX2", Ticker: "RTSI"})
	if len(u.Keys()) != 4 {
		t.Error("indices added later should join the universe")
	}
}
