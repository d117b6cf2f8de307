package loom

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestMemStorageRoundTrip(t *testing.T) {
	s := NewMemStorage()
	ctx := context.Background()

	if err := s.Set(ctx, "k1", json.RawMessage(`{"a":1}`)); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, "k1")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `{"a":1}` {
		t.Errorf("got %s", got)
	}

	ok, err := s.Has(ctx, "k1")
	if err != nil || !ok {
		t.Errorf("Has(k1) = %v, %v, want true", ok, err)
	}

	if err := s.Delete(ctx, "k1"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.Has(ctx, "k1"); ok {
		t.Error("deleted key still present")
	}
}

func TestMemStorageMissingKey(t *testing.T) {
	s := NewMemStorage()
	_, err := s.Get(context.Background(), "ghost")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("got %v, want ValidationError", err)
	}
}

func TestMemStorageRejectsEmptyKey(t *testing.T) {
	s := NewMemStorage()
	if err := s.Set(context.Background(), "", json.RawMessage(`1`)); err == nil {
		t.Error("empty key accepted")
	}
}

func TestMemStorageKeysPrefix(t *testing.T) {
	s := NewMemStorage()
	ctx := context.Background()
	for _, k := range []string{"session:s1:b", "session:s1:a", "session:s2:a", "other"} {
		if err := s.Set(ctx, k, json.RawMessage(`1`)); err != nil {
			t.Fatal(err)
		}
	}

	keys, err := s.Keys(ctx, "session:s1:")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 || keys[0] != "session:s1:a" || keys[1] != "session:s1:b" {
		t.Errorf("got %v, want the prefixed keys sorted", keys)
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if keys, _ := s.Keys(ctx, ""); len(keys) != 0 {
		t.Error("keys survived Clear")
	}
}

func TestMemStorageCopiesValues(t *testing.T) {
	s := NewMemStorage()
	ctx := context.Background()

	val := json.RawMessage(`{"a":1}`)
	if err := s.Set(ctx, "k", val); err != nil {
		t.Fatal(err)
	}
	val[2] = 'b'

	got, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `{"a":1}` {
		t.Error("stored value aliases the caller's buffer")
	}

	got[2] = 'c'
	again, _ := s.Get(ctx, "k")
	if string(again) != `{"a":1}` {
		t.Error("loaded value aliases store state")
	}
}
