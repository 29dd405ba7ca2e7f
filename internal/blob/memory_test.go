package blob

import (
	"context"
	"testing"
)

func TestMemoryStore_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	if err := m.Put(ctx, "a/b", []byte("hello"), "text/plain"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	obj, err := m.Get(ctx, "a/b")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if obj == nil || string(obj.Body) != "hello" || obj.ContentType != "text/plain" {
		t.Fatalf("unexpected object: %+v", obj)
	}

	// Overwrite wins.
	if err := m.Put(ctx, "a/b", []byte("bye"), "text/plain"); err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}
	obj, _ = m.Get(ctx, "a/b")
	if string(obj.Body) != "bye" {
		t.Fatalf("overwrite not applied: %q", obj.Body)
	}

	if err := m.Delete(ctx, "a/b"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	obj, err = m.Get(ctx, "a/b")
	if err != nil || obj != nil {
		t.Fatalf("missing key should be nil, nil; got %v, %v", obj, err)
	}

	// Idempotent delete.
	if err := m.Delete(ctx, "a/b"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
}

func TestMemoryStore_List(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	for _, k := range []string{"p/c", "p/a", "p/b", "q/x"} {
		if err := m.Put(ctx, k, []byte("v"), ""); err != nil {
			t.Fatal(err)
		}
	}

	res, err := m.List(ctx, "p/", "", 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(res.Objects) != 2 || res.Objects[0].Key != "p/a" || res.Objects[1].Key != "p/b" {
		t.Fatalf("unexpected page: %+v", res.Objects)
	}
	if !res.IsTruncated || res.NextStartAfter != "p/b" {
		t.Fatalf("expected truncation after p/b: %+v", res)
	}

	res, err = m.List(ctx, "p/", res.NextStartAfter, 2)
	if err != nil {
		t.Fatalf("List page 2: %v", err)
	}
	if len(res.Objects) != 1 || res.Objects[0].Key != "p/c" || res.IsTruncated {
		t.Fatalf("unexpected final page: %+v", res)
	}
}
