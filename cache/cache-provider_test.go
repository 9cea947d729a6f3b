package cache

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func providers(t *testing.T) map[string]Store {
	sqliteMem, err := NewSQLiteStore("memory")
	if err != nil {
		t.Fatal(err)
	}
	sqliteFile, err := NewSQLiteStore(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		sqliteMem.Close()
		sqliteFile.Close()
	})
	return map[string]Store{
		"memory":        NewMemStore(),
		"sqlite memory": sqliteMem,
		"sqlite file":   sqliteFile,
	}
}

func TestPutGet(t *testing.T) {
	ctx := context.Background()
	for name, store := range providers(t) {
		t.Run(name, func(t *testing.T) {
			p, err := store.Open(ctx, "static-v1")
			if err != nil {
				t.Fatal(err)
			}
			storedAt := time.UnixMilli(1700000000123)
			if err := p.Put(ctx, Entry{Key: "GET /app.js", StoredAt: storedAt, Bytes: []byte("one")}); err != nil {
				t.Fatal(err)
			}
			entry, ok, err := p.Get(ctx, "GET /app.js")
			if err != nil || !ok {
				t.Fatalf("Entry not found: %v", err)
			}
			if string(entry.Bytes) != "one" || !entry.StoredAt.Equal(storedAt) {
				t.Fatalf("Entry is %s stored at %s", entry.Bytes, entry.StoredAt)
			}
			// last write wins
			p.Put(ctx, Entry{Key: "GET /app.js", StoredAt: storedAt, Bytes: []byte("two")})
			entry, _, _ = p.Get(ctx, "GET /app.js")
			if string(entry.Bytes) != "two" {
				t.Fatalf("Entry is %s", entry.Bytes)
			}
			if _, ok, err := p.Get(ctx, "GET /missing"); ok || err != nil {
				t.Fatalf("Missing entry found: %v", err)
			}
		})
	}
}

func TestPartitionsAreIndependent(t *testing.T) {
	ctx := context.Background()
	for name, store := range providers(t) {
		t.Run(name, func(t *testing.T) {
			a, _ := store.Open(ctx, "static-v1")
			b, _ := store.Open(ctx, "static-v2")
			a.Put(ctx, Entry{Key: "k", Bytes: []byte("a")})
			if _, ok, _ := b.Get(ctx, "k"); ok {
				t.Fatal("Entry leaked into other partition")
			}
			if count, _ := b.Count(ctx); count != 0 {
				t.Fatalf("Count is %d", count)
			}
		})
	}
}

func TestNamesAndDelete(t *testing.T) {
	ctx := context.Background()
	for name, store := range providers(t) {
		t.Run(name, func(t *testing.T) {
			for _, n := range []string{"static-v1", "dynamic-v1", "quiz-v1"} {
				p, _ := store.Open(ctx, n)
				p.Put(ctx, Entry{Key: "k", Bytes: []byte(n)})
			}
			names, err := store.Names(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if fmt.Sprint(names) != "[dynamic-v1 quiz-v1 static-v1]" {
				t.Fatalf("Names are %v", names)
			}
			deleted, err := store.Delete(ctx, "static-v1")
			if err != nil || !deleted {
				t.Fatalf("Partition not deleted: %v", err)
			}
			if has, _ := store.Has(ctx, "static-v1"); has {
				t.Fatal("Deleted partition still exists")
			}
			if deleted, _ := store.Delete(ctx, "static-v1"); deleted {
				t.Fatal("Partition deleted twice")
			}
			// reopening gives an empty partition
			p, _ := store.Open(ctx, "static-v1")
			if count, _ := p.Count(ctx); count != 0 {
				t.Fatalf("Count is %d", count)
			}
		})
	}
}

func TestKeysAndEntryDelete(t *testing.T) {
	ctx := context.Background()
	for name, store := range providers(t) {
		t.Run(name, func(t *testing.T) {
			p, _ := store.Open(ctx, "dynamic-v1")
			p.Put(ctx, Entry{Key: "b"})
			p.Put(ctx, Entry{Key: "a"})
			p.Put(ctx, Entry{Key: "c"})
			p.Delete(ctx, "c")
			// the callback may use the store
			keys := make([]string, 0)
			err := p.Keys(ctx, func(key string) {
				p.Get(ctx, key)
				keys = append(keys, key)
			})
			if err != nil {
				t.Fatal(err)
			}
			if fmt.Sprint(keys) != "[a b]" {
				t.Fatalf("Keys are %v", keys)
			}
		})
	}
}

func TestConcurrentPuts(t *testing.T) {
	ctx := context.Background()
	for name, store := range providers(t) {
		t.Run(name, func(t *testing.T) {
			p, _ := store.Open(ctx, "quiz-v1")
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					if err := p.Put(ctx, Entry{Key: fmt.Sprintf("k%d", i)}); err != nil {
						t.Error(err)
					}
				}(i)
			}
			wg.Wait()
			if count, _ := p.Count(ctx); count != 20 {
				t.Fatalf("Count is %d", count)
			}
		})
	}
}
