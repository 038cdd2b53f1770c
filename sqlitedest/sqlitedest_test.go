package sqlitedest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"oplogmirror/engine"
	"oplogmirror/feed"
	"oplogmirror/oplog"
)

func setupTestDest(t *testing.T) *Dest {
	t.Helper()

	d, err := Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	if err := d.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}
	return d
}

func countDocs(t *testing.T, d *Dest, ns string) int {
	t.Helper()
	var n int
	err := d.db.QueryRow(`SELECT COUNT(*) FROM mirror_documents WHERE ns = ?`, ns).Scan(&n)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	return n
}

func getDoc(t *testing.T, d *Dest, ns, id string) (oplog.Document, bool) {
	t.Helper()
	matches, err := d.findMatches(context.Background(), ns, oplog.Document{"_id": id})
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	doc, ok := matches[id]
	return doc, ok
}

func TestInsertDeleteSequence(t *testing.T) {
	d := setupTestDest(t)
	ctx := context.Background()
	ns := "app.items"

	for i := 1; i <= 3; i++ {
		doc := oplog.Document{"_id": fmt.Sprintf("%d", i), "nr": int64(i)}
		if err := d.ApplyInsert(ctx, ns, doc); err != nil {
			t.Fatalf("insert %d failed: %v", i, err)
		}
	}
	if err := d.ApplyDelete(ctx, ns, oplog.Document{"_id": "3"}); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := d.ApplyInsert(ctx, ns, oplog.Document{"_id": "4", "nr": int64(4)}); err != nil {
		t.Fatalf("insert 4 failed: %v", err)
	}

	if got := countDocs(t, d, ns); got != 3 {
		t.Errorf("destination has %d documents, want 3", got)
	}
	for _, id := range []string{"1", "2", "4"} {
		if _, ok := getDoc(t, d, ns, id); !ok {
			t.Errorf("document %s missing", id)
		}
	}
	if _, ok := getDoc(t, d, ns, "3"); ok {
		t.Error("deleted document 3 still present")
	}
}

func TestDuplicateInsertKeepsFirst(t *testing.T) {
	d := setupTestDest(t)
	ctx := context.Background()
	ns := "app.items"

	if err := d.ApplyInsert(ctx, ns, oplog.Document{"_id": "1", "nr": int64(1)}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := d.ApplyInsert(ctx, ns, oplog.Document{"_id": "1", "nr": int64(999)}); err != nil {
		t.Fatalf("duplicate insert failed: %v", err)
	}

	doc, ok := getDoc(t, d, ns, "1")
	if !ok {
		t.Fatal("document missing")
	}
	if !doc.Matches(oplog.Document{"nr": int64(1)}) {
		t.Errorf("duplicate insert overwrote document: %v", doc)
	}
	if got := countDocs(t, d, ns); got != 1 {
		t.Errorf("destination has %d documents, want 1", got)
	}
}

func TestUpdateByID(t *testing.T) {
	d := setupTestDest(t)
	ctx := context.Background()
	ns := "app.items"

	if err := d.ApplyInsert(ctx, ns, oplog.Document{"_id": "1", "nr": int64(1)}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	err := d.ApplyUpdate(ctx, ns, oplog.Document{"_id": "1"}, oplog.Document{"$set": map[string]any{"nr": int64(97)}})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}

	doc, _ := getDoc(t, d, ns, "1")
	if !doc.Matches(oplog.Document{"nr": int64(97)}) {
		t.Errorf("nr not updated: %v", doc)
	}
}

func TestUpdateChangingIDMovesDocument(t *testing.T) {
	d := setupTestDest(t)
	ctx := context.Background()
	ns := "app.items"

	if err := d.ApplyInsert(ctx, ns, oplog.Document{"_id": "1", "nr": int64(1)}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	err := d.ApplyUpdate(ctx, ns, oplog.Document{"_id": "1"},
		oplog.Document{"$set": map[string]any{"_id": "2", "nr": int64(2)}})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}

	if _, ok := getDoc(t, d, ns, "1"); ok {
		t.Error("document still stored under the old id")
	}
	doc, ok := getDoc(t, d, ns, "2")
	if !ok {
		t.Fatal("document missing under the new id")
	}
	if !doc.Matches(oplog.Document{"nr": int64(2)}) {
		t.Errorf("re-keyed document = %v", doc)
	}
	if got := countDocs(t, d, ns); got != 1 {
		t.Errorf("destination has %d documents, want 1", got)
	}

	// Redelivery: the old id matches nothing, so the update is a no-op.
	err = d.ApplyUpdate(ctx, ns, oplog.Document{"_id": "1"},
		oplog.Document{"$set": map[string]any{"_id": "2", "nr": int64(2)}})
	if err != nil {
		t.Fatalf("redelivered update failed: %v", err)
	}
	if got := countDocs(t, d, ns); got != 1 {
		t.Errorf("redelivery changed document count to %d", got)
	}
}

func TestUpdateZeroMatchesIsNoop(t *testing.T) {
	d := setupTestDest(t)
	ctx := context.Background()
	ns := "app.items"

	err := d.ApplyUpdate(ctx, ns, oplog.Document{"_id": "missing"}, oplog.Document{"$set": map[string]any{"nr": int64(97)}})
	if err != nil {
		t.Fatalf("zero-match update should succeed, got: %v", err)
	}
	if got := countDocs(t, d, ns); got != 0 {
		t.Errorf("zero-match update created %d documents", got)
	}
}

func TestUpdateBySelectorScan(t *testing.T) {
	d := setupTestDest(t)
	ctx := context.Background()
	ns := "app.items"

	for i, group := range []string{"a", "a", "b"} {
		doc := oplog.Document{"_id": fmt.Sprintf("%d", i+1), "grp": group}
		if err := d.ApplyInsert(ctx, ns, doc); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}

	err := d.ApplyUpdate(ctx, ns, oplog.Document{"grp": "a"}, oplog.Document{"$set": map[string]any{"hits": int64(1)}})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}

	for id, want := range map[string]bool{"1": true, "2": true, "3": false} {
		doc, ok := getDoc(t, d, ns, id)
		if !ok {
			t.Fatalf("document %s missing", id)
		}
		hit := doc.Matches(oplog.Document{"hits": int64(1)})
		if hit != want {
			t.Errorf("document %s hits incremented = %v, want %v", id, hit, want)
		}
	}
}

func TestDeleteBySelectorScan(t *testing.T) {
	d := setupTestDest(t)
	ctx := context.Background()
	ns := "app.items"

	for i, group := range []string{"a", "b", "a"} {
		doc := oplog.Document{"_id": fmt.Sprintf("%d", i+1), "grp": group}
		if err := d.ApplyInsert(ctx, ns, doc); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}

	if err := d.ApplyDelete(ctx, ns, oplog.Document{"grp": "a"}); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if got := countDocs(t, d, ns); got != 1 {
		t.Errorf("destination has %d documents, want 1", got)
	}
	if _, ok := getDoc(t, d, ns, "2"); !ok {
		t.Error("document 2 should survive")
	}
}

func TestCheckpointRoundtrip(t *testing.T) {
	d := setupTestDest(t)
	ctx := context.Background()

	_, ok, err := d.Load(ctx, "rs0")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if ok {
		t.Fatal("expected no checkpoint for fresh source")
	}

	want := oplog.Token{Time: 1700000000, Seq: 5}
	if err := d.Save(ctx, "rs0", want); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	got, ok, err := d.Load(ctx, "rs0")
	if err != nil || !ok {
		t.Fatalf("load after save: ok=%v err=%v", ok, err)
	}
	if got != want {
		t.Errorf("loaded %s, want %s", got, want)
	}

	later := oplog.Token{Time: 1700000007, Seq: 0}
	if err := d.Save(ctx, "rs0", later); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	got, _, _ = d.Load(ctx, "rs0")
	if got != later {
		t.Errorf("loaded %s, want %s", got, later)
	}

	if _, ok, _ := d.Load(ctx, "rs1"); ok {
		t.Error("unrelated source identity has a checkpoint")
	}
}

// sliceFeed serves a fixed, ordered record slice and then blocks.
type sliceFeed struct {
	recs []oplog.Record
}

func (f *sliceFeed) Subscribe(ctx context.Context, from oplog.Token) (feed.Cursor, error) {
	return &sliceCursor{recs: f.recs, pos: from}, nil
}

type sliceCursor struct {
	recs []oplog.Record
	pos  oplog.Token
}

func (c *sliceCursor) Next(ctx context.Context) (oplog.Record, error) {
	for i := range c.recs {
		if c.recs[i].Token.After(c.pos) {
			c.pos = c.recs[i].Token
			return c.recs[i], nil
		}
	}
	<-ctx.Done()
	return oplog.Record{}, ctx.Err()
}

func (c *sliceCursor) Close() error { return nil }

func TestBulkReplayThroughEngine(t *testing.T) {
	d := setupTestDest(t)
	ns := "app.items"

	const total = 1000
	recs := make([]oplog.Record, 0, total)
	for i := 1; i <= total; i++ {
		recs = append(recs, oplog.NewInsert(ns,
			oplog.Token{Time: int64(i)},
			oplog.Document{"_id": fmt.Sprintf("doc-%d", i), "nr": int64(i)}))
	}

	e, err := engine.New(engine.Config{SourceIdentity: "rs0"}, &sliceFeed{recs: recs}, d, d)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	h := e.Start(context.Background())
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) && e.Progress().Applied < total {
		time.Sleep(10 * time.Millisecond)
	}
	if err := h.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	if got := e.Progress().Applied; got != total {
		t.Fatalf("applied = %d, want %d", got, total)
	}
	if got := countDocs(t, d, ns); got != total {
		t.Errorf("destination has %d documents, want %d", got, total)
	}
	tok, ok, err := d.Load(context.Background(), "rs0")
	if err != nil || !ok {
		t.Fatalf("checkpoint missing after replay: ok=%v err=%v", ok, err)
	}
	if want := (oplog.Token{Time: int64(total)}); tok != want {
		t.Errorf("checkpoint = %s, want %s", tok, want)
	}

	doc, found := getDoc(t, d, ns, "doc-500")
	if !found {
		t.Fatal("document doc-500 missing")
	}
	if !doc.Matches(oplog.Document{"nr": int64(500)}) {
		t.Errorf("doc-500 content wrong: %v", doc)
	}
}
