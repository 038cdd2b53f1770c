package redisdest

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"oplogmirror/oplog"
)

func setupTestDest(t *testing.T) (*Dest, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	return New(client, "mirror"), mr
}

func TestInsertAndDuplicate(t *testing.T) {
	d, _ := setupTestDest(t)
	ctx := context.Background()
	ns := "app.items"

	if err := d.ApplyInsert(ctx, ns, oplog.Document{"_id": "1", "nr": int64(1)}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	// Redelivered insert must succeed and keep the first write.
	if err := d.ApplyInsert(ctx, ns, oplog.Document{"_id": "1", "nr": int64(999)}); err != nil {
		t.Fatalf("duplicate insert failed: %v", err)
	}

	doc, ok, err := d.getDoc(ctx, ns, "1")
	if err != nil || !ok {
		t.Fatalf("document missing after insert: ok=%v err=%v", ok, err)
	}
	if !doc.Matches(oplog.Document{"nr": int64(1)}) {
		t.Errorf("duplicate insert overwrote document: nr = %v", doc["nr"])
	}
}

func TestUpdateChangingIDMovesDocument(t *testing.T) {
	d, _ := setupTestDest(t)
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

	if _, ok, _ := d.getDoc(ctx, ns, "1"); ok {
		t.Error("document still stored under the old id")
	}
	doc, ok, _ := d.getDoc(ctx, ns, "2")
	if !ok {
		t.Fatal("document missing under the new id")
	}
	if !doc.Matches(oplog.Document{"_id": "2", "nr": int64(2)}) {
		t.Errorf("re-keyed document = %v", doc)
	}

	// Redelivery: the old id matches nothing, so the update is a no-op.
	err = d.ApplyUpdate(ctx, ns, oplog.Document{"_id": "1"},
		oplog.Document{"$set": map[string]any{"_id": "2", "nr": int64(2)}})
	if err != nil {
		t.Fatalf("redelivered update failed: %v", err)
	}
	if doc, _, _ := d.getDoc(ctx, ns, "2"); !doc.Matches(oplog.Document{"nr": int64(2)}) {
		t.Errorf("redelivery changed the document: %v", doc)
	}
}

func TestInsertWithoutID(t *testing.T) {
	d, _ := setupTestDest(t)

	err := d.ApplyInsert(context.Background(), "app.items", oplog.Document{"nr": int64(1)})
	if err == nil {
		t.Fatal("expected error for document without _id")
	}
}

func TestUpdateByID(t *testing.T) {
	d, _ := setupTestDest(t)
	ctx := context.Background()
	ns := "app.items"

	if err := d.ApplyInsert(ctx, ns, oplog.Document{"_id": "1", "nr": int64(1)}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	err := d.ApplyUpdate(ctx, ns, oplog.Document{"_id": "1"}, oplog.Document{"$set": map[string]any{"nr": int64(97)}})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}

	doc, ok, _ := d.getDoc(ctx, ns, "1")
	if !ok {
		t.Fatal("document missing after update")
	}
	if !doc.Matches(oplog.Document{"nr": int64(97)}) {
		t.Errorf("nr = %v, want 97", doc["nr"])
	}
}

func TestUpdateReplacesDocument(t *testing.T) {
	d, _ := setupTestDest(t)
	ctx := context.Background()
	ns := "app.items"

	if err := d.ApplyInsert(ctx, ns, oplog.Document{"_id": "1", "nr": int64(1), "old": true}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	err := d.ApplyUpdate(ctx, ns, oplog.Document{"_id": "1"}, oplog.Document{"nr": int64(2)})
	if err != nil {
		t.Fatalf("replacement failed: %v", err)
	}

	doc, ok, _ := d.getDoc(ctx, ns, "1")
	if !ok {
		t.Fatal("document missing after replacement")
	}
	if _, hasOld := doc["old"]; hasOld {
		t.Errorf("replacement kept old field: %v", doc)
	}
	if doc.ID() != "1" {
		t.Errorf("replacement lost _id: %v", doc)
	}
}

func TestUpdateZeroMatchesIsNoop(t *testing.T) {
	d, _ := setupTestDest(t)
	ctx := context.Background()
	ns := "app.items"

	err := d.ApplyUpdate(ctx, ns, oplog.Document{"_id": "missing"}, oplog.Document{"$set": map[string]any{"nr": int64(97)}})
	if err != nil {
		t.Fatalf("zero-match update should succeed, got: %v", err)
	}

	// Selector with extra fields that do not match the stored document.
	if err := d.ApplyInsert(ctx, ns, oplog.Document{"_id": "1", "nr": int64(1)}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	err = d.ApplyUpdate(ctx, ns, oplog.Document{"_id": "1", "nr": int64(5)}, oplog.Document{"$set": map[string]any{"nr": int64(97)}})
	if err != nil {
		t.Fatalf("zero-match update should succeed, got: %v", err)
	}
	doc, _, _ := d.getDoc(ctx, ns, "1")
	if !doc.Matches(oplog.Document{"nr": int64(1)}) {
		t.Errorf("zero-match update modified document: nr = %v", doc["nr"])
	}
}

func TestUpdateBySelectorScan(t *testing.T) {
	d, _ := setupTestDest(t)
	ctx := context.Background()
	ns := "app.items"

	for i, group := range []string{"a", "a", "b"} {
		doc := oplog.Document{"_id": string(rune('1' + i)), "group": group, "seen": false}
		if err := d.ApplyInsert(ctx, ns, doc); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}

	err := d.ApplyUpdate(ctx, ns, oplog.Document{"group": "a"}, oplog.Document{"$set": map[string]any{"seen": true}})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}

	for id, want := range map[string]bool{"1": true, "2": true, "3": false} {
		doc, ok, _ := d.getDoc(ctx, ns, id)
		if !ok {
			t.Fatalf("document %s missing", id)
		}
		if seen, _ := doc["seen"].(bool); seen != want {
			t.Errorf("document %s seen = %v, want %v", id, seen, want)
		}
	}
}

func TestDeleteByID(t *testing.T) {
	d, _ := setupTestDest(t)
	ctx := context.Background()
	ns := "app.items"

	if err := d.ApplyInsert(ctx, ns, oplog.Document{"_id": "1"}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := d.ApplyDelete(ctx, ns, oplog.Document{"_id": "1"}); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, ok, _ := d.getDoc(ctx, ns, "1"); ok {
		t.Error("document still present after delete")
	}

	// Redelivered delete is a no-op.
	if err := d.ApplyDelete(ctx, ns, oplog.Document{"_id": "1"}); err != nil {
		t.Fatalf("repeated delete should succeed, got: %v", err)
	}
}

func TestDeleteBySelectorScan(t *testing.T) {
	d, _ := setupTestDest(t)
	ctx := context.Background()
	ns := "app.items"

	for i, group := range []string{"a", "b", "a"} {
		doc := oplog.Document{"_id": string(rune('1' + i)), "group": group}
		if err := d.ApplyInsert(ctx, ns, doc); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}

	if err := d.ApplyDelete(ctx, ns, oplog.Document{"group": "a"}); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	if _, ok, _ := d.getDoc(ctx, ns, "1"); ok {
		t.Error("document 1 should be deleted")
	}
	if _, ok, _ := d.getDoc(ctx, ns, "2"); !ok {
		t.Error("document 2 should survive")
	}
	if _, ok, _ := d.getDoc(ctx, ns, "3"); ok {
		t.Error("document 3 should be deleted")
	}
}

func TestCheckpointRoundtrip(t *testing.T) {
	d, _ := setupTestDest(t)
	ctx := context.Background()

	_, ok, err := d.Load(ctx, "rs0")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if ok {
		t.Fatal("expected no checkpoint for fresh source")
	}

	want := oplog.Token{Time: 1700000000, Seq: 3}
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

	// Overwrite with a later token.
	later := oplog.Token{Time: 1700000100, Seq: 0}
	if err := d.Save(ctx, "rs0", later); err != nil {
		t.Fatalf("second save failed: %v", err)
	}
	got, _, _ = d.Load(ctx, "rs0")
	if got != later {
		t.Errorf("loaded %s, want %s", got, later)
	}

	// Checkpoints are per source identity.
	if _, ok, _ := d.Load(ctx, "rs1"); ok {
		t.Error("unrelated source identity has a checkpoint")
	}
}

func TestCorruptDocumentSurfacesError(t *testing.T) {
	d, mr := setupTestDest(t)
	ctx := context.Background()
	ns := "app.items"

	mr.HSet("mirror:ns:"+ns, "bad", "not msgpack at all \xff\xfe")

	err := d.ApplyUpdate(ctx, ns, oplog.Document{"group": "a"}, oplog.Document{"$set": map[string]any{"x": 1}})
	if !errors.Is(err, ErrDecodeFailed) {
		t.Fatalf("err = %v, want ErrDecodeFailed", err)
	}
}
