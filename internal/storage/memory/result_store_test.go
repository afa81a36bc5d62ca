package memory

import (
	"context"
	"testing"

	"github.com/jae-tech/digduck-crawler/internal/crawler"
)

func TestResultStoreDedupAndOrder(t *testing.T) {
	t.Parallel()

	store := NewResultStore()
	ctx := context.Background()

	first := []crawler.Result{
		{ID: "r1", JobID: "job", NativeID: "a", PageNumber: 1, ItemOrder: 1},
		{ID: "r2", JobID: "job", NativeID: "b", PageNumber: 1, ItemOrder: 2},
		{ID: "r3", JobID: "job", PageNumber: 1, ItemOrder: 3},
	}
	outcomes, err := store.InsertResults(ctx, first)
	if err != nil {
		t.Fatalf("InsertResults() error = %v", err)
	}
	for i, o := range outcomes {
		if o.Index != i || o.Status != crawler.RowInserted {
			t.Fatalf("unexpected outcome %+v", o)
		}
	}

	second := []crawler.Result{
		{ID: "r4", JobID: "job", NativeID: "a", PageNumber: 2, ItemOrder: 1},
		{ID: "r5", JobID: "job", PageNumber: 2, ItemOrder: 2},
		{ID: "r6", JobID: "other", NativeID: "a", PageNumber: 1, ItemOrder: 1},
	}
	outcomes, err = store.InsertResults(ctx, second)
	if err != nil {
		t.Fatalf("InsertResults() error = %v", err)
	}
	want := []crawler.RowStatus{crawler.RowDuplicate, crawler.RowInserted, crawler.RowInserted}
	for i, o := range outcomes {
		if o.Status != want[i] {
			t.Fatalf("row %d status = %s, want %s", i, o.Status, want[i])
		}
	}

	rows, err := store.ListResults(ctx, "job")
	if err != nil {
		t.Fatalf("ListResults() error = %v", err)
	}
	var ids []string
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	if len(ids) != 4 || ids[0] != "r1" || ids[3] != "r5" {
		t.Fatalf("unexpected rows %v", ids)
	}
}
