package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/scanorc/pkg/registry"
	"github.com/cuemby/scanorc/pkg/types"
)

type fakeFeed struct {
	records []types.CVERecord
}

func (f *fakeFeed) FetchSince(ctx context.Context, cursor time.Time) ([]types.CVERecord, error) {
	return f.records, nil
}

func TestFetchNovel_FiltersCached(t *testing.T) {
	store, err := registry.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	defer store.Close()

	if err := store.PutCVERecord(&types.CVERecord{CVEID: "CVE-2024-0001"}); err != nil {
		t.Fatalf("PutCVERecord: %v", err)
	}

	feed := &fakeFeed{records: []types.CVERecord{
		{CVEID: "CVE-2024-0001"},
		{CVEID: "CVE-2024-0002"},
	}}

	novel, err := fetchNovel(context.Background(), store, feed, time.Time{})
	if err != nil {
		t.Fatalf("fetchNovel: %v", err)
	}
	if len(novel) != 1 || novel[0].CVEID != "CVE-2024-0002" {
		t.Fatalf("expected only CVE-2024-0002 to be novel, got %+v", novel)
	}

	if _, err := store.GetCVERecord("CVE-2024-0002"); err != nil {
		t.Fatalf("expected novel CVE to be cached: %v", err)
	}
}
