package metrics

import (
	"context"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/babyfs/babyfs/pkg/errors"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	collector, err := NewCollector(&Config{
		Enabled:   true,
		Path:      "/metrics",
		Namespace: "test",
	})
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}
	return collector
}

func scrape(t *testing.T, c *Collector, path string) string {
	t.Helper()
	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func TestNewCollector(t *testing.T) {
	t.Parallel()

	t.Run("with nil config uses defaults", func(t *testing.T) {
		collector, err := NewCollector(nil)
		if err != nil {
			t.Fatalf("NewCollector(nil) error = %v, want nil", err)
		}
		if collector.config.Port != 9469 {
			t.Errorf("default port = %d, want 9469", collector.config.Port)
		}
		if collector.config.Namespace != "babyfs" {
			t.Errorf("default namespace = %q, want %q", collector.config.Namespace, "babyfs")
		}
		if collector.Registry() == nil {
			t.Error("enabled collector should expose its registry")
		}
	})

	t.Run("with disabled config", func(t *testing.T) {
		collector, err := NewCollector(&Config{Enabled: false})
		if err != nil {
			t.Fatalf("NewCollector() error = %v", err)
		}
		if collector.Registry() != nil {
			t.Error("disabled collector should not have registry")
		}
	})
}

func TestDisabledAndNilCollectorsIgnoreCalls(t *testing.T) {
	t.Parallel()

	disabled, _ := NewCollector(&Config{Enabled: false})
	var none *Collector

	for _, c := range []*Collector{disabled, none} {
		c.ObjectAllocated("babyfs_inode_cache")
		c.ObjectFreed("babyfs_inode_cache")
		c.ObjectsReclaimed("babyfs_inode_cache", 3)
		c.SlabCarved("babyfs_inode_cache")
		c.UpdatePoolObjects("babyfs_inode_cache", 1, 2, 3)
		c.BufferRead(true)
		c.UpdatePinnedBuffers(1)
		c.RecordOperation("read_block", time.Millisecond, nil)
		c.MountSucceeded("babyfs")
		c.MountFailed("babyfs", fmt.Errorf("boom"))
		c.Unmounted("babyfs")
		c.ResetMetrics()
		if len(c.GetMetrics()) != 0 {
			t.Error("disabled collector should report no metrics")
		}
		if err := c.Stop(context.Background()); err != nil {
			t.Errorf("Stop() error = %v", err)
		}
	}
}

func TestRecordOperation(t *testing.T) {
	t.Parallel()

	collector := newTestCollector(t)
	collector.RecordOperation("read_block", 100*time.Millisecond, nil)
	collector.RecordOperation("read_block", 300*time.Millisecond, nil)
	collector.RecordOperation("read_block", 200*time.Millisecond, errors.NewError(errors.ErrCodeIOError, "eio"))

	ops := collector.GetMetrics()["operations"].(map[string]OperationMetrics)
	op, ok := ops["read_block"]
	if !ok {
		t.Fatal("read_block not recorded")
	}
	if op.Count != 3 {
		t.Errorf("op.Count = %d, want 3", op.Count)
	}
	if op.Errors != 1 {
		t.Errorf("op.Errors = %d, want 1", op.Errors)
	}
	if op.AvgDuration != 200*time.Millisecond {
		t.Errorf("op.AvgDuration = %v, want 200ms", op.AvgDuration)
	}

	collector.ResetMetrics()
	if ops := collector.GetMetrics()["operations"].(map[string]OperationMetrics); len(ops) != 0 {
		t.Errorf("operations after reset = %d, want 0", len(ops))
	}
}

func TestPrometheusExposition(t *testing.T) {
	t.Parallel()

	collector := newTestCollector(t)
	collector.ObjectAllocated("babyfs_inode_cache")
	collector.ObjectAllocated("babyfs_inode_cache")
	collector.ObjectFreed("babyfs_inode_cache")
	collector.ObjectsReclaimed("babyfs_inode_cache", 1)
	collector.SlabCarved("babyfs_inode_cache")
	collector.UpdatePoolObjects("babyfs_inode_cache", 1, 31, 0)
	collector.BufferRead(false)
	collector.UpdatePinnedBuffers(1)
	collector.MountSucceeded("babyfs")
	collector.MountFailed("babyfs", errors.NewError(errors.ErrCodeCorrupt, "bad magic"))

	body := scrape(t, collector, "/metrics")
	for _, want := range []string{
		`test_pool_operations_total{cache="babyfs_inode_cache",op="alloc"} 2`,
		`test_pool_operations_total{cache="babyfs_inode_cache",op="reclaim"} 1`,
		`test_pool_slabs_carved_total{cache="babyfs_inode_cache"} 1`,
		`test_pool_objects{cache="babyfs_inode_cache",state="free"} 31`,
		`test_buffer_reads_total{type="miss"} 1`,
		`test_buffer_pinned 1`,
		`test_mounts_total{fstype="babyfs",result="success"} 1`,
		`test_active_mounts 1`,
		`test_errors_total{code="FS_CORRUPT",operation="mount"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestDebugOperationsHandler(t *testing.T) {
	t.Parallel()

	collector := newTestCollector(t)
	if body := scrape(t, collector, "/debug/operations"); !strings.Contains(body, "No operations recorded.") {
		t.Errorf("empty summary = %q", body)
	}

	collector.RecordOperation("write_block", time.Millisecond, nil)
	if body := scrape(t, collector, "/debug/operations"); !strings.Contains(body, "write_block") {
		t.Errorf("summary missing write_block: %q", body)
	}
	if body := scrape(t, collector, "/debug/operations?format=json"); !strings.Contains(body, `"write_block"`) {
		t.Errorf("json summary missing write_block: %q", body)
	}
	if body := scrape(t, collector, "/health"); !strings.Contains(body, "babyfs-metrics") {
		t.Errorf("health = %q", body)
	}
}
