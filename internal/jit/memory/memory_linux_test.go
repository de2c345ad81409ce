//go:build linux

package memory

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"testing"
)

// permsAt 从 /proc/self/maps 读取 addr 所在映射的权限
func permsAt(t *testing.T, addr uintptr) string {
	t.Helper()
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		t.Skipf("no /proc/self/maps: %v", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		var lo, hi uintptr
		if _, err := fmt.Sscanf(fields[0], "%x-%x", &lo, &hi); err != nil {
			continue
		}
		if addr >= lo && addr < hi {
			return fields[1][:3]
		}
	}
	t.Fatalf("address %#x not mapped", addr)
	return ""
}

// TestCollectCodeRealMapping 测试真实映射下的权限：物化后 r-x，回收后不可访问
func TestCollectCodeRealMapping(t *testing.T) {
	m, err := NewManager(Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	signer := NewDigestSigner()
	desc := compileScenario(t, signer)
	obj, err := m.CollectCode(desc, signer)
	if err != nil {
		t.Fatal(err)
	}

	if got := permsAt(t, obj.Entry()); got != "r-x" {
		t.Errorf("entry page perms %q, want r-x", got)
	}
	if got := permsAt(t, obj.Layout().Base); got != "r-x" {
		t.Errorf("header page perms %q, want r-x", got)
	}
	if got := readMem(obj.TextStart(), obj.TextSize()); string(got) != string(desc.Text()) {
		t.Error("text bytes differ")
	}

	base := obj.Layout().Base
	if err := m.Release(obj); err != nil {
		t.Fatal(err)
	}
	if got := permsAt(t, base); got != "---" {
		t.Errorf("released page perms %q, want ---", got)
	}
}
