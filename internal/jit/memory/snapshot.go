package memory

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pierrec/lz4/v4"
	"github.com/segmentio/encoding/json"
	"go.uber.org/multierr"
)

// Snapshot 内存耗尽时的诊断快照
type Snapshot struct {
	Time      time.Time   `json:"time"`
	Reason    string      `json:"reason"`
	Stack     string      `json:"stack,omitempty"`
	Limit     int         `json:"limit"`
	ChunkSize int         `json:"chunk_size"`
	Objects   int         `json:"objects"`
	Code      AllocStats  `json:"code"`
	Fort      *AllocStats `json:"fort,omitempty"`
}

// WriteSnapshot 以 lz4 压缩的 JSON 写入 dir，返回文件路径
func WriteSnapshot(dir string, snap *Snapshot) (path string, err error) {
	if dir == "" {
		dir = os.TempDir()
	}
	path = filepath.Join(dir, fmt.Sprintf("jit-code-space-%d.json.lz4", snap.Time.UnixNano()))

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create snapshot: %w", err)
	}
	defer func() {
		err = multierr.Append(err, f.Close())
	}()

	data, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	zw := lz4.NewWriter(f)
	if _, err := zw.Write(data); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("flush snapshot: %w", err)
	}
	return path, nil
}

// ReadSnapshot 读取 WriteSnapshot 写出的快照
func ReadSnapshot(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(lz4.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("decompress snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}
