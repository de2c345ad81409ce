package memory

import "go.uber.org/multierr"

// WithWritable 在写入窗口内执行 fn
//
// 进入时把 mem 设为 RW，退出时降为 RX；fn 失败或 panic 时同样降级。
func WithWritable(m Mapper, mem []byte, fn func(buf []byte) error) (err error) {
	if err := m.Protect(mem, ProtRW); err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, m.Protect(mem, ProtRX))
	}()
	return fn(mem)
}
