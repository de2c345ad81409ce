package memory

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/blake2b"
)

var (
	ErrSignerNotRegistered = errors.New("code signer: no code registered")
	ErrSignatureMismatch   = errors.New("code signer: signature mismatch")
	ErrCopySizeMismatch    = errors.New("code signer: size mismatch")
)

// CodeSigner 代码签名服务
//
// 编译完成时登记明文指令，安装时由签名服务把指令复制到目标内存。
// 任一步失败，整次安装失败。
type CodeSigner interface {
	Register(text []byte) error
	CopyCode(dst, src []byte) error
}

// DigestSigner 以 blake2b-256 摘要作为签名
//
// 每次编译使用一个实例：登记时计算明文摘要，复制前后各校验一次。
type DigestSigner struct {
	mu         sync.Mutex
	digest     [blake2b.Size256]byte
	size       int
	registered bool
}

// NewDigestSigner 创建签名器
func NewDigestSigner() *DigestSigner {
	return &DigestSigner{}
}

// Register 登记明文
func (s *DigestSigner) Register(text []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.digest = blake2b.Sum256(text)
	s.size = len(text)
	s.registered = true
	return nil
}

// Digest 返回已登记的摘要
func (s *DigestSigner) Digest() ([blake2b.Size256]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.digest, s.registered
}

// CopyCode 校验 src 与登记内容一致后复制到 dst，并回读校验
func (s *DigestSigner) CopyCode(dst, src []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.registered {
		return ErrSignerNotRegistered
	}
	if len(src) != s.size || len(dst) < len(src) {
		return fmt.Errorf("%w: registered %d, src %d, dst %d", ErrCopySizeMismatch, s.size, len(src), len(dst))
	}
	if sum := blake2b.Sum256(src); !bytes.Equal(sum[:], s.digest[:]) {
		return ErrSignatureMismatch
	}
	n := copy(dst, src)
	if sum := blake2b.Sum256(dst[:n]); !bytes.Equal(sum[:], s.digest[:]) {
		return fmt.Errorf("%w: after copy", ErrSignatureMismatch)
	}
	return nil
}
