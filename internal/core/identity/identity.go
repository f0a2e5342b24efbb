package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"github.com/minio/sha256-simd"

	"github.com/slskdn/go-mesh/pkg/lib/log"
	"github.com/slskdn/go-mesh/pkg/types"
)

var logger = log.Logger("core/identity")

// ============================================================================
//                              Signer 接口
// ============================================================================

// Signer 本地签名能力
//
// 私钥不离开 Service，其他组件只通过该接口签名。
type Signer interface {
	// PeerID 本地节点标识
	PeerID() types.PeerID

	// PublicKey 本地公钥
	PublicKey() ed25519.PublicKey

	// Sign 对数据签名（Ed25519，确定性）
	Sign(data []byte) []byte
}

// KeyPair 节点密钥对的公开视图
type KeyPair struct {
	PublicKey ed25519.PublicKey
	PeerID    types.PeerID
}

// ============================================================================
//                              Service
// ============================================================================

// Service 身份服务
type Service struct {
	config Config

	mu   sync.RWMutex
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
	id   types.PeerID

	// regenerated 本次加载是否因存储损坏而重建了身份
	regenerated bool
}

var _ Signer = (*Service)(nil)

// NewService 创建身份服务
func NewService(config Config) *Service {
	return &Service{config: config}
}

// GenerateOrLoad 生成或加载密钥对
//
// 幂等：已加载时直接返回。KeyPath 为空时生成仅内存身份。
// 密钥文件损坏不会导致失败，而是重新生成并记录安全事件。
func (s *Service) GenerateOrLoad() (KeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.priv != nil {
		return s.keyPairLocked(), nil
	}

	if s.config.KeyPath == "" {
		if err := s.generateLocked(); err != nil {
			return KeyPair{}, err
		}
		logger.Info("已生成临时身份", "peer", s.id.ShortString())
		return s.keyPairLocked(), nil
	}

	priv, err := loadPrivateKey(s.config.KeyPath)
	switch {
	case err == nil:
		s.setLocked(priv)
		logger.Info("已加载身份", "peer", s.id.ShortString())
		return s.keyPairLocked(), nil

	case errors.Is(err, ErrKeyNotFound):
		// 首次运行

	default:
		// 存储损坏：视为无身份，重新生成
		logger.Warn("身份密钥存储损坏，重新生成身份",
			"security_event", "identity_changed",
			"class", types.ErrorClassIdentityFailure.String(),
			"reason", err)
		s.regenerated = true
	}

	if err := s.generateLocked(); err != nil {
		return KeyPair{}, err
	}
	if err := savePrivateKey(s.priv, s.config.KeyPath); err != nil {
		return KeyPair{}, fmt.Errorf("保存身份失败: %w", err)
	}
	logger.Info("已生成并保存新身份", "peer", s.id.ShortString())
	return s.keyPairLocked(), nil
}

func (s *Service) generateLocked() error {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("生成密钥失败: %w", err)
	}
	s.setLocked(priv)
	return nil
}

func (s *Service) setLocked(priv ed25519.PrivateKey) {
	s.priv = priv
	s.pub = priv.Public().(ed25519.PublicKey)
	s.id = derive(s.pub)
}

func (s *Service) keyPairLocked() KeyPair {
	return KeyPair{PublicKey: s.pub, PeerID: s.id}
}

// Regenerated 本次加载是否替换了损坏的身份
func (s *Service) Regenerated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.regenerated
}

// PeerID 返回本地节点标识（未加载时为空）
func (s *Service) PeerID() types.PeerID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// PublicKey 返回本地公钥
func (s *Service) PublicKey() ed25519.PublicKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pub
}

// Sign 使用本地私钥签名
//
// 未加载身份时 panic，属于调用方编程错误。
func (s *Service) Sign(data []byte) []byte {
	s.mu.RLock()
	priv := s.priv
	s.mu.RUnlock()
	if priv == nil {
		panic(ErrNotLoaded)
	}
	return ed25519.Sign(priv, data)
}

// ============================================================================
//                              无状态函数
// ============================================================================

// Verify 验证签名
//
// 不会 panic：公钥长度错误、签名截断、不匹配均返回 false。
func Verify(data, sig, pub []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), data, sig)
}

// DerivePeerID 从公钥派生 PeerID（SHA-256）
func DerivePeerID(pub []byte) (types.PeerID, error) {
	if len(pub) != ed25519.PublicKeySize {
		return types.EmptyPeerID, ErrInvalidKeySize
	}
	return derive(pub), nil
}

func derive(pub []byte) types.PeerID {
	return types.PeerID(sha256.Sum256(pub))
}
