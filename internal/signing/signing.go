package signing

import (
	"crypto/ecdsa"
	"encoding/hex"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	xerrors "AgentTreasury/internal/errors"
)

// 签名域前缀，防止不同用途的签名互相冒用。
const (
	DomainDecision   = "treasury/decision/v1"
	DomainSettlement = "treasury/settlement/v1"
)

// Signer 使用 secp256k1 私钥对治理决策与结算消息签名。
// 私钥必须显式注入，绝不能从环境或其他隐式来源推导。
type Signer struct {
	key *ecdsa.PrivateKey
}

// NewSigner 用已解析的私钥创建签名器。
func NewSigner(key *ecdsa.PrivateKey) (*Signer, error) {
	if key == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "签名私钥不能为空")
	}
	return &Signer{key: key}, nil
}

// NewSignerFromHex 从十六进制私钥创建签名器。
func NewSignerFromHex(hexKey string) (*Signer, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析签名私钥失败")
	}
	return &Signer{key: key}, nil
}

// NewSignerFromFile 从密钥文件创建签名器，文件内容为十六进制私钥。
func NewSignerFromFile(path string) (*Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取签名密钥文件失败")
	}
	return NewSignerFromHex(string(raw))
}

// Sign 对 domain 与 payload 的组合摘要签名，返回十六进制签名。
func (s *Signer) Sign(domain string, payload []byte) (string, error) {
	digest := digestOf(domain, payload)
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeSignatureInvalid, err, "签名失败")
	}
	return hex.EncodeToString(sig), nil
}

// PublicKeyHex 返回未压缩公钥的十六进制表示，用于对端校验。
func (s *Signer) PublicKeyHex() string {
	return hex.EncodeToString(crypto.FromECDSAPub(&s.key.PublicKey))
}

// Verify 校验 sigHex 是否为 pubKeyHex 对 domain/payload 的有效签名。
func Verify(pubKeyHex, domain string, payload []byte, sigHex string) error {
	pubKeyHex = strings.TrimPrefix(strings.TrimSpace(pubKeyHex), "0x")
	pub, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeSignatureInvalid, err, "解析公钥失败")
	}
	sig, err := hex.DecodeString(strings.TrimSpace(sigHex))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeSignatureInvalid, err, "解析签名失败")
	}
	// crypto.Sign 产生 65 字节签名，末位为恢复标识，校验时去掉。
	if len(sig) == crypto.SignatureLength {
		sig = sig[:crypto.SignatureLength-1]
	}
	if !crypto.VerifySignature(pub, digestOf(domain, payload), sig) {
		return xerrors.New(xerrors.CodeSignatureInvalid, "签名校验失败")
	}
	return nil
}

func digestOf(domain string, payload []byte) []byte {
	return crypto.Keccak256([]byte(domain), []byte{0}, payload)
}
