package reasoning

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
)

// hashDomain 是推理哈希的域前缀，版本后缀便于未来更换算法。
const hashDomain = "treasury/reasoning/v1"

// CanonicalBytes 将 ReasoningContext 序列化为规范字节串：
// 字段按名称排序、数值使用最短往返十进制表示、字符串按 JSON 规则转义。
// 相同输入永远产生相同字节串，任何单字段变化都会改变输出。
func CanonicalBytes(ctx ReasoningContext) []byte {
	var b strings.Builder
	b.WriteByte('{')
	b.WriteString(`"confidence_score":`)
	b.WriteString(formatFloat(ctx.ConfidenceScore))
	b.WriteString(`,"justification_text":`)
	b.WriteString(quoteString(ctx.JustificationText))
	b.WriteString(`,"projected_roi":`)
	b.WriteString(formatFloat(ctx.ProjectedROI))
	b.WriteString(`,"topic":`)
	b.WriteString(quoteString(ctx.Topic))
	b.WriteString(`,"trend_id":`)
	b.WriteString(quoteString(ctx.TrendID))
	b.WriteByte('}')
	return []byte(b.String())
}

// formatFloat 使用最短无歧义表示，保证数值格式化的规范性。
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func quoteString(s string) string {
	encoded, err := json.Marshal(s)
	if err != nil {
		// json.Marshal 对 string 不会失败。
		return `""`
	}
	return string(encoded)
}

// HashContext 计算带域分隔的 SHA-256 哈希。
// 格式：SHA256(domain + 0x00 + canonical)，空字节分隔符避免边界歧义。
func HashContext(ctx ReasoningContext) string {
	h := sha256.New()
	h.Write([]byte(hashDomain))
	h.Write([]byte{0x00})
	h.Write(CanonicalBytes(ctx))
	return hex.EncodeToString(h.Sum(nil))
}
