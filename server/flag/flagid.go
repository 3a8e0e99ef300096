package flag

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// KindCustom 的flag id由checker在存flag时上报，不在这里生成
const KindCustom = "custom"

// GenerateFlagID 为攻击方生成定位flag的提示。同一组参数永远得到
// 同一个id，checker与scoreboard无需共享状态。
func GenerateFlagID(kind string, secret []byte, serviceID, teamID, tick, index int) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "flagid:%s:%d:%d:%d:%d", kind, serviceID, teamID, tick, index)
	digest := mac.Sum(nil)

	switch kind {
	case "username":
		return fmt.Sprintf("user%d", uint32(digest[0])<<16|uint32(digest[1])<<8|uint32(digest[2]))
	case "email":
		return fmt.Sprintf("user%d@mail.ctf", uint32(digest[0])<<16|uint32(digest[1])<<8|uint32(digest[2]))
	case "alphanum":
		const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
		buf := make([]byte, 12)
		for i := range buf {
			buf[i] = alphabet[int(digest[i])%len(alphabet)]
		}
		return string(buf)
	default: // hex
		return hex.EncodeToString(digest[:8])
	}
}
