// Package flag 实现flag令牌的生成与校验。
//
// 二进制格式（base64解码后24字节）：
//
//	struct { uint16 tick; uint16 team_id; uint16 service_id; uint16 payload; byte mac[16]; }
//
// 全部小端序，mac为HMAC-SHA256前16字节。文本形式固定38字节：SAAR{<32字节base64url>}
package flag

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"regexp"
)

const (
	Prefix    = "SAAR"
	macLength = 16
	rawLength = 8 + macLength
)

// Regex flag的固定正则（长度固定，不含padding）
var Regex = regexp.MustCompile(`SAAR\{[A-Za-z0-9\-_]{32}\}`)

var (
	ErrFormat = errors.New("flag: malformed flag")
	ErrMAC    = errors.New("flag: MAC verification failed")
)

// Flag 解码后的flag内容
type Flag struct {
	Tick      int
	TeamID    int
	ServiceID int
	Payload   int
}

// Generate 生成带MAC的flag字符串。tick按uint16截断（与提交校验端一致）。
func Generate(secret []byte, tick, teamID, serviceID, payload int) string {
	var header [8]byte
	binary.LittleEndian.PutUint16(header[0:], uint16(tick))
	binary.LittleEndian.PutUint16(header[2:], uint16(teamID))
	binary.LittleEndian.PutUint16(header[4:], uint16(serviceID))
	binary.LittleEndian.PutUint16(header[6:], uint16(payload))

	mac := hmac.New(sha256.New, secret)
	mac.Write(header[:])

	raw := make([]byte, 0, rawLength)
	raw = append(raw, header[:]...)
	raw = append(raw, mac.Sum(nil)[:macLength]...)
	return Prefix + "{" + base64.URLEncoding.EncodeToString(raw) + "}"
}

// Parse 解析并校验flag。MAC不匹配返回ErrMAC，格式错误返回ErrFormat。
func Parse(secret []byte, s string) (*Flag, error) {
	if !Regex.MatchString(s) || len(s) != len(Prefix)+2+32 {
		return nil, ErrFormat
	}
	raw, err := base64.URLEncoding.DecodeString(s[len(Prefix)+1 : len(s)-1])
	if err != nil || len(raw) != rawLength {
		return nil, ErrFormat
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(raw[:8])
	if !hmac.Equal(raw[8:], mac.Sum(nil)[:macLength]) {
		return nil, ErrMAC
	}

	return &Flag{
		Tick:      int(binary.LittleEndian.Uint16(raw[0:])),
		TeamID:    int(binary.LittleEndian.Uint16(raw[2:])),
		ServiceID: int(binary.LittleEndian.Uint16(raw[4:])),
		Payload:   int(binary.LittleEndian.Uint16(raw[6:])),
	}, nil
}
