package flag

import (
	"strings"
	"testing"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		tick, team, service, payload int
	}{
		{1, 1, 1, 0},
		{42, 17, 3, 5},
		{65535, 65535, 65535, 65535},
		{0, 0, 0, 0},
		{70000, 2, 2, 1}, // tick超出uint16，按模截断
	}
	for _, c := range cases {
		s := Generate(testKey, c.tick, c.team, c.service, c.payload)
		if len(s) != 38 {
			t.Fatalf("flag %q has length %d, want 38", s, len(s))
		}
		if !Regex.MatchString(s) {
			t.Fatalf("flag %q does not match pinned regex", s)
		}
		f, err := Parse(testKey, s)
		if err != nil {
			t.Fatalf("Parse(%q): %v", s, err)
		}
		if f.Tick != c.tick%65536 || f.TeamID != c.team || f.ServiceID != c.service || f.Payload != c.payload {
			t.Errorf("Parse(%q) = %+v, want tick=%d team=%d service=%d payload=%d",
				s, f, c.tick%65536, c.team, c.service, c.payload)
		}
	}
}

func TestWrongKey(t *testing.T) {
	s := Generate(testKey, 8, 2, 1, 0)
	if _, err := Parse([]byte("another-secret-key-entirely!!!!!"), s); err != ErrMAC {
		t.Errorf("Parse with wrong key: err = %v, want ErrMAC", err)
	}
}

func TestMalformed(t *testing.T) {
	bad := []string{
		"",
		"SAAR{}",
		"SAAR{AAAA}",
		"FLAG{" + strings.Repeat("A", 32) + "}",
		"SAAR{" + strings.Repeat("+", 32) + "}", // 标准base64字符不允许
		"SAAR{" + strings.Repeat("A", 31) + "}",
	}
	for _, s := range bad {
		if _, err := Parse(testKey, s); err != ErrFormat {
			t.Errorf("Parse(%q): err = %v, want ErrFormat", s, err)
		}
	}
}

func TestTamperedHeader(t *testing.T) {
	s := Generate(testKey, 8, 2, 1, 0)
	// 篡改第一个base64字符
	mutated := []byte(s)
	if mutated[5] == 'A' {
		mutated[5] = 'B'
	} else {
		mutated[5] = 'A'
	}
	if _, err := Parse(testKey, string(mutated)); err == nil {
		t.Error("Parse accepted a tampered flag")
	}
}
