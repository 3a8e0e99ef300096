package submission

import (
	"context"
	"strconv"
	"strings"
	"testing"

	"adctf/server/flag"
	"adctf/server/game"
	"adctf/server/timer"
)

var testSecret = []byte("submission-test-secret")

type fakeBus struct {
	store map[string]string
}

func (f *fakeBus) SetAndPublish(ctx context.Context, key string, value any) error { return nil }
func (f *fakeBus) Set(ctx context.Context, key string, value any) error           { return nil }
func (f *fakeBus) GetString(ctx context.Context, key string) (string, bool, error) {
	v, ok := f.store[key]
	return v, ok, nil
}
func (f *fakeBus) GetInt(ctx context.Context, key string) (int64, bool, error) {
	v, ok := f.store[key]
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	return n, err == nil, nil
}
func (f *fakeBus) NumSub(ctx context.Context, channel string) (int64, error)   { return 0, nil }
func (f *fakeBus) SubscribeLoop(ctx context.Context, handler func(channel, payload string), channels ...string) {
}

func runningTimer(t *testing.T, tick int) *timer.Timer {
	t.Helper()
	tm := timer.New(&fakeBus{store: map[string]string{
		"timing:state":        "RUNNING",
		"timing:desiredState": "RUNNING",
		"timing:currentTick":  strconv.Itoa(tick),
	}}, false, 60)
	if err := tm.InitFromBus(context.Background()); err != nil {
		t.Fatal(err)
	}
	return tm
}

func testServer(t *testing.T, tick int) *Server {
	cfg := &game.Config{FlagSecret: testSecret, FlagRoundsValid: 10, NopTeamID: 9}
	s := New(nil, nil, runningTimer(t, tick), cfg)
	s.teams = map[int]bool{1: true, 2: true, 3: true, 9: true}
	s.services = map[int]bool{1: true, 2: true}
	return s
}

func TestSubmitEmptyLine(t *testing.T) {
	s := testServer(t, 5)
	if got := s.Submit(1, ""); got != "" {
		t.Errorf("empty line => %q", got)
	}
}

func TestSubmitWrongLength(t *testing.T) {
	s := testServer(t, 5)
	if got := s.Submit(1, "SAAR{short}"); got != respWrongLength {
		t.Errorf("got %q", got)
	}
}

func TestSubmitWrongFormat(t *testing.T) {
	s := testServer(t, 5)
	// 长度正确但前缀不对
	line := "XAAR{" + strings.Repeat("A", 32) + "}"
	if got := s.Submit(1, line); got != respWrongFormat {
		t.Errorf("got %q", got)
	}
}

func TestSubmitBadMAC(t *testing.T) {
	s := testServer(t, 5)
	forged := flag.Generate([]byte("other-secret"), 5, 2, 1, 0)
	if got := s.Submit(1, forged); got != respInvalidMAC {
		t.Errorf("got %q", got)
	}
}

func TestSubmitOffline(t *testing.T) {
	cfg := &game.Config{FlagSecret: testSecret, FlagRoundsValid: 10}
	s := New(nil, nil, timer.New(&fakeBus{store: map[string]string{}}, false, 60), cfg)
	s.teams = map[int]bool{1: true, 2: true}
	s.services = map[int]bool{1: true}
	line := flag.Generate(testSecret, 5, 2, 1, 0)
	if got := s.Submit(1, line); got != respOffline {
		t.Errorf("got %q", got)
	}
}

func TestSubmitUnknownSource(t *testing.T) {
	s := testServer(t, 5)
	line := flag.Generate(testSecret, 5, 2, 1, 0)
	if got := s.Submit(0, line); got != respInvalidIP {
		t.Errorf("got %q", got)
	}
}

func TestSubmitBadServiceAndTeam(t *testing.T) {
	s := testServer(t, 5)
	if got := s.Submit(1, flag.Generate(testSecret, 5, 2, 7, 0)); got != respBadService {
		t.Errorf("service: got %q", got)
	}
	if got := s.Submit(1, flag.Generate(testSecret, 5, 8, 1, 0)); got != respBadTeam {
		t.Errorf("team: got %q", got)
	}
}

func TestSubmitNopTeam(t *testing.T) {
	s := testServer(t, 5)
	if got := s.Submit(1, flag.Generate(testSecret, 5, 9, 1, 0)); got != respNopFlag {
		t.Errorf("nop victim: got %q", got)
	}
	if got := s.Submit(9, flag.Generate(testSecret, 5, 2, 1, 0)); got != respNopSubmit {
		t.Errorf("nop submitter: got %q", got)
	}
}

func TestSubmitOwnFlag(t *testing.T) {
	s := testServer(t, 5)
	if got := s.Submit(2, flag.Generate(testSecret, 5, 2, 1, 0)); got != respOwnFlag {
		t.Errorf("got %q", got)
	}
}

func TestSubmitExpired(t *testing.T) {
	s := testServer(t, 20)
	// tick 5签发，有效期10轮，第20轮已过期
	if got := s.Submit(1, flag.Generate(testSecret, 5, 2, 1, 0)); got != respExpired {
		t.Errorf("got %q", got)
	}
	// 第15轮还在有效期内（会走到数据库，这里只验证不被拒）
}

func TestTeamFromIP(t *testing.T) {
	s := testServer(t, 5)
	s.ipToTeam = map[string]int{"10.32.3": 3}
	if got := s.teamFromIP("10.32.3.77"); got != 3 {
		t.Errorf("got %d", got)
	}
	if got := s.teamFromIP("10.99.9.1"); got != 0 {
		t.Errorf("unknown net: got %d", got)
	}
}
