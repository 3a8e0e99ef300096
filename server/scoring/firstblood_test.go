package scoring

import (
	"testing"
	"time"

	"adctf/server/game"
)

// fakeFBStore 模拟库里已有的历史标记和失窃记录
type fakeFBStore struct {
	firstBloodUntil map[fbKey]time.Time // 分区在该时刻前已有一血
	maxLevel        map[fbKey]int
	victims         map[fbAttackerKey][]int
}

func (s *fakeFBStore) hasFirstBlood(serviceID, payload int, usePayload bool, ts time.Time) (bool, error) {
	if !usePayload {
		payload = 0
	}
	until, ok := s.firstBloodUntil[fbKey{serviceID, payload}]
	return ok && !until.After(ts), nil
}

func (s *fakeFBStore) maxFirstBloodLevel(serviceID, payload int, usePayload bool, ts time.Time) (int, error) {
	if !usePayload {
		payload = 0
	}
	return s.maxLevel[fbKey{serviceID, payload}], nil
}

func (s *fakeFBStore) previousVictims(serviceID, payload, attackerID int, usePayload bool, ts time.Time) ([]int, error) {
	if !usePayload {
		payload = 0
	}
	return s.victims[fbAttackerKey{serviceID, payload, attackerID}], nil
}

func emptyFBStore() *fakeFBStore {
	return &fakeFBStore{
		firstBloodUntil: map[fbKey]time.Time{},
		maxLevel:        map[fbKey]int{},
		victims:         map[fbAttackerKey][]int{},
	}
}

func fbFlag(attacker, victim, service, payload, seq int) game.SubmittedFlag {
	return game.SubmittedFlag{
		ID:         int64(seq),
		AttackerID: attacker,
		VictimID:   victim,
		ServiceID:  service,
		Payload:    payload,
		Ts:         time.Unix(int64(1700000000+seq), 0),
	}
}

func mustJudge(t *testing.T, sel *firstBloodSelector, f game.SubmittedFlag, svc *game.Service) int {
	t.Helper()
	level, err := sel.judge(f, svc)
	if err != nil {
		t.Fatalf("judge flag %d: %v", f.ID, err)
	}
	return level
}

// 默认算法：每个服务只有第一个失窃flag记一血
func TestFirstBloodOnlyOnce(t *testing.T) {
	svc := &game.Service{ID: 1, Name: "svc1"}
	sel := newFirstBloodSelector(1, emptyFBStore())

	if got := mustJudge(t, sel, fbFlag(2, 1, 1, 0, 1), svc); got != 1 {
		t.Errorf("first flag: level = %d, want 1", got)
	}
	if got := mustJudge(t, sel, fbFlag(3, 1, 1, 0, 2), svc); got != 0 {
		t.Errorf("second flag: level = %d, want 0", got)
	}
	if got := mustJudge(t, sel, fbFlag(2, 4, 1, 0, 3), svc); got != 0 {
		t.Errorf("later flag: level = %d, want 0", got)
	}
}

// 多payload服务按payload分别记一血
func TestFirstBloodPerPayload(t *testing.T) {
	svc := &game.Service{ID: 1, Name: "svc1", NumPayloads: 2}
	sel := newFirstBloodSelector(1, emptyFBStore())

	if got := mustJudge(t, sel, fbFlag(2, 1, 1, 0, 1), svc); got != 1 {
		t.Errorf("payload 0: level = %d, want 1", got)
	}
	if got := mustJudge(t, sel, fbFlag(3, 1, 1, 1, 2), svc); got != 1 {
		t.Errorf("payload 1: level = %d, want 1", got)
	}
	if got := mustJudge(t, sel, fbFlag(4, 1, 1, 0, 3), svc); got != 0 {
		t.Errorf("payload 0 again: level = %d, want 0", got)
	}
}

// 缓存冷、库里已有标记时不再发一血
func TestFirstBloodColdCache(t *testing.T) {
	svc := &game.Service{ID: 1, Name: "svc1"}
	store := emptyFBStore()
	store.firstBloodUntil[fbKey{1, 0}] = time.Unix(1700000000, 0)
	sel := newFirstBloodSelector(1, store)

	if got := mustJudge(t, sel, fbFlag(2, 1, 1, 0, 5), svc); got != 0 {
		t.Errorf("level = %d, want 0 (already marked in database)", got)
	}
}

// 多级一血：只有超过分区当前纪录的不同受害者数才发新等级。
// 第二个攻击者打下第一个受害者时纪录已是1，不记。
func TestMultiFirstBloodDistinctVictims(t *testing.T) {
	svc := &game.Service{ID: 1, Name: "svc1"}
	sel := newFirstBloodSelector(3, emptyFBStore())

	if got := mustJudge(t, sel, fbFlag(2, 1, 1, 0, 1), svc); got != 1 {
		t.Errorf("attacker 2 victim 1: level = %d, want 1", got)
	}
	if got := mustJudge(t, sel, fbFlag(3, 4, 1, 0, 2), svc); got != 0 {
		t.Errorf("attacker 3 first victim: level = %d, want 0 (does not beat record)", got)
	}
	if got := mustJudge(t, sel, fbFlag(2, 1, 1, 0, 3), svc); got != 0 {
		t.Errorf("attacker 2 repeat victim: level = %d, want 0", got)
	}
	if got := mustJudge(t, sel, fbFlag(2, 4, 1, 0, 4), svc); got != 2 {
		t.Errorf("attacker 2 victim 4: level = %d, want 2", got)
	}
	if got := mustJudge(t, sel, fbFlag(2, 5, 1, 0, 5), svc); got != 3 {
		t.Errorf("attacker 2 victim 5: level = %d, want 3", got)
	}
	// 分区发满后谁都不再记
	if got := mustJudge(t, sel, fbFlag(3, 6, 1, 0, 6), svc); got != 0 {
		t.Errorf("after limit reached: level = %d, want 0", got)
	}
}

// 追赶者攒够的不同受害者数超过纪录时也能拿到新等级
func TestMultiFirstBloodCatchUp(t *testing.T) {
	svc := &game.Service{ID: 1, Name: "svc1"}
	sel := newFirstBloodSelector(3, emptyFBStore())

	mustJudge(t, sel, fbFlag(2, 1, 1, 0, 1), svc) // 2: {1} level 1
	mustJudge(t, sel, fbFlag(3, 4, 1, 0, 2), svc) // 3: {4}
	mustJudge(t, sel, fbFlag(3, 5, 1, 0, 3), svc) // 3: {4,5} level 2
	if got := mustJudge(t, sel, fbFlag(3, 6, 1, 0, 4), svc); got != 3 {
		t.Errorf("attacker 3 third victim: level = %d, want 3", got)
	}
	if got := mustJudge(t, sel, fbFlag(2, 4, 1, 0, 5), svc); got != 0 {
		t.Errorf("attacker 2 second victim after limit: level = %d, want 0", got)
	}
}

// 缓存冷时从库里补齐纪录和历史受害者再判
func TestMultiFirstBloodColdCache(t *testing.T) {
	svc := &game.Service{ID: 1, Name: "svc1"}
	store := emptyFBStore()
	store.maxLevel[fbKey{1, 0}] = 2
	store.victims[fbAttackerKey{1, 0, 2}] = []int{1, 4}
	sel := newFirstBloodSelector(3, store)

	// 库里该攻击者已有2个受害者，第3个超过纪录2
	if got := mustJudge(t, sel, fbFlag(2, 5, 1, 0, 10), svc); got != 3 {
		t.Errorf("level = %d, want 3", got)
	}
	// 库里的受害者不能重复记
	sel2 := newFirstBloodSelector(3, store)
	if got := mustJudge(t, sel2, fbFlag(2, 4, 1, 0, 11), svc); got != 0 {
		t.Errorf("repeat victim from database: level = %d, want 0", got)
	}
}

// 同一序列回放两遍产生相同标记（重算幂等）
func TestFirstBloodReplayIdempotent(t *testing.T) {
	svc := &game.Service{ID: 1, Name: "svc1"}
	flags := []game.SubmittedFlag{
		fbFlag(2, 1, 1, 0, 1),
		fbFlag(3, 4, 1, 0, 2),
		fbFlag(2, 4, 1, 0, 3),
		fbFlag(3, 5, 1, 0, 4),
		fbFlag(3, 6, 1, 0, 5),
		fbFlag(2, 5, 1, 0, 6),
	}
	replay := func() map[int64]int {
		sel := newFirstBloodSelector(3, nullFirstBloodStore{})
		marks := make(map[int64]int)
		for _, f := range flags {
			level := mustJudge(t, sel, f, svc)
			if level > 0 {
				marks[f.ID] = level
			}
		}
		return marks
	}
	first := replay()
	second := replay()
	if len(first) != len(second) {
		t.Fatalf("replay mark count differs: %d vs %d", len(first), len(second))
	}
	for id, level := range first {
		if second[id] != level {
			t.Errorf("flag %d: level %d vs %d", id, level, second[id])
		}
	}
	// 每个等级只出现一次
	seen := make(map[int]bool)
	for id, level := range first {
		if seen[level] {
			t.Errorf("level %d awarded twice (flag %d)", level, id)
		}
		seen[level] = true
	}
}
