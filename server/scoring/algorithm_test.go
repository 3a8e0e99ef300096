package scoring

import (
	"math"
	"testing"
	"time"

	"adctf/server/game"
)

func testAlgorithm() *Algorithm {
	services := []*game.Service{
		{ID: 1, Name: "svc1", FlagsPerTick: 1},
		{ID: 2, Name: "svc2", FlagsPerTick: 1},
	}
	return NewAlgorithm(game.ScoringConfig{SLAFactor: 1, OffFactor: 1, DefFactor: 1},
		[]int{1, 2, 3, 4}, services)
}

func allSuccess(teams, services []int) map[Key]string {
	m := make(map[Key]string)
	for _, t := range teams {
		for _, s := range services {
			m[Key{t, s}] = game.StatusSuccess
		}
	}
	return m
}

func flagAt(attacker, victim, service, issued, submitted int, seq int) game.SubmittedFlag {
	return game.SubmittedFlag{
		ID:            int64(seq),
		AttackerID:    attacker,
		VictimID:      victim,
		ServiceID:     service,
		TickIssued:    issued,
		TickSubmitted: submitted,
		Ts:            time.Unix(int64(1700000000+seq), 0),
	}
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

// 4支队伍全部SUCCESS时，每轮每服务的SLA增量是sla_factor*sqrt(4)
func TestSLAAllOnline(t *testing.T) {
	a := testAlgorithm()
	points, _, deltas := a.ComputeTick(TickInput{
		Tick:     1,
		Statuses: allSuccess([]int{1, 2, 3, 4}, []int{1, 2}),
	})
	want := math.Sqrt(4)
	for key, d := range deltas {
		if !almostEqual(d, want) {
			t.Errorf("sla delta %v = %f, want %f", key, d, want)
		}
	}
	if p := points[Key{1, 1}]; !almostEqual(p.SLAPoints, want) {
		t.Errorf("sla points = %f, want %f", p.SLAPoints, want)
	}
}

// RECOVERING算半个SLA，且计入活跃队伍数
func TestSLARecoveringHalf(t *testing.T) {
	a := testAlgorithm()
	statuses := allSuccess([]int{1, 2, 3}, []int{1, 2})
	statuses[Key{4, 1}] = game.StatusRecovering
	statuses[Key{4, 2}] = game.StatusOffline

	_, _, deltas := a.ComputeTick(TickInput{Tick: 1, Statuses: statuses})
	scale := math.Sqrt(4) // 队伍4因RECOVERING仍然活跃
	if !almostEqual(deltas[Key{4, 1}], 0.5*scale) {
		t.Errorf("recovering delta = %f, want %f", deltas[Key{4, 1}], 0.5*scale)
	}
	if !almostEqual(deltas[Key{4, 2}], 0) {
		t.Errorf("offline delta = %f, want 0", deltas[Key{4, 2}])
	}
	if !almostEqual(deltas[Key{1, 1}], scale) {
		t.Errorf("success delta = %f, want %f", deltas[Key{1, 1}], scale)
	}
}

// 全员宕机时活跃数按1处理，不会除零
func TestSLANobodyOnline(t *testing.T) {
	a := testAlgorithm()
	_, _, deltas := a.ComputeTick(TickInput{Tick: 1, Statuses: map[Key]string{}})
	for key, d := range deltas {
		if d != 0 {
			t.Errorf("delta %v = %f, want 0", key, d)
		}
	}
}

// 单次提交的攻防分值
func TestSingleSteal(t *testing.T) {
	a := testAlgorithm()
	in := TickInput{
		Tick:     5,
		Statuses: allSuccess([]int{1, 2, 3, 4}, []int{1, 2}),
		RankAt:   map[[2]int]int{{4, 2}: 1},
		Flags:    []StolenFlag{{Flag: flagAt(1, 2, 1, 5, 5, 1), NumNow: 1}},
		SLADeltaAt: func(serviceID, tick int) map[int]float64 {
			t.Fatalf("should not query past sla for current tick")
			return nil
		},
	}
	points, firstSteals, deltas := a.ComputeTick(in)

	wantOff := 1.0 + math.Sqrt(1.0/1.0) + math.Sqrt(1.0/1.0)
	if p := points[Key{1, 1}]; !almostEqual(p.OffPoints, wantOff) || p.FlagCapturedCount != 1 {
		t.Errorf("attacker = %+v, want off %f", p, wantOff)
	}

	victimSLA := deltas[Key{2, 1}]
	wantDef := -math.Pow(1.0/4.0, 0.3) * victimSLA
	if p := points[Key{2, 1}]; !almostEqual(p.DefPoints, wantDef) || p.FlagStolenCount != 1 {
		t.Errorf("victim = %+v, want def %f", p, wantDef)
	}
	if len(firstSteals) != 1 || firstSteals[0].Flag.ID != 1 {
		t.Errorf("firstSteals = %+v", firstSteals)
	}
}

// 排名缺失时受害者按垫底名次算，攻击分最低
func TestStealUnknownRankFallsBack(t *testing.T) {
	a := testAlgorithm()
	points, _, _ := a.ComputeTick(TickInput{
		Tick:     5,
		Statuses: allSuccess([]int{1, 2, 3, 4}, []int{1, 2}),
		Flags:    []StolenFlag{{Flag: flagAt(1, 2, 1, 5, 5, 1), NumNow: 1}},
	})
	wantOff := 1.0 + 1.0 + math.Sqrt(1.0/4.0)
	if p := points[Key{1, 1}]; !almostEqual(p.OffPoints, wantOff) {
		t.Errorf("off = %f, want %f", p.OffPoints, wantOff)
	}
}

// 同一条flag被多队提交：价值贬值，受害者整轮只扣一次
func TestSharedStealDevaluation(t *testing.T) {
	a := testAlgorithm()
	points, firstSteals, deltas := a.ComputeTick(TickInput{
		Tick:     5,
		Statuses: allSuccess([]int{1, 2, 3, 4}, []int{1, 2}),
		RankAt:   map[[2]int]int{{4, 2}: 1},
		Flags: []StolenFlag{
			{Flag: flagAt(1, 2, 1, 5, 5, 1), NumNow: 2},
			{Flag: flagAt(3, 2, 1, 5, 5, 2), NumNow: 2},
		},
	})

	wantOff := 1.0 + math.Sqrt(1.0/2.0) + 1.0
	for _, attacker := range []int{1, 3} {
		if p := points[Key{attacker, 1}]; !almostEqual(p.OffPoints, wantOff) {
			t.Errorf("attacker %d off = %f, want %f", attacker, p.OffPoints, wantOff)
		}
	}

	victimSLA := deltas[Key{2, 1}]
	wantDef := -math.Pow(2.0/4.0, 0.3) * victimSLA
	if p := points[Key{2, 1}]; !almostEqual(p.DefPoints, wantDef) {
		t.Errorf("victim def = %f, want %f (must be charged once)", p.DefPoints, wantDef)
	}
	if p := points[Key{2, 1}]; p.FlagStolenCount != 1 {
		t.Errorf("flag stolen count = %d, want 1", p.FlagStolenCount)
	}
	if len(firstSteals) != 1 {
		t.Errorf("firstSteals = %+v, want one entry per flag", firstSteals)
	}
}

// 后续轮次的重复提交：过往提交者的得分回调，受害者按差额追扣
func TestRetroactiveDevaluation(t *testing.T) {
	a := testAlgorithm()
	issuedSLA := map[int]float64{2: 1.7}
	points, firstSteals, _ := a.ComputeTick(TickInput{
		Tick:     7,
		Statuses: allSuccess([]int{1, 2, 3, 4}, []int{1, 2}),
		RankAt:   map[[2]int]int{{4, 2}: 1},
		Flags: []StolenFlag{
			{Flag: flagAt(3, 2, 1, 5, 7, 1), NumPrevious: 1, NumNow: 1, PreviousSubmitters: []int{1}},
		},
		SLADeltaAt: func(serviceID, tick int) map[int]float64 {
			if serviceID != 1 || tick != 5 {
				t.Fatalf("unexpected sla query (%d, %d)", serviceID, tick)
			}
			return issuedSLA
		},
	})

	wantOff := 1.0 + math.Sqrt(1.0/2.0) + 1.0
	wantOffPrev := 1.0 + math.Sqrt(1.0/1.0) + 1.0
	if p := points[Key{3, 1}]; !almostEqual(p.OffPoints, wantOff) {
		t.Errorf("new attacker off = %f, want %f", p.OffPoints, wantOff)
	}
	if p := points[Key{1, 1}]; !almostEqual(p.OffPoints, wantOff-wantOffPrev) {
		t.Errorf("previous attacker delta = %f, want %f", p.OffPoints, wantOff-wantOffPrev)
	}

	wantDef := -(math.Pow(2.0/4.0, 0.3) - math.Pow(1.0/4.0, 0.3)) * 1.7
	if p := points[Key{2, 1}]; !almostEqual(p.DefPoints, wantDef) {
		t.Errorf("victim def = %f, want %f", p.DefPoints, wantDef)
	}
	if len(firstSteals) != 0 {
		t.Errorf("resubmission must not count as first steal: %+v", firstSteals)
	}
}

// 指向未知队伍/服务的flag跳过并回调告警
func TestInvalidFlagSkipped(t *testing.T) {
	a := testAlgorithm()
	var invalid []int64
	points, _, _ := a.ComputeTick(TickInput{
		Tick:     5,
		Statuses: allSuccess([]int{1, 2, 3, 4}, []int{1, 2}),
		Flags: []StolenFlag{
			{Flag: flagAt(1, 99, 1, 5, 5, 1), NumNow: 1},
			{Flag: flagAt(1, 2, 77, 5, 5, 2), NumNow: 1},
		},
		InvalidFlag: func(f game.SubmittedFlag) { invalid = append(invalid, f.ID) },
	})
	if len(invalid) != 2 {
		t.Errorf("invalid callbacks = %v", invalid)
	}
	if p := points[Key{1, 1}]; p.OffPoints != 0 || p.FlagCapturedCount != 0 {
		t.Errorf("attacker must not score: %+v", p)
	}
}

// 累计分在上一轮基础上叠加
func TestCumulativeAccumulation(t *testing.T) {
	a := testAlgorithm()
	last := map[Key]*game.TeamPoints{}
	for _, teamID := range []int{1, 2, 3, 4} {
		for _, svcID := range []int{1, 2} {
			last[Key{teamID, svcID}] = &game.TeamPoints{
				Tick: 4, TeamID: teamID, ServiceID: svcID,
				OffPoints: 10, DefPoints: -3, SLAPoints: 8, FlagCapturedCount: 5, FlagStolenCount: 2,
			}
		}
	}
	points, _, _ := a.ComputeTick(TickInput{
		Tick:       5,
		Statuses:   allSuccess([]int{1, 2, 3, 4}, []int{1, 2}),
		LastPoints: last,
	})
	p := points[Key{1, 1}]
	if p.OffPoints != 10 || p.DefPoints != -3 {
		t.Errorf("off/def = %f/%f", p.OffPoints, p.DefPoints)
	}
	if want := 8 + math.Sqrt(4); !almostEqual(p.SLAPoints, want) {
		t.Errorf("sla = %f, want %f", p.SLAPoints, want)
	}
	if p.FlagCapturedCount != 5 || p.FlagStolenCount != 2 {
		t.Errorf("counters = %d/%d", p.FlagCapturedCount, p.FlagStolenCount)
	}
}

// 相同输入必须产出逐比特相同的结果
func TestDeterminism(t *testing.T) {
	a := testAlgorithm()
	input := func() TickInput {
		return TickInput{
			Tick:     5,
			Statuses: allSuccess([]int{1, 2, 3, 4}, []int{1, 2}),
			RankAt:   map[[2]int]int{{4, 1}: 2, {4, 2}: 1, {4, 3}: 3, {4, 4}: 3},
			Flags: []StolenFlag{
				{Flag: flagAt(1, 2, 1, 5, 5, 1), NumNow: 2},
				{Flag: flagAt(3, 2, 1, 5, 5, 2), NumNow: 2},
				{Flag: flagAt(2, 4, 2, 5, 5, 3), NumNow: 1},
			},
		}
	}
	first, _, _ := a.ComputeTick(input())
	for i := 0; i < 5; i++ {
		again, _, _ := a.ComputeTick(input())
		for key, tp := range first {
			got := again[key]
			if tp.OffPoints != got.OffPoints || tp.DefPoints != got.DefPoints || tp.SLAPoints != got.SLAPoints {
				t.Fatalf("run %d: %v diverged: %+v vs %+v", i, key, tp, got)
			}
		}
	}
}

func TestOrderByPoints(t *testing.T) {
	ranking := []*game.TeamRanking{
		{TeamID: 1, Points: 10},
		{TeamID: 2, Points: 30},
		{TeamID: 3, Points: 10},
		{TeamID: 4, Points: 0},
		{TeamID: 5, Points: 0},
	}
	OrderByPoints(ranking)

	want := []struct {
		teamID, rank int
	}{{2, 1}, {1, 2}, {3, 2}, {4, 4}, {5, 4}}
	for i, w := range want {
		if ranking[i].TeamID != w.teamID || ranking[i].Rank != w.rank {
			t.Errorf("pos %d = team %d rank %d, want team %d rank %d",
				i, ranking[i].TeamID, ranking[i].Rank, w.teamID, w.rank)
		}
	}
}

func TestOrderByPointsAllZero(t *testing.T) {
	ranking := []*game.TeamRanking{
		{TeamID: 2, Points: 0},
		{TeamID: 1, Points: 0},
	}
	OrderByPoints(ranking)
	if ranking[0].TeamID != 1 || ranking[0].Rank != 1 || ranking[1].Rank != 1 {
		t.Errorf("ranking = %+v, %+v", ranking[0], ranking[1])
	}
}
