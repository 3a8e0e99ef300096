// Package scoring 每轮的确定性计分：SLA、攻击、防御、一血与排名。
// 纯算法层不碰数据库，相同输入必然产出逐比特相同的结果。
package scoring

import (
	"math"
	"sort"

	"adctf/server/game"
)

// Key (队伍,服务)二元组，计分表的主键
type Key struct {
	TeamID    int
	ServiceID int
}

// StolenFlag 本轮提交的一条flag，带历史提交统计。
// NumPrevious/PreviousSubmitters只统计有效期窗口内的过往提交。
type StolenFlag struct {
	Flag               game.SubmittedFlag
	NumPrevious        int
	NumNow             int
	PreviousSubmitters []int
}

func (f *StolenFlag) offPoints(victimRank int) float64 {
	return 1.0 +
		math.Sqrt(1.0/float64(f.NumPrevious+f.NumNow)) +
		math.Sqrt(1.0/float64(victimRank))
}

func (f *StolenFlag) offPointsPrevious(victimRank int) float64 {
	return 1.0 +
		math.Sqrt(1.0/float64(f.NumPrevious)) +
		math.Sqrt(1.0/float64(victimRank))
}

// defPoints 这条flag到目前为止造成的全部防御损失
func (f *StolenFlag) defPoints(numActive int, victimSLAWhenIssued float64) float64 {
	subs := float64(f.NumPrevious + f.NumNow)
	return math.Pow(subs/float64(numActive), 0.3) * victimSLAWhenIssued
}

// defPointsPrevious 本轮之前已经扣过的部分
func (f *StolenFlag) defPointsPrevious(numActive int, victimSLAWhenIssued float64) float64 {
	if f.NumPrevious == 0 {
		return 0
	}
	return math.Pow(float64(f.NumPrevious)/float64(numActive), 0.3) * victimSLAWhenIssued
}

// TickInput 一轮计分的全部输入
type TickInput struct {
	Tick       int
	Statuses   map[Key]string           // checker状态；缺失视为REVOKED
	LastPoints map[Key]*game.TeamPoints // 上一轮的累计分
	RankAt     map[[2]int]int           // (tick,team) => 名次
	Flags      []StolenFlag             // 按(ts,id)排序

	// 过往轮次的sla_delta查询（flag签发轮的SLA决定防御损失）
	SLADeltaAt func(serviceID, tick int) map[int]float64
	// flag指向未知队伍/服务时的告警回调，可为nil
	InvalidFlag func(f game.SubmittedFlag)
}

// Algorithm 一轮计分的纯算法
type Algorithm struct {
	cfg      game.ScoringConfig
	teamIDs  []int
	services map[int]*game.Service
	svcList  []*game.Service
}

func NewAlgorithm(cfg game.ScoringConfig, teamIDs []int, services []*game.Service) *Algorithm {
	byID := make(map[int]*game.Service, len(services))
	for _, s := range services {
		byID[s.ID] = s
	}
	return &Algorithm{cfg: cfg, teamIDs: teamIDs, services: byID, svcList: services}
}

// FirstSteal 判定结果里NumPrevious=0且本轮首次出现的flag，
// 调用方据此做一血标记
type FirstSteal struct {
	Flag game.SubmittedFlag
}

// ComputeTick 算出本轮的累计计分。第二个返回值是本轮新失窃的flag
// （按提交顺序），第三个是本轮各队伍各服务的sla_delta。
func (a *Algorithm) ComputeTick(in TickInput) (map[Key]*game.TeamPoints, []FirstSteal, map[Key]float64) {
	points := make(map[Key]*game.TeamPoints, len(a.teamIDs)*len(a.svcList))
	for _, teamID := range a.teamIDs {
		for _, svc := range a.svcList {
			points[Key{teamID, svc.ID}] = &game.TeamPoints{Tick: in.Tick, TeamID: teamID, ServiceID: svc.ID}
		}
	}
	// 此处开始points只含本轮增量，最后一步才叠加上一轮

	numActive, slaDeltas := a.computeSLA(in, points)

	// sla_delta缓存：(service,tick) => team => delta
	slaDeltaFor := map[[2]int]map[int]float64{}
	currentSLA := make(map[int]map[int]float64)
	for k, v := range slaDeltas {
		if currentSLA[k.ServiceID] == nil {
			currentSLA[k.ServiceID] = make(map[int]float64)
		}
		currentSLA[k.ServiceID][k.TeamID] = v
	}
	for sid, m := range currentSLA {
		slaDeltaFor[[2]int{sid, in.Tick}] = m
	}

	var firstSteals []FirstSteal
	seenThisTick := map[[4]int]bool{} // service, victim, tick_issued, payload
	firstThisTick := map[[4]int]bool{}

	for i := range in.Flags {
		f := &in.Flags[i]
		svc, okSvc := a.services[f.Flag.ServiceID]
		attacker, okAtk := points[Key{f.Flag.AttackerID, f.Flag.ServiceID}]
		victim, okVic := points[Key{f.Flag.VictimID, f.Flag.ServiceID}]
		if !okSvc || !okAtk || !okVic {
			if in.InvalidFlag != nil {
				in.InvalidFlag(f.Flag)
			}
			continue
		}
		perTick := svc.FlagsPerTick
		if perTick <= 0 {
			perTick = 1
		}
		// 受害者的名次取flag签发前一轮的排名
		victimRank, ok := in.RankAt[[2]int{f.Flag.TickIssued - 1, f.Flag.VictimID}]
		if !ok || victimRank <= 0 {
			victimRank = len(a.teamIDs)
		}

		// 攻击方得分，每次提交都给
		attacker.FlagCapturedCount++
		attacker.OffPoints += f.offPoints(victimRank) / perTick * a.cfg.OffFactor

		flagKey := [4]int{f.Flag.ServiceID, f.Flag.VictimID, f.Flag.TickIssued, f.Flag.Payload}
		if !seenThisTick[flagKey] {
			seenThisTick[flagKey] = true

			// 受害方扣分，每条flag每轮只扣一次
			issuedKey := [2]int{f.Flag.ServiceID, f.Flag.TickIssued}
			if _, ok := slaDeltaFor[issuedKey]; !ok {
				if in.SLADeltaAt != nil {
					slaDeltaFor[issuedKey] = in.SLADeltaAt(f.Flag.ServiceID, f.Flag.TickIssued)
				} else {
					slaDeltaFor[issuedKey] = nil
				}
			}
			victimSLA := slaDeltaFor[issuedKey][f.Flag.VictimID]
			newDamage := f.defPoints(numActive, victimSLA)
			prevDamage := f.defPointsPrevious(numActive, victimSLA)
			victim.DefPoints -= (newDamage - prevDamage) / perTick * a.cfg.DefFactor

			// flag贬值，过往提交者的得分同步回调
			if f.NumPrevious > 0 {
				delta := (f.offPoints(victimRank) - f.offPointsPrevious(victimRank)) / perTick * a.cfg.OffFactor
				for _, ps := range f.PreviousSubmitters {
					if p, ok := points[Key{ps, f.Flag.ServiceID}]; ok {
						p.OffPoints += delta
					}
				}
			}
		}
		if f.NumPrevious == 0 && !firstThisTick[flagKey] {
			firstThisTick[flagKey] = true
			victim.FlagStolenCount++
			firstSteals = append(firstSteals, FirstSteal{Flag: f.Flag})
		}
	}

	// 叠加上一轮的累计分
	for key, tp := range points {
		if last, ok := in.LastPoints[key]; ok {
			tp.OffPoints += last.OffPoints
			tp.DefPoints += last.DefPoints
			tp.SLAPoints = last.SLAPoints + tp.SLADelta
			tp.FlagCapturedCount += last.FlagCapturedCount
			tp.FlagStolenCount += last.FlagStolenCount
		} else {
			tp.SLAPoints = tp.SLADelta
		}
	}
	return points, firstSteals, slaDeltas
}

// computeSLA 算出各(队伍,服务)的sla_delta与活跃队伍数。
// SUCCESS计满分，RECOVERING计半分；活跃=有SLA分或状态表明服务还活着。
func (a *Algorithm) computeSLA(in TickInput, points map[Key]*game.TeamPoints) (int, map[Key]float64) {
	active := map[int]bool{}
	raw := make(map[Key]float64, len(points))
	for key := range points {
		status, ok := in.Statuses[key]
		if !ok {
			status = game.StatusRevoked
		}
		var slaRaw float64
		switch status {
		case game.StatusSuccess:
			slaRaw = 1.0
		case game.StatusRecovering:
			slaRaw = 0.5
		}
		if slaRaw > 0 || status == game.StatusFlagMissing || status == game.StatusRecovering {
			active[key.TeamID] = true
		}
		raw[key] = slaRaw
	}
	numActive := len(active)
	if numActive < 1 {
		numActive = 1
	}
	deltas := make(map[Key]float64, len(points))
	scale := a.cfg.SLAFactor * math.Sqrt(float64(numActive))
	for key, tp := range points {
		tp.SLADelta = raw[key] * scale
		deltas[key] = tp.SLADelta
	}
	return numActive, deltas
}

// OrderByPoints 按总分降序排名并回填rank。同分同名次；
// 名次计数只在分数大于0时递增，0分队伍共享垫底名次。
func OrderByPoints(ranking []*game.TeamRanking) {
	sort.Slice(ranking, func(i, j int) bool {
		if ranking[i].Points != ranking[j].Points {
			return ranking[i].Points > ranking[j].Points
		}
		return ranking[i].TeamID < ranking[j].TeamID
	})
	i := 1
	var prev *game.TeamRanking
	for _, r := range ranking {
		if prev != nil && prev.Points == r.Points {
			r.Rank = prev.Rank
		} else {
			r.Rank = i
		}
		prev = r
		if r.Points > 0 {
			i++
		}
	}
}
