package scoring

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"adctf/server/game"
	"adctf/server/logs"
)

// Calculation 计分的数据库层：取数、调用纯算法、落库。
// 计算某轮时若上一轮缺失会先递归补算。
type Calculation struct {
	db  *sql.DB
	cfg *game.Config

	mu sync.Mutex
	fb *firstBloodSelector
}

func NewCalculation(db *sql.DB, cfg *game.Config) *Calculation {
	return &Calculation{db: db, cfg: cfg,
		fb: newFirstBloodSelector(cfg.FirstBloodLevel, dbFirstBloodStore{db})}
}

// ResetCache 计算出错后必须清缓存再重试，否则一血标记可能漏打
func (c *Calculation) ResetCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fb.reset()
}

// ScoreAndRank 一轮计分的入口：先算积分再算排名
func (c *Calculation) ScoreAndRank(tick int) error {
	if err := c.ComputeTick(tick); err != nil {
		c.ResetCache()
		return err
	}
	if err := c.RankTick(tick); err != nil {
		c.ResetCache()
		return err
	}
	return nil
}

// ComputeTick 重算一轮的TeamPoints
func (c *Calculation) ComputeTick(tick int) error {
	teamIDs, err := c.teamIDs()
	if err != nil {
		return err
	}
	services, err := game.LoadServices(c.db, false)
	if err != nil {
		return err
	}

	statuses, err := c.checkerStatuses(tick)
	if err != nil {
		return err
	}
	lastPoints, err := c.resultsForTick(tick-1, teamIDs, services)
	if err != nil {
		return err
	}
	ranks, err := c.ranksForWindow(tick)
	if err != nil {
		return err
	}
	flags, err := c.stolenFlags(tick)
	if err != nil {
		return err
	}

	algo := NewAlgorithm(c.cfg.Scoring, teamIDs, services)
	points, firstSteals, _ := algo.ComputeTick(TickInput{
		Tick:       tick,
		Statuses:   statuses,
		LastPoints: lastPoints,
		RankAt:     ranks,
		Flags:      flags,
		SLADeltaAt: func(serviceID, t int) map[int]float64 {
			m, err := c.slaDeltaFor(serviceID, t)
			if err != nil {
				return nil
			}
			return m
		},
		InvalidFlag: func(f game.SubmittedFlag) {
			logs.Log(c.db, "scoring", "Flag submitted for invalid team/service",
				fmt.Sprintf("flag #%d (%d, %d)", f.ID, f.VictimID, f.ServiceID), logs.LevelWarning)
		},
	})

	byID := make(map[int]*game.Service, len(services))
	for _, s := range services {
		byID[s.ID] = s
	}
	for _, fs := range firstSteals {
		if svc, ok := byID[fs.Flag.ServiceID]; ok {
			if err := c.markFirstBlood(fs.Flag, svc, true); err != nil {
				return err
			}
		}
	}

	return c.saveTeamPoints(tick, points)
}

func (c *Calculation) teamIDs() ([]int, error) {
	rows, err := c.db.Query(`SELECT id FROM teams WHERE deleted = FALSE ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// checkerStatuses 取一轮的checker状态；tick<=0返回空表（全按REVOKED算）
func (c *Calculation) checkerStatuses(tick int) (map[Key]string, error) {
	statuses := make(map[Key]string)
	if tick <= 0 {
		return statuses, nil
	}
	rows, err := c.db.Query(`SELECT team_id, service_id, status FROM checker_results WHERE tick = $1`, tick)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var k Key
		var status string
		if err := rows.Scan(&k.TeamID, &k.ServiceID, &status); err != nil {
			return nil, err
		}
		statuses[k] = status
	}
	return statuses, rows.Err()
}

// resultsForTick 取某轮的累计分；行数不全说明该轮没算过，先补算
func (c *Calculation) resultsForTick(tick int, teamIDs []int, services []*game.Service) (map[Key]*game.TeamPoints, error) {
	result := make(map[Key]*game.TeamPoints)
	if tick <= 0 {
		for _, teamID := range teamIDs {
			for _, svc := range services {
				result[Key{teamID, svc.ID}] = &game.TeamPoints{Tick: tick, TeamID: teamID, ServiceID: svc.ID}
			}
		}
		return result, nil
	}

	load := func() (int, error) {
		rows, err := c.db.Query(`
			SELECT team_id, service_id, flag_captured_count, flag_stolen_count,
			       off_points, def_points, sla_points, sla_delta
			FROM team_points WHERE tick = $1`, tick)
		if err != nil {
			return 0, err
		}
		defer rows.Close()
		n := 0
		for rows.Next() {
			tp := &game.TeamPoints{Tick: tick}
			if err := rows.Scan(&tp.TeamID, &tp.ServiceID, &tp.FlagCapturedCount, &tp.FlagStolenCount,
				&tp.OffPoints, &tp.DefPoints, &tp.SLAPoints, &tp.SLADelta); err != nil {
				return 0, err
			}
			result[Key{tp.TeamID, tp.ServiceID}] = tp
			n++
		}
		return n, rows.Err()
	}

	n, err := load()
	if err != nil {
		return nil, err
	}
	if n < len(teamIDs)*len(services) {
		if err := c.ComputeTick(tick); err != nil {
			return nil, err
		}
		if _, err := load(); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// stolenFlags 取本轮提交的flag并统计窗口内的历史提交者
func (c *Calculation) stolenFlags(tick int) ([]StolenFlag, error) {
	window := tick - c.cfg.FlagRoundsValid - 2
	rows, err := c.db.Query(`
		SELECT f.id, f.attacker_id, f.victim_id, f.service_id, f.tick_issued, f.payload,
		       f.tick_submitted, f.ts,
		       COUNT(DISTINCT p.attacker_id),
		       COUNT(DISTINCT n.id),
		       COALESCE(STRING_AGG(DISTINCT p.attacker_id::text, ','), '')
		FROM submitted_flags f
		LEFT JOIN submitted_flags p
		  ON p.tick_submitted < $1 AND p.tick_submitted >= $2
		 AND p.victim_id = f.victim_id AND p.service_id = f.service_id
		 AND p.tick_issued = f.tick_issued AND p.payload = f.payload
		LEFT JOIN submitted_flags n
		  ON n.tick_submitted = $1
		 AND n.victim_id = f.victim_id AND n.service_id = f.service_id
		 AND n.tick_issued = f.tick_issued AND n.payload = f.payload
		WHERE f.tick_submitted = $1
		GROUP BY f.id
		ORDER BY f.ts, f.tick_submitted, f.id`, tick, window)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flags []StolenFlag
	for rows.Next() {
		var sf StolenFlag
		var prevIDs string
		var ts time.Time
		if err := rows.Scan(&sf.Flag.ID, &sf.Flag.AttackerID, &sf.Flag.VictimID, &sf.Flag.ServiceID,
			&sf.Flag.TickIssued, &sf.Flag.Payload, &sf.Flag.TickSubmitted, &ts,
			&sf.NumPrevious, &sf.NumNow, &prevIDs); err != nil {
			return nil, err
		}
		sf.Flag.Ts = ts
		if prevIDs != "" {
			for _, s := range strings.Split(prevIDs, ",") {
				id, err := strconv.Atoi(s)
				if err != nil {
					return nil, fmt.Errorf("previous submitter id %q: %w", s, err)
				}
				sf.PreviousSubmitters = append(sf.PreviousSubmitters, id)
			}
		}
		flags = append(flags, sf)
	}
	return flags, rows.Err()
}

// ranksForWindow 取flag有效期窗口内各轮的排名
func (c *Calculation) ranksForWindow(tick int) (map[[2]int]int, error) {
	rows, err := c.db.Query(`
		SELECT tick, team_id, rank FROM team_rankings
		WHERE tick >= $1 AND tick < $2`, tick-c.cfg.FlagRoundsValid-1, tick)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ranks := make(map[[2]int]int)
	for rows.Next() {
		var t, teamID, rank int
		if err := rows.Scan(&t, &teamID, &rank); err != nil {
			return nil, err
		}
		ranks[[2]int{t, teamID}] = rank
	}
	return ranks, rows.Err()
}

func (c *Calculation) slaDeltaFor(serviceID, tick int) (map[int]float64, error) {
	rows, err := c.db.Query(`
		SELECT team_id, sla_delta FROM team_points
		WHERE service_id = $1 AND tick = $2`, serviceID, tick)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := make(map[int]float64)
	for rows.Next() {
		var teamID int
		var delta float64
		if err := rows.Scan(&teamID, &delta); err != nil {
			return nil, err
		}
		result[teamID] = delta
	}
	return result, rows.Err()
}

// saveTeamPoints 整轮重写team_points（幂等）
func (c *Calculation) saveTeamPoints(tick int, points map[Key]*game.TeamPoints) error {
	tx, err := c.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM team_points WHERE tick = $1`, tick); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`
		INSERT INTO team_points (tick, team_id, service_id, flag_captured_count, flag_stolen_count,
		                         off_points, def_points, sla_points, sla_delta)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, tp := range points {
		if _, err := stmt.Exec(tick, tp.TeamID, tp.ServiceID, tp.FlagCapturedCount, tp.FlagStolenCount,
			tp.OffPoints, tp.DefPoints, tp.SLAPoints, tp.SLADelta); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RankTick 汇总一轮的总分并写入排名
func (c *Calculation) RankTick(tick int) error {
	teamIDs, err := c.teamIDs()
	if err != nil {
		return err
	}
	services, err := game.LoadServices(c.db, false)
	if err != nil {
		return err
	}
	points, err := c.resultsForTick(tick, teamIDs, services)
	if err != nil {
		return err
	}

	totals := make(map[int]*game.TeamRanking, len(teamIDs))
	ranking := make([]*game.TeamRanking, 0, len(teamIDs))
	for _, id := range teamIDs {
		r := &game.TeamRanking{Tick: tick, TeamID: id}
		totals[id] = r
		ranking = append(ranking, r)
	}
	for _, tp := range points {
		if r, ok := totals[tp.TeamID]; ok {
			r.Points += tp.OffPoints + tp.DefPoints + tp.SLAPoints
		}
	}
	OrderByPoints(ranking)

	tx, err := c.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM team_rankings WHERE tick = $1`, tick); err != nil {
		return err
	}
	for _, r := range ranking {
		if _, err := tx.Exec(`INSERT INTO team_rankings (tick, team_id, rank, points) VALUES ($1, $2, $3, $4)`,
			tick, r.TeamID, r.Rank, r.Points); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RankingForTick 读取一轮排名，缺失时现算
func (c *Calculation) RankingForTick(tick int) ([]*game.TeamRanking, error) {
	if tick <= 0 {
		teamIDs, err := c.teamIDs()
		if err != nil {
			return nil, err
		}
		ranking := make([]*game.TeamRanking, 0, len(teamIDs))
		for _, id := range teamIDs {
			ranking = append(ranking, &game.TeamRanking{Tick: 0, TeamID: id, Rank: 1})
		}
		return ranking, nil
	}
	load := func() ([]*game.TeamRanking, error) {
		rows, err := c.db.Query(`
			SELECT team_id, rank, points FROM team_rankings
			WHERE tick = $1 ORDER BY rank, team_id`, tick)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		var ranking []*game.TeamRanking
		for rows.Next() {
			r := &game.TeamRanking{Tick: tick}
			if err := rows.Scan(&r.TeamID, &r.Rank, &r.Points); err != nil {
				return nil, err
			}
			ranking = append(ranking, r)
		}
		return ranking, rows.Err()
	}
	ranking, err := load()
	if err != nil {
		return nil, err
	}
	if len(ranking) == 0 {
		if err := c.RankTick(tick); err != nil {
			return nil, err
		}
		return load()
	}
	return ranking, nil
}
