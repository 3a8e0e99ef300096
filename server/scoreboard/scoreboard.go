// Package scoreboard 把每轮的计分结果导出成静态JSON，
// 前端轮询api目录即可，不给数据库加实时查询压力。
package scoreboard

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"adctf/server/bus"
	"adctf/server/game"
	"adctf/server/scoring"
	"adctf/server/timer"
)

type Writer struct {
	db   *sql.DB
	bus  *bus.Bus
	cfg  *game.Config
	calc *scoring.Calculation
}

func New(db *sql.DB, b *bus.Bus, cfg *game.Config, calc *scoring.Calculation) *Writer {
	return &Writer{db: db, bus: b, cfg: cfg, calc: calc}
}

// serviceCell 某队某服务在一轮里的得分与检查结果
type serviceCell struct {
	Off         float64  `json:"o"`
	Def         float64  `json:"d"`
	SLA         float64  `json:"s"`
	DeltaOff    float64  `json:"do"`
	DeltaDef    float64  `json:"dd"`
	DeltaSLA    float64  `json:"ds"`
	Stolen      int      `json:"st"`
	Captured    int      `json:"cap"`
	DeltaStolen int      `json:"dst"`
	DeltaCap    int      `json:"dcap"`
	Check       string   `json:"c"`
	Message     string   `json:"m"`
	LastChecks  []string `json:"dc"`
}

type teamRow struct {
	TeamID   int           `json:"team_id"`
	Rank     int           `json:"rank"`
	Points   float64       `json:"points"`
	Services []serviceCell `json:"services"`
	Off      float64       `json:"o"`
	Def      float64       `json:"d"`
	SLA      float64       `json:"s"`
	DeltaOff float64       `json:"do"`
	DeltaDef float64       `json:"dd"`
	DeltaSLA float64       `json:"ds"`
}

type serviceSummary struct {
	Name       string `json:"name"`
	Attackers  int    `json:"attackers"`
	Victims    int    `json:"victims"`
	FirstBlood []int  `json:"first_blood"`
}

type tickData struct {
	Tick       int              `json:"tick"`
	Scoreboard []teamRow        `json:"scoreboard"`
	Services   []serviceSummary `json:"services"`
}

// WriteTick 导出一轮结束后的完整榜单
func (w *Writer) WriteTick(ctx context.Context, tick int) error {
	services, err := game.LoadServices(w.db, false)
	if err != nil {
		return err
	}
	ranking, err := w.calc.RankingForTick(tick)
	if err != nil {
		return err
	}

	points, err := w.pointsForTick(tick)
	if err != nil {
		return err
	}
	prevPoints, err := w.pointsForTick(tick - 1)
	if err != nil {
		return err
	}
	checks, err := w.checksForTick(tick)
	if err != nil {
		return err
	}
	// 最近三轮的状态历史，前端画小方块用
	var lastChecks []map[scoring.Key]checkCell
	for t := tick - 1; t >= tick-3; t-- {
		m, err := w.checksForTick(t)
		if err != nil {
			return err
		}
		lastChecks = append(lastChecks, m)
	}

	data := tickData{Tick: tick, Scoreboard: []teamRow{}}
	for _, r := range ranking {
		row := teamRow{TeamID: r.TeamID, Rank: r.Rank, Points: r.Points, Services: []serviceCell{}}
		for _, svc := range services {
			key := scoring.Key{TeamID: r.TeamID, ServiceID: svc.ID}
			pts := points[key]
			prev := prevPoints[key]
			if pts == nil {
				pts = &game.TeamPoints{}
			}
			if prev == nil {
				prev = &game.TeamPoints{}
			}
			check := checks[key]
			cell := serviceCell{
				Off:         pts.OffPoints,
				Def:         pts.DefPoints,
				SLA:         pts.SLAPoints,
				DeltaOff:    pts.OffPoints - prev.OffPoints,
				DeltaDef:    pts.DefPoints - prev.DefPoints,
				DeltaSLA:    pts.SLAPoints - prev.SLAPoints,
				Stolen:      pts.FlagStolenCount,
				Captured:    pts.FlagCapturedCount,
				DeltaStolen: pts.FlagStolenCount - prev.FlagStolenCount,
				DeltaCap:    pts.FlagCapturedCount - prev.FlagCapturedCount,
				Check:       check.status,
				Message:     check.message,
				LastChecks:  []string{},
			}
			for _, m := range lastChecks {
				cell.LastChecks = append(cell.LastChecks, m[key].status)
			}
			row.Off += pts.OffPoints
			row.Def += pts.DefPoints
			row.SLA += pts.SLAPoints
			row.DeltaOff += pts.OffPoints - prev.OffPoints
			row.DeltaDef += pts.DefPoints - prev.DefPoints
			row.DeltaSLA += pts.SLAPoints - prev.SLAPoints
			row.Services = append(row.Services, cell)
		}
		data.Scoreboard = append(data.Scoreboard, row)
	}

	data.Services, err = w.serviceSummaries(services, tick)
	if err != nil {
		return err
	}

	if err := w.writeJSON("api/scoreboard_round_"+strconv.Itoa(tick)+".json", data); err != nil {
		return err
	}
	return w.writeTeamsJSON()
}

type checkCell struct {
	status  string
	message string
}

func (w *Writer) pointsForTick(tick int) (map[scoring.Key]*game.TeamPoints, error) {
	result := make(map[scoring.Key]*game.TeamPoints)
	if tick <= 0 {
		return result, nil
	}
	rows, err := w.db.Query(`
		SELECT team_id, service_id, flag_captured_count, flag_stolen_count,
		       off_points, def_points, sla_points
		FROM team_points WHERE tick = $1`, tick)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		tp := &game.TeamPoints{Tick: tick}
		if err := rows.Scan(&tp.TeamID, &tp.ServiceID, &tp.FlagCapturedCount, &tp.FlagStolenCount,
			&tp.OffPoints, &tp.DefPoints, &tp.SLAPoints); err != nil {
			return nil, err
		}
		result[scoring.Key{TeamID: tp.TeamID, ServiceID: tp.ServiceID}] = tp
	}
	return result, rows.Err()
}

func (w *Writer) checksForTick(tick int) (map[scoring.Key]checkCell, error) {
	result := make(map[scoring.Key]checkCell)
	if tick <= 0 {
		return result, nil
	}
	rows, err := w.db.Query(`SELECT team_id, service_id, status, message FROM checker_results WHERE tick = $1`, tick)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var key scoring.Key
		var cell checkCell
		var msg sql.NullString
		if err := rows.Scan(&key.TeamID, &key.ServiceID, &cell.status, &msg); err != nil {
			return nil, err
		}
		cell.message = msg.String
		result[key] = cell
	}
	return result, rows.Err()
}

// serviceSummaries 服务维度的汇总：攻击/受害队伍数和一血队伍
func (w *Writer) serviceSummaries(services []*game.Service, tick int) ([]serviceSummary, error) {
	summaries := make([]serviceSummary, 0, len(services))
	for _, svc := range services {
		s := serviceSummary{Name: svc.Name, FirstBlood: []int{}}
		if tick > 0 {
			w.db.QueryRow(`
				SELECT COUNT(DISTINCT attacker_id), COUNT(DISTINCT victim_id)
				FROM submitted_flags WHERE service_id = $1 AND tick_submitted <= $2`,
				svc.ID, tick).Scan(&s.Attackers, &s.Victims)
			rows, err := w.db.Query(`
				SELECT DISTINCT attacker_id FROM submitted_flags
				WHERE service_id = $1 AND is_firstblood > 0 AND tick_submitted <= $2
				ORDER BY attacker_id`, svc.ID, tick)
			if err == nil {
				for rows.Next() {
					var id int
					if rows.Scan(&id) == nil {
						s.FirstBlood = append(s.FirstBlood, id)
					}
				}
				rows.Close()
			}
		}
		summaries = append(summaries, s)
	}
	return summaries, nil
}

func (w *Writer) writeTeamsJSON() error {
	teams, err := game.LoadTeams(w.db)
	if err != nil {
		return err
	}
	data := make(map[string]map[string]any, len(teams))
	for _, t := range teams {
		data[strconv.Itoa(t.ID)] = map[string]any{
			"name":    t.Name,
			"vulnbox": t.VulnboxIP,
			"online":  t.SelfVPNUp || t.CloudVPNUp,
		}
	}
	return w.writeJSON("api/teams.json", data)
}

// UpdateTickInfo 刷新scoreboard_current.json并推送scoreboard_tick。
// scoreboardTick<0时保留文件里已有的值（只更新计时信息）。
func (w *Writer) UpdateTickInfo(ctx context.Context, snap timer.Snapshot, scoreboardTick int) error {
	path := filepath.Join(w.cfg.ScoreboardPath, "api", "scoreboard_current.json")
	if scoreboardTick < 0 {
		scoreboardTick = -1
		if blob, err := os.ReadFile(path); err == nil {
			var old struct {
				ScoreboardTick int `json:"scoreboard_tick"`
			}
			if json.Unmarshal(blob, &old) == nil {
				scoreboardTick = old.ScoreboardTick
			}
		}
	}

	var banned []int
	if members, err := w.bus.SMembers(ctx, "network:banned"); err == nil {
		for _, m := range members {
			if id, err := strconv.Atoi(m); err == nil {
				banned = append(banned, id)
			}
		}
		sort.Ints(banned)
	}
	if banned == nil {
		banned = []int{}
	}

	data := map[string]any{
		"current_tick":       snap.CurrentTick,
		"state":              snap.StateName,
		"validity_period":    w.cfg.FlagRoundsValid,
		"current_tick_start": snap.TickStart,
		"current_tick_until": snap.TickEnd,
		"scoreboard_tick":    scoreboardTick,
		"banned_teams":       banned,
	}
	if err := w.writeJSON("api/scoreboard_current.json", data); err != nil {
		return err
	}
	if err := w.bus.Set(ctx, "timing:scoreboard_tick", scoreboardTick); err != nil {
		return err
	}
	return w.bus.Publish(ctx, "timing:scoreboard_tick", scoreboardTick)
}

// writeJSON 先写临时文件再改名，读方永远看到完整文件
func (w *Writer) writeJSON(name string, data any) error {
	blob, err := json.Marshal(data)
	if err != nil {
		return err
	}
	path := filepath.Join(w.cfg.ScoreboardPath, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
