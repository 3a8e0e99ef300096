// Package dispatcher 每轮的编排：把(队伍×服务)展开成任务组投入队列，
// 轮末撤销未跑任务、按截止时间收集结果并对缺失项补写最坏情况状态。
package dispatcher

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"adctf/server/bus"
	"adctf/server/game"
	"adctf/server/logs"
	"adctf/server/queue"
)

type Dispatcher struct {
	db  *sql.DB
	bus *bus.Bus
	q   *queue.Client
	cfg *game.Config
}

func New(db *sql.DB, b *bus.Bus, q *queue.Client, cfg *game.Config) *Dispatcher {
	return &Dispatcher{db: db, bus: b, q: q, cfg: cfg}
}

func groupIDKey(tick int) string { return fmt.Sprintf("dispatcher:taskgroup:%d:id", tick) }
func orderKey(tick int) string   { return fmt.Sprintf("dispatcher:taskgroup:%d:order", tick) }

// Dispatch 投放一轮的全部checker任务。顺序随机打散，
// (队伍,服务)顺序与任务id的对应关系持久化，collect阶段按序回查。
func (d *Dispatcher) Dispatch(ctx context.Context, tick int) error {
	teams, err := game.LoadTeams(d.db)
	if err != nil {
		return err
	}
	if d.cfg.DispatchCheckVPN {
		connected := teams[:0]
		for _, t := range teams {
			if t.SelfVPNUp || t.CloudVPNUp {
				connected = append(connected, t)
			}
		}
		teams = connected
	}
	services, err := game.LoadServices(d.db, true)
	if err != nil {
		return err
	}
	if len(teams) == 0 || len(services) == 0 {
		return nil
	}

	type combo struct {
		team *game.Team
		svc  *game.Service
	}
	combos := make([]combo, 0, len(teams)*len(services))
	for _, t := range teams {
		for _, s := range services {
			combos = append(combos, combo{t, s})
		}
	}
	rand.Shuffle(len(combos), func(i, j int) { combos[i], combos[j] = combos[j], combos[i] })

	tasks := make([]*queue.Task, len(combos))
	order := make([][2]int, len(combos))
	for i, c := range combos {
		tasks[i] = buildTask(c.svc, c.team.ID, tick, "")
		order[i] = [2]int{c.team.ID, c.svc.ID}
	}

	groupID, err := d.q.SubmitGroup(ctx, tasks)
	if err != nil {
		return err
	}
	orderBlob, _ := json.Marshal(order)
	if err := d.bus.Set(ctx, groupIDKey(tick), groupID); err != nil {
		return err
	}
	if err := d.bus.Set(ctx, orderKey(tick), string(orderBlob)); err != nil {
		return err
	}

	if err := d.writeAttackInfo(teams, services, tick); err != nil {
		logs.Log(d.db, "dispatcher", "attack.json write failed", err.Error(), logs.LevelWarning)
	}
	return nil
}

// buildTask 组装任务签名。子进程模式外加5秒裕量，hard limit再加5秒。
func buildTask(svc *game.Service, teamID, tick int, pkg string) *queue.Task {
	soft := svc.TimeoutSec
	if svc.Subprocess {
		soft += 5
	}
	if pkg == "" {
		pkg = svc.Package
	}
	return &queue.Task{
		Queue:        svc.Route,
		RunnerSpec:   svc.RunnerSpec,
		Package:      pkg,
		CheckerSpec:  svc.CheckerSpec,
		ServiceID:    svc.ID,
		TeamID:       teamID,
		Tick:         tick,
		SoftLimitSec: soft,
		HardLimitSec: soft + 5,
	}
}

// DispatchTest 手动触发单个(队伍,服务)的测试执行，先清掉旧结果
func (d *Dispatcher) DispatchTest(ctx context.Context, team *game.Team, svc *game.Service, tick int, pkg string) (string, error) {
	_, err := d.db.Exec(`DELETE FROM checker_results WHERE tick = $1 AND team_id = $2 AND service_id = $3`,
		tick, team.ID, svc.ID)
	if err != nil {
		return "", err
	}
	task := buildTask(svc, team.ID, tick, pkg)
	task.ID = queue.NewID()
	_, err = d.db.Exec(`
		INSERT INTO checker_results (tick, team_id, service_id, status, task_id)
		VALUES ($1, $2, $3, 'PENDING', $4)`,
		tick, team.ID, svc.ID, task.ID)
	if err != nil {
		return "", err
	}
	if err := d.q.Submit(ctx, task); err != nil {
		return "", err
	}
	return task.ID, nil
}

// Revoke 轮次结束时撤销整组任务，稍候片刻让worker看到撤销标记
func (d *Dispatcher) Revoke(ctx context.Context, tick int) error {
	groupID, ok, err := d.bus.GetString(ctx, groupIDKey(tick))
	if err != nil || !ok {
		return err
	}
	if err := d.q.RevokeGroup(ctx, groupID); err != nil {
		return err
	}
	time.Sleep(500 * time.Millisecond)
	return nil
}

// Collect 对照投放顺序逐个回查任务状态，给没有结果的组合补写
// 最坏情况记录，并按缺口规模发出告警。
func (d *Dispatcher) Collect(ctx context.Context, tick int) error {
	if tick <= 0 {
		return nil
	}
	groupID, ok, err := d.bus.GetString(ctx, groupIDKey(tick))
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	orderStr, ok, err := d.bus.GetString(ctx, orderKey(tick))
	if err != nil || !ok {
		return err
	}
	var order [][2]int
	if err := json.Unmarshal([]byte(orderStr), &order); err != nil {
		return err
	}
	ids, err := d.q.RestoreGroup(ctx, groupID)
	if err != nil {
		return err
	}
	collectTime := time.Now()

	stats := map[string]int{}
	for i, pair := range order {
		if i >= len(ids) {
			break
		}
		outcome, err := d.q.TaskOutcome(ctx, ids[i])
		if err != nil {
			outcome = queue.TaskOutcome{Status: queue.StatusFailure, Err: err.Error()}
		}
		var oldOutput string
		if outcome.Status == queue.StatusFailure {
			d.db.QueryRow(`SELECT output FROM checker_results WHERE tick = $1 AND team_id = $2 AND service_id = $3`,
				tick, pair[0], pair[1]).Scan(&oldOutput)
		}
		result, class := Classify(tick, pair[0], pair[1], ids[i], outcome, oldOutput)
		stats[class]++
		if result != nil {
			if err := game.UpsertCheckerResult(d.db, result); err != nil {
				return err
			}
		}
	}

	d.logCollectWarnings(tick, stats, len(order), collectTime)
	d.logCrashedServices(tick)
	return nil
}

// Classify 把队列里的任务状态折算成补写的CheckerResult。
// 正常完成（worker已写库）返回nil。第二个返回值是统计口径。
func Classify(tick, teamID, serviceID int, taskID string, outcome queue.TaskOutcome, oldOutput string) (*game.CheckerResult, string) {
	status := outcome.Status
	// 从未被worker领取的任务等价于被撤销
	if status == queue.StatusRetry || status == queue.StatusPending {
		status = queue.StatusRevoked
	}

	base := func() *game.CheckerResult {
		return &game.CheckerResult{Tick: tick, TeamID: teamID, ServiceID: serviceID, TaskID: taskID}
	}
	switch status {
	case queue.StatusSuccess:
		return nil, queue.StatusSuccess
	case queue.StatusStarted:
		// 轮次结束时还在跑
		r := base()
		r.Status = game.StatusTimeout
		r.Message = "Service not checked completely"
		r.Output = "Still running after round end..."
		r.RunOverTime = true
		return r, queue.StatusStarted
	case queue.StatusRevoked:
		r := base()
		r.Status = game.StatusRevoked
		r.Message = "Service not checked"
		r.Output = "Not started before the round ended"
		return r, queue.StatusRevoked
	default: // FAILURE
		r := base()
		if strings.Contains(outcome.Err, "TimeLimitExceeded") {
			r.Status = game.StatusTimeout
		} else {
			r.Status = game.StatusCrashed
			if oldOutput != "" {
				r.Output = oldOutput + "\n" + outcome.Err
			} else {
				r.Output = outcome.Err
			}
		}
		return r, queue.StatusFailure
	}
}

func (d *Dispatcher) logCollectWarnings(tick int, stats map[string]int, total int, collectTime time.Time) {
	switch {
	case stats[queue.StatusRevoked] > 0:
		logs.Log(d.db, "dispatcher",
			fmt.Sprintf("Not all checker scripts have been executed. %d / %d revoked, %d / %d still active",
				stats[queue.StatusRevoked], total, stats[queue.StatusStarted], total),
			"", logs.LevelWarning)
	case stats[queue.StatusStarted] > 0:
		logs.Log(d.db, "dispatcher",
			fmt.Sprintf("Not all checker scripts finished in time: %d / %d still active",
				stats[queue.StatusStarted], total),
			"", logs.LevelWarning)
	default:
		var lastFinished sql.NullTime
		d.db.QueryRow(`SELECT MAX(finished_at) FROM checker_results WHERE tick = $1`, tick).Scan(&lastFinished)
		if lastFinished.Valid {
			margin := collectTime.Sub(lastFinished.Time).Seconds()
			if margin <= 3.5 {
				logs.Log(d.db, "dispatcher",
					fmt.Sprintf("Worker close to overload: Last checker script finished %.1f sec before deadline", margin),
					"", logs.LevelWarning)
			}
		}
	}
}

func (d *Dispatcher) logCrashedServices(tick int) {
	rows, err := d.db.Query(`
		SELECT s.name, COUNT(*) FROM checker_results r
		JOIN services s ON s.id = r.service_id
		WHERE r.tick = $1 AND r.status = 'CRASHED'
		GROUP BY s.name`, tick)
	if err != nil {
		return
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var count int
		if rows.Scan(&name, &count) == nil {
			logs.Log(d.db, "dispatcher",
				fmt.Sprintf("Checker scripts for %s produced %d errors in round %d", name, count, tick),
				"", logs.LevelError)
		}
	}
}
