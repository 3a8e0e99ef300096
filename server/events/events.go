// Package events 把计时器的轮次边界接到具体动作上：
// 派发、收集、计分、榜单、网络开关、轮次落库。
package events

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"adctf/server/dispatcher"
	"adctf/server/game"
	"adctf/server/logs"
	"adctf/server/scoreboard"
	"adctf/server/scoring"
	"adctf/server/timer"
	"adctf/server/vpn"
)

// LogCTFEvents 给每个比赛状态变化记一条IMPORTANT日志
type LogCTFEvents struct {
	timer.NopListener
	db *sql.DB
}

func NewLogCTFEvents(db *sql.DB) *LogCTFEvents {
	return &LogCTFEvents{db: db}
}

func (l *LogCTFEvents) OnStartTick(tick int) {
	logs.Log(l.db, "timer", fmt.Sprintf("New round: %d", tick), "", logs.LevelImportant)
}

func (l *LogCTFEvents) OnStartCtf() {
	logs.Log(l.db, "timer", "CTF starts", "", logs.LevelImportant)
}

func (l *LogCTFEvents) OnSuspendCtf() {
	logs.Log(l.db, "timer", "CTF suspended", "", logs.LevelImportant)
}

func (l *LogCTFEvents) OnEndCtf() {
	logs.Log(l.db, "timer", "CTF stopped", "", logs.LevelImportant)
}

// DeferredCTFEvents 耗时动作放后台goroutine跑，不能阻塞计时循环
type DeferredCTFEvents struct {
	timer.NopListener
	db         *sql.DB
	timer      *timer.Timer
	dispatcher *dispatcher.Dispatcher
	scoring    *scoring.Calculation
	board      *scoreboard.Writer
}

func NewDeferredCTFEvents(db *sql.DB, t *timer.Timer, d *dispatcher.Dispatcher,
	calc *scoring.Calculation, board *scoreboard.Writer) *DeferredCTFEvents {
	return &DeferredCTFEvents{db: db, timer: t, dispatcher: d, scoring: calc, board: board}
}

func (e *DeferredCTFEvents) OnStartTick(tick int) {
	go e.startTickDeferred(tick)
}

func (e *DeferredCTFEvents) OnEndTick(tick int) {
	go e.endTickDeferred(tick)
}

func (e *DeferredCTFEvents) startTickDeferred(tick int) {
	ctx := context.Background()
	logs.LogResult(e.db, "dispatcher", func() error {
		return e.dispatcher.Dispatch(ctx, tick)
	}, "Checker scripts dispatched, took %.3f sec", "Couldn't start checker scripts: %v", logs.LevelInfo)

	// 第一轮开场时先写一份空榜单
	if tick == 1 {
		logs.LogResult(e.db, "scoring", func() error {
			return e.writeScoreboard(ctx, 0)
		}, "Scoreboard generated, took %.1f sec", "Scoreboard failed: %v", logs.LevelInfo)
	}
}

func (e *DeferredCTFEvents) endTickDeferred(tick int) {
	ctx := context.Background()
	// 稍等worker把最后一批结果写完
	time.Sleep(time.Second)

	// 撤销失败不致命，collect还能兜底
	logs.LogResult(e.db, "dispatcher", func() error {
		return e.dispatcher.Revoke(ctx, tick)
	}, "", "Couldn't revoke checker scripts: %v", logs.LevelInfo)

	if err := logs.LogResult(e.db, "dispatcher", func() error {
		return e.dispatcher.Collect(ctx, tick)
	}, "Collected checker script results, took %.3f sec", "Couldn't collect checker script results: %v", logs.LevelInfo); err != nil {
		return
	}
	if err := logs.LogResult(e.db, "scoring", func() error {
		return e.scoring.ScoreAndRank(tick)
	}, "Ranking calculated, took %.3f sec", "Ranking calculation failed: %v", logs.LevelInfo); err != nil {
		return
	}
	logs.LogResult(e.db, "scoring", func() error {
		return e.writeScoreboard(ctx, tick)
	}, "Scoreboard generated, took %.1f sec", "Scoreboard failed: %v", logs.LevelInfo)
}

func (e *DeferredCTFEvents) writeScoreboard(ctx context.Context, tick int) error {
	if err := e.board.WriteTick(ctx, tick); err != nil {
		return err
	}
	return e.board.UpdateTickInfo(ctx, e.timer.Snapshot(), tick)
}

func (e *DeferredCTFEvents) OnStartCtf() {
	go func() {
		logs.LogResult(e.db, "scoring", func() error {
			return e.board.UpdateTickInfo(context.Background(), e.timer.Snapshot(), -1)
		}, "", "Couldn't create initial scoreboard: %v", logs.LevelInfo)
	}()
}

func (e *DeferredCTFEvents) OnUpdateTimes() {
	go func() {
		logs.LogResult(e.db, "scoring", func() error {
			return e.board.UpdateTickInfo(context.Background(), e.timer.Snapshot(), -1)
		}, "", "Couldn't create updated scoreboard: %v", logs.LevelInfo)
	}()
}

// VPNCTFEvents 比赛状态驱动网络开关
type VPNCTFEvents struct {
	timer.NopListener
	vpn *vpn.Control
}

func NewVPNCTFEvents(v *vpn.Control) *VPNCTFEvents {
	return &VPNCTFEvents{vpn: v}
}

func (e *VPNCTFEvents) OnStartTick(tick int) {
	e.vpn.UnbanForTick(context.Background(), tick)
}

func (e *VPNCTFEvents) OnStartCtf() {
	e.vpn.SetState(context.Background(), vpn.StateOn)
}

func (e *VPNCTFEvents) OnEndCtf() {
	e.vpn.SetState(context.Background(), vpn.StateOff)
}

// OnOpenVulnboxAccess 开赛前先放开队内网络让大家登录vulnbox
func (e *VPNCTFEvents) OnOpenVulnboxAccess() {
	e.vpn.SetState(context.Background(), vpn.StateTeamsOnly)
}

// DatabaseTickRecording 每轮的起止时间落到ticks表
type DatabaseTickRecording struct {
	timer.NopListener
	db *sql.DB
}

func NewDatabaseTickRecording(db *sql.DB) *DatabaseTickRecording {
	return &DatabaseTickRecording{db: db}
}

func (r *DatabaseTickRecording) OnStartTick(tick int) {
	err := game.WithRetry(func() error {
		_, err := r.db.Exec(`
			INSERT INTO ticks (tick, start_at) VALUES ($1, NOW())
			ON CONFLICT (tick) DO UPDATE SET start_at = NOW(), end_at = NULL`, tick)
		return err
	})
	if err != nil {
		logs.LogError(r.db, "timer", err)
	}
}

func (r *DatabaseTickRecording) OnEndTick(tick int) {
	err := game.WithRetry(func() error {
		_, err := r.db.Exec(`UPDATE ticks SET end_at = NOW() WHERE tick = $1`, tick)
		return err
	})
	if err != nil {
		logs.LogError(r.db, "timer", err)
	}
}
