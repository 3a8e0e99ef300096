// Package admin 管理后台API：比赛时钟控制、队伍服务维护、
// 测试派发、一血重算、网络开关、榜单导出。
package admin

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"adctf/server/bus"
	"adctf/server/dispatcher"
	"adctf/server/game"
	"adctf/server/logs"
	"adctf/server/scoreboard"
	"adctf/server/scoring"
	"adctf/server/timer"
	"adctf/server/vpn"
)

type Server struct {
	DB         *sql.DB
	Bus        *bus.Bus
	Timer      *timer.Timer
	Dispatcher *dispatcher.Dispatcher
	Scoring    *scoring.Calculation
	Board      *scoreboard.Writer
	VPN        *vpn.Control
	Cfg        *game.Config
}

// HandleOverview 时钟状态总览
func (s *Server) HandleOverview(c *gin.Context) {
	snap := s.Timer.Snapshot()
	masters, err := s.Timer.CountMasterTimers(c.Request.Context())
	if err != nil {
		masters = -1
	}
	banned, _ := s.VPN.BannedTeams(c.Request.Context())
	if banned == nil {
		banned = []vpn.BannedTeam{}
	}
	c.JSON(http.StatusOK, gin.H{
		"timing":       snap,
		"serverTime":   time.Now().Unix(),
		"masterTimers": masters,
		"network":      s.VPN.State(c.Request.Context()),
		"bannedTeams":  banned,
	})
}

type setTimingRequest struct {
	State       *string `json:"state"`
	RoundTime   *int    `json:"roundtime"`
	LastRound   *int    `json:"lastround"`
	StartAt     *int64  `json:"startAt"`
	OpenVulnbox *int64  `json:"openVulnboxAt"`
}

// HandleSetTiming 调整比赛时钟。非法取值静默忽略，和控制台约定一致。
func (s *Server) HandleSetTiming(c *gin.Context) {
	var req setTimingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_REQUEST"})
		return
	}
	ctx := c.Request.Context()

	if req.State != nil {
		var err error
		switch timer.ParseState(*req.State) {
		case timer.Running:
			err = s.Timer.StartCtf(ctx)
		case timer.Suspended:
			err = s.Timer.SuspendAfterTick(ctx)
		case timer.Stopped:
			err = s.Timer.StopAfterTick(ctx)
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "TIMER_ERROR", "details": err.Error()})
			return
		}
	}
	if req.RoundTime != nil {
		if rt := *req.RoundTime; rt >= 5 && rt < 1000 {
			if err := s.Timer.SetTickTime(ctx, rt); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "TIMER_ERROR", "details": err.Error()})
				return
			}
		}
	}
	if req.LastRound != nil {
		lr := *req.LastRound
		current := s.Timer.CurrentTick()
		switch {
		case lr == 0 || lr > current:
			if err := s.Timer.SetStopAfterTick(ctx, lr); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "TIMER_ERROR", "details": err.Error()})
				return
			}
		case lr == current:
			if err := s.Timer.StopAfterTick(ctx); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "TIMER_ERROR", "details": err.Error()})
				return
			}
		}
	}
	if req.StartAt != nil {
		if at := *req.StartAt; at == 0 || at >= time.Now().Unix() {
			if err := s.Timer.SetStartAt(ctx, at); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "TIMER_ERROR", "details": err.Error()})
				return
			}
		}
	}
	if req.OpenVulnbox != nil {
		if at := *req.OpenVulnbox; at == 0 || at >= time.Now().Unix() {
			if err := s.Timer.SetOpenVulnboxAccessAt(ctx, at); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "TIMER_ERROR", "details": err.Error()})
				return
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "OK"})
}

type dispatchTestRequest struct {
	TeamID    int    `json:"teamId" binding:"required"`
	ServiceID int    `json:"serviceId" binding:"required"`
	Tick      int    `json:"tick"`
	Package   string `json:"package"`
}

// HandleDispatchTest 手动派发单次checker测试。tick缺省用-1，
// 不会和正式轮次的结果冲突。
func (s *Server) HandleDispatchTest(c *gin.Context) {
	var req dispatchTestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_REQUEST"})
		return
	}
	if req.Tick == 0 {
		req.Tick = -1
	}

	teams, err := game.LoadTeams(s.DB)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "DATABASE_ERROR", "details": err.Error()})
		return
	}
	var team *game.Team
	for _, t := range teams {
		if t.ID == req.TeamID {
			team = t
			break
		}
	}
	services, err := game.LoadServices(s.DB, false)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "DATABASE_ERROR", "details": err.Error()})
		return
	}
	var svc *game.Service
	for _, v := range services {
		if v.ID == req.ServiceID {
			svc = v
			break
		}
	}
	if team == nil || svc == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "NOT_FOUND"})
		return
	}

	taskID, err := s.Dispatcher.DispatchTest(c.Request.Context(), team, svc, req.Tick, req.Package)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "DISPATCH_ERROR", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"taskId": taskID, "tick": req.Tick})
}

// HandleTestResult 查询测试派发的执行结果
func (s *Server) HandleTestResult(c *gin.Context) {
	tick, _ := strconv.Atoi(c.DefaultQuery("tick", "-1"))
	teamID, _ := strconv.Atoi(c.Query("teamId"))
	serviceID, _ := strconv.Atoi(c.Query("serviceId"))

	var r game.CheckerResult
	var finishedAt sql.NullTime
	err := s.DB.QueryRow(`
		SELECT tick, team_id, service_id, status, message, output, runtime_sec, finished_at, run_over_time, task_id
		FROM checker_results WHERE tick = $1 AND team_id = $2 AND service_id = $3`,
		tick, teamID, serviceID).
		Scan(&r.Tick, &r.TeamID, &r.ServiceID, &r.Status, &r.Message, &r.Output,
			&r.RuntimeSec, &finishedAt, &r.RunOverTime, &r.TaskID)
	if err == sql.ErrNoRows {
		c.JSON(http.StatusNotFound, gin.H{"error": "NOT_FOUND"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "DATABASE_ERROR", "details": err.Error()})
		return
	}
	if finishedAt.Valid {
		r.FinishedAt = &finishedAt.Time
	}
	c.JSON(http.StatusOK, r)
}

// HandleRecomputeFirstBlood 全量重建一血标记
func (s *Server) HandleRecomputeFirstBlood(c *gin.Context) {
	if err := s.Scoring.RecomputeFirstBlood(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "SCORING_ERROR", "details": err.Error()})
		return
	}
	logs.Log(s.DB, "scoring", "First blood flags recomputed", "", logs.LevelImportant)
	c.JSON(http.StatusOK, gin.H{"status": "OK"})
}

// HandleExportScoreboard 榜单xlsx下载
func (s *Server) HandleExportScoreboard(c *gin.Context) {
	tick, err := strconv.Atoi(c.DefaultQuery("tick", strconv.Itoa(s.Timer.CurrentTick())))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_REQUEST"})
		return
	}
	c.Header("Content-Disposition", "attachment; filename=scoreboard_round_"+strconv.Itoa(tick)+".xlsx")
	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	if err := s.Board.ExportExcel(tick, c.Writer); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "EXPORT_ERROR", "details": err.Error()})
	}
}

type banRequest struct {
	TeamID    int `json:"teamId" binding:"required"`
	UntilTick int `json:"untilTick"`
}

func (s *Server) HandleBanTeam(c *gin.Context) {
	var req banRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_REQUEST"})
		return
	}
	if err := s.VPN.BanTeam(c.Request.Context(), req.TeamID, req.UntilTick); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "VPN_ERROR", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "OK"})
}

func (s *Server) HandleUnbanTeam(c *gin.Context) {
	var req banRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_REQUEST"})
		return
	}
	if err := s.VPN.UnbanTeam(c.Request.Context(), req.TeamID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "VPN_ERROR", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "OK"})
}

type networkStateRequest struct {
	State string `json:"state" binding:"required"`
}

func (s *Server) HandleSetNetworkState(c *gin.Context) {
	var req networkStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_REQUEST"})
		return
	}
	switch req.State {
	case vpn.StateOn, vpn.StateOff, vpn.StateTeamsOnly:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_STATE"})
		return
	}
	if err := s.VPN.SetState(c.Request.Context(), req.State); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "VPN_ERROR", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "OK"})
}
