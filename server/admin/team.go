package admin

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"adctf/server/game"
)

// HandleListTeams 队伍列表（含VPN在线状态）
func (s *Server) HandleListTeams(c *gin.Context) {
	teams, err := game.LoadTeams(s.DB)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "DATABASE_ERROR", "details": err.Error()})
		return
	}
	if teams == nil {
		teams = []*game.Team{}
	}
	c.JSON(http.StatusOK, gin.H{"teams": teams})
}

type teamRequest struct {
	ID        int    `json:"id" binding:"required"`
	Name      string `json:"name" binding:"required"`
	VulnboxIP string `json:"vulnboxIp"`
}

// HandleUpsertTeam 新建或更新队伍
func (s *Server) HandleUpsertTeam(c *gin.Context) {
	var req teamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_REQUEST"})
		return
	}
	_, err := s.DB.Exec(`
		INSERT INTO teams (id, name, vulnbox_ip) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, vulnbox_ip = EXCLUDED.vulnbox_ip, deleted = FALSE`,
		req.ID, req.Name, req.VulnboxIP)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "DATABASE_ERROR", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "OK"})
}

// HandleDeleteTeam 软删除，历史计分数据保留
func (s *Server) HandleDeleteTeam(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_REQUEST"})
		return
	}
	if _, err := s.DB.Exec(`UPDATE teams SET deleted = TRUE WHERE id = $1`, id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "DATABASE_ERROR", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "OK"})
}

// HandleListServices 服务列表
func (s *Server) HandleListServices(c *gin.Context) {
	services, err := game.LoadServices(s.DB, false)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "DATABASE_ERROR", "details": err.Error()})
		return
	}
	if services == nil {
		services = []*game.Service{}
	}
	c.JSON(http.StatusOK, gin.H{"services": services})
}

type serviceRequest struct {
	ID           int     `json:"id" binding:"required"`
	Name         string  `json:"name" binding:"required"`
	CheckerSpec  string  `json:"checkerSpec"`
	Package      string  `json:"package"`
	RunnerSpec   string  `json:"runnerSpec"`
	TimeoutSec   int     `json:"timeoutSec"`
	Subprocess   *bool   `json:"subprocess"`
	Route        string  `json:"route"`
	NumPayloads  int     `json:"numPayloads"`
	FlagsPerTick float64 `json:"flagsPerTick"`
	FlagIDKinds  string  `json:"flagIdKinds"`
	Enabled      *bool   `json:"enabled"`
	RunnerConfig string  `json:"runnerConfig"`
}

// HandleUpsertService 新建或更新服务定义
func (s *Server) HandleUpsertService(c *gin.Context) {
	var req serviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_REQUEST"})
		return
	}
	if req.RunnerSpec == "" {
		req.RunnerSpec = "subprocess"
	}
	if req.TimeoutSec <= 0 {
		req.TimeoutSec = 30
	}
	if req.FlagsPerTick <= 0 {
		req.FlagsPerTick = 1
	}
	subprocess := req.RunnerSpec == "subprocess"
	if req.Subprocess != nil {
		subprocess = *req.Subprocess
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	_, err := s.DB.Exec(`
		INSERT INTO services (id, name, checker_spec, package, runner_spec, timeout_sec, subprocess,
		                      route, num_payloads, flags_per_tick, flag_id_kinds, enabled, runner_config)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, checker_spec = EXCLUDED.checker_spec, package = EXCLUDED.package,
			runner_spec = EXCLUDED.runner_spec, timeout_sec = EXCLUDED.timeout_sec,
			subprocess = EXCLUDED.subprocess, route = EXCLUDED.route,
			num_payloads = EXCLUDED.num_payloads, flags_per_tick = EXCLUDED.flags_per_tick,
			flag_id_kinds = EXCLUDED.flag_id_kinds, enabled = EXCLUDED.enabled,
			runner_config = EXCLUDED.runner_config`,
		req.ID, req.Name, req.CheckerSpec, req.Package, req.RunnerSpec, req.TimeoutSec, subprocess,
		req.Route, req.NumPayloads, req.FlagsPerTick, req.FlagIDKinds, enabled, req.RunnerConfig)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "DATABASE_ERROR", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "OK"})
}
