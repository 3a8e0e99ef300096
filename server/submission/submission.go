// Package submission flag提交服务器。TCP行协议，每行一个flag，
// 响应与提交方约定的固定文本（[OK] / [ERR] ...）。
package submission

import (
	"bufio"
	"context"
	"database/sql"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"adctf/server/bus"
	"adctf/server/flag"
	"adctf/server/game"
	"adctf/server/timer"
)

// 协议响应（提交方按前缀解析，不要改动文本）
const (
	respOK          = "[OK]\n"
	respWrongLength = "[ERR] Wrong length\n"
	respWrongFormat = "[ERR] Invalid flag (wrong format)\n"
	respInvalidMAC  = "[ERR] Invalid flag\n"
	respOffline     = "[OFFLINE] CTF not running\n"
	respInvalidIP   = "[ERR] Invalid source IP\n"
	respBadService  = "[ERR] Invalid flag (service)\n"
	respBadTeam     = "[ERR] Invalid flag (team)\n"
	respNopFlag     = "[ERR] Can't submit flag from NOP team\n"
	respNopSubmit   = "[ERR] Can't submit flag as NOP team\n"
	respOwnFlag     = "[ERR] This is your own flag\n"
	respExpired     = "[ERR] Expired\n"
	respDuplicate   = "[ERR] Already submitted\n"
	respDBError     = "[ERR] Internal error (database)\n"
)

type Server struct {
	db    *sql.DB
	bus   *bus.Bus
	timer *timer.Timer
	cfg   *game.Config

	mu       sync.RWMutex
	teams    map[int]bool
	ipToTeam map[string]int
	services map[int]bool
}

func New(db *sql.DB, b *bus.Bus, t *timer.Timer, cfg *game.Config) *Server {
	return &Server{db: db, bus: b, timer: t, cfg: cfg,
		teams: map[int]bool{}, ipToTeam: map[string]int{}, services: map[int]bool{}}
}

// Run 监听提交端口，每个连接一个goroutine
func (s *Server) Run(ctx context.Context, addr string) error {
	if err := s.refresh(); err != nil {
		return err
	}
	go s.refreshLoop(ctx)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	log.Printf("[submission] 监听 %s", addr)
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handle(conn)
	}
}

func (s *Server) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.refresh(); err != nil {
				log.Printf("[submission] 队伍/服务刷新失败: %v", err)
			}
		}
	}
}

func (s *Server) refresh() error {
	teams, err := game.LoadTeams(s.db)
	if err != nil {
		return err
	}
	services, err := game.LoadServices(s.db, false)
	if err != nil {
		return err
	}
	teamSet := make(map[int]bool, len(teams))
	ipToTeam := make(map[string]int, len(teams))
	for _, t := range teams {
		teamSet[t.ID] = true
		if t.VulnboxIP != "" {
			// 队伍网段是/24，vulnbox ip去掉最后一段即队伍前缀
			if i := strings.LastIndex(t.VulnboxIP, "."); i > 0 {
				ipToTeam[t.VulnboxIP[:i]] = t.ID
			}
		}
	}
	svcSet := make(map[int]bool, len(services))
	for _, svc := range services {
		svcSet[svc.ID] = true
	}
	s.mu.Lock()
	s.teams = teamSet
	s.ipToTeam = ipToTeam
	s.services = svcSet
	s.mu.Unlock()
	return nil
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	remote, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return
	}
	submitter := s.teamFromIP(remote)

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		conn.SetDeadline(time.Now().Add(time.Minute))
		line := strings.TrimSpace(scanner.Text())
		resp := s.Submit(submitter, line)
		if resp != "" {
			if _, err := conn.Write([]byte(resp)); err != nil {
				return
			}
		}
	}
}

func (s *Server) teamFromIP(ip string) int {
	i := strings.LastIndex(ip, ".")
	if i <= 0 {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ipToTeam[ip[:i]]
}

// Submit 校验并入库一个flag，返回协议响应。空行返回空串。
func (s *Server) Submit(submitter int, line string) string {
	if line == "" {
		return ""
	}
	f, err := flag.Parse(s.cfg.FlagSecret, line)
	if err == flag.ErrMAC {
		return respInvalidMAC
	}
	if err != nil {
		if len(line) != len(flag.Prefix)+2+32 {
			return respWrongLength
		}
		return respWrongFormat
	}

	if s.timer.State() != timer.Running {
		return respOffline
	}
	if submitter == 0 {
		return respInvalidIP
	}

	s.mu.RLock()
	validService := s.services[f.ServiceID]
	validVictim := s.teams[f.TeamID]
	s.mu.RUnlock()
	if !validService {
		return respBadService
	}
	if !validVictim {
		return respBadTeam
	}
	if s.cfg.NopTeamID != 0 && f.TeamID == s.cfg.NopTeamID {
		return respNopFlag
	}
	if f.TeamID == submitter {
		return respOwnFlag
	}
	if s.cfg.NopTeamID != 0 && submitter == s.cfg.NopTeamID {
		return respNopSubmit
	}

	currentTick := s.timer.CurrentTick()
	if f.Tick+s.cfg.FlagRoundsValid < currentTick {
		return respExpired
	}

	res, err := s.db.Exec(`
		INSERT INTO submitted_flags (attacker_id, victim_id, service_id, tick_issued, payload, tick_submitted)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (attacker_id, victim_id, service_id, tick_issued, payload) DO NOTHING`,
		submitter, f.TeamID, f.ServiceID, f.Tick, f.Payload, currentTick)
	if err != nil {
		log.Printf("[submission] flag入库失败: %v", err)
		return respDBError
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return respDuplicate
	}
	return respOK
}
