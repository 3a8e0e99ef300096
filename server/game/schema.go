package game

import (
	"database/sql"
	"log"
	"time"
)

// 启动时保证所有表存在（与ensureAdmin同阶段执行）
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS teams (
		id SMALLINT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		vulnbox_ip TEXT NOT NULL DEFAULT '',
		self_vpn_up BOOLEAN NOT NULL DEFAULT FALSE,
		cloud_vpn_up BOOLEAN NOT NULL DEFAULT FALSE,
		wg_vulnbox_up BOOLEAN NOT NULL DEFAULT FALSE,
		last_connect_at TIMESTAMPTZ,
		connection_count INTEGER NOT NULL DEFAULT 0,
		deleted BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS services (
		id SMALLINT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		checker_spec TEXT NOT NULL DEFAULT '',
		package TEXT NOT NULL DEFAULT '',
		runner_spec TEXT NOT NULL DEFAULT 'subprocess',
		timeout_sec INTEGER NOT NULL DEFAULT 30,
		subprocess BOOLEAN NOT NULL DEFAULT TRUE,
		route TEXT NOT NULL DEFAULT '',
		num_payloads INTEGER NOT NULL DEFAULT 0,
		flags_per_tick DOUBLE PRECISION NOT NULL DEFAULT 1,
		flag_id_kinds TEXT NOT NULL DEFAULT '',
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		runner_config TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS ticks (
		tick INTEGER PRIMARY KEY,
		start_at TIMESTAMPTZ NOT NULL,
		end_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS checker_results (
		tick INTEGER NOT NULL,
		team_id SMALLINT NOT NULL,
		service_id SMALLINT NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING',
		message TEXT NOT NULL DEFAULT '',
		output TEXT NOT NULL DEFAULT '',
		runtime_sec DOUBLE PRECISION NOT NULL DEFAULT 0,
		finished_at TIMESTAMPTZ,
		run_over_time BOOLEAN NOT NULL DEFAULT FALSE,
		task_id TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (tick, team_id, service_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_checker_results_tick ON checker_results (tick)`,
	`CREATE TABLE IF NOT EXISTS submitted_flags (
		id BIGSERIAL PRIMARY KEY,
		attacker_id SMALLINT NOT NULL,
		victim_id SMALLINT NOT NULL,
		service_id SMALLINT NOT NULL,
		tick_issued INTEGER NOT NULL,
		payload INTEGER NOT NULL DEFAULT 0,
		tick_submitted INTEGER NOT NULL,
		ts TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		is_firstblood INTEGER NOT NULL DEFAULT 0,
		UNIQUE (attacker_id, victim_id, service_id, tick_issued, payload)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_submitted_flags_tick ON submitted_flags (tick_submitted)`,
	`CREATE TABLE IF NOT EXISTS team_points (
		tick INTEGER NOT NULL,
		team_id SMALLINT NOT NULL,
		service_id SMALLINT NOT NULL,
		flag_captured_count INTEGER NOT NULL DEFAULT 0,
		flag_stolen_count INTEGER NOT NULL DEFAULT 0,
		off_points DOUBLE PRECISION NOT NULL DEFAULT 0,
		def_points DOUBLE PRECISION NOT NULL DEFAULT 0,
		sla_points DOUBLE PRECISION NOT NULL DEFAULT 0,
		sla_delta DOUBLE PRECISION NOT NULL DEFAULT 0,
		PRIMARY KEY (tick, team_id, service_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_team_points_tick ON team_points (tick)`,
	`CREATE TABLE IF NOT EXISTS team_rankings (
		tick INTEGER NOT NULL,
		team_id SMALLINT NOT NULL,
		rank INTEGER NOT NULL,
		points DOUBLE PRECISION NOT NULL DEFAULT 0,
		PRIMARY KEY (tick, team_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_team_rankings_tick ON team_rankings (tick)`,
	`CREATE TABLE IF NOT EXISTS log_messages (
		id BIGSERIAL PRIMARY KEY,
		component TEXT NOT NULL,
		level INTEGER NOT NULL DEFAULT 20,
		title TEXT NOT NULL,
		text TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS admin_users (
		id BIGSERIAL PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// EnsureSchema 建表（幂等）
func EnsureSchema(db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// WithRetry 数据库写入重试：最多3次，指数退避
func WithRetry(fn func() error) error {
	var err error
	delay := 200 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		log.Printf("[db] 操作失败，%v 后重试: %v", delay, err)
		time.Sleep(delay)
		delay *= 2
	}
	return err
}

// LoadTeams 读取所有未删除队伍
func LoadTeams(db *sql.DB) ([]*Team, error) {
	rows, err := db.Query(`SELECT id, name, vulnbox_ip, self_vpn_up, cloud_vpn_up, wg_vulnbox_up, connection_count
		FROM teams WHERE deleted = FALSE ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var teams []*Team
	for rows.Next() {
		var t Team
		if err := rows.Scan(&t.ID, &t.Name, &t.VulnboxIP, &t.SelfVPNUp, &t.CloudVPNUp, &t.WgVulnboxUp, &t.ConnectionCount); err != nil {
			return nil, err
		}
		teams = append(teams, &t)
	}
	return teams, rows.Err()
}

// LoadServices 读取所有服务；onlyEnabled时只返回启用checker的服务
func LoadServices(db *sql.DB, onlyEnabled bool) ([]*Service, error) {
	query := `SELECT id, name, checker_spec, package, runner_spec, timeout_sec, subprocess, route,
		num_payloads, flags_per_tick, flag_id_kinds, enabled, runner_config FROM services`
	if onlyEnabled {
		query += ` WHERE enabled = TRUE`
	}
	query += ` ORDER BY id`

	rows, err := db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var services []*Service
	for rows.Next() {
		var s Service
		if err := rows.Scan(&s.ID, &s.Name, &s.CheckerSpec, &s.Package, &s.RunnerSpec, &s.TimeoutSec,
			&s.Subprocess, &s.Route, &s.NumPayloads, &s.FlagsPerTick, &s.FlagIDKinds, &s.Enabled, &s.RunnerConfig); err != nil {
			return nil, err
		}
		services = append(services, &s)
	}
	return services, rows.Err()
}

// UpsertCheckerResult 写入checker结果，(tick,team,service)冲突时覆盖
func UpsertCheckerResult(db *sql.DB, r *CheckerResult) error {
	return WithRetry(func() error {
		_, err := db.Exec(`
			INSERT INTO checker_results (tick, team_id, service_id, status, message, output, runtime_sec, finished_at, run_over_time, task_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (tick, team_id, service_id) DO UPDATE SET
				status = EXCLUDED.status, message = EXCLUDED.message, output = EXCLUDED.output,
				runtime_sec = EXCLUDED.runtime_sec, finished_at = EXCLUDED.finished_at,
				run_over_time = EXCLUDED.run_over_time, task_id = EXCLUDED.task_id`,
			r.Tick, r.TeamID, r.ServiceID, r.Status, r.Message, r.Output, r.RuntimeSec, r.FinishedAt, r.RunOverTime, r.TaskID)
		return err
	})
}
