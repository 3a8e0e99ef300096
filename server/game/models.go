package game

import "time"

// Checker执行状态（checker_results.status）
const (
	StatusSuccess     = "SUCCESS"
	StatusFlagMissing = "FLAGMISSING"
	StatusMumble      = "MUMBLE"
	StatusOffline     = "OFFLINE"
	StatusRecovering  = "RECOVERING"
	StatusTimeout     = "TIMEOUT"
	StatusRevoked     = "REVOKED"
	StatusCrashed     = "CRASHED"
	StatusPending     = "PENDING"
)

// Team 参赛队伍
type Team struct {
	ID              int    `json:"id"`
	Name            string `json:"name"`
	VulnboxIP       string `json:"vulnboxIp"`
	SelfVPNUp       bool   `json:"selfVpnUp"`
	CloudVPNUp      bool   `json:"cloudVpnUp"`
	WgVulnboxUp     bool   `json:"wgVulnboxUp"`
	LastConnectAt   *time.Time `json:"lastConnectAt,omitempty"`
	ConnectionCount int    `json:"connectionCount"`
	Deleted         bool   `json:"-"`
}

// Service 被检查的比赛服务
type Service struct {
	ID           int     `json:"id"`
	Name         string  `json:"name"`
	CheckerSpec  string  `json:"checkerSpec"` // "file:class"
	Package      string  `json:"package"`
	RunnerSpec   string  `json:"runnerSpec"` // subprocess | eno
	TimeoutSec   int     `json:"timeoutSec"`
	Subprocess   bool    `json:"subprocess"`
	Route        string  `json:"route"` // worker队列名，空=default
	NumPayloads  int     `json:"numPayloads"` // 0=单flag
	FlagsPerTick float64 `json:"flagsPerTick"`
	FlagIDKinds  string  `json:"flagIdKinds"` // 逗号分隔
	Enabled      bool    `json:"enabled"`
	RunnerConfig string  `json:"runnerConfig"` // JSON，runner自定义配置（如eno url）
}

// Tick 已开始的一轮，end_ts在轮次结束时回填
type Tick struct {
	Tick    int
	StartAt time.Time
	EndAt   *time.Time
}

// CheckerResult 一次checker执行的结果，(tick,team,service)唯一
type CheckerResult struct {
	Tick        int        `json:"tick"`
	TeamID      int        `json:"teamId"`
	ServiceID   int        `json:"serviceId"`
	Status      string     `json:"status"`
	Message     string     `json:"message"`
	Output      string     `json:"output"`
	RuntimeSec  float64    `json:"runtimeSec"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
	RunOverTime bool       `json:"runOverTime"`
	TaskID      string     `json:"taskId"`
}

// SubmittedFlag 攻击者提交的flag，(attacker,victim,service,tick_issued,payload)唯一
type SubmittedFlag struct {
	ID            int64
	AttackerID    int
	VictimID      int
	ServiceID     int
	TickIssued    int
	Payload       int
	TickSubmitted int
	Ts            time.Time
	IsFirstblood  int // 0=无，>=1=一血级别
}

// TeamPoints 每轮累计分数，(tick,team,service)唯一
type TeamPoints struct {
	Tick              int
	TeamID            int
	ServiceID         int
	FlagCapturedCount int
	FlagStolenCount   int
	OffPoints         float64
	DefPoints         float64
	SLAPoints         float64
	SLADelta          float64
}

// TeamRanking 每轮排名，(tick,team)唯一；同分同名次
type TeamRanking struct {
	Tick   int
	TeamID int
	Rank   int
	Points float64
}
