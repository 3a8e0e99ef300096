package game

import (
	"encoding/hex"
	"log"
	"os"
	"strconv"
)

// Config 引擎全局配置（从环境变量读取）
type Config struct {
	DatabaseURL    string
	RedisAddr      string
	RedisPassword  string
	JWTSecret      []byte
	FlagSecret     []byte // HMAC密钥（hex解码后）
	ScoreboardPath string
	ServerPort     string
	SubmissionPort string
	Role           string // master | worker | web

	// 比赛参数
	Scoring          ScoringConfig
	FlagRoundsValid  int     // flag提交有效期（tick数）
	DefaultTickTime  int     // 默认tick时长（秒）
	NopTeamID        int     // 非计分参照队伍，0表示未配置
	FirstBloodLevel  int     // 每个(service,payload)的一血数量，默认1
	WorkerSlots      int     // worker并发槽位数
	WorkerQueues     []string
	DispatchCheckVPN bool // 只给VPN在线的队伍派发checker
	RunnerTimeout    float64
	EnoCheckPast     int // Eno runner 回查的历史tick数
}

// ScoringConfig 计分系数
type ScoringConfig struct {
	SLAFactor float64
	OffFactor float64
	DefFactor float64
}

// LoadConfig 读取环境变量，缺少必填项直接退出
func LoadConfig() *Config {
	cfg := &Config{
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisAddr:      envDefault("REDIS_ADDR", "localhost:6379"),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		ScoreboardPath: envDefault("SCOREBOARD_PATH", "./scoreboard"),
		ServerPort:     envDefault("SERVER_PORT", "8080"),
		SubmissionPort: envDefault("FLAG_SUBMISSION_PORT", "31337"),
		Role:           envDefault("ENGINE_ROLE", "master"),
		Scoring: ScoringConfig{
			SLAFactor: envFloat("SLA_FACTOR", 1.0),
			OffFactor: envFloat("OFF_FACTOR", 1.0),
			DefFactor: envFloat("DEF_FACTOR", 1.0),
		},
		FlagRoundsValid: envInt("FLAG_ROUNDS_VALID", 10),
		DefaultTickTime: envInt("TICK_TIME", 120),
		NopTeamID:       envInt("NOP_TEAM_ID", 0),
		FirstBloodLevel: envInt("FIRSTBLOOD_LEVEL", 1),
		WorkerSlots:     envInt("WORKER_SLOTS", 8),
		DispatchCheckVPN: os.Getenv("DISPATCHER_CHECK_VPN") == "1",
		RunnerTimeout:    envFloat("RUNNER_TIMEOUT", 15),
		EnoCheckPast:     envInt("ENO_CHECK_PAST_TICKS", 1),
	}

	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL not set")
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET not set")
	}
	cfg.JWTSecret = []byte(jwtSecret)

	flagSecret := os.Getenv("FLAG_SECRET")
	if flagSecret == "" {
		log.Fatal("FLAG_SECRET not set")
	}
	key, err := hex.DecodeString(flagSecret)
	if err != nil {
		log.Fatalf("FLAG_SECRET is not valid hex: %v", err)
	}
	cfg.FlagSecret = key

	if q := os.Getenv("WORKER_QUEUES"); q != "" {
		cfg.WorkerQueues = splitComma(q)
	} else {
		cfg.WorkerQueues = []string{"default"}
	}

	return cfg
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Fatalf("%s must be an integer", key)
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		log.Fatalf("%s must be a number", key)
	}
	return def
}

func splitComma(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
