package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"

	"adctf/server/admin"
	"adctf/server/bus"
	"adctf/server/dispatcher"
	"adctf/server/events"
	"adctf/server/game"
	"adctf/server/logs"
	"adctf/server/monitor"
	"adctf/server/queue"
	"adctf/server/runner"
	"adctf/server/scoreboard"
	"adctf/server/scoring"
	"adctf/server/submission"
	"adctf/server/timer"
	"adctf/server/vpn"
)

func main() {
	cfg := game.LoadConfig()

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatalf("failed to ping database: %v", err)
	}
	if err := game.EnsureSchema(db); err != nil {
		log.Fatalf("failed to ensure schema: %v", err)
	}
	if err := ensureAdmin(db); err != nil {
		log.Fatalf("failed to ensure admin user: %v", err)
	}

	b, err := bus.Connect(cfg.RedisAddr, cfg.RedisPassword, "adctf-"+cfg.Role)
	if err != nil {
		log.Fatalf("failed to connect redis: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Printf("[main] 收到退出信号")
		cancel()
	}()

	switch cfg.Role {
	case "worker":
		runWorker(ctx, db, b, cfg)
	case "web":
		runWeb(ctx, db, b, cfg)
	default:
		runMaster(ctx, db, b, cfg)
	}
}

// runMaster 主控进程：时钟主时钟 + 管理API + flag提交服务器
func runMaster(ctx context.Context, db *sql.DB, b *bus.Bus, cfg *game.Config) {
	tm := timer.New(b, true, cfg.DefaultTickTime)
	if err := tm.InitFromBus(ctx); err != nil {
		log.Fatalf("failed to restore timer state: %v", err)
	}

	q := queue.NewClient(b.Client())
	disp := dispatcher.New(db, b, q, cfg)
	calc := scoring.NewCalculation(db, cfg)
	board := scoreboard.New(db, b, cfg, calc)
	vpnCtl := vpn.New(b, db)

	// 注册顺序即事件触发顺序
	tm.AddListener(events.NewLogCTFEvents(db))
	tm.AddListener(events.NewDeferredCTFEvents(db, tm, disp, calc, board))
	tm.AddListener(events.NewVPNCTFEvents(vpnCtl))
	tm.AddListener(events.NewDatabaseTickRecording(db))
	tm.BindToBus(ctx)

	go tm.Run(ctx)
	go func() {
		sub := submission.New(db, b, tm, cfg)
		if err := sub.Run(ctx, ":"+cfg.SubmissionPort); err != nil {
			log.Fatalf("flag submission server: %v", err)
		}
	}()

	serveAPI(ctx, db, b, cfg, tm, disp, calc, board, vpnCtl)
}

// runWeb 只读前端进程：时钟镜像 + 管理API（可横向扩展）
func runWeb(ctx context.Context, db *sql.DB, b *bus.Bus, cfg *game.Config) {
	tm := timer.New(b, false, cfg.DefaultTickTime)
	if err := tm.InitFromBus(ctx); err != nil {
		log.Fatalf("failed to restore timer state: %v", err)
	}
	tm.BindToBus(ctx)
	go monitor.WatchBus(ctx, b)

	q := queue.NewClient(b.Client())
	disp := dispatcher.New(db, b, q, cfg)
	calc := scoring.NewCalculation(db, cfg)
	board := scoreboard.New(db, b, cfg, calc)
	vpnCtl := vpn.New(b, db)

	serveAPI(ctx, db, b, cfg, tm, disp, calc, board, vpnCtl)
}

// runWorker checker执行进程
func runWorker(ctx context.Context, db *sql.DB, b *bus.Bus, cfg *game.Config) {
	deps := runner.Deps{
		Bus:          b,
		HTTP:         &http.Client{Timeout: time.Duration(cfg.RunnerTimeout+5) * time.Second},
		FlagSecret:   cfg.FlagSecret,
		PackagesRoot: os.Getenv("CHECKER_PACKAGES_ROOT"),
		CheckPast:    cfg.EnoCheckPast,
		EnoTimeout:   time.Duration(cfg.RunnerTimeout) * time.Second,
	}
	w := queue.NewWorker(b.Client(), db, deps, cfg.WorkerQueues, cfg.WorkerSlots)
	log.Printf("[main] worker启动，队列=%v 槽位=%d", cfg.WorkerQueues, cfg.WorkerSlots)
	if err := w.Run(ctx); err != nil {
		log.Fatalf("worker error: %v", err)
	}
}

func serveAPI(ctx context.Context, db *sql.DB, b *bus.Bus, cfg *game.Config, tm *timer.Timer,
	disp *dispatcher.Dispatcher, calc *scoring.Calculation, board *scoreboard.Writer, vpnCtl *vpn.Control) {
	srv := &admin.Server{
		DB: db, Bus: b, Timer: tm, Dispatcher: disp,
		Scoring: calc, Board: board, VPN: vpnCtl, Cfg: cfg,
	}

	r := gin.Default()
	api := r.Group("/api")
	{
		api.POST("/login", func(c *gin.Context) {
			handleLogin(c, db, cfg.JWTSecret)
		})

		// 大屏WebSocket实时推送（不经过中间件，自己验证token）
		api.GET("/monitor/ws", func(c *gin.Context) {
			monitor.HandleMonitorWebSocket(c, cfg.JWTSecret)
		})

		authed := api.Group("")
		authed.Use(authMiddleware(cfg.JWTSecret))
		{
			authed.GET("/overview", srv.HandleOverview)
			authed.POST("/overview/set_timing", srv.HandleSetTiming)

			authed.GET("/teams", srv.HandleListTeams)
			authed.POST("/teams", srv.HandleUpsertTeam)
			authed.DELETE("/teams/:id", srv.HandleDeleteTeam)
			authed.GET("/services", srv.HandleListServices)
			authed.POST("/services", srv.HandleUpsertService)

			authed.POST("/checker/test", srv.HandleDispatchTest)
			authed.GET("/checker/test", srv.HandleTestResult)
			authed.POST("/scoring/recompute_firstblood", srv.HandleRecomputeFirstBlood)
			authed.GET("/scoreboard/export", srv.HandleExportScoreboard)

			authed.POST("/network/state", srv.HandleSetNetworkState)
			authed.POST("/network/ban", srv.HandleBanTeam)
			authed.POST("/network/unban", srv.HandleUnbanTeam)

			authed.GET("/logs", func(c *gin.Context) {
				logs.HandleGetLogs(c, db)
			})
			authed.GET("/logs/ws", func(c *gin.Context) {
				logs.HandleLogsWebSocket(c)
			})
		}
	}

	httpSrv := &http.Server{Addr: ":" + cfg.ServerPort, Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
	}()
	log.Printf("[main] %s进程监听 :%s", cfg.Role, cfg.ServerPort)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}
