package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"adctf/server/game"
	"adctf/server/runner"
)

// Worker 执行checker任务的工作进程。并发度由slots限制，
// 每个任务在hard limit到期时被强制终止。
type Worker struct {
	rdb    *redis.Client
	db     *sql.DB
	deps   runner.Deps
	queues []string
	slots  chan struct{}

	// 致命的数据库状态或资源耗尽后置位；当前任务跑完就退出，
	// 由supervisor拉起干净的进程
	needsRestart atomic.Bool
	inFlight     sync.WaitGroup

	mu       sync.Mutex
	services map[int]*game.Service
	teamIPs  map[int]string
}

func NewWorker(rdb *redis.Client, db *sql.DB, deps runner.Deps, queues []string, slots int) *Worker {
	if len(queues) == 0 {
		queues = []string{DefaultQueue}
	}
	if slots <= 0 {
		slots = 4
	}
	return &Worker{
		rdb:      rdb,
		db:       db,
		deps:     deps,
		queues:   queues,
		slots:    make(chan struct{}, slots),
		services: make(map[int]*game.Service),
		teamIPs:  make(map[int]string),
	}
}

// Run 阻塞式主循环：BRPOP取任务、并发执行，直到ctx取消
func (w *Worker) Run(ctx context.Context) error {
	if err := w.refresh(); err != nil {
		return fmt.Errorf("load services: %w", err)
	}
	go w.listenBroadcast(ctx)
	go w.refreshLoop(ctx)

	keys := make([]string, len(w.queues))
	for i, q := range w.queues {
		keys[i] = queueKey(q)
	}
	log.Printf("[worker] 启动，队列=%v 并发=%d", w.queues, cap(w.slots))

	for {
		if ctx.Err() != nil {
			w.inFlight.Wait()
			return nil
		}
		if w.needsRestart.Load() {
			w.inFlight.Wait()
			log.Printf("[worker] 进程状态不可靠，退出等待重启")
			os.Exit(0)
		}

		res, err := w.rdb.BRPop(ctx, time.Second, keys...).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			log.Printf("[worker] BRPOP失败: %v", err)
			time.Sleep(time.Second)
			continue
		}
		taskID := res[1]

		select {
		case w.slots <- struct{}{}:
		case <-ctx.Done():
			continue
		}
		w.inFlight.Add(1)
		go w.execute(ctx, taskID)
	}
}

func (w *Worker) execute(ctx context.Context, taskID string) {
	defer func() {
		<-w.slots
		w.inFlight.Done()
		if r := recover(); r != nil {
			log.Printf("[worker] 任务 %s panic: %v", taskID, r)
			w.setStatus(taskID, StatusFailure)
			w.rdb.Set(context.Background(), errorKey(taskID), fmt.Sprintf("panic: %v", r), taskTTL)
		}
	}()

	if revoked, _ := w.rdb.SIsMember(ctx, "queue:revoked", taskID).Result(); revoked {
		w.setStatus(taskID, StatusRevoked)
		return
	}

	blob, err := w.rdb.Get(ctx, taskKey(taskID)).Bytes()
	if err != nil {
		log.Printf("[worker] 任务 %s 签名缺失: %v", taskID, err)
		return
	}
	var task Task
	if err := json.Unmarshal(blob, &task); err != nil {
		log.Printf("[worker] 任务 %s 签名损坏: %v", taskID, err)
		w.setStatus(taskID, StatusFailure)
		return
	}

	if task.CountdownSec > 0 {
		due := time.Unix(task.EnqueuedAt, 0).Add(time.Duration(task.CountdownSec) * time.Second)
		if wait := time.Until(due); wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
		}
	}

	w.setStatus(taskID, StatusStarted)

	svc := w.service(task.ServiceID)
	if svc == nil {
		w.fail(taskID, fmt.Sprintf("service %d not found", task.ServiceID))
		return
	}
	r, err := runner.New(task.RunnerSpec, svc, w.deps)
	if err != nil {
		w.fail(taskID, err.Error())
		return
	}

	hardCtx, cancel := context.WithTimeout(ctx, time.Duration(task.HardLimitSec)*time.Second)
	defer cancel()

	start := time.Now()
	out := r.Run(hardCtx, runner.Input{
		Package:     task.Package,
		CheckerSpec: task.CheckerSpec,
		ServiceID:   task.ServiceID,
		TeamID:      task.TeamID,
		Tick:        task.Tick,
		VulnboxIP:   w.vulnboxIP(task.TeamID),
		SoftLimit:   time.Duration(task.SoftLimitSec) * time.Second,
	})
	finished := time.Now()

	result := game.CheckerResult{
		Tick:       task.Tick,
		TeamID:     task.TeamID,
		ServiceID:  task.ServiceID,
		Status:     out.Status,
		Message:    out.Message,
		Output:     out.Output,
		RuntimeSec: finished.Sub(start).Seconds(),
		FinishedAt: &finished,
		TaskID:     task.ID,
	}
	if err := game.UpsertCheckerResult(w.db, &result); err != nil {
		log.Printf("[worker] 任务 %s 结果写入失败: %v", taskID, err)
		w.fail(taskID, err.Error())
		w.needsRestart.Store(true)
		return
	}
	w.setStatus(taskID, StatusSuccess)
}

func (w *Worker) setStatus(taskID, status string) {
	if err := w.rdb.Set(context.Background(), statusKey(taskID), status, taskTTL).Err(); err != nil {
		log.Printf("[worker] 状态更新失败 %s=%s: %v", taskID, status, err)
	}
}

func (w *Worker) fail(taskID, reason string) {
	w.setStatus(taskID, StatusFailure)
	w.rdb.Set(context.Background(), errorKey(taskID), reason, taskTTL)
}

// ---- 服务与队伍缓存 ----

func (w *Worker) refresh() error {
	services, err := game.LoadServices(w.db, false)
	if err != nil {
		return err
	}
	teams, err := game.LoadTeams(w.db)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.services = make(map[int]*game.Service, len(services))
	for _, s := range services {
		w.services[s.ID] = s
	}
	w.teamIPs = make(map[int]string, len(teams))
	for _, t := range teams {
		w.teamIPs[t.ID] = t.VulnboxIP
	}
	return nil
}

func (w *Worker) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.refresh(); err != nil {
				log.Printf("[worker] 刷新服务缓存失败: %v", err)
			}
		}
	}
}

func (w *Worker) service(id int) *game.Service {
	w.mu.Lock()
	svc := w.services[id]
	w.mu.Unlock()
	if svc != nil {
		return svc
	}
	// 缓存未命中可能是新上架的服务
	if err := w.refresh(); err != nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.services[id]
}

func (w *Worker) vulnboxIP(teamID int) string {
	w.mu.Lock()
	ip := w.teamIPs[teamID]
	w.mu.Unlock()
	if ip != "" {
		return ip
	}
	return fmt.Sprintf("10.32.%d.2", teamID)
}

// ---- 广播任务 ----

func (w *Worker) listenBroadcast(ctx context.Context) {
	pubsub := w.rdb.Subscribe(ctx, "queue:broadcast")
	defer pubsub.Close()
	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			time.Sleep(time.Second)
			continue
		}
		var task BroadcastTask
		if err := json.Unmarshal([]byte(msg.Payload), &task); err != nil {
			log.Printf("[worker] 广播消息损坏: %v", err)
			continue
		}
		go w.runBroadcast(ctx, task)
	}
}

func (w *Worker) runBroadcast(ctx context.Context, task BroadcastTask) {
	switch task.Kind {
	case "preload":
		dir := filepath.Join(w.deps.PackagesRoot, task.Package)
		if _, err := os.Stat(dir); err != nil {
			log.Printf("[worker] 包 %s 不存在: %v", task.Package, err)
			return
		}
		log.Printf("[worker] 包 %s 就绪", task.Package)
	case "command":
		cmdCtx, cancel := context.WithTimeout(ctx, 90*time.Second)
		defer cancel()
		out, err := exec.CommandContext(cmdCtx, "sh", "-c", task.Command).CombinedOutput()
		if err != nil {
			log.Printf("[worker] 命令 %q 失败: %v\n%s", task.Command, err, out)
			return
		}
		log.Printf("[worker] 命令 %q:\n%s", task.Command, out)
	default:
		log.Printf("[worker] 未知广播类型 %q", task.Kind)
	}
}
