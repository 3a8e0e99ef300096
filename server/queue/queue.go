// Package queue 基于Redis实现checker任务队列：任务组提交、撤销、
// 状态查询与广播。broker的数据布局：
//
//	queue:q:{name}            LIST  待执行任务id（LPUSH入队，BRPOP出队）
//	queue:task:{id}           JSON  任务签名
//	queue:task:{id}:status    状态 {PENDING,STARTED,RETRY,SUCCESS,FAILURE,REVOKED}
//	queue:task:{id}:error     FAILURE时的错误描述
//	queue:group:{gid}         JSON  任务id数组
//	queue:revoked             SET   已撤销任务id
//	queue:broadcast           PUBSUB 广播指令（缓存预热、shell命令）
package queue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	StatusPending = "PENDING"
	StatusStarted = "STARTED"
	StatusRetry   = "RETRY"
	StatusSuccess = "SUCCESS"
	StatusFailure = "FAILURE"
	StatusRevoked = "REVOKED"
)

const DefaultQueue = "default"

// 任务记录保留时长，过期自动清理
const taskTTL = 24 * time.Hour

// Task 一次checker执行的完整签名
type Task struct {
	ID           string `json:"id"`
	Queue        string `json:"queue"`
	RunnerSpec   string `json:"runnerSpec"`
	Package      string `json:"package"`
	CheckerSpec  string `json:"checkerSpec"`
	ServiceID    int    `json:"serviceId"`
	TeamID       int    `json:"teamId"`
	Tick         int    `json:"tick"`
	SoftLimitSec int    `json:"softLimitSec"`
	HardLimitSec int    `json:"hardLimitSec"`
	CountdownSec int    `json:"countdownSec,omitempty"`
	EnqueuedAt   int64  `json:"enqueuedAt"`
}

// BroadcastTask 广播给全部worker的指令
type BroadcastTask struct {
	Kind    string `json:"kind"` // preload | command
	Package string `json:"package,omitempty"`
	Command string `json:"command,omitempty"`
}

// TaskOutcome 查询到的最终结果；Err仅在FAILURE时有意义
type TaskOutcome struct {
	Status string
	Err    string
}

type Client struct {
	rdb *redis.Client
}

func NewClient(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// NewID 生成任务/任务组id（16字节随机数的hex）
func NewID() string {
	buf := make([]byte, 16)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}

func taskKey(id string) string   { return "queue:task:" + id }
func statusKey(id string) string { return taskKey(id) + ":status" }
func errorKey(id string) string  { return taskKey(id) + ":error" }
func groupKey(id string) string  { return "queue:group:" + id }
func queueKey(name string) string {
	if name == "" {
		name = DefaultQueue
	}
	return "queue:q:" + name
}

// Submit 提交单个任务。调用前task.ID可为空，返回时已填充。
func (c *Client) Submit(ctx context.Context, task *Task) error {
	if task.ID == "" {
		task.ID = NewID()
	}
	task.EnqueuedAt = time.Now().Unix()
	blob, err := json.Marshal(task)
	if err != nil {
		return err
	}
	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, taskKey(task.ID), blob, taskTTL)
	pipe.Set(ctx, statusKey(task.ID), StatusPending, taskTTL)
	pipe.LPush(ctx, queueKey(task.Queue), task.ID)
	_, err = pipe.Exec(ctx)
	return err
}

// SubmitGroup 提交任务组并持久化组内任务id，返回组id。
// 任何进程之后都可以用组id恢复并轮询整组状态。
func (c *Client) SubmitGroup(ctx context.Context, tasks []*Task) (string, error) {
	groupID := NewID()
	ids := make([]string, 0, len(tasks))
	for _, task := range tasks {
		if err := c.Submit(ctx, task); err != nil {
			return "", fmt.Errorf("submit task %d/%d: %w", len(ids)+1, len(tasks), err)
		}
		ids = append(ids, task.ID)
	}
	blob, err := json.Marshal(ids)
	if err != nil {
		return "", err
	}
	if err := c.rdb.Set(ctx, groupKey(groupID), blob, taskTTL).Err(); err != nil {
		return "", err
	}
	return groupID, nil
}

// RestoreGroup 按提交顺序取回组内任务id
func (c *Client) RestoreGroup(ctx context.Context, groupID string) ([]string, error) {
	blob, err := c.rdb.Get(ctx, groupKey(groupID)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("task group %s not found", groupID)
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(blob, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// RevokeGroup 撤销整组任务（尽力而为，与worker取任务存在竞态）
func (c *Client) RevokeGroup(ctx context.Context, groupID string) error {
	ids, err := c.RestoreGroup(ctx, groupID)
	if err != nil {
		return err
	}
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	if err := c.rdb.SAdd(ctx, "queue:revoked", members...).Err(); err != nil {
		return err
	}
	// 尚未开始的任务直接标记REVOKED；已经STARTED的由hard limit收尾
	pipe := c.rdb.Pipeline()
	statuses := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		statuses[i] = pipe.Get(ctx, statusKey(id))
	}
	pipe.Exec(ctx)
	for i, cmd := range statuses {
		if s, _ := cmd.Result(); s == StatusPending || s == StatusRetry || s == "" {
			c.rdb.Set(ctx, statusKey(ids[i]), StatusRevoked, taskTTL)
		}
	}
	return nil
}

// TaskStatus 查询单个任务状态；记录缺失按PENDING处理
func (c *Client) TaskStatus(ctx context.Context, taskID string) (string, error) {
	s, err := c.rdb.Get(ctx, statusKey(taskID)).Result()
	if err == redis.Nil {
		return StatusPending, nil
	}
	if err != nil {
		return "", err
	}
	return s, nil
}

// TaskOutcome 查询状态与错误信息，错误不向上抛出
func (c *Client) TaskOutcome(ctx context.Context, taskID string) (TaskOutcome, error) {
	status, err := c.TaskStatus(ctx, taskID)
	if err != nil {
		return TaskOutcome{}, err
	}
	out := TaskOutcome{Status: status}
	if status == StatusFailure {
		if msg, err := c.rdb.Get(ctx, errorKey(taskID)).Result(); err == nil {
			out.Err = msg
		}
	}
	return out, nil
}

// Broadcast 向所有worker发布指令
func (c *Client) Broadcast(ctx context.Context, task BroadcastTask) error {
	blob, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return c.rdb.Publish(ctx, "queue:broadcast", blob).Err()
}
