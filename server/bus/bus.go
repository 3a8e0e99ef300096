// Package bus 封装Redis：共享KV + pub/sub，承载计时器镜像、任务队列、
// VPN状态与flag id等全部“活”状态。所有key均为小写冒号分段格式。
package bus

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// 空值哨兵：与历史实现保持一致，nil写成字符串"None"
const NoneValue = "None"

type Bus struct {
	rdb *redis.Client
}

// Connect 建立Redis连接并注册客户端名（方便在CLIENT LIST里定位进程）
func Connect(addr, password, clientName string) (*Bus, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:       addr,
		Password:   password,
		ClientName: clientName,
		PoolSize:   100,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Bus{rdb: rdb}, nil
}

// Client 暴露底层客户端（队列的BRPOP等操作直接使用）
func (b *Bus) Client() *redis.Client { return b.rdb }

// SetAndPublish 写入key并在同名频道上发布，计时器镜像的基本操作
func (b *Bus) SetAndPublish(ctx context.Context, key string, value any) error {
	s := encode(value)
	if err := b.rdb.Set(ctx, key, s, 0).Err(); err != nil {
		return err
	}
	return b.rdb.Publish(ctx, key, s).Err()
}

func (b *Bus) Set(ctx context.Context, key string, value any) error {
	return b.rdb.Set(ctx, key, encode(value), 0).Err()
}

// GetString 读取key；key缺失或为"None"时ok=false
func (b *Bus) GetString(ctx context.Context, key string) (string, bool, error) {
	v, err := b.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if v == NoneValue || v == "" {
		return "", false, nil
	}
	return v, true, nil
}

func (b *Bus) GetInt(ctx context.Context, key string) (int64, bool, error) {
	s, ok, err := b.GetString(ctx, key)
	if err != nil || !ok {
		return 0, ok, err
	}
	var n int64
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, false, fmt.Errorf("key %s holds non-integer %q", key, s)
	}
	return n, true, nil
}

func (b *Bus) Incr(ctx context.Context, key string) (int64, error) {
	return b.rdb.Incr(ctx, key).Result()
}

func (b *Bus) Del(ctx context.Context, keys ...string) error {
	return b.rdb.Del(ctx, keys...).Err()
}

func (b *Bus) SAdd(ctx context.Context, key string, members ...any) error {
	return b.rdb.SAdd(ctx, key, members...).Err()
}

func (b *Bus) SRem(ctx context.Context, key string, members ...any) error {
	return b.rdb.SRem(ctx, key, members...).Err()
}

func (b *Bus) SMembers(ctx context.Context, key string) ([]string, error) {
	return b.rdb.SMembers(ctx, key).Result()
}

func (b *Bus) SIsMember(ctx context.Context, key string, member any) (bool, error) {
	return b.rdb.SIsMember(ctx, key, member).Result()
}

func (b *Bus) Keys(ctx context.Context, pattern string) ([]string, error) {
	return b.rdb.Keys(ctx, pattern).Result()
}

func (b *Bus) Publish(ctx context.Context, channel string, value any) error {
	return b.rdb.Publish(ctx, channel, encode(value)).Err()
}

// NumSub 某频道的订阅者数量（用于统计master计时器个数）
func (b *Bus) NumSub(ctx context.Context, channel string) (int64, error) {
	m, err := b.rdb.PubSubNumSub(ctx, channel).Result()
	if err != nil {
		return 0, err
	}
	return m[channel], nil
}

// SubscribeLoop 订阅若干频道并循环回调。连接异常按指数退避重试，
// 累计超过约3分钟视为不可恢复，进程退出交给supervisor重启。
func (b *Bus) SubscribeLoop(ctx context.Context, handler func(channel, payload string), channels ...string) {
	const maxBackoff = 3 * time.Minute
	backoff := time.Second

	for {
		pubsub := b.rdb.Subscribe(ctx, channels...)
		for {
			msg, err := pubsub.ReceiveMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					pubsub.Close()
					return
				}
				log.Printf("[bus] 订阅中断，%v 后重试: %v", backoff, err)
				time.Sleep(backoff)
				backoff *= 2
				if backoff > maxBackoff {
					log.Fatalf("[bus] 订阅无法恢复: %v", err)
				}
				break
			}
			backoff = time.Second
			handler(msg.Channel, msg.Payload)
		}
		pubsub.Close()
	}
}

func encode(value any) string {
	if value == nil {
		return NoneValue
	}
	switch v := value.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
