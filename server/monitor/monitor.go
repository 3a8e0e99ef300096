// Package monitor 大屏实时推送：时钟和榜单的轮次变化通过
// WebSocket推给所有已连接的页面。
package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"adctf/server/bus"
)

var (
	monitorClients  = make(map[*websocket.Conn]bool)
	monitorMutex    sync.RWMutex
	monitorUpgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
)

// MonitorEvent 推送给大屏的事件
type MonitorEvent struct {
	Type  string `json:"type"` // tick, state, scoreboard
	Value string `json:"value"`
	Time  string `json:"time"`
}

// WatchBus 订阅总线上的时钟/榜单频道并转发给大屏。
// 在web角色的进程里起一个goroutine即可。
func WatchBus(ctx context.Context, b *bus.Bus) {
	b.SubscribeLoop(ctx, func(channel, payload string) {
		var kind string
		switch channel {
		case "timing:currentTick":
			kind = "tick"
		case "timing:state":
			kind = "state"
		case "timing:scoreboard_tick":
			kind = "scoreboard"
		default:
			return
		}
		Broadcast(MonitorEvent{
			Type:  kind,
			Value: payload,
			Time:  time.Now().Format("2006-01-02 15:04:05"),
		})
	}, "timing:currentTick", "timing:state", "timing:scoreboard_tick")
}

// HandleMonitorWebSocket WebSocket 实时大屏推送
func HandleMonitorWebSocket(c *gin.Context, jwtSecret []byte) {
	// 从 URL 参数获取 token 并验证
	tokenStr := c.Query("token")
	if tokenStr == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "MISSING_TOKEN"})
		return
	}
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		return jwtSecret, nil
	})
	if err != nil || !token.Valid {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "INVALID_TOKEN"})
		return
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "INVALID_CLAIMS"})
		return
	}
	if role, _ := claims["role"].(string); role != "super" {
		c.JSON(http.StatusForbidden, gin.H{"error": "FORBIDDEN"})
		return
	}

	conn, err := monitorUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	monitorMutex.Lock()
	monitorClients[conn] = true
	monitorMutex.Unlock()

	defer func() {
		monitorMutex.Lock()
		delete(monitorClients, conn)
		monitorMutex.Unlock()
	}()

	// 保持连接，读取客户端消息（心跳）
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// Broadcast 广播事件给所有大屏客户端
func Broadcast(event MonitorEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	monitorMutex.RLock()
	defer monitorMutex.RUnlock()

	for conn := range monitorClients {
		conn.WriteMessage(websocket.TextMessage, data)
	}
}
