// Package logs 中央数据库日志：所有状态变化、告警、错误都落成
// log_messages行，并通过WebSocket实时推给管理界面。
package logs

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// 日志级别
const (
	LevelInfo         = 5
	LevelImportant    = 10 // 例如"新一轮开始"
	LevelNotification = 15 // 例如"一血"
	LevelWarning      = 20
	LevelError        = 30
)

// LogEntry 日志条目
type LogEntry struct {
	ID        int64  `json:"id"`
	Component string `json:"component"`
	Level     int    `json:"level"`
	Title     string `json:"title"`
	Text      string `json:"text,omitempty"`
	CreatedAt string `json:"createdAt"`
}

// WebSocket 连接管理
var (
	clients   = make(map[*websocket.Conn]bool)
	clientsMu sync.RWMutex
	upgrader  = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
)

// Log 写入一条日志（供其他模块调用）
func Log(db *sql.DB, component, title, text string, level int) {
	_, err := db.Exec(`
		INSERT INTO log_messages (component, level, title, text)
		VALUES ($1, $2, $3, $4)`,
		component, level, title, text)
	if err != nil {
		log.Printf("[logs] 日志写入失败 (%s: %s): %v", component, title, err)
		return
	}

	// 实时推送给所有 WebSocket 客户端
	go broadcastLog(LogEntry{
		Component: component,
		Level:     level,
		Title:     title,
		Text:      text,
		CreatedAt: time.Now().Format("2006-01-02 15:04:05"),
	})
}

// LogError 记录错误与调用栈
func LogError(db *sql.DB, component string, err error) {
	Log(db, component, err.Error(), string(debug.Stack()), LevelError)
}

// LogResult 执行fn并记录结果：异常按error格式记录，成功且
// success非空时记录耗时。返回fn的错误。
func LogResult(db *sql.DB, component string, fn func() error, success, errFormat string, successLevel int) error {
	start := time.Now()
	if err := fn(); err != nil {
		if errFormat != "" {
			Log(db, component, fmt.Sprintf(errFormat, err), string(debug.Stack()), LevelError)
		}
		return err
	}
	if success != "" {
		Log(db, component, fmt.Sprintf(success, time.Since(start).Seconds()), "", successLevel)
	}
	return nil
}

// HandleGetLogs 获取日志列表（管理后台API）
func HandleGetLogs(c *gin.Context, db *sql.DB) {
	// 分页参数
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("pageSize", "50"))
	if page < 1 {
		page = 1
	}
	if pageSize < 10 || pageSize > 200 {
		pageSize = 50
	}
	offset := (page - 1) * pageSize

	// 过滤参数
	component := c.Query("component")
	minLevel, _ := strconv.Atoi(c.DefaultQuery("minLevel", "0"))

	query := `SELECT id, component, level, title, text, created_at FROM log_messages WHERE level >= $1`
	countQuery := `SELECT COUNT(*) FROM log_messages WHERE level >= $1`
	args := []interface{}{minLevel}
	argIdx := 2

	if component != "" {
		query += " AND component = $" + strconv.Itoa(argIdx)
		countQuery += " AND component = $" + strconv.Itoa(argIdx)
		args = append(args, component)
		argIdx++
	}

	var total int
	countArgs := make([]interface{}, len(args))
	copy(countArgs, args)
	db.QueryRow(countQuery, countArgs...).Scan(&total)

	query += " ORDER BY id DESC LIMIT $" + strconv.Itoa(argIdx) + " OFFSET $" + strconv.Itoa(argIdx+1)
	args = append(args, pageSize, offset)

	rows, err := db.Query(query, args...)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "DATABASE_ERROR", "details": err.Error()})
		return
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		var text sql.NullString
		var createdAt time.Time
		if err := rows.Scan(&e.ID, &e.Component, &e.Level, &e.Title, &text, &createdAt); err != nil {
			continue
		}
		e.Text = text.String
		e.CreatedAt = createdAt.Format("2006-01-02 15:04:05")
		entries = append(entries, e)
	}
	if entries == nil {
		entries = []LogEntry{}
	}

	totalPages := (total + pageSize - 1) / pageSize
	c.JSON(http.StatusOK, gin.H{
		"logs":       entries,
		"total":      total,
		"page":       page,
		"pageSize":   pageSize,
		"totalPages": totalPages,
	})
}

// HandleLogsWebSocket WebSocket 实时日志推送
func HandleLogsWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	clientsMu.Lock()
	clients[conn] = true
	clientsMu.Unlock()

	defer func() {
		clientsMu.Lock()
		delete(clients, conn)
		clientsMu.Unlock()
	}()

	// 保持连接，读取客户端消息（心跳）
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// broadcastLog 广播日志给所有客户端
func broadcastLog(entry LogEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}

	clientsMu.RLock()
	defer clientsMu.RUnlock()

	for conn := range clients {
		conn.WriteMessage(websocket.TextMessage, data)
	}
}
