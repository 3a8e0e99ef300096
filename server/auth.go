package main

import (
	"database/sql"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"adctf/server/logs"
)

// ensureAdmin 确保管理员账户存在。账号密码由环境变量完全控制，
// 每次启动都同步一遍。
func ensureAdmin(db *sql.DB) error {
	username := os.Getenv("ADMIN_USERNAME")
	password := os.Getenv("ADMIN_PASSWORD")
	if username == "" || password == "" {
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	var existingID int64
	err = db.QueryRow(`SELECT id FROM admin_users WHERE username = $1`, username).Scan(&existingID)
	if err == sql.ErrNoRows {
		var newID int64
		err = db.QueryRow(`INSERT INTO admin_users (username, password_hash) VALUES ($1, $2) RETURNING id`,
			username, string(hash)).Scan(&newID)
		if err != nil {
			return err
		}
		log.Printf("[ensureAdmin] Created admin: %s (ID: %d)", username, newID)
		return nil
	}
	if err != nil {
		return err
	}
	_, err = db.Exec(`UPDATE admin_users SET password_hash = $1, updated_at = NOW() WHERE id = $2`,
		string(hash), existingID)
	if err != nil {
		return err
	}
	log.Printf("[ensureAdmin] Updated admin: %s (ID: %d)", username, existingID)
	return nil
}

// handleLogin 处理登录请求
func handleLogin(c *gin.Context, db *sql.DB, secret []byte) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_REQUEST"})
		return
	}

	var (
		id           int64
		passwordHash string
	)
	err := db.QueryRow(`SELECT id, password_hash FROM admin_users WHERE username = $1`, req.Username).
		Scan(&id, &passwordHash)
	if err == sql.ErrNoRows {
		logs.Log(db, "auth", "Login failed: unknown user "+req.Username, "", logs.LevelWarning)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "INVALID_CREDENTIALS"})
		return
	}
	if err != nil {
		log.Printf("[auth] query user error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL_ERROR"})
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(req.Password)); err != nil {
		logs.Log(db, "auth", "Login failed: wrong password for "+req.Username, "", logs.LevelWarning)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "INVALID_CREDENTIALS"})
		return
	}

	user := User{ID: id, Username: req.Username, Role: "super"}
	token, err := generateJWT(user, secret)
	if err != nil {
		log.Printf("[auth] generate token error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL_ERROR"})
		return
	}

	logs.Log(db, "auth", req.Username+" logged in", c.ClientIP(), logs.LevelInfo)
	c.JSON(http.StatusOK, gin.H{"token": token, "user": user})
}

// generateJWT 生成JWT令牌
func generateJWT(u User, secret []byte) (string, error) {
	claims := jwt.MapClaims{
		"sub":      u.ID,
		"username": u.Username,
		"role":     u.Role,
		"exp":      time.Now().Add(24 * time.Hour).Unix(),
		"iat":      time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}
