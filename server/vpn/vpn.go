// Package vpn 比赛网络的开关与封禁。状态存在总线上，
// 防火墙节点订阅network:*频道实时生效。
package vpn

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"time"

	"adctf/server/bus"
	"adctf/server/logs"
)

// 网络状态
const (
	StateOff       = "off"
	StateOn        = "on"
	StateTeamsOnly = "team" // 只允许队内流量，适合开赛前热身
)

type Control struct {
	bus *bus.Bus
	db  *sql.DB
}

func New(b *bus.Bus, db *sql.DB) *Control {
	return &Control{bus: b, db: db}
}

func bannedTeamKey(teamID int) string { return fmt.Sprintf("network:bannedteam:%d", teamID) }

func (c *Control) State(ctx context.Context) string {
	s, ok, err := c.bus.GetString(ctx, "network:state")
	if err != nil || !ok {
		return StateOff
	}
	switch s {
	case StateOn, StateTeamsOnly:
		return s
	}
	return StateOff
}

// SetState 切换网络状态。状态真正变化时记日志并等半秒，
// 让防火墙先生效再触发后续事件（比如checker派发）。
func (c *Control) SetState(ctx context.Context, state string) error {
	old := c.State(ctx)
	if err := c.bus.Set(ctx, "network:state", state); err != nil {
		return err
	}
	if err := c.bus.Publish(ctx, "network:state", state); err != nil {
		return err
	}
	if old != state {
		switch state {
		case StateOn:
			logs.Log(c.db, "vpn", "Network open", "", logs.LevelImportant)
		case StateTeamsOnly:
			logs.Log(c.db, "vpn", "Network open within teams only", "", logs.LevelImportant)
		default:
			logs.Log(c.db, "vpn", "Network closed", "", logs.LevelImportant)
		}
		time.Sleep(500 * time.Millisecond)
	}
	return nil
}

// BannedTeam 一条封禁记录，UntilTick=0表示无限期
type BannedTeam struct {
	TeamID    int `json:"teamId"`
	UntilTick int `json:"untilTick,omitempty"`
}

func (c *Control) BannedTeams(ctx context.Context) ([]BannedTeam, error) {
	members, err := c.bus.SMembers(ctx, "network:banned")
	if err != nil {
		return nil, err
	}
	var result []BannedTeam
	for _, m := range members {
		id, err := strconv.Atoi(m)
		if err != nil {
			continue
		}
		b := BannedTeam{TeamID: id}
		if v, ok, err := c.bus.GetString(ctx, bannedTeamKey(id)); err == nil && ok {
			b.UntilTick, _ = strconv.Atoi(v)
		}
		result = append(result, b)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].TeamID < result[j].TeamID })
	return result, nil
}

func (c *Control) BanTeam(ctx context.Context, teamID, untilTick int) error {
	if teamID == 0 {
		return nil
	}
	if err := c.bus.SAdd(ctx, "network:banned", teamID); err != nil {
		return err
	}
	until := ""
	if untilTick > 0 {
		until = strconv.Itoa(untilTick)
	}
	if err := c.bus.Set(ctx, bannedTeamKey(teamID), until); err != nil {
		return err
	}
	if err := c.bus.Publish(ctx, "network:ban", strconv.Itoa(teamID)); err != nil {
		return err
	}
	if untilTick > 0 {
		logs.Log(c.db, "vpn", fmt.Sprintf("Banned team #%d until tick %d", teamID, untilTick), "", logs.LevelInfo)
	} else {
		logs.Log(c.db, "vpn", fmt.Sprintf("Banned team #%d", teamID), "", logs.LevelInfo)
	}
	return nil
}

func (c *Control) UnbanTeam(ctx context.Context, teamID int) error {
	if err := c.bus.SRem(ctx, "network:banned", teamID); err != nil {
		return err
	}
	if err := c.bus.Del(ctx, bannedTeamKey(teamID)); err != nil {
		return err
	}
	if err := c.bus.Publish(ctx, "network:unban", strconv.Itoa(teamID)); err != nil {
		return err
	}
	logs.Log(c.db, "vpn", fmt.Sprintf("Removed ban from team #%d", teamID), "", logs.LevelInfo)
	return nil
}

// UnbanForTick 轮次开始时解除到期的封禁
func (c *Control) UnbanForTick(ctx context.Context, tick int) {
	banned, err := c.BannedTeams(ctx)
	if err != nil {
		return
	}
	for _, b := range banned {
		if b.UntilTick == tick {
			if err := c.UnbanTeam(ctx, b.TeamID); err != nil {
				logs.LogError(c.db, "vpn", err)
			}
		}
	}
}

// OpenTeams 赛前单独放行的队伍（network:permissions集合）
func (c *Control) OpenTeams(ctx context.Context) ([]int, error) {
	members, err := c.bus.SMembers(ctx, "network:permissions")
	if err != nil {
		return nil, err
	}
	var ids []int
	for _, m := range members {
		if id, err := strconv.Atoi(m); err == nil {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids, nil
}

func (c *Control) AddPermission(ctx context.Context, teamID int) error {
	if teamID == 0 {
		return nil
	}
	if err := c.bus.SAdd(ctx, "network:permissions", teamID); err != nil {
		return err
	}
	if err := c.bus.Publish(ctx, "network:add_permission", strconv.Itoa(teamID)); err != nil {
		return err
	}
	logs.Log(c.db, "vpn", fmt.Sprintf("Open network for team #%d", teamID), "", logs.LevelInfo)
	return nil
}

func (c *Control) RemovePermission(ctx context.Context, teamID int) error {
	if err := c.bus.SRem(ctx, "network:permissions", teamID); err != nil {
		return err
	}
	if err := c.bus.Publish(ctx, "network:remove_permission", strconv.Itoa(teamID)); err != nil {
		return err
	}
	logs.Log(c.db, "vpn", fmt.Sprintf("Close network for team #%d", teamID), "", logs.LevelInfo)
	return nil
}
