package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"adctf/server/flag"
	"adctf/server/game"
)

// attackInfo attack.json的结构，发布给攻击方的flag id提示
type attackInfo struct {
	Teams   []attackTeam                      `json:"teams"`
	FlagIDs map[string]map[string]map[int]any `json:"flag_ids,omitempty"`
}

type attackTeam struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	IP     string `json:"ip"`
	Online bool   `json:"online"`
}

// writeAttackInfo 把有效期内各轮的flag id写到scoreboard目录下
func (d *Dispatcher) writeAttackInfo(teams []*game.Team, services []*game.Service, tick int) error {
	info := attackInfo{}
	for _, t := range teams {
		info.Teams = append(info.Teams, attackTeam{
			ID:     t.ID,
			Name:   t.Name,
			IP:     t.VulnboxIP,
			Online: t.SelfVPNUp || t.CloudVPNUp,
		})
	}

	minTick := tick - d.cfg.FlagRoundsValid
	if minTick < 1 {
		minTick = 1
	}
	for _, svc := range services {
		if svc.FlagIDKinds == "" {
			continue
		}
		kinds := strings.Split(svc.FlagIDKinds, ",")
		if info.FlagIDs == nil {
			info.FlagIDs = make(map[string]map[string]map[int]any)
		}
		byTeam := make(map[string]map[int]any)
		info.FlagIDs[svc.Name] = byTeam

		var custom map[[3]int]string
		for _, k := range kinds {
			if k == flag.KindCustom {
				custom = d.loadCustomFlagIDs(svc.ID, minTick, tick)
				break
			}
		}

		for _, t := range teams {
			byTick := make(map[int]any)
			byTeam[t.VulnboxIP] = byTick
			for r := minTick; r <= tick; r++ {
				ids := make([]any, len(kinds))
				for i, kind := range kinds {
					if kind == flag.KindCustom {
						if v, ok := custom[[3]int{r, t.ID, i}]; ok {
							ids[i] = v
						} else {
							ids[i] = nil
						}
					} else {
						ids[i] = flag.GenerateFlagID(kind, d.cfg.FlagSecret, svc.ID, t.ID, r, i)
					}
				}
				if len(ids) == 1 {
					byTick[r] = ids[0]
				} else {
					byTick[r] = ids
				}
			}
		}
	}

	blob, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(d.cfg.ScoreboardPath, "attack.json"), blob, 0644)
}

// loadCustomFlagIDs 收集checker上报的custom flag id
func (d *Dispatcher) loadCustomFlagIDs(serviceID, minTick, maxTick int) map[[3]int]string {
	ctx := context.Background()
	result := make(map[[3]int]string)
	for tick := minTick; tick < maxTick; tick++ {
		keys, err := d.bus.Keys(ctx, fmt.Sprintf("custom_flag_ids:%d:%d:*", serviceID, tick))
		if err != nil {
			continue
		}
		for _, k := range keys {
			var svc, tck, team, idx int
			if _, err := fmt.Sscanf(k, "custom_flag_ids:%d:%d:%d:%d", &svc, &tck, &team, &idx); err != nil {
				continue
			}
			if v, ok, err := d.bus.GetString(ctx, k); err == nil && ok {
				result[[3]int{tck, team, idx}] = v
			}
		}
	}
	return result
}
