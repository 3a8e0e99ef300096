package scoring

import (
	"database/sql"
	"fmt"
	"time"

	"adctf/server/game"
	"adctf/server/logs"
)

// firstBloodStore 判一血需要的历史查询。缓存冷的时候（重启、重算后）
// 回落到这里查库，测试里换成假实现。
type firstBloodStore interface {
	hasFirstBlood(serviceID, payload int, usePayload bool, ts time.Time) (bool, error)
	maxFirstBloodLevel(serviceID, payload int, usePayload bool, ts time.Time) (int, error)
	previousVictims(serviceID, payload, attackerID int, usePayload bool, ts time.Time) ([]int, error)
}

type fbKey struct {
	ServiceID int
	Payload   int
}

type fbAttackerKey struct {
	ServiceID  int
	Payload    int
	AttackerID int
}

// firstBloodSelector 按提交顺序判定一血等级，0表示不是一血。
// limit=1：每个(service,payload)分区只有第一个失窃flag记一血。
// limit>1：攻击者攻破的不同受害者数量超过分区当前最高纪录时记为
// 新等级，重复受害者不记，追赶中的攻击者不记。
type firstBloodSelector struct {
	limit   int
	store   firstBloodStore
	marked  map[fbKey]bool
	max     map[fbKey]int
	victims map[fbAttackerKey]map[int]bool
}

func newFirstBloodSelector(limit int, store firstBloodStore) *firstBloodSelector {
	if limit < 1 {
		limit = 1
	}
	s := &firstBloodSelector{limit: limit, store: store}
	s.reset()
	return s
}

func (s *firstBloodSelector) reset() {
	s.marked = make(map[fbKey]bool)
	s.max = make(map[fbKey]int)
	s.victims = make(map[fbAttackerKey]map[int]bool)
}

func (s *firstBloodSelector) judge(f game.SubmittedFlag, svc *game.Service) (int, error) {
	usePayload := svc.NumPayloads > 0
	payload := 0
	if usePayload {
		payload = f.Payload
	}
	if s.limit == 1 {
		return s.judgeSingle(f, svc.ID, payload, usePayload)
	}
	return s.judgeMulti(f, svc.ID, payload, usePayload)
}

func (s *firstBloodSelector) judgeSingle(f game.SubmittedFlag, serviceID, payload int, usePayload bool) (int, error) {
	key := fbKey{serviceID, payload}
	if s.marked[key] {
		return 0, nil
	}
	has, err := s.store.hasFirstBlood(serviceID, payload, usePayload, f.Ts)
	if err != nil {
		return 0, err
	}
	if has {
		return 0, nil
	}
	s.marked[key] = true
	return 1, nil
}

func (s *firstBloodSelector) judgeMulti(f game.SubmittedFlag, serviceID, payload int, usePayload bool) (int, error) {
	key := fbKey{serviceID, payload}
	akey := fbAttackerKey{serviceID, payload, f.AttackerID}

	// 该分区的一血已经发完
	if s.max[key] >= s.limit {
		return 0, nil
	}
	// 同一攻击者打重复受害者没有新价值
	if s.victims[akey][f.VictimID] {
		return 0, nil
	}
	// 缓存可能落后于库里的历史标记，补齐后再判一次
	dbMax, err := s.store.maxFirstBloodLevel(serviceID, payload, usePayload, f.Ts)
	if err != nil {
		return 0, err
	}
	cur := s.max[key]
	if dbMax > cur {
		cur = dbMax
	}
	s.max[key] = cur
	if cur >= s.limit {
		return 0, nil
	}
	prev, err := s.store.previousVictims(serviceID, payload, f.AttackerID, usePayload, f.Ts)
	if err != nil {
		return 0, err
	}
	set := s.victims[akey]
	if set == nil {
		set = make(map[int]bool)
		s.victims[akey] = set
	}
	for _, v := range prev {
		set[v] = true
	}
	if set[f.VictimID] {
		return 0, nil
	}

	set[f.VictimID] = true
	level := len(set)
	if level <= cur {
		return 0, nil
	}
	s.max[key] = level
	return level, nil
}

// dbFirstBloodStore 从submitted_flags查历史
type dbFirstBloodStore struct {
	db *sql.DB
}

func (s dbFirstBloodStore) hasFirstBlood(serviceID, payload int, usePayload bool, ts time.Time) (bool, error) {
	query := `SELECT COUNT(*) FROM submitted_flags WHERE service_id = $1 AND is_firstblood > 0 AND ts <= $2`
	args := []any{serviceID, ts}
	if usePayload {
		query += ` AND payload = $3`
		args = append(args, payload)
	}
	var n int
	if err := s.db.QueryRow(query, args...).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s dbFirstBloodStore) maxFirstBloodLevel(serviceID, payload int, usePayload bool, ts time.Time) (int, error) {
	query := `SELECT COALESCE(MAX(is_firstblood), 0) FROM submitted_flags
		WHERE service_id = $1 AND is_firstblood > 0 AND ts < $2`
	args := []any{serviceID, ts}
	if usePayload {
		query += ` AND payload = $3`
		args = append(args, payload)
	}
	var level int
	if err := s.db.QueryRow(query, args...).Scan(&level); err != nil {
		return 0, err
	}
	return level, nil
}

func (s dbFirstBloodStore) previousVictims(serviceID, payload, attackerID int, usePayload bool, ts time.Time) ([]int, error) {
	query := `SELECT DISTINCT victim_id FROM submitted_flags
		WHERE service_id = $1 AND attacker_id = $2 AND ts < $3`
	args := []any{serviceID, attackerID, ts}
	if usePayload {
		query += ` AND payload = $4`
		args = append(args, payload)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var victims []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		victims = append(victims, v)
	}
	return victims, rows.Err()
}

// nullFirstBloodStore 全量重算时用：标记已清空、flag按时间序完整回放，
// 缓存里已经有全部历史，不需要再查库
type nullFirstBloodStore struct{}

func (nullFirstBloodStore) hasFirstBlood(int, int, bool, time.Time) (bool, error) {
	return false, nil
}
func (nullFirstBloodStore) maxFirstBloodLevel(int, int, bool, time.Time) (int, error) {
	return 0, nil
}
func (nullFirstBloodStore) previousVictims(int, int, int, bool, time.Time) ([]int, error) {
	return nil, nil
}

// markFirstBlood 判定并落库一血标记
func (c *Calculation) markFirstBlood(f game.SubmittedFlag, svc *game.Service, announce bool) error {
	c.mu.Lock()
	level, err := c.fb.judge(f, svc)
	c.mu.Unlock()
	if err != nil || level == 0 {
		return err
	}
	if _, err := c.db.Exec(`UPDATE submitted_flags SET is_firstblood = $1 WHERE id = $2`, level, f.ID); err != nil {
		return err
	}

	if announce {
		var teamName string
		c.db.QueryRow(`SELECT name FROM teams WHERE id = $1`, f.AttackerID).Scan(&teamName)
		if teamName == "" {
			teamName = fmt.Sprintf("#%d", f.AttackerID)
		}
		title := fmt.Sprintf("First Blood: %s on %s", teamName, svc.Name)
		text := fmt.Sprintf("flag from team %d, issued round %d, payload %d", f.VictimID, f.TickIssued, f.Payload)
		logs.Log(c.db, "scoring", title, text, logs.LevelNotification)
	}
	return nil
}

// RecomputeFirstBlood 全量重建一血标记。先清空再按提交顺序
// （ts、tick_submitted、id）重打，用于flag数据被人工修正之后。
func (c *Calculation) RecomputeFirstBlood() error {
	services, err := game.LoadServices(c.db, false)
	if err != nil {
		return err
	}
	tx, err := c.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE submitted_flags SET is_firstblood = 0 WHERE is_firstblood > 0`); err != nil {
		return err
	}
	for _, svc := range services {
		if c.cfg.FirstBloodLevel <= 1 {
			partition := "service_id"
			if svc.NumPayloads > 0 {
				partition = "service_id, payload"
			}
			query := fmt.Sprintf(`
				UPDATE submitted_flags SET is_firstblood = 1
				FROM (
					SELECT id, ROW_NUMBER() OVER (PARTITION BY %s ORDER BY ts, tick_submitted, id) AS rn
					FROM submitted_flags WHERE service_id = $1
				) ranked
				WHERE submitted_flags.id = ranked.id AND ranked.rn = 1`, partition)
			if _, err := tx.Exec(query, svc.ID); err != nil {
				return err
			}
			continue
		}
		if err := recomputeMultiFirstBlood(tx, svc, c.cfg.FirstBloodLevel); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	c.ResetCache()
	return nil
}

// recomputeMultiFirstBlood 把一个服务的flag按时间序回放一遍重新判级
func recomputeMultiFirstBlood(tx *sql.Tx, svc *game.Service, limit int) error {
	rows, err := tx.Query(`
		SELECT id, attacker_id, victim_id, payload, ts FROM submitted_flags
		WHERE service_id = $1 ORDER BY ts, tick_submitted, id`, svc.ID)
	if err != nil {
		return err
	}

	type mark struct {
		flagID int64
		level  int
	}
	sel := newFirstBloodSelector(limit, nullFirstBloodStore{})
	var marks []mark
	for rows.Next() {
		f := game.SubmittedFlag{ServiceID: svc.ID}
		if err := rows.Scan(&f.ID, &f.AttackerID, &f.VictimID, &f.Payload, &f.Ts); err != nil {
			rows.Close()
			return err
		}
		level, err := sel.judge(f, svc)
		if err != nil {
			rows.Close()
			return err
		}
		if level > 0 {
			marks = append(marks, mark{f.ID, level})
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, m := range marks {
		if _, err := tx.Exec(`UPDATE submitted_flags SET is_firstblood = $1 WHERE id = $2`, m.level, m.flagID); err != nil {
			return err
		}
	}
	return nil
}
