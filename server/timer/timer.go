// Package timer 比赛全局时钟：状态机{STOPPED, SUSPENDED, RUNNING}，
// 以1Hz推进轮次并通过bus把timing:*镜像给所有进程。
// 集群中必须恰好有一个master时钟，其余进程以slave模式运行，
// slave只读镜像状态、通过desiredState下发指令。
package timer

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"adctf/server/bus"
)

type State int

const (
	Stopped State = iota + 1
	Suspended
	Running
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "STOPPED"
	case Suspended:
		return "SUSPENDED"
	case Running:
		return "RUNNING"
	}
	return "STOPPED"
}

func ParseState(s string) State {
	switch s {
	case "RUNNING":
		return Running
	case "SUSPENDED":
		return Suspended
	}
	return Stopped
}

// Listener 时钟事件回调。回调在master循环内同步执行，
// 耗时操作必须自行转入后台goroutine（见events包）。
type Listener interface {
	OnStartTick(tick int)
	OnEndTick(tick int)
	OnStartCtf()
	OnSuspendCtf()
	OnEndCtf()
	OnUpdateTimes()
	OnOpenVulnboxAccess()
}

// NopListener 可内嵌的空实现，只需覆盖关心的事件
type NopListener struct{}

func (NopListener) OnStartTick(int)      {}
func (NopListener) OnEndTick(int)        {}
func (NopListener) OnStartCtf()          {}
func (NopListener) OnSuspendCtf()        {}
func (NopListener) OnEndCtf()            {}
func (NopListener) OnUpdateTimes()       {}
func (NopListener) OnOpenVulnboxAccess() {}

var timingChannels = []string{
	"timing:state", "timing:desiredState", "timing:currentTick",
	"timing:tickStart", "timing:tickEnd", "timing:tickTime",
	"timing:stopAfterTick", "timing:startAt", "timing:openVulnboxAccessAt",
}

// Bus 时钟对共享总线的依赖面，由bus.Bus实现
type Bus interface {
	SetAndPublish(ctx context.Context, key string, value any) error
	Set(ctx context.Context, key string, value any) error
	GetString(ctx context.Context, key string) (string, bool, error)
	GetInt(ctx context.Context, key string) (int64, bool, error)
	NumSub(ctx context.Context, channel string) (int64, error)
	SubscribeLoop(ctx context.Context, handler func(channel, payload string), channels ...string)
}

// Timer 比赛时钟。master为真时拥有状态的写权，否则仅镜像。
type Timer struct {
	bus    Bus
	master bool

	mutex               sync.Mutex
	state               State
	desiredState        State
	currentTick         int
	tickStart           int64 // 秒级时间戳，0=未设置
	tickEnd             int64
	tickTime            int
	stopAfterTick       int
	startAt             int64
	openVulnboxAccessAt int64

	listeners []Listener
	StopChan  chan struct{}
}

func New(b Bus, master bool, defaultTickTime int) *Timer {
	return &Timer{
		bus:          b,
		master:       master,
		state:        Stopped,
		desiredState: Stopped,
		tickTime:     defaultTickTime,
		StopChan:     make(chan struct{}),
	}
}

func (t *Timer) IsMaster() bool { return t.master }

// AddListener 注册事件回调（按注册顺序同步调用）
func (t *Timer) AddListener(l Listener) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.listeners = append(t.listeners, l)
}

// InitFromBus 启动时从Redis恢复时钟状态（state缺失说明是全新比赛）
func (t *Timer) InitFromBus(ctx context.Context) error {
	state, ok, err := t.bus.GetString(ctx, "timing:state")
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	desired, _, err := t.bus.GetString(ctx, "timing:desiredState")
	if err != nil {
		return err
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.state = ParseState(state)
	t.desiredState = ParseState(desired)
	for key, dst := range map[string]*int64{
		"timing:tickStart":           &t.tickStart,
		"timing:tickEnd":             &t.tickEnd,
		"timing:startAt":             &t.startAt,
		"timing:openVulnboxAccessAt": &t.openVulnboxAccessAt,
	} {
		v, ok, err := t.bus.GetInt(ctx, key)
		if err != nil {
			return err
		}
		if ok {
			*dst = v
		}
	}
	for key, dst := range map[string]*int{
		"timing:currentTick":   &t.currentTick,
		"timing:tickTime":      &t.tickTime,
		"timing:stopAfterTick": &t.stopAfterTick,
	} {
		v, ok, err := t.bus.GetInt(ctx, key)
		if err != nil {
			return err
		}
		if ok {
			*dst = int(v)
		}
	}
	return nil
}

// BindToBus 启动镜像订阅。master额外订阅timing:master，
// 以便CountMasterTimers能统计在线的master数量。
func (t *Timer) BindToBus(ctx context.Context) {
	channels := timingChannels
	if t.master {
		channels = append(append([]string{}, channels...), "timing:master")
	}
	go t.bus.SubscribeLoop(ctx, t.handleBusMessage, channels...)
}

func (t *Timer) handleBusMessage(channel, payload string) {
	if t.master || payload == bus.NoneValue {
		if !t.master {
			t.applyMirror(channel, 0, true)
		}
		return
	}
	switch channel {
	case "timing:state":
		t.mutex.Lock()
		t.state = ParseState(payload)
		t.mutex.Unlock()
	case "timing:desiredState":
		t.mutex.Lock()
		t.desiredState = ParseState(payload)
		t.mutex.Unlock()
	default:
		n, err := strconv.ParseInt(payload, 10, 64)
		if err != nil {
			log.Printf("[timer] 非法镜像值 %s=%q", channel, payload)
			return
		}
		t.applyMirror(channel, n, false)
	}
}

func (t *Timer) applyMirror(channel string, n int64, clear bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if clear {
		n = 0
	}
	switch channel {
	case "timing:currentTick":
		t.currentTick = int(n)
	case "timing:tickStart":
		t.tickStart = n
	case "timing:tickEnd":
		t.tickEnd = n
	case "timing:tickTime":
		if n > 0 {
			t.tickTime = int(n)
		}
	case "timing:stopAfterTick":
		t.stopAfterTick = int(n)
	case "timing:startAt":
		t.startAt = n
	case "timing:openVulnboxAccessAt":
		t.openVulnboxAccessAt = n
	}
}

// ---- 只读快照 ----

type Snapshot struct {
	State               State  `json:"-"`
	DesiredState        State  `json:"-"`
	StateName           string `json:"state"`
	DesiredStateName    string `json:"desiredState"`
	CurrentTick         int    `json:"currentTick"`
	TickStart           int64  `json:"tickStart"`
	TickEnd             int64  `json:"tickEnd"`
	TickTime            int    `json:"tickTime"`
	StopAfterTick       int    `json:"stopAfterTick"`
	StartAt             int64  `json:"startAt"`
	OpenVulnboxAccessAt int64  `json:"openVulnboxAccessAt"`
}

func (t *Timer) Snapshot() Snapshot {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return Snapshot{
		State:               t.state,
		DesiredState:        t.desiredState,
		StateName:           t.state.String(),
		DesiredStateName:    t.desiredState.String(),
		CurrentTick:         t.currentTick,
		TickStart:           t.tickStart,
		TickEnd:             t.tickEnd,
		TickTime:            t.tickTime,
		StopAfterTick:       t.stopAfterTick,
		StartAt:             t.startAt,
		OpenVulnboxAccessAt: t.openVulnboxAccessAt,
	}
}

func (t *Timer) State() State     { t.mutex.Lock(); defer t.mutex.Unlock(); return t.state }
func (t *Timer) CurrentTick() int { t.mutex.Lock(); defer t.mutex.Unlock(); return t.currentTick }

// CountMasterTimers 统计timing:master频道的订阅者数，正常恒为1
func (t *Timer) CountMasterTimers(ctx context.Context) (int, error) {
	n, err := t.bus.NumSub(ctx, "timing:master")
	return int(n), err
}

// ---- 指令（master直接执行，slave经desiredState广播）----

// StartCtf 立即开始比赛（或从暂停恢复）
func (t *Timer) StartCtf(ctx context.Context) error {
	if !t.master {
		return t.bus.SetAndPublish(ctx, "timing:desiredState", Running.String())
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.startCtfLocked(ctx, time.Now().Unix())
	return nil
}

// SuspendAfterTick 本轮结束后暂停
func (t *Timer) SuspendAfterTick(ctx context.Context) error {
	return t.setDesired(ctx, Suspended)
}

// StopAfterTick 本轮结束后停止比赛
func (t *Timer) StopAfterTick(ctx context.Context) error {
	return t.setDesired(ctx, Stopped)
}

func (t *Timer) setDesired(ctx context.Context, s State) error {
	if !t.master {
		return t.bus.SetAndPublish(ctx, "timing:desiredState", s.String())
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.desiredState = s
	t.publishTimesLocked(ctx)
	return nil
}

// SetTickTime 修改轮次时长，立即影响当前轮的结束时间
func (t *Timer) SetTickTime(ctx context.Context, seconds int) error {
	if !t.master {
		return t.bus.SetAndPublish(ctx, "timing:tickTime", seconds)
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.tickTime == seconds {
		return nil
	}
	t.tickTime = seconds
	if t.tickStart > 0 {
		t.tickEnd = t.tickStart + int64(t.tickTime)
	}
	t.publishTimesLocked(ctx)
	return nil
}

// SetStopAfterTick 设定最后一轮（0=取消）
func (t *Timer) SetStopAfterTick(ctx context.Context, tick int) error {
	if !t.master {
		return t.bus.SetAndPublish(ctx, "timing:stopAfterTick", orNone(int64(tick)))
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.stopAfterTick == tick {
		return nil
	}
	t.stopAfterTick = tick
	t.publishTimesLocked(ctx)
	return nil
}

// SetStartAt 设定定时开赛时间戳（0=取消）
func (t *Timer) SetStartAt(ctx context.Context, ts int64) error {
	if !t.master {
		return t.bus.SetAndPublish(ctx, "timing:startAt", orNone(ts))
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.startAt == ts {
		return nil
	}
	t.startAt = ts
	t.publishTimesLocked(ctx)
	return nil
}

// SetOpenVulnboxAccessAt 设定开放靶机访问的时间戳（0=取消）
func (t *Timer) SetOpenVulnboxAccessAt(ctx context.Context, ts int64) error {
	if !t.master {
		return t.bus.SetAndPublish(ctx, "timing:openVulnboxAccessAt", orNone(ts))
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.openVulnboxAccessAt == ts {
		return nil
	}
	t.openVulnboxAccessAt = ts
	t.publishTimesLocked(ctx)
	return nil
}

// ---- master循环 ----

// Run 以1Hz调用CheckTime，直到StopChan关闭。任何panic都被记录后继续走表。
func (t *Timer) Run(ctx context.Context) {
	log.Printf("[timer] master时钟启动")
	for {
		select {
		case <-t.StopChan:
			log.Printf("[timer] master时钟停止")
			return
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(float64(time.Second) * (1.0 - nowFrac()))):
		}
		t.notify(ctx)
	}
}

func nowFrac() float64 {
	return float64(time.Now().UnixNano()%1e9) / 1e9
}

func (t *Timer) notify(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[timer] checkTime panic: %v", r)
		}
	}()
	t.CheckTime(ctx, time.Now().Unix())
}

// CheckTime 推进状态机，now为秒级时间戳。只在master上有实际效果。
func (t *Timer) CheckTime(ctx context.Context, now int64) {
	if !t.master {
		return
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.openVulnboxAccessAt > 0 && now >= t.openVulnboxAccessAt && t.state != Running {
		t.openVulnboxAccessAt = 0
		t.publishTimesLocked(ctx)
		t.fire(func(l Listener) { l.OnOpenVulnboxAccess() })
	}

	switch {
	case t.state == Running && now >= t.tickEnd:
		t.fire(func(l Listener) { l.OnEndTick(t.currentTick) })
		if t.desiredState == Running {
			t.currentTick++
			// 挂起恢复后按计划衔接；真正落后超过1秒才以当前时间为准
			if now > t.tickEnd+1 {
				t.tickStart = now
			} else {
				t.tickStart = t.tickEnd
			}
			t.tickEnd = t.tickStart + int64(t.tickTime)
			t.startTickLocked(ctx)
		} else {
			t.state = t.desiredState
			if t.state == Suspended {
				t.fire(func(l Listener) { l.OnSuspendCtf() })
			} else {
				t.writeTickArtifactsLocked(ctx)
				t.fire(func(l Listener) { l.OnEndCtf() })
			}
		}
		t.publishTimesLocked(ctx)

	case t.state != Running && t.desiredState == Running:
		t.startCtfLocked(ctx, now)

	case t.state != Running && t.startAt > 0 && now >= t.startAt && now <= t.startAt+4:
		// 4秒宽限窗口内自动开赛；时钟宕机太久则不再追赶
		t.startAt = 0
		t.startCtfLocked(ctx, now)
	}
}

func (t *Timer) startCtfLocked(ctx context.Context, now int64) {
	t.desiredState = Running
	if t.state == Running {
		return
	}
	t.currentTick++
	t.tickStart = now
	t.tickEnd = t.tickStart + int64(t.tickTime)
	if t.state == Stopped {
		t.writeTickArtifactsLocked(ctx)
		t.fire(func(l Listener) { l.OnStartCtf() })
	}
	t.state = Running
	t.startTickLocked(ctx)
	t.publishTimesLocked(ctx)
}

func (t *Timer) startTickLocked(ctx context.Context) {
	if t.stopAfterTick > 0 && t.stopAfterTick == t.currentTick {
		t.desiredState = Stopped
		t.stopAfterTick = 0
	}
	t.fire(func(l Listener) { l.OnStartTick(t.currentTick) })
}

// publishTimesLocked 全量镜像到Redis并触发OnUpdateTimes
func (t *Timer) publishTimesLocked(ctx context.Context) {
	pairs := []struct {
		key   string
		value any
	}{
		{"timing:state", t.state.String()},
		{"timing:desiredState", t.desiredState.String()},
		{"timing:currentTick", t.currentTick},
		{"timing:tickStart", orNone(t.tickStart)},
		{"timing:tickEnd", orNone(t.tickEnd)},
		{"timing:tickTime", t.tickTime},
		{"timing:stopAfterTick", orNone(int64(t.stopAfterTick))},
		{"timing:startAt", orNone(t.startAt)},
		{"timing:openVulnboxAccessAt", orNone(t.openVulnboxAccessAt)},
	}
	for _, p := range pairs {
		if err := t.bus.SetAndPublish(ctx, p.key, p.value); err != nil {
			log.Printf("[timer] 镜像 %s 失败: %v", p.key, err)
		}
	}
	t.writeTickArtifactsLocked(ctx)
	t.fire(func(l Listener) { l.OnUpdateTimes() })
}

// writeTickArtifactsLocked 记录每轮的起止时间，供worker和runner查询
func (t *Timer) writeTickArtifactsLocked(ctx context.Context) {
	if t.state != Running {
		return
	}
	prefix := fmt.Sprintf("tick:%d:", t.currentTick)
	if err := t.bus.Set(ctx, prefix+"start", t.tickStart); err != nil {
		log.Printf("[timer] 写入%sstart失败: %v", prefix, err)
	}
	t.bus.Set(ctx, prefix+"end", t.tickEnd)
	t.bus.Set(ctx, prefix+"time", t.tickTime)
}

func (t *Timer) fire(f func(Listener)) {
	for _, l := range t.listeners {
		f(l)
	}
}

func orNone(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
