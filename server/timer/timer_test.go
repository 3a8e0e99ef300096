package timer

import (
	"context"
	"fmt"
	"testing"
)

// fakeBus 内存版总线，只记录写入，测试状态机用
type fakeBus struct {
	store map[string]string
}

func newFakeBus() *fakeBus {
	return &fakeBus{store: make(map[string]string)}
}

func (f *fakeBus) encode(v any) string {
	if v == nil {
		return "None"
	}
	return fmt.Sprintf("%v", v)
}

func (f *fakeBus) SetAndPublish(_ context.Context, key string, value any) error {
	f.store[key] = f.encode(value)
	return nil
}

func (f *fakeBus) Set(_ context.Context, key string, value any) error {
	f.store[key] = f.encode(value)
	return nil
}

func (f *fakeBus) GetString(_ context.Context, key string) (string, bool, error) {
	v, ok := f.store[key]
	if !ok || v == "None" {
		return "", false, nil
	}
	return v, true, nil
}

func (f *fakeBus) GetInt(ctx context.Context, key string) (int64, bool, error) {
	s, ok, err := f.GetString(ctx, key)
	if err != nil || !ok {
		return 0, ok, err
	}
	var n int64
	fmt.Sscanf(s, "%d", &n)
	return n, true, nil
}

func (f *fakeBus) NumSub(context.Context, string) (int64, error) { return 1, nil }

func (f *fakeBus) SubscribeLoop(context.Context, func(channel, payload string), ...string) {}

// recorder 按序记录全部事件
type recorder struct {
	NopListener
	events []string
}

func (r *recorder) OnStartTick(tick int) { r.events = append(r.events, fmt.Sprintf("start:%d", tick)) }
func (r *recorder) OnEndTick(tick int)   { r.events = append(r.events, fmt.Sprintf("end:%d", tick)) }
func (r *recorder) OnStartCtf()          { r.events = append(r.events, "startCtf") }
func (r *recorder) OnSuspendCtf()        { r.events = append(r.events, "suspendCtf") }
func (r *recorder) OnEndCtf()            { r.events = append(r.events, "endCtf") }
func (r *recorder) OnOpenVulnboxAccess() { r.events = append(r.events, "openVulnbox") }

func newMaster(t *testing.T) (*Timer, *fakeBus, *recorder) {
	t.Helper()
	b := newFakeBus()
	tm := New(b, true, 120)
	rec := &recorder{}
	tm.AddListener(rec)
	return tm, b, rec
}

func assertEvents(t *testing.T, rec *recorder, want ...string) {
	t.Helper()
	if len(rec.events) != len(want) {
		t.Fatalf("events = %v, want %v", rec.events, want)
	}
	for i := range want {
		if rec.events[i] != want[i] {
			t.Fatalf("events = %v, want %v", rec.events, want)
		}
	}
}

func TestStartCtfBeginsFirstTick(t *testing.T) {
	tm, b, rec := newMaster(t)
	ctx := context.Background()

	if err := tm.StartCtf(ctx); err != nil {
		t.Fatal(err)
	}
	if tm.State() != Running || tm.CurrentTick() != 1 {
		t.Fatalf("state=%v tick=%d after start", tm.State(), tm.CurrentTick())
	}
	assertEvents(t, rec, "startCtf", "start:1")
	if b.store["timing:state"] != "RUNNING" {
		t.Errorf("timing:state = %q", b.store["timing:state"])
	}
	if _, ok := b.store["tick:1:start"]; !ok {
		t.Error("tick:1:start not written")
	}
}

// 轮次边界顺序：start:T 先于 end:T 先于 start:T+1
func TestTickBoundaryOrdering(t *testing.T) {
	tm, _, rec := newMaster(t)
	ctx := context.Background()
	tm.StartCtf(ctx)

	snap := tm.Snapshot()
	tm.CheckTime(ctx, snap.TickEnd-1) // 未到边界，什么都不发生
	tm.CheckTime(ctx, snap.TickEnd)
	tm.CheckTime(ctx, tm.Snapshot().TickEnd)

	assertEvents(t, rec, "startCtf", "start:1", "end:1", "start:2", "end:2", "start:3")
	if tm.CurrentTick() != 3 {
		t.Errorf("currentTick = %d, want 3", tm.CurrentTick())
	}
}

func TestTickTimesChainWithoutGap(t *testing.T) {
	tm, _, _ := newMaster(t)
	ctx := context.Background()
	tm.StartCtf(ctx)

	first := tm.Snapshot()
	tm.CheckTime(ctx, first.TickEnd)
	second := tm.Snapshot()
	if second.TickStart != first.TickEnd {
		t.Errorf("tick 2 starts at %d, want %d (seamless)", second.TickStart, first.TickEnd)
	}

	// 时钟落后较久时，新轮以当前时间为准
	late := second.TickEnd + 30
	tm.CheckTime(ctx, late)
	third := tm.Snapshot()
	if third.TickStart != late {
		t.Errorf("tick 3 starts at %d, want %d (clock fell behind)", third.TickStart, late)
	}
}

func TestSuspendAndResume(t *testing.T) {
	tm, _, rec := newMaster(t)
	ctx := context.Background()
	tm.StartCtf(ctx)
	tm.SuspendAfterTick(ctx)

	tm.CheckTime(ctx, tm.Snapshot().TickEnd)
	if tm.State() != Suspended {
		t.Fatalf("state = %v, want SUSPENDED", tm.State())
	}
	assertEvents(t, rec, "startCtf", "start:1", "end:1", "suspendCtf")

	// 恢复：不再触发startCtf，直接进入下一轮
	rec.events = nil
	tm.StartCtf(ctx)
	assertEvents(t, rec, "start:2")
	if tm.State() != Running {
		t.Fatalf("state = %v after resume", tm.State())
	}
}

func TestStopAfterTick(t *testing.T) {
	tm, _, rec := newMaster(t)
	ctx := context.Background()
	tm.SetStopAfterTick(ctx, 2)
	tm.StartCtf(ctx)

	tm.CheckTime(ctx, tm.Snapshot().TickEnd) // 进入第2轮，desiredState被置为STOPPED
	tm.CheckTime(ctx, tm.Snapshot().TickEnd) // 第2轮结束，比赛停止

	assertEvents(t, rec, "startCtf", "start:1", "end:1", "start:2", "end:2", "endCtf")
	if tm.State() != Stopped {
		t.Fatalf("state = %v, want STOPPED", tm.State())
	}
	if tm.Snapshot().StopAfterTick != 0 {
		t.Error("stopAfterTick not cleared")
	}
}

func TestScheduledStart(t *testing.T) {
	tm, _, rec := newMaster(t)
	ctx := context.Background()
	now := int64(1_700_000_000)
	tm.SetStartAt(ctx, now+100)

	tm.CheckTime(ctx, now) // 还没到点
	if tm.State() != Stopped {
		t.Fatal("started too early")
	}
	tm.CheckTime(ctx, now+102) // 4秒宽限内
	if tm.State() != Running {
		t.Fatal("scheduled start did not fire")
	}
	assertEvents(t, rec, "startCtf", "start:1")
	if tm.Snapshot().StartAt != 0 {
		t.Error("startAt not cleared after start")
	}
}

func TestScheduledStartMissedGrace(t *testing.T) {
	tm, _, _ := newMaster(t)
	ctx := context.Background()
	now := int64(1_700_000_000)
	tm.SetStartAt(ctx, now)

	tm.CheckTime(ctx, now+60) // 超过宽限窗口，不追赶
	if tm.State() != Stopped {
		t.Fatalf("state = %v, want STOPPED after missed window", tm.State())
	}
}

func TestOpenVulnboxAccess(t *testing.T) {
	tm, _, rec := newMaster(t)
	ctx := context.Background()
	now := int64(1_700_000_000)
	tm.SetOpenVulnboxAccessAt(ctx, now)

	tm.CheckTime(ctx, now+1)
	assertEvents(t, rec, "openVulnbox")
	if tm.Snapshot().OpenVulnboxAccessAt != 0 {
		t.Error("openVulnboxAccessAt not cleared")
	}
	// 只触发一次
	tm.CheckTime(ctx, now+2)
	assertEvents(t, rec, "openVulnbox")
}

func TestSetTickTimeAdjustsRunningTick(t *testing.T) {
	tm, _, _ := newMaster(t)
	ctx := context.Background()
	tm.StartCtf(ctx)
	start := tm.Snapshot().TickStart

	tm.SetTickTime(ctx, 60)
	snap := tm.Snapshot()
	if snap.TickEnd != start+60 {
		t.Errorf("tickEnd = %d, want %d", snap.TickEnd, start+60)
	}
}

func TestSlaveSendsCommandsOnly(t *testing.T) {
	b := newFakeBus()
	tm := New(b, false, 120)
	ctx := context.Background()

	tm.StartCtf(ctx)
	if b.store["timing:desiredState"] != "RUNNING" {
		t.Errorf("slave start wrote %q", b.store["timing:desiredState"])
	}
	if tm.State() != Stopped {
		t.Error("slave mutated local state directly")
	}

	// 镜像更新经订阅回调
	tm.handleBusMessage("timing:state", "RUNNING")
	tm.handleBusMessage("timing:currentTick", "7")
	if tm.State() != Running || tm.CurrentTick() != 7 {
		t.Errorf("mirror: state=%v tick=%d", tm.State(), tm.CurrentTick())
	}
	tm.handleBusMessage("timing:startAt", "None")
	if tm.Snapshot().StartAt != 0 {
		t.Error("None payload should clear startAt")
	}
}

func TestInitFromBus(t *testing.T) {
	b := newFakeBus()
	ctx := context.Background()
	b.store["timing:state"] = "SUSPENDED"
	b.store["timing:desiredState"] = "RUNNING"
	b.store["timing:currentTick"] = "12"
	b.store["timing:tickTime"] = "90"
	b.store["timing:tickStart"] = "1700000000"
	b.store["timing:tickEnd"] = "1700000090"

	tm := New(b, true, 120)
	if err := tm.InitFromBus(ctx); err != nil {
		t.Fatal(err)
	}
	snap := tm.Snapshot()
	if snap.State != Suspended || snap.CurrentTick != 12 || snap.TickTime != 90 {
		t.Errorf("restored snapshot = %+v", snap)
	}
}
