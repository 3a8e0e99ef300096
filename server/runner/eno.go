package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"adctf/server/flag"
	"adctf/server/game"
)

// eno checker-as-a-service 的HTTP协议消息（camelCase JSON）
type enoTaskMessage struct {
	TaskID         int64   `json:"taskId"`
	Method         string  `json:"method"`
	Address        string  `json:"address"`
	TeamID         int     `json:"teamId"`
	TeamName       string  `json:"teamName"`
	CurrentRoundID int     `json:"currentRoundId"`
	RelatedRoundID int     `json:"relatedRoundId"`
	Flag           *string `json:"flag"`
	VariantID      int     `json:"variantId"`
	Timeout        int64   `json:"timeout"`     // 毫秒
	RoundLength    int64   `json:"roundLength"` // 毫秒
	TaskChainID    string  `json:"taskChainId"`
}

type enoResultMessage struct {
	Result     string  `json:"result"` // OK | MUMBLE | OFFLINE | INTERNAL_ERROR
	Message    *string `json:"message"`
	AttackInfo *string `json:"attackInfo"`
}

type enoServiceInfo struct {
	ServiceName   string `json:"serviceName"`
	FlagVariants  int    `json:"flagVariants"`
	NoiseVariants int    `json:"noiseVariants"`
	HavocVariants int    `json:"havocVariants"`
}

const (
	enoMethodPutFlag  = "putflag"
	enoMethodGetFlag  = "getflag"
	enoMethodPutNoise = "putnoise"
	enoMethodGetNoise = "getnoise"
	enoMethodHavoc    = "havoc"

	enoResultOK            = "OK"
	enoResultMumble        = "MUMBLE"
	enoResultOffline       = "OFFLINE"
	enoResultInternalError = "INTERNAL_ERROR"
)

var (
	enoInfoCacheMu sync.Mutex
	enoInfoCache   = make(map[string]*enoServiceInfo)
)

// enoRunner 把checker委托给外部的eno检查服务。一次Run展开为
// {putflag, getflag×回查, putnoise, getnoise, havoc}若干HTTP任务，
// 结果聚合成单一状态。
type enoRunner struct {
	url  string
	svc  *game.Service
	deps Deps
}

func newEnoRunner(svc *game.Service, deps Deps) (*enoRunner, error) {
	var cfg struct {
		URL string `json:"url"`
	}
	if svc.RunnerConfig != "" {
		if err := json.Unmarshal([]byte(svc.RunnerConfig), &cfg); err != nil {
			return nil, fmt.Errorf("service %d runner config: %w", svc.ID, err)
		}
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("service %d: eno runner requires url in runner config", svc.ID)
	}
	return &enoRunner{url: strings.TrimRight(cfg.URL, "/"), svc: svc, deps: deps}, nil
}

func (r *enoRunner) Run(ctx context.Context, in Input) Output {
	info, err := r.serviceInfo(ctx)
	if err != nil {
		return Output{Status: game.StatusCrashed, Message: "checker info unavailable", Output: err.Error()}
	}

	agg := newEnoAggregate()
	slots := r.timeslots(info)
	var wg sync.WaitGroup

	for v := 0; v < info.FlagVariants; v++ {
		r.launch(ctx, &wg, agg, slots.early(), r.message(in, enoMethodPutFlag, v, in.Tick))
		r.launch(ctx, &wg, agg, slots.late(), r.message(in, enoMethodGetFlag, v, in.Tick))
		for i := 1; i <= r.deps.CheckPast; i++ {
			if in.Tick-i <= 0 {
				break
			}
			r.launch(ctx, &wg, agg, slots.free(), r.message(in, enoMethodGetFlag, v, in.Tick-i))
		}
	}
	for v := 0; v < info.NoiseVariants; v++ {
		r.launch(ctx, &wg, agg, slots.early(), r.message(in, enoMethodPutNoise, v, in.Tick))
		r.launch(ctx, &wg, agg, slots.late(), r.message(in, enoMethodGetNoise, v, in.Tick))
	}
	for v := 0; v < info.HavocVariants; v++ {
		r.launch(ctx, &wg, agg, slots.free(), r.message(in, enoMethodHavoc, v, in.Tick))
	}

	wg.Wait()
	return agg.finish()
}

func (r *enoRunner) serviceInfo(ctx context.Context) (*enoServiceInfo, error) {
	enoInfoCacheMu.Lock()
	cached := enoInfoCache[r.url]
	enoInfoCacheMu.Unlock()
	if cached != nil {
		return cached, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url+"/service", nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.deps.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("info request returned %d", resp.StatusCode)
	}
	var info enoServiceInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, err
	}

	enoInfoCacheMu.Lock()
	enoInfoCache[r.url] = &info
	enoInfoCacheMu.Unlock()
	return &info, nil
}

func (r *enoRunner) message(in Input, method string, variant, relatedTick int) *enoTaskMessage {
	taskID, err := r.deps.Bus.Incr(context.Background(), "runner:eno:task_id")
	if err != nil {
		taskID = time.Now().UnixNano()
	}
	msg := &enoTaskMessage{
		TaskID:         taskID,
		Method:         method,
		Address:        in.VulnboxIP,
		TeamID:         in.TeamID,
		TeamName:       "#" + fmt.Sprint(in.TeamID),
		CurrentRoundID: in.Tick,
		RelatedRoundID: relatedTick,
		VariantID:      variant,
		Timeout:        r.deps.EnoTimeout.Milliseconds(),
		RoundLength:    int64(r.tickDuration(in.Tick)) * 1000,
	}
	kind := method
	switch method {
	case enoMethodPutFlag, enoMethodGetFlag:
		kind = "flag"
		f := flag.Generate(r.deps.FlagSecret, relatedTick, in.TeamID, in.ServiceID, variant)
		msg.Flag = &f
	case enoMethodPutNoise, enoMethodGetNoise:
		kind = "noise"
	}
	msg.TaskChainID = fmt.Sprintf("%s_s%d_r%d_t%d_i%d", kind, in.ServiceID, relatedTick, in.TeamID, variant)
	return msg
}

func (r *enoRunner) tickDuration(tick int) int {
	v, ok, err := r.deps.Bus.GetInt(context.Background(), fmt.Sprintf("tick:%d:time", tick))
	if err != nil || !ok {
		return 60
	}
	return int(v)
}

func (r *enoRunner) launch(ctx context.Context, wg *sync.WaitGroup, agg *enoAggregate, delay time.Duration, msg *enoTaskMessage) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		res := r.query(ctx, agg, msg)
		agg.handle(msg, res)
		if msg.Method == enoMethodPutFlag && res.AttackInfo != nil {
			key := fmt.Sprintf("custom_flag_ids:%d:%d:%d:%d", r.svc.ID, msg.CurrentRoundID, msg.TeamID, msg.VariantID)
			r.deps.Bus.Set(context.Background(), key, *res.AttackInfo)
		}
	}()
}

func (r *enoRunner) query(ctx context.Context, agg *enoAggregate, msg *enoTaskMessage) *enoResultMessage {
	blob, _ := json.Marshal(msg)
	reqCtx, cancel := context.WithTimeout(ctx, r.deps.EnoTimeout+time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, r.url, bytes.NewReader(blob))
	if err != nil {
		return internalError(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.deps.HTTP.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || reqCtx.Err() == context.DeadlineExceeded {
			return internalError("TIMEOUT")
		}
		agg.appendOutput(err.Error())
		return internalError("")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		agg.appendOutput(fmt.Sprintf("request to %s returned %d", r.url, resp.StatusCode))
		return internalError("")
	}
	var res enoResultMessage
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		agg.appendOutput(err.Error())
		return internalError("")
	}
	return &res
}

func internalError(message string) *enoResultMessage {
	res := &enoResultMessage{Result: enoResultInternalError}
	if message != "" {
		res.Message = &message
	}
	return res
}

// ---- 任务起始时刻规划 ----

// enoSlots 把任务分散在轮次内：putflag/putnoise靠前，对应的get靠后，
// 其余任务在0-40秒内随机抖动，避免所有请求同时砸向靶机。
type enoSlots struct {
	mu      sync.Mutex
	earlies []time.Duration
	lates   []time.Duration
	frees   []time.Duration
}

func (r *enoRunner) timeslots(info *enoServiceInfo) *enoSlots {
	constrained := info.FlagVariants + info.NoiseVariants
	free := r.deps.CheckPast*info.FlagVariants + info.HavocVariants

	s := &enoSlots{}
	for i := 0; i < constrained; i++ {
		s.earlies = append(s.earlies, time.Duration(rand.Float64()*15*float64(time.Second)))
		s.lates = append(s.lates, time.Duration((30+rand.Float64()*10)*float64(time.Second)))
	}
	for i := 0; i < free; i++ {
		s.frees = append(s.frees, time.Duration(rand.Float64()*40*float64(time.Second)))
	}
	return s
}

func (s *enoSlots) early() time.Duration { return s.pop(&s.earlies) }
func (s *enoSlots) late() time.Duration  { return s.pop(&s.lates) }
func (s *enoSlots) free() time.Duration  { return s.pop(&s.frees) }

func (s *enoSlots) pop(from *[]time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(*from) == 0 {
		return time.Duration(rand.Float64() * 40 * float64(time.Second))
	}
	d := (*from)[0]
	*from = (*from)[1:]
	return d
}

// ---- 结果聚合 ----

// enoAggregate 把若干HTTP任务的结果折算为单一状态。
// 优先级：INTERNAL_ERROR(→CRASHED/TIMEOUT) > OFFLINE > MUMBLE > RECOVERING > SUCCESS，
// 其中过往轮次getflag的失败仅降级为RECOVERING。
type enoAggregate struct {
	mu               sync.Mutex
	status           string
	messages         map[string]string
	recoveryMessages map[string]string
	outputs          []string
	data             map[string]string
}

func newEnoAggregate() *enoAggregate {
	return &enoAggregate{
		status:           game.StatusSuccess,
		messages:         make(map[string]string),
		recoveryMessages: make(map[string]string),
		data:             make(map[string]string),
	}
}

func (a *enoAggregate) appendOutput(s string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outputs = append(a.outputs, s)
}

func (a *enoAggregate) handle(msg *enoTaskMessage, res *enoResultMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if res.Message != nil && *res.Message != "" {
		target := a.messages
		if msg.CurrentRoundID != msg.RelatedRoundID {
			target = a.recoveryMessages
		}
		// 每条任务链只保留第一条消息；OFFLINE的消息更准确，允许覆盖
		if _, seen := target[msg.TaskChainID]; !seen || res.Result == enoResultOffline {
			target[msg.TaskChainID] = *res.Message
		}
	}

	switch {
	case res.Result == enoResultInternalError:
		if res.Message != nil && *res.Message == "TIMEOUT" {
			a.status = game.StatusTimeout
		} else {
			a.status = game.StatusCrashed
		}
	case (a.status == game.StatusSuccess || a.status == game.StatusRecovering) &&
		res.Result != enoResultOK && msg.CurrentRoundID != msg.RelatedRoundID:
		a.status = game.StatusRecovering
	case (a.status == game.StatusSuccess || a.status == game.StatusRecovering) &&
		res.Result == enoResultMumble:
		a.status = game.StatusMumble
	case (a.status == game.StatusSuccess || a.status == game.StatusRecovering || a.status == game.StatusMumble) &&
		res.Result == enoResultOffline:
		a.status = game.StatusOffline
	}

	if msg.Method == enoMethodGetFlag {
		a.data[fmt.Sprintf("%d_%d", msg.RelatedRoundID, msg.VariantID)] = res.Result
	}
	a.outputs = append(a.outputs, fmt.Sprintf("%-8s #%d for tick %d => %s", msg.Method, msg.VariantID, msg.RelatedRoundID, res.Result))
}

func (a *enoAggregate) finish() Output {
	a.mu.Lock()
	defer a.mu.Unlock()

	source := a.messages
	if len(source) == 0 {
		source = a.recoveryMessages
	}
	seen := make(map[string]bool)
	var messages []string
	for _, m := range source {
		if !seen[m] {
			seen[m] = true
			messages = append(messages, m)
		}
	}
	sort.Strings(messages)
	sort.Strings(a.outputs)

	return Output{
		Status:  a.status,
		Message: strings.Join(messages, "\n"),
		Output:  strings.Join(a.outputs, "\n"),
		Data:    a.data,
	}
}
