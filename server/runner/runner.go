// Package runner 执行一次checker调用并把结果归类为固定状态集。
// Runner绝不向调用方抛错，任何异常都折算进Output.Status。
package runner

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"adctf/server/bus"
	"adctf/server/game"
)

// Output 一次checker执行的归类结果
type Output struct {
	Status  string
	Message string
	Output  string
	Data    map[string]string
}

// Input 执行参数，由队列任务签名展开而来
type Input struct {
	Package     string
	CheckerSpec string // "file:class"
	ServiceID   int
	TeamID      int
	Tick        int
	VulnboxIP   string
	SoftLimit   time.Duration
}

type Runner interface {
	Run(ctx context.Context, in Input) Output
}

// Deps runner共享的外部句柄
type Deps struct {
	Bus          *bus.Bus
	HTTP         *http.Client
	FlagSecret   []byte
	PackagesRoot string
	CheckPast    int // eno：向前回查的轮数
	EnoTimeout   time.Duration
}

// New 按服务配置实例化runner。spec取自services.runner_spec。
func New(spec string, svc *game.Service, deps Deps) (Runner, error) {
	switch spec {
	case "", "subprocess":
		return &SubprocessRunner{root: deps.PackagesRoot}, nil
	case "eno":
		return newEnoRunner(svc, deps)
	}
	return nil, fmt.Errorf("unknown runner spec %q", spec)
}
