package runner

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"adctf/server/game"
)

// Separator checker脚本在stdout里输出的定界线，其后一行是 status|message。
// 取最后一次出现，脚本自身的输出不会干扰解析。
const Separator = "\n\n" + "------------------------------------------------------------------------"

// SubprocessRunner 在独立子进程里执行checker脚本，
// 脚本崩溃不会波及worker进程。
type SubprocessRunner struct {
	root string // 包目录根
}

func (r *SubprocessRunner) Run(ctx context.Context, in Input) Output {
	file, class, _ := strings.Cut(in.CheckerSpec, ":")
	script := filepath.Join(r.root, in.Package, file)

	runCtx, cancel := context.WithTimeout(ctx, in.SoftLimit)
	defer cancel()

	cmd := exec.CommandContext(runCtx, script,
		class, strconv.Itoa(in.ServiceID), strconv.Itoa(in.TeamID), strconv.Itoa(in.Tick), in.VulnboxIP)
	cmd.Dir = filepath.Join(r.root, in.Package)

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	output := sanitize(buf.String())

	if runCtx.Err() == context.DeadlineExceeded {
		return Output{Status: game.StatusTimeout, Message: "Timeout, service too slow", Output: output}
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Output{Status: game.StatusCrashed, Output: output}
		}
		return Output{Status: game.StatusCrashed, Output: output + "\n" + err.Error()}
	}

	status, message, ok := ParseVerdict(output)
	if !ok {
		return Output{Status: game.StatusCrashed, Message: "checker produced no verdict", Output: output}
	}
	return Output{Status: status, Message: message, Output: output}
}

// ParseVerdict 从子进程输出中取最后一个定界线之后的 status|message 行
func ParseVerdict(output string) (status, message string, ok bool) {
	p := strings.LastIndex(output, Separator)
	if p < 0 {
		return "", "", false
	}
	rest := output[p+len(Separator):]
	rest = strings.TrimPrefix(rest, "\n")
	if i := strings.IndexByte(rest, '\n'); i >= 0 {
		rest = rest[:i]
	}
	status, message, found := strings.Cut(rest, "|")
	if !found || status == "" {
		return "", "", false
	}
	return status, strings.TrimSpace(message), true
}

// sanitize 数据库text列不接受NUL字节
func sanitize(s string) string {
	return strings.ReplaceAll(s, "\x00", "<0x00>")
}
