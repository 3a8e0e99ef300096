package dispatcher

import (
	"testing"

	"adctf/server/game"
	"adctf/server/queue"
)

func TestClassifySuccessLeavesResultAlone(t *testing.T) {
	r, class := Classify(3, 1, 2, "tid", queue.TaskOutcome{Status: queue.StatusSuccess}, "")
	if r != nil || class != queue.StatusSuccess {
		t.Fatalf("got (%v, %s)", r, class)
	}
}

// 轮次结束时仍在运行的任务记TIMEOUT并打上run_over_time
func TestClassifyStarted(t *testing.T) {
	r, class := Classify(3, 1, 2, "tid", queue.TaskOutcome{Status: queue.StatusStarted}, "")
	if class != queue.StatusStarted {
		t.Fatalf("class = %s", class)
	}
	if r.Status != game.StatusTimeout || !r.RunOverTime {
		t.Errorf("result = %+v", r)
	}
	if r.Message != "Service not checked completely" || r.Output != "Still running after round end..." {
		t.Errorf("unexpected texts: %q / %q", r.Message, r.Output)
	}
}

// 从未开始的任务（PENDING/RETRY/REVOKED）统一记REVOKED
func TestClassifyNeverStarted(t *testing.T) {
	for _, s := range []string{queue.StatusPending, queue.StatusRetry, queue.StatusRevoked} {
		r, class := Classify(3, 1, 2, "tid", queue.TaskOutcome{Status: s}, "")
		if class != queue.StatusRevoked {
			t.Fatalf("status %s: class = %s", s, class)
		}
		if r.Status != game.StatusRevoked || r.Message != "Service not checked" {
			t.Errorf("status %s: result = %+v", s, r)
		}
		if r.Output != "Not started before the round ended" {
			t.Errorf("status %s: output = %q", s, r.Output)
		}
	}
}

func TestClassifyFailureTimeLimit(t *testing.T) {
	outcome := queue.TaskOutcome{Status: queue.StatusFailure, Err: "TimeLimitExceeded: hard limit hit"}
	r, _ := Classify(3, 1, 2, "tid", outcome, "")
	if r.Status != game.StatusTimeout {
		t.Errorf("status = %s, want TIMEOUT", r.Status)
	}
}

func TestClassifyFailureCrash(t *testing.T) {
	outcome := queue.TaskOutcome{Status: queue.StatusFailure, Err: "panic: index out of range"}
	r, _ := Classify(3, 1, 2, "tid", outcome, "partial checker log")
	if r.Status != game.StatusCrashed {
		t.Errorf("status = %s, want CRASHED", r.Status)
	}
	if r.Output != "partial checker log\npanic: index out of range" {
		t.Errorf("output = %q", r.Output)
	}
}

func TestBuildTaskLimits(t *testing.T) {
	svc := &game.Service{ID: 2, TimeoutSec: 30, Subprocess: true, Route: "fast", Package: "pkg", CheckerSpec: "checker:Svc"}
	task := buildTask(svc, 7, 4, "")
	if task.SoftLimitSec != 35 || task.HardLimitSec != 40 {
		t.Errorf("limits = %d/%d, want 35/40", task.SoftLimitSec, task.HardLimitSec)
	}
	if task.Queue != "fast" || task.Package != "pkg" {
		t.Errorf("task = %+v", task)
	}

	svc.Subprocess = false
	task = buildTask(svc, 7, 4, "other")
	if task.SoftLimitSec != 30 || task.HardLimitSec != 35 || task.Package != "other" {
		t.Errorf("task = %+v", task)
	}
}
