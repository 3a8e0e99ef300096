package runner

import (
	"testing"

	"adctf/server/game"
)

func msgFor(method string, current, related int) *enoTaskMessage {
	return &enoTaskMessage{
		Method:         method,
		CurrentRoundID: current,
		RelatedRoundID: related,
		TaskChainID:    "chain",
	}
}

func resultOf(result, message string) *enoResultMessage {
	res := &enoResultMessage{Result: result}
	if message != "" {
		res.Message = &message
	}
	return res
}

func TestEnoAggregateAllOK(t *testing.T) {
	agg := newEnoAggregate()
	agg.handle(msgFor(enoMethodPutFlag, 5, 5), resultOf(enoResultOK, ""))
	agg.handle(msgFor(enoMethodGetFlag, 5, 5), resultOf(enoResultOK, ""))
	agg.handle(msgFor(enoMethodHavoc, 5, 5), resultOf(enoResultOK, ""))
	if out := agg.finish(); out.Status != game.StatusSuccess {
		t.Errorf("status = %q, want SUCCESS", out.Status)
	}
}

// 过往轮次的getflag失败只降级为RECOVERING
func TestEnoAggregatePastTickFailure(t *testing.T) {
	agg := newEnoAggregate()
	agg.handle(msgFor(enoMethodPutFlag, 5, 5), resultOf(enoResultOK, ""))
	agg.handle(msgFor(enoMethodGetFlag, 5, 3), resultOf(enoResultMumble, "old flag gone"))
	if out := agg.finish(); out.Status != game.StatusRecovering {
		t.Errorf("status = %q, want RECOVERING", out.Status)
	}
}

// 当前轮次MUMBLE压过RECOVERING
func TestEnoAggregateMumbleOverridesRecovering(t *testing.T) {
	agg := newEnoAggregate()
	agg.handle(msgFor(enoMethodGetFlag, 5, 3), resultOf(enoResultMumble, ""))
	agg.handle(msgFor(enoMethodGetFlag, 5, 5), resultOf(enoResultMumble, "broken"))
	if out := agg.finish(); out.Status != game.StatusMumble {
		t.Errorf("status = %q, want MUMBLE", out.Status)
	}
}

func TestEnoAggregateOfflineOverridesMumble(t *testing.T) {
	agg := newEnoAggregate()
	agg.handle(msgFor(enoMethodGetFlag, 5, 5), resultOf(enoResultMumble, ""))
	agg.handle(msgFor(enoMethodHavoc, 5, 5), resultOf(enoResultOffline, "connection refused"))
	if out := agg.finish(); out.Status != game.StatusOffline {
		t.Errorf("status = %q, want OFFLINE", out.Status)
	}
}

func TestEnoAggregateInternalError(t *testing.T) {
	agg := newEnoAggregate()
	agg.handle(msgFor(enoMethodPutFlag, 5, 5), resultOf(enoResultOffline, ""))
	agg.handle(msgFor(enoMethodGetFlag, 5, 5), resultOf(enoResultInternalError, "checker blew up"))
	if out := agg.finish(); out.Status != game.StatusCrashed {
		t.Errorf("status = %q, want CRASHED", out.Status)
	}
}

func TestEnoAggregateInternalTimeout(t *testing.T) {
	agg := newEnoAggregate()
	agg.handle(msgFor(enoMethodGetFlag, 5, 5), resultOf(enoResultInternalError, "TIMEOUT"))
	if out := agg.finish(); out.Status != game.StatusTimeout {
		t.Errorf("status = %q, want TIMEOUT", out.Status)
	}
}

// 每条任务链只保留第一条消息，OFFLINE例外
func TestEnoAggregateMessageSelection(t *testing.T) {
	agg := newEnoAggregate()
	m1 := msgFor(enoMethodPutFlag, 5, 5)
	m2 := msgFor(enoMethodGetFlag, 5, 5)
	agg.handle(m1, resultOf(enoResultMumble, "first error"))
	agg.handle(m2, resultOf(enoResultMumble, "second error"))
	out := agg.finish()
	if out.Message != "first error" {
		t.Errorf("message = %q, want first error", out.Message)
	}

	agg = newEnoAggregate()
	agg.handle(m1, resultOf(enoResultMumble, "first error"))
	agg.handle(m2, resultOf(enoResultOffline, "service down"))
	if out := agg.finish(); out.Message != "service down" {
		t.Errorf("message = %q, want OFFLINE message to win", out.Message)
	}
}

func TestEnoAggregateGetflagData(t *testing.T) {
	agg := newEnoAggregate()
	m := msgFor(enoMethodGetFlag, 5, 3)
	m.VariantID = 1
	agg.handle(m, resultOf(enoResultOK, ""))
	out := agg.finish()
	if out.Data["3_1"] != enoResultOK {
		t.Errorf("data = %v", out.Data)
	}
}
