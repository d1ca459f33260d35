package publish

import (
	"context"
	"errors"
	"testing"
	"time"

	"noteflow/server/internal/model"
	"noteflow/server/internal/relay"
	"noteflow/server/internal/relay/relaytest"
)

func links(ls ...*relaytest.Link) []relay.Link {
	out := make([]relay.Link, len(ls))
	for i, l := range ls {
		out[i] = l
	}
	return out
}

func waitDone(t *testing.T, a *Action) model.PublishStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	st, err := a.Wait(ctx)
	if err != nil {
		t.Fatalf("publish did not finish: %v (status %+v)", err, st)
	}
	return st
}

// TestPublishMixedVerdicts A 接受、B 拒绝、C 超时：整体成功，C 被重试一次，B 不重试。
func TestPublishMixedVerdicts(t *testing.T) {
	a := relaytest.NewLink("wss://a").OnPublish(relaytest.Accept())
	b := relaytest.NewLink("wss://b").OnPublish(relaytest.Reject("spam"))
	c := relaytest.NewLink("wss://c").OnPublish(relaytest.Hang())

	act := Start(context.Background(), relaytest.Event("evt", 100), links(a, b, c), Options{
		Timeout:     50 * time.Millisecond,
		MaxRetries:  1,
		BaseBackoff: 10 * time.Millisecond,
	})
	st := waitDone(t, act)

	if !st.Settled || !st.Success {
		t.Fatalf("expected settled success, got %+v", st)
	}
	if st.Accepted != 1 || st.Total != 3 {
		t.Errorf("expected 1 of 3 accepted, got %d of %d", st.Accepted, st.Total)
	}
	if v := st.PerRelay["wss://a"]; v.State != model.VerdictAccepted {
		t.Errorf("relay a: %+v", v)
	}
	if v := st.PerRelay["wss://b"]; v.State != model.VerdictRejected || v.Reason != "spam" || v.Attempt != 1 || !v.Final {
		t.Errorf("relay b: %+v", v)
	}
	if v := st.PerRelay["wss://c"]; v.State != model.VerdictTimedOut || v.Attempt != 2 || !v.Final {
		t.Errorf("relay c: %+v", v)
	}
	if n := b.PublishCalls(); n != 1 {
		t.Errorf("rejections are never retried, relay b called %d times", n)
	}
	if n := c.PublishCalls(); n != 2 {
		t.Errorf("expected relay c attempted twice, got %d", n)
	}
}

// TestPublishAllRejected 全部拒绝时以失败结束。
func TestPublishAllRejected(t *testing.T) {
	a := relaytest.NewLink("wss://a").OnPublish(relaytest.Reject("blocked"))
	b := relaytest.NewLink("wss://b").OnPublish(relaytest.Reject("pow: difficulty too low"))

	st := waitDone(t, Start(context.Background(), relaytest.Event("evt", 100), links(a, b), Options{MaxRetries: 3}))
	if !st.Settled || st.Success {
		t.Fatalf("expected settled failure, got %+v", st)
	}
	if st.Accepted != 0 {
		t.Errorf("expected no acceptances, got %d", st.Accepted)
	}
}

// TestPublishEmptyRelaySet 空集合立即失败结束。
func TestPublishEmptyRelaySet(t *testing.T) {
	act := Start(context.Background(), relaytest.Event("evt", 100), nil, Options{})

	select {
	case <-act.Done():
	default:
		t.Fatal("empty relay set must settle immediately")
	}
	st := act.Status()
	if !st.Settled || st.Success || !st.Done {
		t.Fatalf("expected settled failure, got %+v", st)
	}

	var n int
	for range act.Updates() {
		n++
	}
	if n == 0 {
		t.Error("expected at least one status snapshot")
	}
}

// TestPublishRetryThenAccept 连接错误后重试成功。
func TestPublishRetryThenAccept(t *testing.T) {
	a := relaytest.NewLink("wss://a").OnPublish(relaytest.Sequence(
		relaytest.Fail(errors.New("connection refused")),
		relaytest.Accept(),
	))

	st := waitDone(t, Start(context.Background(), relaytest.Event("evt", 100), links(a), Options{
		MaxRetries:  2,
		BaseBackoff: 5 * time.Millisecond,
	}))
	v := st.PerRelay["wss://a"]
	if v.State != model.VerdictAccepted || v.Attempt != 2 {
		t.Fatalf("expected accepted on attempt 2, got %+v", v)
	}
	if !st.Success {
		t.Fatal("expected success")
	}
}

// TestPublishRetriesExhausted 连接错误用完重试次数后失败。
func TestPublishRetriesExhausted(t *testing.T) {
	a := relaytest.NewLink("wss://a").OnPublish(relaytest.Fail(errors.New("connection reset")))

	st := waitDone(t, Start(context.Background(), relaytest.Event("evt", 100), links(a), Options{
		MaxRetries:  2,
		BaseBackoff: time.Millisecond,
	}))
	v := st.PerRelay["wss://a"]
	if v.State != model.VerdictFailed || v.Attempt != 3 || v.Reason != "connection reset" {
		t.Fatalf("unexpected verdict: %+v", v)
	}
	if st.Success || !st.Settled {
		t.Fatalf("expected settled failure, got %+v", st)
	}
	if n := a.PublishCalls(); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
}

// TestPublishAbandonStopsRetries 放弃后不再有后台重试。
func TestPublishAbandonStopsRetries(t *testing.T) {
	a := relaytest.NewLink("wss://a").OnPublish(relaytest.Hang())

	act := Start(context.Background(), relaytest.Event("evt", 100), links(a), Options{
		Timeout:     20 * time.Millisecond,
		MaxRetries:  5,
		BaseBackoff: time.Hour,
		MaxBackoff:  time.Hour,
	})

	deadline := time.Now().Add(2 * time.Second)
	for act.Status().PerRelay["wss://a"].State != model.VerdictTimedOut {
		if time.Now().After(deadline) {
			t.Fatal("first attempt never timed out")
		}
		time.Sleep(5 * time.Millisecond)
	}

	act.Abandon()
	act.Abandon()

	st := act.Status()
	if !st.Done || !st.Abandoned {
		t.Fatalf("expected abandoned status, got %+v", st)
	}
	time.Sleep(30 * time.Millisecond)
	if n := a.PublishCalls(); n != 1 {
		t.Fatalf("expected no retry after abandon, got %d calls", n)
	}
}

// TestPublishUpdatesStream 每次迁移一份快照，成功不会回退。
func TestPublishUpdatesStream(t *testing.T) {
	a := relaytest.NewLink("wss://a").OnPublish(relaytest.Accept())
	b := relaytest.NewLink("wss://b").OnPublish(relaytest.Sequence(
		relaytest.Fail(errors.New("eof")),
		relaytest.Reject("duplicate"),
	))

	act := Start(context.Background(), relaytest.Event("evt", 100), links(a, b), Options{
		MaxRetries:  1,
		BaseBackoff: time.Millisecond,
	})

	var snaps []model.PublishStatus
	for st := range act.Updates() {
		snaps = append(snaps, st)
	}

	// 初始 + a 接受 + b 失败 + b 回到 pending + b 拒绝 + 结束
	if len(snaps) != 6 {
		t.Fatalf("expected 6 snapshots, got %d", len(snaps))
	}
	first := snaps[0]
	for url, v := range first.PerRelay {
		if v.State != model.VerdictPending {
			t.Errorf("%s should start pending, got %s", url, v.State)
		}
	}
	success := false
	for i, st := range snaps {
		if success && !st.Success {
			t.Fatalf("snapshot %d went back from success", i)
		}
		success = st.Success
	}
	last := snaps[len(snaps)-1]
	if !last.Done || !last.Success {
		t.Fatalf("unexpected final snapshot: %+v", last)
	}
	if v := last.PerRelay["wss://b"]; v.State != model.VerdictRejected || v.Attempt != 2 {
		t.Errorf("relay b: %+v", v)
	}
}

// TestPublishParentContextCancel 父 context 取消等同放弃。
func TestPublishParentContextCancel(t *testing.T) {
	a := relaytest.NewLink("wss://a").OnPublish(relaytest.Hang())
	ctx, cancel := context.WithCancel(context.Background())

	act := Start(ctx, relaytest.Event("evt", 100), links(a), Options{Timeout: time.Minute})
	cancel()

	select {
	case <-act.Done():
	case <-time.After(time.Second):
		t.Fatal("action should finish when its context is cancelled")
	}
	if !act.Status().Abandoned {
		t.Error("expected abandoned status")
	}
}
