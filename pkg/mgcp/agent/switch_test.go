package agent

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/mgcp_agent/pkg/host"
	"github.com/arzzra/mgcp_agent/pkg/mgcp/message"
)

// waitRun ждет запуска плана набора
func waitRun(t *testing.T, pbx *fakePBX) runCall {
	t.Helper()
	select {
	case run := <-pbx.runs:
		return run
	case <-time.After(2 * time.Second):
		t.Fatal("dialplan was not started")
		return runCall{}
	}
}

func TestCollect_DialsCompleteExtension(t *testing.T) {
	pbx := newFakePBX("101")
	h := newHarness(t, nil, pbx)
	owner := h.offHook()

	h.notify(testEndpoint, "D/1,D/0,D/1")
	run := waitRun(t, pbx)
	assert.Equal(t, owner, run.h)
	assert.Equal(t, "101", run.exten)
	assert.Equal(t, "default", run.context)

	ch := pbx.channel(owner)
	assert.Equal(t, host.StateRing, ch.state)
	assert.Equal(t, host.CallerID{Number: "100", Name: "Alice"}, ch.info.CallerID)

	// Первая цифра сняла тон готовности
	h.settle()
	assert.Contains(t, h.conn.signals(), "")
}

func TestCollect_AmbiguousMatchWaits(t *testing.T) {
	pbx := newFakePBX("10", "101")
	h := newHarness(t, nil, pbx)
	h.offHook()

	h.notify(testEndpoint, "D/1,D/0")
	run := waitRun(t, pbx)
	assert.Equal(t, "10", run.exten)
}

func TestCollect_FeatureCodeHidesCallerID(t *testing.T) {
	pbx := newFakePBX("101")
	h := newHarness(t, nil, pbx)
	owner := h.offHook()

	h.notify(testEndpoint, "D/*,D/6,D/7")
	require.Eventually(t, func() bool {
		var hidden bool
		h.inspect(testEndpoint, func(ep *endpoint) { hidden = ep.hidecallerid })
		return hidden
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		h.settle()
		return lastSignal(h) == "L/sl"
	}, 2*time.Second, 10*time.Millisecond)

	// После кода набор начинается заново
	h.notify(testEndpoint, "D/1,D/0,D/1")
	run := waitRun(t, pbx)
	assert.Equal(t, "101", run.exten)
	assert.Equal(t, host.CallerID{}, pbx.channel(owner).info.CallerID)
}

func lastSignal(h *harness) string {
	signals := h.conn.signals()
	if len(signals) == 0 {
		return ""
	}
	return signals[len(signals)-1]
}

func TestCollect_NoMatchCongestion(t *testing.T) {
	pbx := newFakePBX("101")
	h := newHarness(t, nil, pbx)
	owner := h.offHook()

	h.notify(testEndpoint, "D/9")
	require.Eventually(t, func() bool { return pbx.hungUp(owner) }, 2*time.Second, 10*time.Millisecond)
	h.settle()
	assert.Contains(t, h.conn.signals(), "G/cg")
	select {
	case run := <-pbx.runs:
		t.Fatalf("unexpected dialplan run %+v", run)
	default:
	}
}

func TestCollect_FirstDigitTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.General.FirstDigitTimeout = 50 * time.Millisecond
	pbx := newFakePBX("101")
	h := newHarness(t, cfg, pbx)
	owner := h.offHook()

	require.Eventually(t, func() bool { return pbx.hungUp(owner) }, 2*time.Second, 10*time.Millisecond)
}

func TestCollect_StopsOnHangup(t *testing.T) {
	pbx := newFakePBX("101")
	h := newHarness(t, nil, pbx)
	owner := h.offHook()

	require.NoError(t, h.a.Hangup(owner))
	h.notify(testEndpoint, "D/1,D/0,D/1")
	select {
	case run := <-pbx.runs:
		t.Fatalf("unexpected dialplan run %+v", run)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDigits_InCallGoToOwner(t *testing.T) {
	h := newHarness(t, nil, nil)
	owner := h.offHook()
	h.pbx.SetState(owner, host.StateUp)

	h.notify(testEndpoint, "D/5")
	frames := h.pbx.framesFor(owner)
	require.Len(t, frames, 1)
	assert.Equal(t, host.FrameDTMF, frames[0].Type)
	assert.Equal(t, '5', frames[0].Digit)
}

func TestImmediate_StartsDialplan(t *testing.T) {
	cfg := testConfig()
	cfg.Gateways[0].Endpoints[0].Immediate = true
	pbx := newFakePBX()
	h := newHarness(t, cfg, pbx)
	h.settle()

	h.notify(testEndpoint, "L/hd")
	assert.Equal(t, "G/rt", h.conn.last(t, message.VerbRQNT).GetHeader("S"))

	run := waitRun(t, pbx)
	assert.Equal(t, "s", run.exten)
	ch := pbx.channel(run.h)
	assert.Equal(t, host.StateRing, ch.state)
	assert.Equal(t, "s", ch.info.Exten)
}

func TestImmediate_DialplanFailurePlaysCongestion(t *testing.T) {
	cfg := testConfig()
	cfg.Gateways[0].Endpoints[0].Immediate = true
	pbx := newFakePBX()
	pbx.runErr = errors.New("no such context")
	h := newHarness(t, cfg, pbx)
	h.settle()

	h.notify(testEndpoint, "L/hd")
	waitRun(t, pbx)
	require.Eventually(t, func() bool {
		h.settle()
		return lastSignal(h) == "G/cg"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFeatureCodes(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.offHook()

	h.inspect(testEndpoint, func(ep *endpoint) {
		sub := ep.activeSub()

		assert.True(t, h.a.featureCode(ep, sub, "*70"))
		assert.False(t, ep.callwaiting)
		assert.False(t, h.a.featureCode(ep, sub, "*70"), "already disabled")

		assert.True(t, h.a.featureCode(ep, sub, "*78"))
		assert.True(t, ep.dnd)
		assert.True(t, h.a.featureCode(ep, sub, "*79"))
		assert.False(t, ep.dnd)

		assert.False(t, h.a.featureCode(ep, sub, "*82"), "caller id is not hidden")
		assert.True(t, h.a.featureCode(ep, sub, "*67"))
		assert.True(t, h.a.featureCode(ep, sub, "*82"))
		assert.False(t, ep.hidecallerid)

		assert.False(t, h.a.featureCode(ep, sub, "*99"))

		// Свободная линия возвращает временные настройки
		ep.hidecallerid = true
		h.a.idle(ep)
		assert.True(t, ep.callwaiting)
		assert.False(t, ep.hidecallerid)
	})
}
