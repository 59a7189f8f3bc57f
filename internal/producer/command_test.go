package producer

import (
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dyluth/warren/pkg/blackboard"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func shellProducer(t *testing.T, kind Kind, script string, env ...string) *CommandProducer {
	t.Helper()
	p, err := NewCommandProducer(CommandConfig{
		ID:          "shell",
		Kind:        kind,
		Command:     []string{"sh", "-c", script},
		Dir:         t.TempDir(),
		Environment: env,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return p
}

func TestCommandProducer_Produce(t *testing.T) {
	requireShell(t)
	ctx := context.Background()

	t.Run("valid proposals", func(t *testing.T) {
		p := shellProducer(t, KindTrading,
			`cat >/dev/null; echo '{"proposals":[{"symbol":"AAPL","direction":"buy","conviction":0.7,"rationale":"trend"}]}'`)
		out, err := p.Produce(ctx, tradingRequest())
		require.NoError(t, err)
		require.Len(t, out.Proposals, 1)
		assert.Equal(t, "AAPL", out.Proposals[0].Symbol)
		assert.Equal(t, "0.7", out.Proposals[0].Conviction.String())
	})

	t.Run("environment is passed", func(t *testing.T) {
		p := shellProducer(t, KindRegime,
			`cat >/dev/null; echo "{\"regime\":{\"label\":\"$REGIME\",\"confidence\":\"0.6\",\"rationale\":\"env\"}}"`,
			"REGIME=risk_off")
		out, err := p.Produce(ctx, Request{Kind: KindRegime})
		require.NoError(t, err)
		require.NotNil(t, out.Regime)
		assert.Equal(t, "risk_off", out.Regime.Label)
	})

	t.Run("non-zero exit is unavailable", func(t *testing.T) {
		p := shellProducer(t, KindTrading, `echo oops >&2; exit 3`)
		_, err := p.Produce(ctx, tradingRequest())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.Contains(t, err.Error(), "code 3")
	})

	t.Run("missing binary is unavailable", func(t *testing.T) {
		p, err := NewCommandProducer(CommandConfig{ID: "x", Kind: KindTrading, Command: []string{"/nonexistent/producer"}}, nil)
		require.NoError(t, err)
		_, err = p.Produce(ctx, tradingRequest())
		assert.ErrorIs(t, err, ErrUnavailable)
	})

	schemaCases := map[string]string{
		"empty stdout":      `cat >/dev/null`,
		"not json":          `cat >/dev/null; echo 'BUY AAPL'`,
		"two documents":     `cat >/dev/null; echo '{"proposals":[]}{"proposals":[]}'`,
		"unknown field":     `cat >/dev/null; echo '{"orders":[]}'`,
		"regime for trader": `cat >/dev/null; echo '{"regime":{"label":"risk_on","confidence":"0.5","rationale":""}}'`,
	}
	for name, script := range schemaCases {
		t.Run(name, func(t *testing.T) {
			p := shellProducer(t, KindTrading, script)
			_, err := p.Produce(ctx, tradingRequest())
			assert.ErrorIs(t, err, ErrSchemaInvalid)
		})
	}

	t.Run("killed at deadline", func(t *testing.T) {
		p := shellProducer(t, KindTrading, `exec sleep 5`)
		tctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()

		start := time.Now()
		_, err := p.Produce(tctx, tradingRequest())
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), 3*time.Second)
	})
}

func TestCommandProducer_StrictRetryThroughAdapter(t *testing.T) {
	requireShell(t)

	// Only the strict retry gets a valid answer
	script := `input=$(cat)
case "$input" in
  *'"strict":true'*) echo '{"proposals":[{"symbol":"MSFT","direction":"buy","conviction":"0.55","rationale":"retry"}]}' ;;
  *) echo 'not json' ;;
esac`
	p := shellProducer(t, KindTrading, script)
	a, b, r := newTestAdapter(t, p)

	out, failure := a.Run(context.Background(), tradingRequest(), 10*time.Second)
	require.Nil(t, failure)
	require.Len(t, out.Proposals, 1)
	assert.Equal(t, "shell#0", out.Proposals[0].ID)
	assert.Equal(t, 2, r.invocations[0].Attempts)
	assert.Len(t, b.outcomes, 1)
}

func TestNewCommandProducer_Validation(t *testing.T) {
	_, err := NewCommandProducer(CommandConfig{Kind: KindTrading, Command: []string{"x"}}, nil)
	assert.Error(t, err)

	_, err = NewCommandProducer(CommandConfig{ID: "a", Kind: KindTrading}, nil)
	assert.Error(t, err)

	_, err = NewCommandProducer(CommandConfig{ID: "a", Kind: "oracle", Command: []string{"x"}}, nil)
	assert.Error(t, err)
}

type fakeView map[string]string

func (v fakeView) Read(slot string) (*blackboard.Entry, error) {
	raw, ok := v[slot]
	if !ok {
		return nil, &blackboard.Error{Kind: blackboard.KindSlotNotReady, Slot: slot}
	}
	return &blackboard.Entry{Slot: slot, Value: json.RawMessage(raw)}, nil
}

func (v fakeView) Slots() []string {
	return []string{"market_analysis", "missing"}
}

func TestNewToolInput(t *testing.T) {
	req := tradingRequest()
	req.ProducerID = "momentum"
	req.Kind = KindTrading
	req.Board = fakeView{"market_analysis": `{"label":"risk_on"}`}

	in := NewToolInput(req)
	assert.Equal(t, "momentum", in.ProducerID)
	assert.False(t, strings.HasPrefix(in.Instructions, strictPreamble))
	assert.JSONEq(t, `{"label":"risk_on"}`, string(in.Board["market_analysis"]))
	assert.NotContains(t, in.Board, "missing")

	req.Strict = true
	assert.True(t, strings.HasPrefix(NewToolInput(req).Instructions, strictPreamble))

	req.Board = nil
	assert.Nil(t, NewToolInput(req).Board)
}

func TestLimitedWriter(t *testing.T) {
	var sb strings.Builder
	lw := &limitedWriter{w: &sb, limit: 5}
	n, err := lw.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = lw.Write([]byte("defgh"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "abcde", sb.String())
}
