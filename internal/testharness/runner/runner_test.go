package runner

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subplex/subplex-go/internal/testharness/loader"
)

func newRunner(t *testing.T, mutate ...func(*Config)) (*Runner, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	cfg := DefaultConfig("testdata")
	cfg.Output = &out
	cfg.Timeout = 20 * time.Second
	for _, fn := range mutate {
		fn(cfg)
	}
	r, err := New(cfg)
	require.NoError(t, err)
	return r, &out
}

func TestScenarios(t *testing.T) {
	r, _ := newRunner(t)
	scenarios, err := r.Load()
	require.NoError(t, err)
	require.NotEmpty(t, scenarios)

	for _, sc := range scenarios {
		t.Run(sc.ID, func(t *testing.T) {
			result := r.RunScenarios(context.Background(), []*loader.Scenario{sc})
			require.Len(t, result.Results, 1)
			tr := result.Results[0]
			if tr.Skipped {
				t.Skip(tr.SkipReason)
			}
			assert.True(t, tr.Passed, "scenario %s failed: %v", sc.ID, tr.Error)
		})
	}
}

func TestRunReportsSuite(t *testing.T) {
	r, out := newRunner(t, func(c *Config) { c.Tags = "seed,tls" })

	result, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.PassCount)
	assert.Equal(t, 1, result.SkipCount)
	assert.Zero(t, result.FailCount)
	assert.Contains(t, out.String(), "SC-SEED-001")
	assert.Contains(t, out.String(), "skip: the mock node serves plain ws only")
}

func TestLoadPattern(t *testing.T) {
	r, _ := newRunner(t, func(c *Config) { c.Pattern = "RECONNECT" })
	scenarios, err := r.Load()
	require.NoError(t, err)
	ids := make([]string, 0, len(scenarios))
	for _, sc := range scenarios {
		ids = append(ids, sc.ID)
	}
	assert.Equal(t, []string{"SC-RECONNECT-001", "SC-RECONNECT-002"}, ids)
}

func TestRunNothingSelected(t *testing.T) {
	r, _ := newRunner(t, func(c *Config) { c.Tags = "no-such-tag" })
	_, err := r.Run(context.Background())
	assert.ErrorContains(t, err, "no scenarios selected")
}

func TestUnknownOutputFormat(t *testing.T) {
	cfg := DefaultConfig("testdata")
	cfg.OutputFormat = "yaml"
	_, err := New(cfg)
	assert.ErrorContains(t, err, `unknown output format "yaml"`)
}

func TestFailingScenario(t *testing.T) {
	r, _ := newRunner(t)
	sc, err := loader.ParseScenario([]byte(`
id: SC-FAIL-001
steps:
  - action: start
  - action: wait_ready
  - action: subscribe
    params: {key: k, target: K}
    expect:
      error_contains: anything
  - action: health
`))
	require.NoError(t, err)

	result := r.RunScenarios(context.Background(), []*loader.Scenario{sc})
	require.Len(t, result.Results, 1)
	tr := result.Results[0]
	assert.False(t, tr.Passed)
	assert.Contains(t, tr.Error.Error(), "step 3 (subscribe)")
	assert.Contains(t, tr.Error.Error(), "step did not fail")
	assert.Len(t, tr.StepResults, 3)
}

func TestBadParamsFailTheStep(t *testing.T) {
	r, _ := newRunner(t)
	sc, err := loader.ParseScenario([]byte(`
id: SC-PARAMS-001
steps:
  - action: subscribe
    params: {key: k, target: K, decoder: "xml"}
`))
	require.NoError(t, err)

	tr := r.RunScenarios(context.Background(), []*loader.Scenario{sc}).Results[0]
	assert.False(t, tr.Passed)
	assert.Contains(t, tr.Error.Error(), `unknown decoder "xml"`)
}

func TestActionsAreRegistered(t *testing.T) {
	r, _ := newRunner(t)
	actions := strings.Join(r.Actions(), " ")
	for _, name := range []string{"subscribe", "push", "seed", "drop", "wait_value", "confirm_held"} {
		assert.Contains(t, actions, name)
	}
}

func TestDecoder(t *testing.T) {
	field, err := decoder("field:lamports")
	require.NoError(t, err)

	v, err := field([]byte(`{"lamports":5}`))
	require.NoError(t, err)
	assert.Equal(t, 5.0, v)

	v, err = field([]byte(`null`))
	require.NoError(t, err)
	assert.Nil(t, v)

	_, err = field([]byte(`{"owner":"x"}`))
	assert.ErrorContains(t, err, `field "lamports" missing`)

	length, err := decoder("length")
	require.NoError(t, err)
	v, err = length([]byte(`"abc"`))
	require.NoError(t, err)
	assert.Equal(t, 5, v)
}
