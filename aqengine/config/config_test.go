package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadAppliesDefaultsWithNoEnvSet(t *testing.T) {
	cfg := Load()
	assert.True(t, cfg.OrderSizeUSDC.Equal(cfg.OrderSizeUSDC)) // sanity: constructed without panicking
	assert.Equal(t, 100, cfg.MinRefreshIntervalMS)
	assert.True(t, cfg.DryRun, "engine must default to dry-run for safety")
	assert.Equal(t, []int{1, 5, 15, 30, 60}, cfg.MarkoutHorizonsSeconds)
}

func TestEnvStrFallsBackWhenUnset(t *testing.T) {
	t.Setenv("AQ_TEST_STR", "")
	assert.Equal(t, "fallback", envStr("AQ_TEST_STR", "fallback"))
	t.Setenv("AQ_TEST_STR", "custom")
	assert.Equal(t, "custom", envStr("AQ_TEST_STR", "fallback"))
}

func TestEnvDecimalParsesOrFallsBack(t *testing.T) {
	t.Setenv("AQ_TEST_DEC", "0.37")
	assert.True(t, envDecimal("AQ_TEST_DEC", 1).Equal(envDecimal("AQ_TEST_DEC", 1)))
	v := envDecimal("AQ_TEST_DEC", 1)
	assert.Equal(t, "0.37", v.String())

	t.Setenv("AQ_TEST_DEC", "not-a-number")
	fallback := envDecimal("AQ_TEST_DEC", 1)
	assert.Equal(t, "1", fallback.String())
}

func TestEnvIntParsesOrFallsBack(t *testing.T) {
	t.Setenv("AQ_TEST_INT", "42")
	assert.Equal(t, 42, envInt("AQ_TEST_INT", 7))

	t.Setenv("AQ_TEST_INT", "nope")
	assert.Equal(t, 7, envInt("AQ_TEST_INT", 7))
}

func TestEnvBoolParsesOrFallsBack(t *testing.T) {
	t.Setenv("AQ_TEST_BOOL", "false")
	assert.False(t, envBool("AQ_TEST_BOOL", true))

	t.Setenv("AQ_TEST_BOOL", "")
	assert.True(t, envBool("AQ_TEST_BOOL", true))
}

func TestEnvIntListParsesCommaSeparatedOrFallsBack(t *testing.T) {
	t.Setenv("AQ_TEST_LIST", "1, 5,15")
	assert.Equal(t, []int{1, 5, 15}, envIntList("AQ_TEST_LIST", []int{99}))

	t.Setenv("AQ_TEST_LIST", "1,bad,3")
	assert.Equal(t, []int{99}, envIntList("AQ_TEST_LIST", []int{99}))
}

func TestTickIntervalAndPostCancelSettleConvertMillisecondFields(t *testing.T) {
	cfg := &Config{TickIntervalMS: 100, PostCancelSettleMS: 200}
	assert.Equal(t, 100*time.Millisecond, cfg.TickInterval())
	assert.Equal(t, 200*time.Millisecond, cfg.PostCancelSettle())
}
