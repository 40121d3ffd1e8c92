package render

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestNew_SelectsEngine(t *testing.T) {
	r, err := New("http", Config{})
	require.NoError(t, err)
	assert.IsType(t, &HTTP{}, r)

	r, err = New("chrome", Config{})
	require.NoError(t, err)
	assert.IsType(t, &Chrome{}, r)
	require.NoError(t, r.Close())
}

func TestNew_UnknownEngine(t *testing.T) {
	_, err := New("lynx", Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown engine "lynx"`)
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 120*time.Second, cfg.Timeout)
	assert.Equal(t, 2*time.Second, cfg.Settle)
	assert.Equal(t, "shallow-review/1.0", cfg.UserAgent)
}

func TestConfig_DefaultsKeepExplicitValues(t *testing.T) {
	cfg := Config{
		Timeout:   10 * time.Second,
		Settle:    time.Second,
		UserAgent: "custom/2.0",
	}.withDefaults()
	assert.Equal(t, 10*time.Second, cfg.Timeout)
	assert.Equal(t, time.Second, cfg.Settle)
	assert.Equal(t, "custom/2.0", cfg.UserAgent)
}

func TestConfig_Limiter(t *testing.T) {
	unlimited := Config{}.limiter()
	assert.Equal(t, rate.Inf, unlimited.Limit())

	limited := Config{RatePerSec: 2.5}.limiter()
	assert.Equal(t, rate.Limit(2.5), limited.Limit())
}

func TestChrome_CloseBeforeFirstRender(t *testing.T) {
	c := NewChrome(Config{})
	require.NoError(t, c.Close())
}
