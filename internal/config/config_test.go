package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"planline/internal/domain"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("demo")
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "demo", cfg.Plan.ID)
	assert.Equal(t, domain.StrategyByCompletionOnly, cfg.Strategy())
	assert.Equal(t, domain.DefaultRules(), cfg.Rules)

	fx := cfg.Fixture()
	assert.Equal(t, 5, fx.Count)
	assert.Equal(t, 7, fx.SpacingDays)
	assert.Equal(t, []int{2}, fx.Optional)
}

func TestValidateErrors(t *testing.T) {
	cases := map[string]func(c *Config){
		"config.plan.id is required":                func(c *Config) { c.Plan.ID = "" },
		"config.plan.strategy":                      func(c *Config) { c.Plan.Strategy = "random" },
		"config.rules.milestone_unlocked":           func(c *Config) { c.Rules.MilestoneUnlocked = nil },
		"config.seed.milestones must be at least 1": func(c *Config) { c.Seed.Milestones = 0 },
		"config.seed.optional references":           func(c *Config) { c.Seed.Optional = []int{9} },
		"config.webhooks[0].url is required":        func(c *Config) { c.Webhooks = []WebhookConfig{{}} },
	}
	for want, mutate := range cases {
		cfg := Default("demo")
		mutate(cfg)
		err := cfg.Validate()
		require.Error(t, err, want)
		assert.Contains(t, err.Error(), want)
	}
}

func TestLoadAndLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	_, err = Load(dir)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "pl init"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "planline.yml"), []byte(GenerateDefault("onboarding")), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "onboarding", cfg.Plan.ID)
}

func TestRulesRoundTripThroughYAML(t *testing.T) {
	rules := domain.DefaultRules()
	rules.MilestoneUnlocked.Days = -1
	data, err := RulesYAML(rules)
	require.NoError(t, err)
	assert.Contains(t, string(data), "furthest_only: true")

	parsed, err := RulesFromYAML(data)
	require.NoError(t, err)
	assert.Equal(t, rules, parsed)
}

func TestRulesFromYAMLAllowsPartialConfig(t *testing.T) {
	rules, err := RulesFromYAML([]byte("plan_status:\n  enabled: true\n"))
	require.NoError(t, err)
	assert.True(t, rules.PlanStatus.Enabled)
	assert.Nil(t, rules.MilestoneUnlocked)
}

func TestLoadEnvDefaults(t *testing.T) {
	t.Setenv("PLANLINE_REDIS_ADDR", "localhost:6379")
	t.Setenv("PLANLINE_CORS_ORIGINS", "http://a.test,http://b.test")
	e, err := LoadEnv()
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", e.RedisAddr)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, e.CORSOrigins)
	assert.Equal(t, 24*time.Hour, e.DedupTTL)
	assert.Equal(t, "planline.events", e.AMQPExchange)
}
