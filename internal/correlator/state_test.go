package correlator

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hara602/xdrSensor/internal/config"
	"github.com/Hara602/xdrSensor/pkg/event"
)

func at(d time.Duration) *event.NormalizedEvent {
	return &event.NormalizedEvent{Timestamp: base.Add(d)}
}

func TestStateEvictsByEventTime(t *testing.T) {
	size := 0
	s := newState(10*time.Second, 100, func(d int) { size += d })

	s.advance(base)
	s.add("a", at(0))
	s.advance(base.Add(5 * time.Second))
	s.add("b", at(5*time.Second))
	assert.Equal(t, 2, s.size())

	s.advance(base.Add(12 * time.Second))
	assert.Equal(t, 1, s.size(), "a is older than the horizon")
	assert.Nil(t, s.history("a"))
	assert.Len(t, s.history("b"), 1)
	assert.Equal(t, 1, size)

	s.reset()
	assert.Equal(t, 0, size)
}

func TestStateMaxKeys(t *testing.T) {
	s := newState(time.Hour, 3, nil)
	for i := 0; i < 5; i++ {
		s.advance(base.Add(time.Duration(i) * time.Second))
		s.add(fmt.Sprintf("k%d", i), at(time.Duration(i)*time.Second))
	}
	assert.Equal(t, 3, s.size())
	assert.Nil(t, s.history("k0"))
	assert.Nil(t, s.history("k1"))
	assert.NotNil(t, s.history("k4"))
}

func TestStateKeepsHistorySorted(t *testing.T) {
	s := newState(time.Hour, 10, nil)
	s.advance(base.Add(3 * time.Second))
	s.add("k", at(3*time.Second))
	s.add("k", at(1*time.Second))
	s.add("k", at(2*time.Second))

	h := s.history("k")
	require.Len(t, h, 3)
	for i := 1; i < len(h); i++ {
		assert.False(t, h[i].Timestamp.Before(h[i-1].Timestamp))
	}
}

func TestStateHistoryCapped(t *testing.T) {
	s := newState(time.Hour, 10, nil)
	for i := 0; i < maxHistoryPerKey+5; i++ {
		s.add("k", at(time.Duration(i)*time.Millisecond))
	}
	assert.Len(t, s.history("k"), maxHistoryPerKey)
}

func TestRulesFromConfigErrors(t *testing.T) {
	_, err := RulesFromConfig(configWith("nope", "registry", "created"))
	assert.Error(t, err)
	_, err = RulesFromConfig(configWith("high", "usb", "created"))
	assert.Error(t, err)
}

func configWith(sev, src, action string) config.CorrelationConfig {
	return config.CorrelationConfig{
		WindowMS: 1000,
		Rules: []config.SequenceRuleConfig{{
			Name:     "r",
			Severity: sev,
			Steps: []config.StepConfig{
				{Source: src, Actions: []string{action}},
				{Source: "process", Actions: []string{"started"}},
			},
		}},
	}
}
