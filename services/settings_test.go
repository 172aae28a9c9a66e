package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewEngineKeepsCacheTTLShort(t *testing.T) {
	cases := map[time.Duration]time.Duration{
		0:                defaultCacheTTL,
		2 * time.Second:  2 * time.Second,
		15 * time.Second: maxCacheTTL,
	}
	for in, want := range cases {
		e := NewEngine(nil, nil, nil, Settings{CacheTTL: in})
		assert.Equal(t, want, e.Settings.CacheTTL, "configured %s", in)
		assert.Less(t, e.Settings.CacheTTL, 10*time.Second)
	}
}
