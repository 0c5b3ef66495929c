package version

import (
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetInfo(t *testing.T) {
	info := GetInfo()
	assert.Equal(t, Version, info.Version)
	assert.Equal(t, runtime.GOOS+"/"+runtime.GOARCH, info.Platform)
	assert.True(t, strings.HasSuffix(info.Uptime, "s"), info.Uptime)
	assert.True(t, strings.HasPrefix(String(), "gatewind "+Version+" "))
}
