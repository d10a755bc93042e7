package chrome

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/edgecomet/pdfrender/internal/common/config"
)

func TestNewConfigFromYAML_ResolveHosts(t *testing.T) {
	off := false

	assert.True(t, NewConfigFromYAML(config.ChromeConfig{}).ResolveHosts, "unset resolves hosts")
	assert.False(t, NewConfigFromYAML(config.ChromeConfig{ResolveHosts: &off}).ResolveHosts)
}
