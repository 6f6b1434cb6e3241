package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, logrus.WarnLevel, ParseLevel(" warn "))
	assert.Equal(t, logrus.InfoLevel, ParseLevel("verbose"))
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mgcpd.log")
	l := New(Config{Level: "debug", File: path, MaxSize: 1, MaxBackups: 1})
	l.Component("agent").WithField("endpoint", "aaln/1").Debug("went off hook")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "component=agent")
	assert.Contains(t, string(data), "endpoint=aaln/1")
}
