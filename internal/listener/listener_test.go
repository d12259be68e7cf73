package listener

import (
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvInheritsListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	file, err := ln.(*net.TCPListener).File()
	require.NoError(t, err)
	defer file.Close()

	t.Setenv(inheritEnv, "1")
	t.Setenv(fdEnv, strconv.Itoa(int(file.Fd())))

	got, err := FromEnv()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, ln.Addr().String(), got.Addr().String())
	_ = got.Close()
}

func TestListenWithoutInheritance(t *testing.T) {
	t.Setenv(inheritEnv, "")
	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	assert.NotEmpty(t, ln.Addr().String())
}

func TestFromEnvRejectsBadFD(t *testing.T) {
	t.Setenv(inheritEnv, "1")
	t.Setenv(fdEnv, "three")
	_, err := FromEnv()
	assert.Error(t, err)
}
