package redis_db

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRedisURL(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		addr     string
		password string
		wantErr  bool
	}{
		{name: "simple docker style", url: "redis:6379", addr: "redis:6379"},
		{name: "password only url", url: "redis://secret@localhost:6379", addr: "localhost:6379", password: "secret"},
		{name: "redis url with password", url: "redis://:password123@localhost:6379", addr: "localhost:6379", password: "password123"},
		{name: "bare host with password", url: ":pw@cache.internal:6380", addr: "cache.internal:6380", password: "pw"},
		{name: "empty", url: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRedisURL(tt.url, false)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.addr, got.Addr)
			assert.Equal(t, tt.password, got.Password)
		})
	}
}

func TestParseRedisURLSkipTLS(t *testing.T) {
	opts, err := ParseRedisURL("rediss://:pw@secure.example.com:6380", true)
	require.NoError(t, err)
	require.NotNil(t, opts.TLSConfig)
	assert.True(t, opts.TLSConfig.InsecureSkipVerify)
}

func TestNewRedisClient(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	_, err = NewRedisClient([]string{}, false)
	assert.Error(t, err)

	client, err := NewRedisClient([]string{mr.Addr()}, false)
	require.NoError(t, err)
	assert.NotNil(t, client.Client())
}

func TestAsynqOptions(t *testing.T) {
	opt, err := AsynqOptions("redis://:pw@localhost:6379/2", false)
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", opt.Addr)
	assert.Equal(t, "pw", opt.Password)
	assert.Equal(t, 2, opt.DB)
}
