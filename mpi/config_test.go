package mpi

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const hostsJSON = `{"hosts": [
  {"address": "10.0.0.2", "directory": "/opt/bin", "exe_name": "mandelbrot", "port": 2222},
  {"address": "10.0.0.1", "role": "dispatcher", "directory": "/opt/bin", "exe_name": "mandelbrot"},
  {"address": "10.0.0.3", "role": "worker", "directory": "/opt/bin", "exe_name": "mandelbrot"}
]}`

const hostsTOML = `
[[hosts]]
address = "10.0.0.1"
role = "dispatcher"
directory = "/opt/bin"
exe_name = "mandelbrot"

[[hosts]]
address = "10.0.0.2"
directory = "/opt/bin"
exe_name = "mandelbrot"
port = 2222

[[hosts]]
address = "10.0.0.3"
directory = "/opt/bin"
exe_name = "mandelbrot"
`

const hostsYAML = `
hosts:
  - address: 10.0.0.1
    role: dispatcher
    directory: /opt/bin
    exe_name: mandelbrot
  - address: 10.0.0.2
    directory: /opt/bin
    exe_name: mandelbrot
    port: 2222
  - address: 10.0.0.3
    directory: /opt/bin
    exe_name: mandelbrot
`

func TestSetIPPool(t *testing.T) {
	for name, content := range map[string]string{
		"ip.json": hostsJSON,
		"ip.toml": hostsTOML,
		"ip.yaml": hostsYAML,
	} {
		t.Run(name, func(t *testing.T) {
			world := new(World)
			hg, err := SetIPPool(writeFile(t, name, content), world)
			require.NoError(t, err)

			assert.Equal(t, uint64(3), world.Size())
			assert.Equal(t, []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}, world.IPPool)
			assert.Equal(t, []uint64{0, 1, 2}, world.rank)
			assert.Len(t, world.Port, 3)

			assert.Equal(t, "10.0.0.1:22", hg.Hosts[0].SSHAddress())
			assert.Equal(t, "10.0.0.2:2222", hg.Hosts[1].SSHAddress())
			assert.Equal(t, filepath.Join("/opt/bin", "mandelbrot"), hg.Hosts[2].PathToExecutable())
		})
	}
}

func TestArrangeHostsRequiresOneDispatcher(t *testing.T) {
	_, err := SetIPPool(writeFile(t, "ip.json", `{"hosts": [{"address": "a"}, {"address": "b"}]}`), new(World))
	assert.ErrorIs(t, err, ErrNoDispatcher)

	_, err = SetIPPool(writeFile(t, "ip.json", `{"hosts": [
		{"address": "a", "role": "dispatcher"},
		{"address": "b", "role": "dispatcher"}
	]}`), new(World))
	assert.Error(t, err)
}

func TestParseConfig(t *testing.T) {
	home, err := homedir.Dir()
	require.NoError(t, err)

	cfg, err := ParseConfig(writeFile(t, "config.json",
		`{"user": "alice", "keyfile": "~/.ssh/id_ed25519", "verbose": true, "read_timeout": "30s"}`))
	require.NoError(t, err)
	assert.Equal(t, "alice", cfg.User)
	assert.Equal(t, filepath.Join(home, ".ssh", "id_ed25519"), cfg.KeyFile)
	assert.True(t, cfg.Verbose)
	timeout, err := cfg.Timeout()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, timeout)

	cfg, err = ParseConfig(writeFile(t, "config.toml", "user = \"bob\"\nkeyfile = \"/keys/id\"\n"))
	require.NoError(t, err)
	assert.Equal(t, "bob", cfg.User)
	assert.Equal(t, "/keys/id", cfg.KeyFile)
	timeout, err = cfg.Timeout()
	require.NoError(t, err)
	assert.Zero(t, timeout)

	cfg, err = ParseConfig(writeFile(t, "config.yml", "user: carol\nkeyfile: /keys/id\nverbose: false\n"))
	require.NoError(t, err)
	assert.Equal(t, "carol", cfg.User)
	assert.False(t, cfg.Verbose)
}

func TestParseConfigErrors(t *testing.T) {
	_, err := ParseConfig(writeFile(t, "config.json", `{"user": "alice", "read_timeout": "soon"}`))
	assert.Error(t, err)

	_, err = ParseConfig(writeFile(t, "config.json", `{"user": `))
	assert.Error(t, err)

	_, err = ParseConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
