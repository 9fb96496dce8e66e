package mconfig

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadRequiresDataPath(t *testing.T) {
	t.Setenv("MPROXY_DATA_PATH", "")

	_, err := Load()
	require.ErrorIs(t, err, ErrDataPathMissing)
}

func TestLoadDefaultsDerivedFromDataPath(t *testing.T) {
	t.Setenv("MPROXY_DATA_PATH", "/srv/mproxy")
	t.Setenv("MPROXY_CERT_PATH", "")
	t.Setenv("MPROXY_HOSTS_CONFIG_PATH", "")
	t.Setenv("MPROXY_ACME_CHALLENGE_PATH", "")
	t.Setenv("MPROXY_ACME_PATH", "")
	t.Setenv("MPROXY_HTTP_PORT", "")
	t.Setenv("MPROXY_HTTPS_PORT", "")
	t.Setenv("MPROXY_LETSENCRYPT_EMAIL", "")
	t.Setenv("MPROXY_LETSENCRYPT_STAGING", "")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "/srv/mproxy", cfg.DataPath)
	require.Equal(t, "/srv/mproxy/certs", cfg.CertPath)
	require.Equal(t, "/srv/mproxy/hosts.toml", cfg.HostsConfigPath)
	require.Equal(t, "/srv/mproxy/acme-challenge", cfg.AcmeChallengePath)
	require.Equal(t, "/srv/mproxy/acme", cfg.AcmePath)
	require.Equal(t, 0, cfg.HTTPPort)
	require.Equal(t, 0, cfg.HTTPSPort)
	require.False(t, cfg.LetsEncryptStage)
}

func TestLoadHonorsOverrides(t *testing.T) {
	t.Setenv("MPROXY_DATA_PATH", "/srv/mproxy")
	t.Setenv("MPROXY_CERT_PATH", "/etc/mproxy/certs")
	t.Setenv("MPROXY_HTTP_PORT", "80")
	t.Setenv("MPROXY_HTTPS_PORT", "443")
	t.Setenv("MPROXY_LETSENCRYPT_EMAIL", "ops@example.com")
	t.Setenv("MPROXY_LETSENCRYPT_STAGING", "true")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "/etc/mproxy/certs", cfg.CertPath)
	require.Equal(t, 80, cfg.HTTPPort)
	require.Equal(t, 443, cfg.HTTPSPort)
	require.Equal(t, "ops@example.com", cfg.LetsEncryptEmail)
	require.True(t, cfg.LetsEncryptStage)
}
