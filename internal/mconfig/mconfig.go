// Package mconfig resolves process configuration from the environment,
// mirroring the env-var surface of the mproxy command.
package mconfig

import (
	"errors"
	"os"
	"strconv"
)

// ErrDataPathMissing is returned by Load when MPROXY_DATA_PATH is unset.
// The caller treats this as fatal at startup, per spec.
var ErrDataPathMissing = errors.New("MPROXY_DATA_PATH is required")

// Config holds the environment-derived settings for a single mproxy process.
type Config struct {
	DataPath          string
	CertPath          string
	HostsConfigPath   string
	AcmeChallengePath string
	AcmePath          string
	HTTPPort          int
	HTTPSPort         int
	LetsEncryptEmail  string
	LetsEncryptStage  bool
}

// Load resolves Config from the process environment. MPROXY_DATA_PATH is
// required; every other path defaults to a subdirectory of it unless
// overridden by its own env var.
func Load() (Config, error) {
	dataPath, ok := os.LookupEnv("MPROXY_DATA_PATH")
	if !ok || dataPath == "" {
		return Config{}, ErrDataPathMissing
	}
	c := Config{
		DataPath:         dataPath,
		HTTPPort:         getenvInt("MPROXY_HTTP_PORT", 0),
		HTTPSPort:        getenvInt("MPROXY_HTTPS_PORT", 0),
		LetsEncryptEmail: getenv("MPROXY_LETSENCRYPT_EMAIL", ""),
		LetsEncryptStage: getenvBool("MPROXY_LETSENCRYPT_STAGING", false),
	}
	c.CertPath = getenv("MPROXY_CERT_PATH", c.DataPath+"/certs")
	c.HostsConfigPath = getenv("MPROXY_HOSTS_CONFIG_PATH", c.DataPath+"/hosts.toml")
	c.AcmeChallengePath = getenv("MPROXY_ACME_CHALLENGE_PATH", c.DataPath+"/acme-challenge")
	c.AcmePath = getenv("MPROXY_ACME_PATH", c.DataPath+"/acme")
	return c, nil
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
