package main

import (
	"fmt"
	"time"

	ini "gopkg.in/ini.v1"
)

// Settings holds application configuration loaded from settings.ini.
type Settings struct {
	backendURL     string
	reference      string
	subscriberID   string
	requestTimeout int

	providerTransport string
	providerHost      string
	callerIDName      string
	callerIDNumber    string
	tokenLifetime     int

	dataDir string
}

// LoadSettings reads configuration from ini file and validates required fields.
func LoadSettings(cfg *ini.File) (*Settings, error) {
	s := &Settings{}

	sec := cfg.Section("backend")
	s.backendURL = sec.Key("base_url").MustString("http://localhost:5000/api")
	s.reference = sec.Key("reference").MustString("swdialer")
	s.subscriberID = sec.Key("subscriber_id").String()
	s.requestTimeout = sec.Key("request_timeout").MustInt(10)

	sec = cfg.Section("provider")
	s.providerTransport = sec.Key("transport").MustString("loopback")
	s.providerHost = sec.Key("host").String()
	s.callerIDName = sec.Key("caller_id_name").String()
	s.callerIDNumber = sec.Key("caller_id_number").String()
	s.tokenLifetime = sec.Key("token_lifetime").MustInt(3600)

	sec = cfg.Section("storage")
	s.dataDir = sec.Key("data_dir").MustString("./data")

	if s.backendURL == "" {
		return nil, fmt.Errorf("backend base_url must be set")
	}
	if s.requestTimeout <= 0 {
		return nil, fmt.Errorf("backend request_timeout must be positive")
	}
	if s.tokenLifetime <= 0 {
		return nil, fmt.Errorf("provider token_lifetime must be positive")
	}

	return s, nil
}

func (s *Settings) BackendURL() string   { return s.backendURL }
func (s *Settings) Reference() string    { return s.reference }
func (s *Settings) SubscriberID() string { return s.subscriberID }

func (s *Settings) RequestTimeout() time.Duration {
	return time.Duration(s.requestTimeout) * time.Second
}

func (s *Settings) ProviderTransport() string { return s.providerTransport }
func (s *Settings) ProviderHost() string      { return s.providerHost }
func (s *Settings) CallerIDName() string      { return s.callerIDName }
func (s *Settings) CallerIDNumber() string    { return s.callerIDNumber }

// TokenLifetime is the fallback credential lifetime used when the backend
// response carries no expiry and the token itself has no exp claim.
func (s *Settings) TokenLifetime() time.Duration {
	return time.Duration(s.tokenLifetime) * time.Second
}

func (s *Settings) DataDir() string { return s.dataDir }
