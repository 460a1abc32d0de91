package app

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig()
	if cfg.HTTPAddr != ":8085" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.MaxSearchPages != 5 {
		t.Errorf("MaxSearchPages = %d", cfg.MaxSearchPages)
	}
	if cfg.SearchTimeout.Seconds() != 8 || cfg.DetailTimeout.Seconds() != 10 {
		t.Errorf("timeouts = %v / %v", cfg.SearchTimeout, cfg.DetailTimeout)
	}
	if cfg.ContentFilterDisabled {
		t.Error("content filter must default to enabled")
	}
	if cfg.SourceRateLimitRPS != 10 || cfg.SourceRateLimitBurst != 20 {
		t.Errorf("rate limit = %v / %d", cfg.SourceRateLimitRPS, cfg.SourceRateLimitBurst)
	}
	if cfg.ExtraBlockedKeywords != nil {
		t.Errorf("ExtraBlockedKeywords = %v, want none", cfg.ExtraBlockedKeywords)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("SEARCH_MAX_PAGES", "3")
	t.Setenv("DISABLE_CONTENT_FILTER", "true")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("EXTRA_BLOCKED_KEYWORDS", "测试, 直播 ,")
	t.Setenv("SOURCE_RATE_LIMIT_RPS", "5")
	t.Setenv("SEARCH_USER_AGENT", "poster-crawler/2.0")

	cfg := LoadConfig()
	if cfg.HTTPAddr != ":9090" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.MaxSearchPages != 3 {
		t.Errorf("MaxSearchPages = %d", cfg.MaxSearchPages)
	}
	if !cfg.ContentFilterDisabled {
		t.Error("DISABLE_CONTENT_FILTER not honored")
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want lowercased", cfg.LogLevel)
	}
	if len(cfg.ExtraBlockedKeywords) != 2 || cfg.ExtraBlockedKeywords[0] != "测试" || cfg.ExtraBlockedKeywords[1] != "直播" {
		t.Errorf("ExtraBlockedKeywords = %v", cfg.ExtraBlockedKeywords)
	}
	if cfg.SourceRateLimitRPS != 5 {
		t.Errorf("SourceRateLimitRPS = %v", cfg.SourceRateLimitRPS)
	}
	if cfg.UserAgent != "poster-crawler/2.0" {
		t.Errorf("UserAgent = %q, want SEARCH_USER_AGENT honored", cfg.UserAgent)
	}
}

func TestLoadSourcesDefaults(t *testing.T) {
	sources, err := LoadSources("")
	if err != nil {
		t.Fatalf("LoadSources returned error: %v", err)
	}
	if len(sources) == 0 {
		t.Fatal("built-in registry must not be empty")
	}
	seen := map[string]bool{}
	for _, source := range sources {
		if source.Key == "" || source.API == "" {
			t.Errorf("invalid entry %+v", source)
		}
		if seen[source.Key] {
			t.Errorf("duplicate key %q", source.Key)
		}
		seen[source.Key] = true
	}
}

func TestLoadSourcesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sources.json")
	payload := `[
		{"key":"One","name":"First","api":"https://one.example.com/api.php/provide/vod"},
		{"key":"one","name":"Duplicate","api":"https://dup.example.com/api.php/provide/vod"},
		{"key":"two","name":"Disabled","api":"https://two.example.com/api.php/provide/vod","disabled":true},
		{"key":"three","name":"NoAPI","api":""},
		{"key":"four","name":"Fourth","api":"https://four.example.com/api.php/provide/vod","detail":"https://four.example.com"}
	]`
	if err := os.WriteFile(path, []byte(payload), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	sources, err := LoadSources(path)
	if err != nil {
		t.Fatalf("LoadSources returned error: %v", err)
	}
	if len(sources) != 2 {
		t.Fatalf("expected 2 usable sources, got %d: %+v", len(sources), sources)
	}
	if sources[0].Key != "one" {
		t.Errorf("keys must be lowercased, got %q", sources[0].Key)
	}
	if sources[1].Key != "four" || sources[1].Detail == "" {
		t.Errorf("detail endpoint lost: %+v", sources[1])
	}
}

func TestLoadSourcesBadFile(t *testing.T) {
	if _, err := LoadSources(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if _, err := LoadSources(path); err == nil {
		t.Fatal("expected error for malformed file")
	}
}
