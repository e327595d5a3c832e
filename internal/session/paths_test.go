package session

import (
	"strings"
	"testing"
)

func TestPathsAreSessionScoped(t *testing.T) {
	paths := map[string]string{
		"lock":     LockPath("work"),
		"identity": IdentityPath("work"),
		"cache":    CacheDBPath("work"),
		"log":      LogPath("work"),
	}
	for name, p := range paths {
		if !strings.Contains(p, "sessions/work") {
			t.Errorf("%s path %q not under sessions/work", name, p)
		}
	}
}

func TestConfigPathIsGlobal(t *testing.T) {
	if strings.Contains(ConfigPath(), "sessions") {
		t.Errorf("config path %q should not be session-scoped", ConfigPath())
	}
}
