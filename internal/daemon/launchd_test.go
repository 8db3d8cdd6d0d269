package daemon

import (
	"strings"
	"testing"
)

func TestPlistRunsDaemonSubcommand(t *testing.T) {
	plist, err := Plist("/opt/hibiki/bin/hibiki", "/tmp/logs", "/home/me")
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	for _, want := range []string{
		"<string>" + Label + "</string>",
		"<string>/opt/hibiki/bin/hibiki</string>",
		"<string>daemon</string>",
		"<string>/tmp/logs/hibiki.log</string>",
		"<string>/tmp/logs/hibiki.err</string>",
		"<string>/home/me</string>",
	} {
		if !strings.Contains(plist, want) {
			t.Errorf("plist is missing %q", want)
		}
	}
}
