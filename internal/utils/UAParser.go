package utils

import (
	"fmt"

	"github.com/medama-io/go-useragent"
)

var uaParser = useragent.NewParser()

// GetClientSummary shortens a User-Agent into browser/os/device for access logs.
func GetClientSummary(inputUA string) string {
	if inputUA == "" {
		return "ua=-"
	}
	agent := uaParser.Parse(inputUA)
	if agent.IsBot() {
		return "ua=bot"
	}

	browser := fmt.Sprint(agent.Browser())
	if browser == "" {
		browser = "unknown"
	}
	os := fmt.Sprint(agent.OS())
	if os == "" {
		os = "unknown"
	}
	device := fmt.Sprint(agent.Device())
	if device == "" {
		device = "unknown"
	}
	return fmt.Sprintf("ua=%s/%s/%s", browser, os, device)
}
