// Package browser opens the hub authorization link on the operator's machine.
package browser

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"

	log "github.com/sirupsen/logrus"
	"github.com/skratchdot/open-golang/open"
)

var linuxBrowsers = []string{"xdg-open", "x-www-browser", "www-browser", "firefox", "chromium", "google-chrome"}

// lookPath and openRun are replaced in tests.
var (
	lookPath = exec.LookPath
	openRun  = open.Run
)

// OpenURL opens url in the default web browser. It tries open-golang first and falls back to
// platform-specific commands.
func OpenURL(url string) error {
	fmt.Printf("Attempting to open URL in browser: %s\n", url)

	err := openRun(url)
	if err == nil {
		log.Debug("opened URL using open-golang")
		return nil
	}
	log.Debugf("open-golang failed: %v, trying platform-specific commands", err)

	name, args, err := platformCommand(runtime.GOOS, url)
	if err != nil {
		return err
	}
	cmd := exec.Command(name, args...)
	log.Debugf("running command: %s %v", cmd.Path, args)
	if err = cmd.Start(); err != nil {
		return fmt.Errorf("failed to start browser command: %w", err)
	}
	go func() { _ = cmd.Wait() }()
	return nil
}

// platformCommand returns the command that opens url on goos.
func platformCommand(goos, url string) (string, []string, error) {
	switch goos {
	case "darwin":
		return "open", []string{url}, nil
	case "windows":
		return "rundll32", []string{"url.dll,FileProtocolHandler", url}, nil
	case "linux":
		for _, browser := range linuxBrowsers {
			if _, err := lookPath(browser); err == nil {
				return browser, []string{url}, nil
			}
		}
		return "", nil, fmt.Errorf("no suitable browser found on Linux system")
	}
	return "", nil, fmt.Errorf("unsupported operating system: %s", goos)
}

// IsAvailable reports whether a browser can plausibly be opened. Headless Linux sessions without
// DISPLAY or WAYLAND_DISPLAY report false.
func IsAvailable() bool {
	return available(runtime.GOOS, os.Getenv)
}

func available(goos string, getenv func(string) string) bool {
	if goos == "linux" && getenv("DISPLAY") == "" && getenv("WAYLAND_DISPLAY") == "" {
		return false
	}
	_, _, err := platformCommand(goos, "about:blank")
	return err == nil
}
