// Package launch manages the Chromium binary and process. It hands back a
// DevTools websocket URL for the transport to dial; it never drives the
// browser itself.
package launch

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-rod/rod/lib/launcher"

	. "github.com/roelfdiedericks/gocdp/internal/logging"
)

// Options configures a browser launch.
type Options struct {
	Bin         string // explicit binary path; empty means download/manage one
	BinDir      string // where managed binaries live
	UserDataDir string
	Headless    bool
	NoSandbox   bool
}

// Launcher owns one browser process.
type Launcher struct {
	opts Options

	mu      sync.Mutex
	l       *launcher.Launcher
	binPath string
	wsURL   string
}

// New creates a launcher. Nothing is started until Start.
func New(opts Options) *Launcher {
	return &Launcher{opts: opts}
}

// EnsureBinary makes sure a Chromium binary is available and returns its
// path. Safe to call concurrently; downloads are a no-op when the binary
// is already present.
func (l *Launcher) EnsureBinary() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ensureBinaryLocked()
}

func (l *Launcher) ensureBinaryLocked() (string, error) {
	if l.opts.Bin != "" {
		if _, err := os.Stat(l.opts.Bin); err != nil {
			return "", fmt.Errorf("launch: browser binary %s: %w", l.opts.Bin, err)
		}
		l.binPath = l.opts.Bin
		return l.binPath, nil
	}

	if l.binPath != "" {
		if _, err := os.Stat(l.binPath); err == nil {
			return l.binPath, nil
		}
		l.binPath = ""
	}

	if err := os.MkdirAll(l.opts.BinDir, 0755); err != nil {
		return "", fmt.Errorf("launch: create bin directory: %w", err)
	}

	L_debug("launch: ensuring browser binary", "binDir", l.opts.BinDir)

	b := launcher.NewBrowser()
	b.RootDir = l.opts.BinDir

	binPath, err := b.Get()
	if err != nil {
		return "", fmt.Errorf("launch: download browser: %w", err)
	}

	l.binPath = binPath
	L_info("launch: browser binary ready", "path", binPath)
	return binPath, nil
}

// Start launches the browser and returns the DevTools websocket URL.
func (l *Launcher) Start() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.wsURL != "" {
		return l.wsURL, nil
	}

	binPath, err := l.ensureBinaryLocked()
	if err != nil {
		return "", err
	}

	if l.opts.UserDataDir != "" {
		if err := os.MkdirAll(l.opts.UserDataDir, 0750); err != nil {
			return "", fmt.Errorf("launch: create user data dir: %w", err)
		}
		// Chrome refuses to start over lock files left by a crash.
		cleanupStaleLocks(l.opts.UserDataDir)
	}

	L_debug("launch: starting browser", "bin", binPath, "headless", l.opts.Headless)

	lc := launcher.New().
		Bin(binPath).
		Headless(l.opts.Headless).
		Set("disable-dev-shm-usage")

	if l.opts.UserDataDir != "" {
		lc = lc.UserDataDir(l.opts.UserDataDir)
	}
	if !l.opts.Headless {
		lc = lc.Set("window-size", "1920,1080")
	}
	if l.opts.NoSandbox {
		lc = lc.Set("no-sandbox")
	}

	wsURL, err := lc.Launch()
	if err != nil {
		return "", fmt.Errorf("launch: start browser: %w", err)
	}

	l.l = lc
	l.wsURL = wsURL
	L_info("launch: browser started", "url", wsURL)
	return wsURL, nil
}

// URL returns the control URL of the running browser, or empty.
func (l *Launcher) URL() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.wsURL
}

// Stop kills the browser process and cleans up its temp state.
func (l *Launcher) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.l == nil {
		return
	}

	L_info("launch: stopping browser")
	l.l.Kill()
	l.l.Cleanup()
	l.l = nil
	l.wsURL = ""
}

// cleanupStaleLocks removes Chrome singleton lock files from a previous
// crashed run.
func cleanupStaleLocks(userDataDir string) {
	for _, name := range []string{"SingletonLock", "SingletonSocket", "SingletonCookie"} {
		path := filepath.Join(userDataDir, name)
		if err := os.Remove(path); err == nil {
			L_debug("launch: removed stale lock", "path", path)
		}
	}
}
