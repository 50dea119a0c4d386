package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/roelfdiedericks/gocdp/internal/browser"
	"github.com/roelfdiedericks/gocdp/internal/config"
	"github.com/roelfdiedericks/gocdp/internal/launch"
	. "github.com/roelfdiedericks/gocdp/internal/logging"
	"github.com/roelfdiedericks/gocdp/internal/store"
	"github.com/roelfdiedericks/gocdp/internal/watchdogs"
)

const version = "0.1.0"

type cli struct {
	LogLevel string `help:"Log level (trace, debug, info, warn, error)." default:""`
	LogFile  string `help:"Tee logs into a rotating file."`

	Run     runCmd     `cmd:"" help:"Connect to a browser and monitor it."`
	Check   checkCmd   `cmd:"" help:"Evaluate URLs against the security policy."`
	Version versionCmd `cmd:"" help:"Print the version."`
}

type runCmd struct {
	URL       string   `help:"DevTools websocket URL of a running browser."`
	Launch    bool     `help:"Launch a managed browser instead of connecting."`
	Headless  bool     `help:"Run the launched browser headless." default:"true" negatable:""`
	Navigate  string   `help:"Open a tab and navigate to this URL after startup."`
	Allow     []string `help:"Allow-list domain (repeatable). Mutually exclusive with --deny."`
	Deny      []string `help:"Deny-list domain (repeatable). Mutually exclusive with --allow."`
	BlockIPs  bool     `name:"block-ips" help:"Reject navigation to IP-literal hosts."`
	StorePath string   `help:"SQLite archive path; overrides config."`
}

type checkCmd struct {
	Allow    []string `help:"Allow-list domain (repeatable)."`
	Deny     []string `help:"Deny-list domain (repeatable)."`
	BlockIPs bool     `name:"block-ips" help:"Reject IP-literal hosts."`
	URLs     []string `arg:"" help:"URLs to evaluate."`
}

type versionCmd struct{}

func (versionCmd) Run() error {
	fmt.Printf("gocdp %s\n", version)
	return nil
}

func main() {
	var c cli
	ctx := kong.Parse(&c,
		kong.Name("gocdp"),
		kong.Description("Browser automation client with crash, download and security watchdogs."),
		kong.UsageOnError(),
	)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "gocdp: %v\n", err)
		os.Exit(1)
	}

	level := cfg.Log.Level
	if c.LogLevel != "" {
		level = c.LogLevel
	}
	file := cfg.Log.File
	if c.LogFile != "" {
		file = c.LogFile
	}
	Init(&Config{
		Level:      ParseLevel(level),
		ShowCaller: true,
		File:       file,
	})

	ctx.FatalIfErrorf(ctx.Run(cfg))
}

func (r *runCmd) policy(cfg *config.Config) (watchdogs.Policy, error) {
	p := cfg.Security.Policy
	if len(r.Allow) > 0 || len(r.Deny) > 0 || r.BlockIPs {
		p = watchdogs.Policy{
			AllowedDomains:    r.Allow,
			ProhibitedDomains: r.Deny,
			BlockIPLiterals:   r.BlockIPs,
		}
	}
	return p, p.Validate()
}

func (r *runCmd) Run(cfg *config.Config) error {
	policy, err := r.policy(cfg)
	if err != nil {
		return err
	}

	wsURL := cfg.CDP.URL
	if r.URL != "" {
		wsURL = r.URL
	}

	var lc *launch.Launcher
	if r.Launch {
		lc = launch.New(launch.Options{
			Bin:         cfg.Browser.Bin,
			BinDir:      cfg.Browser.BinDir,
			UserDataDir: cfg.Browser.UserDataDir,
			Headless:    r.Headless,
			NoSandbox:   cfg.Browser.NoSandbox,
		})
		wsURL, err = lc.Start()
		if err != nil {
			return err
		}
		defer lc.Stop()
	}

	bcfg := browser.DefaultConfig()
	bcfg.CDPURL = wsURL
	bcfg.DownloadDir = cfg.Browser.DownloadDir
	bcfg.Security = policy
	bcfg.NetworkTimeout = time.Duration(cfg.Watchdog.NetworkTimeoutSec) * time.Second
	bcfg.CheckInterval = time.Duration(cfg.Watchdog.CheckIntervalSec) * time.Second

	session, err := browser.New(bcfg)
	if err != nil {
		return err
	}

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := session.Start(runCtx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := session.Stop(stopCtx, "shutdown"); err != nil {
			L_warn("main: session stop", "error", err)
		}
	}()

	if cfg.Security.PolicyFile != "" {
		if err := session.Security().WatchPolicyFile(cfg.Security.PolicyFile); err != nil {
			L_warn("main: policy file watch failed", "path", cfg.Security.PolicyFile, "error", err)
		}
	}

	storePath := cfg.Store.Path
	if r.StorePath != "" {
		storePath = r.StorePath
	}
	if storePath != "" {
		st, err := store.Open(storePath)
		if err != nil {
			return err
		}
		defer st.Close()
		st.Archive(runCtx, session.ID(), session.Subscribe(), session.Downloads())
	}

	if r.Navigate != "" {
		if _, err := session.NewTab(runCtx, "about:blank"); err != nil {
			return err
		}
		if err := session.Navigate(runCtx, r.Navigate); err != nil {
			return err
		}
	}

	// Stream events to stdout until interrupted.
	sub := session.Subscribe()
	defer sub.Unsubscribe()
	for {
		ev, err := sub.Recv(runCtx)
		if err != nil {
			return nil
		}
		fmt.Printf("%s %s\n", ev.Time.Format("15:04:05.000"), ev)
	}
}

func (c *checkCmd) Run(cfg *config.Config) error {
	policy := cfg.Security.Policy
	if len(c.Allow) > 0 || len(c.Deny) > 0 || c.BlockIPs {
		policy = watchdogs.Policy{
			AllowedDomains:    c.Allow,
			ProhibitedDomains: c.Deny,
			BlockIPLiterals:   c.BlockIPs,
		}
	}

	wd, err := watchdogs.NewSecurityWatchdog(policy)
	if err != nil {
		return err
	}

	denied := 0
	for _, u := range c.URLs {
		if err := wd.Check(u); err != nil {
			denied++
			fmt.Printf("DENY  %s (%v)\n", u, err)
		} else {
			fmt.Printf("ALLOW %s\n", u)
		}
	}
	if denied > 0 {
		return fmt.Errorf("%d of %d URLs denied", denied, len(c.URLs))
	}
	return nil
}
