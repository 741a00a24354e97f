// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/petervdpas/friendrelay/internal/app"
	"github.com/petervdpas/friendrelay/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("friendrelay v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	switch command := args[0]; command {
	case "serve":
		if len(args) < 2 {
			usageError("serve command requires a data directory", "friendrelay serve <data-directory>")
		}
		runServe(args[1])

	case "init":
		if len(args) < 2 {
			usageError("init command requires a data directory", "friendrelay init <data-directory>")
		}
		runInit(args[1])

	case "useradd":
		if len(args) < 4 {
			usageError("useradd command requires a data directory, username and password",
				"friendrelay useradd <data-directory> <username> <password>")
		}
		runUserAdd(args[1], args[2], args[3])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func usageError(msg, usage string) {
	fmt.Fprintln(os.Stderr, "Error: "+msg)
	fmt.Fprintln(os.Stderr, "Usage: "+usage)
	os.Exit(1)
}

// dataDir resolves dirArg and creates it if missing.
func dataDir(dirArg string) string {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid data directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Cannot create data directory: %v", err)
	}
	return absDir
}

func runServe(dirArg string) {
	absDir := dataDir(dirArg)
	cfgPath := filepath.Join(absDir, config.FileName)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		fmt.Printf("Wrote default config to %s\n", cfgPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Println("Starting relay... (Press Ctrl+C to stop)")
	if err := app.Run(ctx, app.Options{
		DataDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("Relay failed: %v", err)
	}
}

func runInit(dirArg string) {
	absDir := dataDir(dirArg)
	cfgPath := filepath.Join(absDir, config.FileName)
	cfg, _, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg = app.PromptInteractive(os.Stdin, os.Stdout, absDir, cfgPath, cfg)
	if err := config.Save(cfgPath, cfg); err != nil {
		log.Fatalf("Failed to save config: %v", err)
	}
	fmt.Printf("Saved %s\n", cfgPath)
}

func runUserAdd(dirArg, username, password string) {
	absDir := dataDir(dirArg)
	cfg, err := config.Load(filepath.Join(absDir, config.FileName))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := app.AddUser(context.Background(), absDir, cfg, username, password); err != nil {
		log.Fatalf("useradd: %v", err)
	}
	fmt.Printf("Stored credentials for %s\n", username)
}

func showUsage() {
	fmt.Println("friendrelay - presence-aware message relay")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  friendrelay serve <directory>                 Run the relay")
	fmt.Println("  friendrelay init <directory>                  Write a config interactively")
	fmt.Println("  friendrelay useradd <directory> <user> <pw>   Create or reset an account")
	fmt.Println()
	fmt.Println("The directory holds relay.json and the SQLite database.")
	fmt.Println("Settings can be overridden with FRIENDRELAY_* environment variables.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
}
