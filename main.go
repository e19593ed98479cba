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

	"hearth/internal/app"
	"hearth/internal/config"
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
		fmt.Printf("hearth v%s\n", appVersion)
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
	case "peer":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: peer command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: hearth peer <peer-directory>")
			os.Exit(1)
		}
		runCLIPeer(args[1])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func runCLIPeer(peerDirArg string) {
	absDir, err := filepath.Abs(peerDirArg)
	if err != nil {
		log.Fatalf("invalid peer directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, "hearth.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if created {
		log.Printf("wrote default config: %s", cfgPath)
	}

	printPeerBanner(absDir, cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutting down gracefully...")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{
		PeerDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("peer failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("hearth - peer-to-peer ephemeral chat and calling")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  hearth peer <directory>    Run a peer from the given directory")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Example:")
	fmt.Println("  hearth peer ./peers/mypeer")
}

func printPeerBanner(peerDir, cfgPath string, cfg config.Config) {
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println("  hearth peer")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Printf("Peer directory: %s\n", peerDir)
	fmt.Printf("Config file:    %s\n", cfgPath)
	fmt.Printf("Room:           %s\n", cfg.Room.Name)
	if cfg.Profile.Name != "" {
		fmt.Printf("Profile name:   %s\n", cfg.Profile.Name)
	}
	fmt.Printf("Trust mode:     %s\n", cfg.Trust.Mode)
	fmt.Println()
	fmt.Println("Starting peer... (Ctrl+C to stop, SIGUSR1 for a status dump)")
	fmt.Println("────────────────────────────────────────────────────────")
}
