package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentforge/forge/internal/config"
	"github.com/agentforge/forge/internal/store"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("forge doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	fmt.Println("  External Tools:")
	checkBinary("tmux")
	checkBinary("git")
	checkBinary("curl")

	cfgPath := resolveConfigPath()
	fmt.Println()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, defaults apply)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Projects:")
	names := cfg.ProjectNames()
	if len(names) == 0 {
		fmt.Println("    (none configured)")
	}
	for _, name := range names {
		p, _ := cfg.Project(name)
		path := config.ExpandHome(p.Path)
		status := "OK"
		if _, err := os.Stat(path); err != nil {
			status = "PATH NOT FOUND"
		} else if _, err := os.Stat(filepath.Join(path, ".git")); err != nil {
			status = "NOT A GIT REPOSITORY"
		}
		fmt.Printf("    %-16s %s (%s)\n", name+":", path, status)
	}

	fmt.Println()
	fmt.Println("  Connectors:")
	if len(cfg.Connectors) == 0 {
		fmt.Println("    (none configured)")
	}
	for id, cc := range cfg.Connectors {
		status := "disabled"
		if cc.Enabled && cc.Credentials["bot_token"] != "" {
			status = "enabled"
		} else if cc.Enabled {
			status = "enabled (missing bot_token)"
		}
		fmt.Printf("    %-16s %s (%s)\n", id+":", cc.Type, status)
	}

	fmt.Println()
	checkProvider("Anthropic", config.AnthropicAPIKey())

	dbPath := config.ExpandHome(cfg.Defaults.DBPath)
	fmt.Printf("  Database: %s", dbPath)
	if db, err := store.Open(dbPath); err != nil {
		fmt.Printf(" (OPEN FAILED: %s)\n", err)
	} else {
		db.Close()
		fmt.Println(" (OK)")
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkProvider(name, apiKey string) {
	if len(apiKey) >= 8 {
		masked := apiKey[:4] + strings.Repeat("*", len(apiKey)-8) + apiKey[len(apiKey)-4:]
		fmt.Printf("  %-10s %s\n", name+":", masked)
	} else if apiKey != "" {
		fmt.Printf("  %-10s (set)\n", name+":")
	} else {
		fmt.Printf("  %-10s (not configured — summaries and relay extraction fall back to heuristics)\n", name+":")
	}
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-8s NOT FOUND\n", name+":")
	} else {
		fmt.Printf("    %-8s %s\n", name+":", path)
	}
}
