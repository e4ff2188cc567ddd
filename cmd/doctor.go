package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/workfarm/internal/config"
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
	fmt.Println("workfarm doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND — first run will prompt)")
	} else {
		fmt.Println(" (OK)")
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Binaries:")
	checkBinary("Worker", cfg.Worker.Bin)
	checkBinary("Oracle", cfg.Oracle.Bin)

	fmt.Println()
	fmt.Println("  Data dir:")
	dir := resolveDataDir()
	fmt.Printf("    %-10s %s", "Path:", dir)
	if err := checkWritable(dir); err != nil {
		fmt.Printf(" (NOT WRITABLE: %s)\n", err)
	} else {
		fmt.Println(" (OK)")
	}

	fmt.Println()
	fmt.Println("  Workspace roots:")
	roots := cfg.Roots()
	if len(roots) == 0 {
		fmt.Println("    none configured")
	}
	for _, root := range roots {
		fmt.Printf("    %s", root)
		if info, err := os.Stat(root); err != nil || !info.IsDir() {
			fmt.Println(" (MISSING)")
		} else {
			fmt.Println(" (OK)")
		}
	}
}

func checkBinary(label, bin string) {
	fmt.Printf("    %-10s %s", label+":", bin)
	if path, err := exec.LookPath(bin); err != nil {
		fmt.Println(" (NOT ON PATH)")
	} else {
		fmt.Printf(" (%s)\n", path)
	}
}

func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	probe := filepath.Join(dir, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return err
	}
	return os.Remove(probe)
}
