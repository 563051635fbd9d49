package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Zuo-Peng/ccsearch/internal/index"
	"github.com/Zuo-Peng/ccsearch/internal/scan"
)

func doctorCmd() *cobra.Command {
	var rebuild bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Self-check: verify the projects root, database and full-text indexes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			fmt.Println("=== Projects root ===")
			checkDir("Local", cfg.ProjectsRoot)
			files, err := scan.Files(cfg.ProjectsRoot)
			if err != nil {
				fmt.Printf("  scan error: %v\n", err)
			} else {
				fmt.Printf("  Session logs: %d\n", len(files))
			}
			if cfg.Remote.Enabled {
				token := "set"
				if cfg.Remote.Token() == "" {
					token = "MISSING"
				}
				fmt.Printf("  Remote: %s (token $%s %s)\n", cfg.Remote.APIBase, cfg.Remote.TokenEnv, token)
			}

			fmt.Println("\n=== Database ===")
			fmt.Printf("  Path: %s\n", cfg.DBPath)
			if _, err := os.Stat(cfg.DBPath); os.IsNotExist(err) {
				fmt.Println("  Status: NOT FOUND (run 'ccs index' first)")
				return nil
			}

			db, err := index.OpenDB(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			defer db.Close()

			st, err := db.Stats(ctx)
			if err != nil {
				return fmt.Errorf("stats: %w", err)
			}
			fmt.Printf("  Sessions:     %d\n", st.Sessions)
			fmt.Printf("  Messages:     %d\n", st.Messages)
			fmt.Printf("  Tool usages:  %d\n", st.ToolUsages)
			fmt.Printf("  Interactions: %d\n", st.Interactions)
			fmt.Printf("  Commits:      %d\n", st.Commits)
			if st.LastRun != nil {
				fmt.Printf("  Last run:     %s (indexed=%d failed=%d)\n",
					st.LastRun.StartedAt.Local().Format("2006-01-02 15:04:05"), st.LastRun.Indexed, st.LastRun.Failed)
			}

			fmt.Println("\n=== FTS5 ===")
			if rebuild {
				if err := db.RebuildIndex(ctx); err != nil {
					return fmt.Errorf("rebuild: %w", err)
				}
				fmt.Println("  Rebuilt all full-text indexes")
			}
			if err := db.IntegrityCheck(ctx); err != nil {
				fmt.Printf("  Status: FAILED (%v)\n", err)
				fmt.Println("  Run 'ccs doctor --rebuild' to rebuild the indexes")
			} else {
				fmt.Println("  Status: OK (synced)")
			}

			if info, err := os.Stat(cfg.DBPath); err == nil {
				sizeMB := float64(info.Size()) / 1024 / 1024
				fmt.Printf("\n=== DB Size: %.1f MB ===\n", sizeMB)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&rebuild, "rebuild", false, "Rebuild the full-text indexes from the stored rows")
	return cmd
}

func checkDir(name, path string) {
	if info, err := os.Stat(path); err != nil {
		fmt.Printf("  %s: %s (NOT FOUND)\n", name, path)
	} else if !info.IsDir() {
		fmt.Printf("  %s: %s (NOT A DIRECTORY)\n", name, path)
	} else {
		fmt.Printf("  %s: %s (OK)\n", name, path)
	}
}
