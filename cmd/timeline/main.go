package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "timeline",
	Short: "Ranked, cached per-user timeline service",
	Long:  "timeline serves paginated ranked feeds built from public, circle and group posts, and keeps the Redis page cache fresh.",
	// 配置通过 config.yaml / .env / TIMELINE_* 环境变量提供
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(relayCmd)
	rootCmd.AddCommand(migrateCmd)
}

// @title Timeline Feed API
// @version 1.0
// @description 个性化时间线：多来源聚合、相关性排序、游标分页与 Redis 页面缓存
// @BasePath /
func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
