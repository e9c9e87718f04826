// gentoken 执行 StandX 登录流程并写出 auth 文件。
// 钱包地址与私钥从环境变量 STANDX_ADDR / STANDX_PK 读取，支持 .env。
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"standx-quoter/auth"
	"standx-quoter/infrastructure/logger"
)

func main() {
	envFile := flag.String("env", ".env", ".env 文件路径，不存在则忽略")
	out := flag.String("out", "standx_auth.json", "auth 文件输出路径")
	chain := flag.String("chain", "bsc", "链标识")
	baseURL := flag.String("baseURL", "", "覆盖登录服务地址")
	expires := flag.Int("expires", 604800, "令牌有效期（秒）")
	flag.Parse()

	_ = godotenv.Load(*envFile)

	addr := os.Getenv("STANDX_ADDR")
	pk := os.Getenv("STANDX_PK")
	if addr == "" || pk == "" {
		log.Fatal("需要 STANDX_ADDR 与 STANDX_PK 环境变量（可放在 .env）")
	}

	cfg := auth.DefaultConfig()
	cfg.Chain = *chain
	cfg.ExpiresSeconds = *expires
	if *baseURL != "" {
		cfg.BaseURL = *baseURL
	}

	lg, err := logger.New(logger.Config{Level: "info", Outputs: []string{"stdout"}, Format: "console"})
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer lg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	token, session, err := auth.NewClient(cfg, lg.Logger).GenerateToken(ctx, addr, pk)
	if err != nil {
		log.Fatalf("登录失败: %v", err)
	}
	if err := auth.WriteAuthFile(*out, token, session); err != nil {
		log.Fatalf("写 auth 文件失败: %v", err)
	}
	fmt.Printf("auth file written: %s\n", *out)
}
