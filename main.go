// main.go
package main

import (
	"Shellback/cmd"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
)

const banner = `
   _________.__           .__  .__ ___.                 __
  /   _____/|  |__   ____ |  | |  |\_ |__ _____    ____ |  | __
  \_____  \ |  |  \_/ __ \|  | |  | | __ \\__  \ _/ ___\|  |/ /
  /        \|   Y  \  ___/|  |_|  |_| \_\ \/ __ \\  \___|    <
 /_______  /|___|  /\___  >____/____/___  (____  /\___  >__|_ \
         \/      \/     \/              \/     \/     \/     \/

	Donchian breakouts, pyramids, and 2N stops -- slow and steady.
[]=========================================================================[]
`

func main() {
	fmt.Print(banner)

	// API keys live in the environment; a local .env is optional.
	if err := godotenv.Load(); err == nil {
		fmt.Println(">> Loaded environment overrides from .env")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		fmt.Printf("Received signal: %v, initiating graceful shutdown.\n", sig)
		cancel()
	}()

	cmd.Execute(ctx)
}
