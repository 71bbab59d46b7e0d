package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"securechat/pkg/chatclient"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := chatclient.Main(ctx)
	stop()
	os.Exit(code)
}
