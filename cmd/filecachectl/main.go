// Command filecachectl inspects and maintains a filecache directory.
//
//	filecachectl --dir /var/cache/app set user:1 '{"name":"ann"}' --ttl 1h
//	filecachectl --dir /var/cache/app get user:1
//	filecachectl --dir /var/cache/app janitor
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
