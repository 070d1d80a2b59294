package main

import (
	"context"
	"fmt"
	"os"

	"github.com/haatos/simple-cd/internal/cli"

	_ "modernc.org/sqlite"
)

func main() {
	if err := cli.Execute(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
