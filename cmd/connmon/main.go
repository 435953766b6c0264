// Package main enables connmon to execute as a CLI tool
package main

import (
	"os"

	"github.com/znamenap/connmon/internal/app"
)

func main() {
	os.Exit(app.Run())
}
