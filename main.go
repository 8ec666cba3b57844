package main

import (
	"github.com/joho/godotenv"

	"github.com/avickers/meshtalk/cmd"
	"github.com/avickers/meshtalk/internal/logging"
)

func main() {
	// Optional .env for local development; missing file is fine
	_ = godotenv.Load()

	logging.Init()
	cmd.Execute()
}
