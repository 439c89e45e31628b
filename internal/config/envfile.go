package config

import (
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// envFileNames are tried in order; earlier files win because godotenv never overrides a set variable.
var envFileNames = []string{".env.local", ".env"}

// loadEnvFiles sets environment variables from .env.local and .env.
// Looks in the current working directory and in the directory of the executable.
// Only sets variables that are not already set. Called when DATABASE_URL is missing.
func loadEnvFiles() {
	for _, dir := range envSearchDirs() {
		for _, name := range envFileNames {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err != nil {
				continue
			}
			_ = godotenv.Load(path)
		}
	}
}

func envSearchDirs() []string {
	var dirs []string
	if cwd, err := os.Getwd(); err == nil {
		dirs = append(dirs, cwd)
	}
	if exe, err := os.Executable(); err == nil {
		if dir := filepath.Dir(exe); dir != "" && (len(dirs) == 0 || dir != dirs[0]) {
			dirs = append(dirs, dir)
		}
	}
	return dirs
}
