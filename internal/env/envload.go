// Package env resolves the process environment for labsched. A `.env` file in
// the working directory (or any parent, nearest wins) is loaded once so lab
// operators can keep LABSCHED_* settings next to the deployment instead of in
// shell profiles.
package env

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

var loader struct {
	once sync.Once
	path string
	err  error
}

// Ensure loads the nearest .env file exactly once. Under `go test` it is a
// no-op unless GOTEST_LOAD_DOTENV=1, so a developer's local .env never bleeds
// into test runs.
func Ensure() error {
	if isTestBinary() && os.Getenv("GOTEST_LOAD_DOTENV") != "1" {
		return nil
	}
	loader.once.Do(load)
	return loader.err
}

// LoadedPath reports which .env file Ensure applied, or "" if none was found.
func LoadedPath() string {
	return loader.path
}

func load() {
	path, err := locateDotEnv()
	if err != nil {
		loader.err = err
		log.Debug().Err(err).Msg("labsched: .env lookup failed")
		return
	}
	if path == "" {
		return
	}
	if err := godotenv.Load(path); err != nil {
		loader.err = err
		log.Warn().Err(err).Str("dotenv", path).Msg("labsched: .env load failed")
		return
	}
	loader.path = path
	log.Debug().Str("dotenv", path).Msg("labsched: environment loaded")
}

func isTestBinary() bool {
	if strings.HasSuffix(os.Args[0], ".test") {
		return true
	}
	for _, arg := range os.Args[1:] {
		if strings.HasPrefix(arg, "-test.") {
			return true
		}
	}
	return false
}

// locateDotEnv walks from the working directory toward the filesystem root
// and returns the first .env file it meets.
func locateDotEnv() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		candidate := filepath.Join(dir, ".env")
		info, err := os.Stat(candidate)
		switch {
		case err == nil && !info.IsDir():
			return candidate, nil
		case err != nil && !errors.Is(err, os.ErrNotExist):
			return "", err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil
		}
		dir = parent
	}
}
