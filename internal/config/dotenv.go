package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	dotenvOnce sync.Once
	dotenvPath string
	dotenvErr  error
)

// EnsureDotEnv loads the nearest .env once per process. Variables already
// exported in the environment take precedence over the file.
func EnsureDotEnv() error {
	// 单测默认不读取开发者本地 .env，GOTEST_LOAD_DOTENV=1 时才加载。
	if underGoTest() && os.Getenv("GOTEST_LOAD_DOTENV") != "1" {
		return nil
	}
	dotenvOnce.Do(func() {
		wd, err := os.Getwd()
		if err != nil {
			dotenvErr = errors.Wrap(err, "config: resolve working dir")
			return
		}
		dotenvPath, dotenvErr = LoadDotEnvFrom(wd)
		if dotenvErr != nil {
			log.Warn().Err(dotenvErr).Msg("devicesim: load .env failed")
		} else if dotenvPath != "" {
			log.Debug().Str("dotenv", dotenvPath).Msg("devicesim: loaded .env")
		}
	})
	return dotenvErr
}

// DotEnvPath returns the .env file loaded by EnsureDotEnv, or "".
func DotEnvPath() string {
	return dotenvPath
}

// LoadDotEnvFrom walks from dir towards the filesystem root and loads the
// first .env it finds. It returns the loaded path, "" when none exists.
func LoadDotEnvFrom(dir string) (string, error) {
	for {
		candidate := filepath.Join(dir, ".env")
		info, err := os.Stat(candidate)
		switch {
		case err == nil && !info.IsDir():
			if err := godotenv.Load(candidate); err != nil {
				return "", errors.Wrapf(err, "config: parse %s", candidate)
			}
			return candidate, nil
		case err != nil && !os.IsNotExist(err):
			return "", errors.Wrapf(err, "config: stat %s", candidate)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil
		}
		dir = parent
	}
}

func underGoTest() bool {
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
