package config

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/samber/lo"
)

// envFileCandidates lists the dotenv files consulted before the config file,
// highest priority first.
func envFileCandidates() []string {
	var paths []string
	if explicit := strings.TrimSpace(os.Getenv("CONCORD_ENV_FILE")); explicit != "" {
		paths = append(paths, explicit)
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".config", "concord", "env"),
			filepath.Join(home, ConfigDir, "env"),
		)
	}
	paths = lo.Map(paths, func(p string, _ int) string {
		if abs, err := filepath.Abs(p); err == nil {
			return abs
		}
		return p
	})
	return lo.Uniq(paths)
}

// LoadEnvFileCandidates exports every variable found in the candidate env
// files. Variables already present in the process environment win, and so
// do earlier files.
func LoadEnvFileCandidates() {
	for _, p := range envFileCandidates() {
		_ = loadEnvFile(p)
	}
}

func loadEnvFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	pairs, err := parseEnv(f)
	if err != nil {
		return err
	}
	for _, kv := range pairs {
		if _, set := os.LookupEnv(kv[0]); !set {
			_ = os.Setenv(kv[0], kv[1])
		}
	}
	return nil
}

// parseEnv reads KEY=VALUE lines in file order. Blank lines, comments and
// lines without a key are skipped; an "export " prefix is allowed.
func parseEnv(r io.Reader) ([][2]string, error) {
	var pairs [][2]string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, val, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		pairs = append(pairs, [2]string{key, trimOptionalQuotes(strings.TrimSpace(val))})
	}
	return pairs, sc.Err()
}

func trimOptionalQuotes(v string) string {
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	return v
}
