package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const EnvPrefix = "MAGICCHAIN_"

// LoadDotEnv 依次尝试加载 .env，已存在的环境变量不会被覆盖；返回加载成功的路径
func LoadDotEnv(paths ...string) string {
	if len(paths) == 0 {
		paths = []string{".env", "../.env", "../../.env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err == nil {
			return p
		}
	}
	return ""
}

// ApplyEnv 用 MAGICCHAIN_* 环境变量覆盖配置
func (c *Config) ApplyEnv() error {
	var errs []string
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s=%q: %v", EnvPrefix, name, v, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s=%q: %v", EnvPrefix, name, v, err))
				return
			}
			*dst = b
		}
	}
	float := func(name string, dst *float64) {
		if v, ok := lookup(name); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s=%q: %v", EnvPrefix, name, v, err))
				return
			}
			*dst = f
		}
	}
	duration := func(name string, dst *Duration) {
		if v, ok := lookup(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s=%q: %v", EnvPrefix, name, v, err))
				return
			}
			*dst = Duration(d)
		}
	}

	str("ADDR", &c.Server.Addr)
	str("HTTP3_ADDR", &c.Server.HTTP3Addr)
	float("RATE_LIMIT", &c.Server.RateLimit)
	integer("RATE_BURST", &c.Server.RateBurst)

	str("POLICY", &c.Consensus.Policy)
	integer("FIXED_COUNT", &c.Consensus.FixedCount)
	integer("TOTAL_NODES", &c.Consensus.TotalNodes)
	duration("TX_WINDOW", &c.Consensus.TransactionWindow)
	duration("ROUND_TIMEOUT", &c.Consensus.RoundTimeout)

	integer("BLANKS", &c.Puzzle.Blanks)
	boolean("REQUIRE_UNIQUE", &c.Puzzle.RequireUnique)

	integer("SUBSCRIBER_BUFFER", &c.Broadcast.SubscriberBuffer)

	str("DB_PATH", &c.Database.Path)

	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("LOG_FILE", &c.Log.File)

	str("SERVER_URL", &c.Client.ServerURL)
	str("NODE_ID", &c.Client.NodeID)
	str("DATA_DIR", &c.Client.DataDir)
	boolean("USE_HTTP3", &c.Client.UseHTTP3)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

func lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}
