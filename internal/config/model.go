// internal/config/model.go
//
// Typed configuration model for flexcache.
//
// Context
// -------
// These structs define the shape of the configuration tree that
// `internal/config/loader.go` builds from three overlay layers:
//
//   - optional `.env`                        dotenv values,
//   - `conf/global.yaml`                     primary static file,
//   - `FLEX_`-prefixed environment overrides highest precedence.
//
// Secret fields (database.password, redis.password, http.admin_token) may
// hold a `vault:<path>#<key>` reference.  cmd/web resolves those through
// the Vault client after Load, so the rest of the app only sees plain
// strings.
//
// Notes
// -----
//   - Struct tags use `koanf:"..."`, not `yaml:"..."`.  Koanf ignores
//     `yaml` tags unless configured otherwise.
//   - The `Paths` block is filled at runtime; YAML must not try to set it.
//   - Oxford commas, two spaces after periods.  No em-dash.
package config

import "time"

//
// HTTP section
//

// HTTP holds web-server tunables.
type HTTP struct {
	ListenAddr   string        `koanf:"listen_addr"   validate:"required,hostname_port"`
	ForceHTTPS   bool          `koanf:"force_https"`
	AdminToken   string        `koanf:"admin_token"`
	ReadTimeout  time.Duration `koanf:"read_timeout"  validate:"gte=0"`
	WriteTimeout time.Duration `koanf:"write_timeout" validate:"gte=0"`
	IdleTimeout  time.Duration `koanf:"idle_timeout"  validate:"gte=0"`
}

//
// Cache section
//

// Cache sizes the stores.  Capacities below 2 are clamped by the stores
// themselves, so validation only rejects negatives.  A "*" in Preload
// stands for every path the element definitions declare.
type Cache struct {
	URICapacity     int      `koanf:"uri_capacity"     validate:"gte=0"`
	ElementCapacity int      `koanf:"element_capacity" validate:"gte=0"`
	VariantCapacity int      `koanf:"variant_capacity" validate:"gte=0"`
	MaxDepth        int      `koanf:"max_depth"        validate:"gte=0"`
	Preload         []string `koanf:"preload"          validate:"dive,startswith=/|eq=*"`
	WarmConcurrency int      `koanf:"warm_concurrency" validate:"gte=0"`
}

//
// Templates section
//

// Templates locates producer inputs.  Relative paths are joined to
// Paths.Root by the loader.
type Templates struct {
	Dir         string `koanf:"dir"         validate:"required"`
	Definitions string `koanf:"definitions" validate:"required"`
	Timezone    string `koanf:"timezone"`
}

//
// Database section
//

// Database configures the optional SQL URI locator.  An empty DSN disables
// it.  The DSN may contain one `%s` verb that receives Password, keeping
// the secret out of YAML.
type Database struct {
	DSN      string `koanf:"dsn"      validate:"dsn_secret"`
	Password string `koanf:"password"`
}

//
// Redis section
//

// Redis configures the publish-event transport.  An empty Addr disables it.
type Redis struct {
	Addr     string `koanf:"addr"     validate:"omitempty,hostname_port"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"       validate:"gte=0"`
	Channel  string `koanf:"channel"  validate:"required_with=Addr"`
}

//
// Geo and Log sections
//

// Geo points at an optional GeoLite2 database.
type Geo struct {
	DBPath string `koanf:"db_path"`
}

// Log configures the file logger.
type Log struct {
	Dir   string `koanf:"dir"`
	Level string `koanf:"level" validate:"omitempty,oneof=debug info warn error"`
}

//
// Paths section (runtime only)
//

// Paths is resolved at runtime, never set in YAML or env.  The loader
// discovers `Root` (repo root or FLEX_ROOT override) so later code can
// build absolute file paths.
type Paths struct {
	Root string
}

//
// Root aggregate
//

// Config is the immutable aggregate returned by Load() and cached in an
// atomic.Pointer for lock-free reads throughout the app lifetime.
type Config struct {
	HTTP      HTTP      `koanf:"http"`
	Cache     Cache     `koanf:"cache"`
	Templates Templates `koanf:"templates"`
	Database  Database  `koanf:"database"`
	Redis     Redis     `koanf:"redis"`
	Geo       Geo       `koanf:"geo"`
	Log       Log       `koanf:"log"`
	Project   string    `koanf:"project"`
	Paths     Paths     `koanf:"-"`
}

// Secrets returns pointers to every field that may hold a vault reference.
func (c *Config) Secrets() []*string {
	return []*string{&c.Database.Password, &c.Redis.Password, &c.HTTP.AdminToken}
}
