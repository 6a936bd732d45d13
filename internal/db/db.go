// Package db loads the connection descriptor of the curation database and
// opens it with the matching gorm dialector.
package db

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/glebarez/sqlite"
	"github.com/spf13/viper"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/figcuration/curator/pkg/store"
)

// Supported database types.
const (
	TypePostgres = "postgres"
	TypeMySQL    = "mysql"
	TypeSQLite   = "sqlite"
)

// Descriptor describes how to reach the database.
type Descriptor struct {
	Type string `mapstructure:"type"`
	// DSN wins over the individual connection fields when set.
	DSN      string `mapstructure:"dsn"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
	// Attach maps schema names to database files. SQLite has no schemas, so
	// each one is attached as a separate database.
	Attach   map[string]string `mapstructure:"attach"`
	LogLevel string            `mapstructure:"log_level"`
}

// LoadDescriptor reads a descriptor file (YAML, JSON or TOML, by extension).
// CURATOR_DB_<KEY> environment variables override file values.
func LoadDescriptor(path string) (Descriptor, error) {
	v := viper.New()
	v.SetDefault("type", TypePostgres)
	v.SetDefault("dsn", "")
	v.SetDefault("host", "localhost")
	v.SetDefault("port", 0)
	v.SetDefault("user", "")
	v.SetDefault("password", "")
	v.SetDefault("database", "")
	v.SetDefault("sslmode", "disable")
	v.SetDefault("log_level", "warn")
	v.SetEnvPrefix("CURATOR_DB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Descriptor{}, fmt.Errorf("read database descriptor %s: %w", path, err)
	}
	var d Descriptor
	if err := v.Unmarshal(&d); err != nil {
		return Descriptor{}, fmt.Errorf("decode database descriptor %s: %w", path, err)
	}
	d.Type = strings.ToLower(d.Type)
	if err := d.Validate(); err != nil {
		return Descriptor{}, fmt.Errorf("database descriptor %s: %w", path, err)
	}
	return d, nil
}

// Validate checks that the descriptor is complete for its type.
func (d Descriptor) Validate() error {
	switch d.Type {
	case TypePostgres, TypeMySQL:
		if d.DSN == "" && d.Database == "" {
			return fmt.Errorf("%s needs a dsn or a database name", d.Type)
		}
		if len(d.Attach) > 0 {
			return fmt.Errorf("attach is only supported for sqlite")
		}
	case TypeSQLite:
		if d.DSN == "" {
			return fmt.Errorf("sqlite needs a dsn (file path or :memory:)")
		}
		for schema := range d.Attach {
			if err := store.ValidateIdentifier(schema); err != nil {
				return fmt.Errorf("attach: %w", err)
			}
		}
	default:
		return fmt.Errorf("unsupported database type %q", d.Type)
	}
	if _, err := d.logLevel(); err != nil {
		return err
	}
	return nil
}

// PostgresDSN returns the key/value connection string.
func (d Descriptor) PostgresDSN() string {
	if d.DSN != "" {
		return d.DSN
	}
	port := d.Port
	if port == 0 {
		port = 5432
	}
	parts := []string{
		"host=" + d.Host,
		"port=" + strconv.Itoa(port),
		"dbname=" + d.Database,
		"sslmode=" + d.SSLMode,
	}
	if d.User != "" {
		parts = append(parts, "user="+d.User)
	}
	if d.Password != "" {
		parts = append(parts, "password="+d.Password)
	}
	return strings.Join(parts, " ")
}

// MySQLDSN returns a go-sql-driver DSN with time parsing enabled. Affected
// row counts report matched rows, as on the other dialects.
func (d Descriptor) MySQLDSN() string {
	if d.DSN != "" {
		return d.DSN
	}
	port := d.Port
	if port == 0 {
		port = 3306
	}
	cfg := gomysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(d.Host, strconv.Itoa(port))
	cfg.User = d.User
	cfg.Passwd = d.Password
	cfg.DBName = d.Database
	cfg.ParseTime = true
	cfg.ClientFoundRows = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN()
}

func (d Descriptor) logLevel() (logger.LogLevel, error) {
	switch strings.ToLower(d.LogLevel) {
	case "", "warn":
		return logger.Warn, nil
	case "silent":
		return logger.Silent, nil
	case "error":
		return logger.Error, nil
	case "info":
		return logger.Info, nil
	}
	return 0, fmt.Errorf("unsupported log_level %q", d.LogLevel)
}

func (d Descriptor) dialector() gorm.Dialector {
	switch d.Type {
	case TypeMySQL:
		return mysql.Open(d.MySQLDSN())
	case TypeSQLite:
		return sqlite.Open(d.DSN)
	default:
		return postgres.Open(d.PostgresDSN())
	}
}

// Open connects to the database described by d. For SQLite every attached
// schema is attached and the pool is pinned to one connection, since
// attachments are per connection.
func Open(d Descriptor) (*gorm.DB, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	level, _ := d.logLevel()
	gdb, err := gorm.Open(d.dialector(), &gorm.Config{
		Logger: logger.Default.LogMode(level),
	})
	if err != nil {
		return nil, fmt.Errorf("connect to %s database: %w", d.Type, err)
	}
	if d.Type != TypeSQLite || len(d.Attach) == 0 {
		return gdb, nil
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	for schema, file := range d.Attach {
		if err := gdb.Exec("ATTACH DATABASE ? AS "+schema, file).Error; err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("attach %s: %w", schema, err)
		}
	}
	return gdb, nil
}

// Close releases the connection pool of gdb.
func Close(gdb *gorm.DB) error {
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
