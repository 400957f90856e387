package config

import (
	"bytes"
	"flag"
	"io"
	"os"

	"github.com/drone/envsubst"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/JasonLou99/hala-kv/kvstore/proxy"
	"github.com/JasonLou99/hala-kv/store"
	"github.com/JasonLou99/hala-kv/util"
)

const (
	configFileOption = "config.file"
	configExpandEnv  = "config.expand-env"
)

// Config is the configuration of one hala-kv node.
type Config struct {
	ConfigFile      string `yaml:"-"`
	ConfigExpandEnv bool   `yaml:"-"`

	Proxy proxy.Config `yaml:",inline"`
	Cache store.Config `yaml:"cache"`

	// Address the gRPC server binds to. Defaults to the local peer address.
	GRPCListenAddress string `yaml:"grpc_listen_address"`
	HTTPListenAddress string `yaml:"http_listen_address"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func (c *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&c.ConfigFile, configFileOption, "", "YAML file to load. Flags given on the command line take precedence over it.")
	f.BoolVar(&c.ConfigExpandEnv, configExpandEnv, false, "Expands ${var} in the config file according to the values of the environment variables.")

	c.Proxy.RegisterFlags(f)
	c.Cache.RegisterFlagsWithPrefix("cache.", f)

	f.StringVar(&c.GRPCListenAddress, "grpc.listen-address", "", "Address for the gRPC server. Defaults to -local-peer.")
	f.StringVar(&c.HTTPListenAddress, "http.listen-address", ":8080", "Address for the REST and metrics server.")
	f.StringVar(&c.LogLevel, "log.level", "info", "Only log messages with the given severity or above. Valid levels: [debug, info, warn, error]")
	f.StringVar(&c.LogFormat, "log.format", util.LogFormatLogfmt, "Output log messages in the given format. Valid formats: [logfmt, json]")
}

func (c *Config) Validate() error {
	if err := c.Proxy.Validate(); err != nil {
		return errors.Wrap(err, "invalid peer config")
	}
	if err := c.Cache.Validate(); err != nil {
		return errors.Wrap(err, "invalid cache config")
	}
	if c.HTTPListenAddress == "" {
		return errors.New("http listen address must be set")
	}
	if _, err := util.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != util.LogFormatLogfmt && c.LogFormat != util.LogFormatJSON {
		return errors.Errorf("unrecognized log format %q", c.LogFormat)
	}
	return nil
}

// GRPCAddress returns the address the gRPC server should bind to.
func (c *Config) GRPCAddress() string {
	if c.GRPCListenAddress != "" {
		return c.GRPCListenAddress
	}
	return c.Proxy.LocalPeer
}

// Load builds the configuration from the flag defaults, then the config file
// named by -config.file if any, then the flags in args.
func Load(args []string, f *flag.FlagSet) (*Config, error) {
	cfg := &Config{}
	cfg.RegisterFlags(f)

	if file, expandEnv := parseConfigFileParameter(args); file != "" {
		if err := loadFile(file, cfg, expandEnv); err != nil {
			return nil, err
		}
	}
	if err := f.Parse(args); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseConfigFileParameter finds -config.file and -config.expand-env in args
// before the real flag set is parsed.
func parseConfigFileParameter(args []string) (configFile string, expandEnv bool) {
	// Errors are reported by the main Parse call.
	fs := flag.NewFlagSet("", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&configFile, configFileOption, "", "")
	fs.BoolVar(&expandEnv, configExpandEnv, false, "")

	// Parsing stops at the first unknown flag, so keep dropping arguments
	// until the options are found or nothing is left.
	for len(args) > 0 {
		_ = fs.Parse(args)
		args = args[1:]
	}
	return
}

func loadFile(filename string, cfg *Config, expandEnv bool) error {
	buf, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrap(err, "error reading config file")
	}
	if expandEnv {
		s, err := envsubst.EvalEnv(string(buf))
		if err != nil {
			return errors.Wrap(err, "error expanding env vars in config file")
		}
		buf = []byte(s)
	}
	return unmarshal(buf, cfg)
}

func unmarshal(buf []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(buf))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return errors.Wrap(err, "error parsing config file")
	}
	return nil
}
