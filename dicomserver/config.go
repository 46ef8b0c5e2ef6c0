package dicomserver

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dimsenet/dimsenet/assoc"
)

// Config is the YAML-loadable server configuration: listen parameters,
// protocol limits, and the static directory of remote AEs the Move engine
// resolves destinations against.
type Config struct {
	AETitle      string        `yaml:"ae_title"`
	Listen       string        `yaml:"listen"`
	MaxPDULength uint32        `yaml:"max_pdu_length"`
	ACSETimeout  time.Duration `yaml:"acse_timeout"`
	DIMSETimeout time.Duration `yaml:"dimse_timeout"`

	RemoteAEs []assoc.AEEntry `yaml:"remote_aes"`
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.Listen == "" {
		cfg.Listen = ":11112"
	}
	if cfg.AETitle == "" {
		cfg.AETitle = "DIMSENET"
	}
	return &cfg, nil
}

// Directory builds the AE directory from the configured remote AEs.
func (c *Config) Directory() *assoc.AEDirectory {
	d := assoc.NewAEDirectory()
	for _, e := range c.RemoteAEs {
		d.Add(e)
	}
	return d
}
